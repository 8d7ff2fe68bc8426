package auth

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk users list:
//
//	users:
//	  - name: alice
//	    password: secret
//	  - name: bob
//	    password_hash: $2a$10$...
type File struct {
	Users []FileUser `yaml:"users"`
}

// FileUser carries exactly one of Password or PasswordHash (bcrypt).
type FileUser struct {
	Name         string `yaml:"name"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
}

// LoadFile reads a users file from path.
func LoadFile(path string) (*Authenticator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open users file: %w", err)
	}
	defer f.Close()

	a, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("users file %s: %w", path, err)
	}
	return a, nil
}

// Load parses a users file. Entries with an empty name, without exactly one
// of password or password_hash, or with a name that appears twice, are
// errors.
func Load(r io.Reader) (*Authenticator, error) {
	var file File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse users: %w", err)
	}

	a := New()
	for i, fu := range file.Users {
		if fu.Name == "" {
			return nil, fmt.Errorf("user %d: name is required", i)
		}
		if (fu.Password == "") == (fu.PasswordHash == "") {
			return nil, fmt.Errorf("user %q: exactly one of password and password_hash is required", fu.Name)
		}
		if len(fu.Name) > 255 || len(fu.Password) > 255 {
			return nil, fmt.Errorf("user %q: name and password are limited to 255 bytes", fu.Name)
		}

		u := NewUser(fu.Name, fu.Password)
		if fu.PasswordHash != "" {
			var err error
			if u, err = NewHashedUser(fu.Name, fu.PasswordHash); err != nil {
				return nil, err
			}
		}
		if err := a.Add(u); err != nil {
			return nil, err
		}
	}
	return a, nil
}
