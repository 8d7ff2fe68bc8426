package auth

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []string
		wantErr error
	}{
		{
			name: "two users",
			in:   "users:\n  - name: bob\n    password: hunter2\n  - name: alice\n    password: secret\n",
			want: []string{"alice", "bob"},
		},
		{
			name: "empty file",
			in:   "",
		},
		{
			name:    "duplicate",
			in:      "users:\n  - name: bob\n    password: a\n  - name: bob\n    password: b\n",
			wantErr: ErrDuplicateUser,
		},
		{
			name:    "missing password",
			in:      "users:\n  - name: bob\n",
			wantErr: errAny,
		},
		{
			name:    "password and hash",
			in:      "users:\n  - name: bob\n    password: x\n    password_hash: y\n",
			wantErr: errAny,
		},
		{
			name:    "bad hash",
			in:      "users:\n  - name: bob\n    password_hash: not-bcrypt\n",
			wantErr: errAny,
		},
		{
			name:    "unknown field",
			in:      "users:\n  - name: bob\n    pass: x\n",
			wantErr: errAny,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Load(strings.NewReader(tt.in))
			if tt.wantErr != nil {
				if err == nil {
					t.Fatal("expected error")
				}
				if tt.wantErr != errAny && !errors.Is(err, tt.wantErr) {
					t.Fatalf("got %v want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}

			var names []string
			for _, u := range a.Users() {
				names = append(names, u.Name())
			}
			if strings.Join(names, ",") != strings.Join(tt.want, ",") {
				t.Fatalf("got %v want %v", names, tt.want)
			}
		})
	}
}

var errAny = errors.New("any error")

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	if err := os.WriteFile(path, []byte("users:\n  - name: alice\n    password: secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	a, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Authenticate("alice", "secret"); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadHashedPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	a, err := Load(strings.NewReader("users:\n  - name: alice\n    password_hash: " + string(hash) + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Authenticate("alice", "secret"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Authenticate("alice", "wrong"); !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("got %v want ErrAuthFailure", err)
	}
}
