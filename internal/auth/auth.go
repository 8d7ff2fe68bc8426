package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrDuplicateUser = errors.New("auth: duplicate user")
	ErrAuthFailure   = errors.New("auth: invalid username or password")
)

// User is an immutable name and password pair. The password is held either
// in plain text or as a bcrypt hash.
type User struct {
	name     string
	password string
	hash     []byte
}

// NewUser returns a user with the given credentials.
func NewUser(name, password string) *User {
	return &User{name: name, password: password}
}

// NewHashedUser returns a user whose password is checked against a bcrypt
// hash.
func NewHashedUser(name, hash string) (*User, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("user %q: %w", name, err)
	}
	return &User{name: name, hash: []byte(hash)}, nil
}

func (u *User) Name() string {
	return u.name
}

// CheckPassword compares password in constant time.
func (u *User) CheckPassword(password string) bool {
	if u.hash != nil {
		return bcrypt.CompareHashAndPassword(u.hash, []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(u.password), []byte(password)) == 1
}

func (u *User) String() string {
	return u.name
}

// Authenticator is an ordered set of users, unique by name. Names compare
// byte for byte with no normalization. The zero value is not usable; call New.
type Authenticator struct {
	mu    sync.RWMutex
	users *btree.BTreeG[*User]
}

const btreeDegree = 8

func lessUser(a, b *User) bool {
	return a.name < b.name
}

// New returns an empty Authenticator.
func New() *Authenticator {
	return &Authenticator{users: btree.NewG(btreeDegree, lessUser)}
}

// Add inserts u. If a user with the same name exists, Add returns
// ErrDuplicateUser and leaves the existing entry in place.
func (a *Authenticator) Add(u *User) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.users.Has(u) {
		return fmt.Errorf("%w: %q", ErrDuplicateUser, u.name)
	}
	a.users.ReplaceOrInsert(u)
	return nil
}

// Remove deletes the user called name and reports whether it existed.
func (a *Authenticator) Remove(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.users.Delete(&User{name: name})
	return ok
}

// Lookup returns the user called name.
func (a *Authenticator) Lookup(name string) (*User, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.users.Get(&User{name: name})
}

// Authenticate returns the user matching name and password, or
// ErrAuthFailure.
func (a *Authenticator) Authenticate(name, password string) (*User, error) {
	u, ok := a.Lookup(name)
	if !ok || !u.CheckPassword(password) {
		return nil, ErrAuthFailure
	}
	return u, nil
}

// Clear removes every user.
func (a *Authenticator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.users.Clear(false)
}

func (a *Authenticator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.users.Len()
}

// Users returns a snapshot of all users in ascending name order.
func (a *Authenticator) Users() []*User {
	a.mu.RLock()
	defer a.mu.RUnlock()

	users := make([]*User, 0, a.users.Len())
	a.users.Ascend(func(u *User) bool {
		users = append(users, u)
		return true
	})
	return users
}
