package auth

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"
)

type PasswordHash struct {
	Hash    []byte `json:"hash"`
	Salt    []byte `json:"salt"`
	Method  string `json:"method"`  // "argon2id"
	Time    uint32 `json:"time"`    // time parameter for Argon2
	Memory  uint32 `json:"memory"`  // memory parameter in KiB
	Threads uint8  `json:"threads"` // threads parameter
	KeyLen  uint32 `json:"keylen"`  // length of the hash in bytes
}

type User struct {
	UserID         string
	Username       string
	PasswordHash   PasswordHash
	Authority      Authority
	CreatedAt      time.Time
	LastModifiedAt time.Time
}

type NewUser struct {
	UserID    string
	Username  string
	Password  string
	Authority Authority
}

// UserStore manages secure storage of user credentials
type UserStore struct {
	encryptionKey []byte       // Key used to encrypt the storage file
	filePath      string       // Path to the storage file
	users         []User       // In-memory cache of users
	mu            sync.RWMutex // Mutex for thread safety
	dirty         bool         // Whether the store has unsaved changes
}

// GetUserByName retrieves a user by username, without credential material.
func (s *UserStore) GetUserByName(username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, storedUser := range s.users {
		if storedUser.Username == username {
			return &User{
				UserID:    storedUser.UserID,
				Username:  storedUser.Username,
				Authority: storedUser.Authority,
				// Don't include password
			}, nil
		}
	}

	return nil, ErrUserNotFound
}

// GetAllUsers returns every user, without credential material.
func (s *UserStore) GetAllUsers() ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]*User, len(s.users))
	for i, storedUser := range s.users {
		users[i] = &User{
			UserID:    storedUser.UserID,
			Username:  storedUser.Username,
			Authority: storedUser.Authority,
		}
	}

	return users, nil
}

// AddUser adds a new user to the store
func (s *UserStore) AddUser(user NewUser) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check if username already exists
	for _, existingUser := range s.users {
		if existingUser.Username == user.Username {
			return nil, ErrUserAlreadyExists
		}
	}

	passwordHash, err := hashPassword(user.Password)
	if err != nil {
		return nil, err
	}

	storedUser := User{
		UserID:         user.UserID,
		Username:       user.Username,
		PasswordHash:   *passwordHash,
		Authority:      user.Authority,
		CreatedAt:      time.Now(),
		LastModifiedAt: time.Now(),
	}

	s.users = append(s.users, storedUser)
	s.dirty = true

	// Save the changes
	if err := s.Save(); err != nil {
		return nil, err
	}

	return &User{
		UserID:    storedUser.UserID,
		Username:  storedUser.Username,
		Authority: storedUser.Authority,
	}, nil
}

// UpdateUser updates an existing user's password and authority
func (s *UserStore) UpdateUser(updatedUser NewUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existingUser := range s.users {
		if existingUser.Username == updatedUser.Username {
			passwordHash, err := hashPassword(updatedUser.Password)
			if err != nil {
				return err
			}

			s.users[i].PasswordHash = *passwordHash
			if updatedUser.Authority != AuthorityNone {
				s.users[i].Authority = updatedUser.Authority
			}
			s.users[i].LastModifiedAt = time.Now()
			s.dirty = true

			// Save the changes
			return s.Save()
		}
	}

	return ErrUserNotFound
}

// RemoveUser removes a user from the store
func (s *UserStore) RemoveUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existingUser := range s.users {
		if existingUser.Username == username {
			// Remove the user
			s.users = append(s.users[:i], s.users[i+1:]...)
			s.dirty = true

			// Save the changes
			return s.Save()
		}
	}

	return ErrUserNotFound
}

func newSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}
