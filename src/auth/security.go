package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters recommended by OWASP.
const (
	argonTime    = uint32(1)
	argonMemory  = uint32(64 * 1024) // 64 MB
	argonThreads = uint8(4)
	argonKeyLen  = uint32(32)
)

// hashPassword hashes a password with a fresh salt using Argon2id.
func hashPassword(password string) (*PasswordHash, error) {
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}

	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return &PasswordHash{
		Hash:    hash,
		Salt:    salt,
		Method:  "argon2id",
		Time:    argonTime,
		Memory:  argonMemory,
		Threads: argonThreads,
		KeyLen:  argonKeyLen,
	}, nil
}

// Helper function to encrypt data
func encrypt(data, key []byte) ([]byte, error) {
	// Create cipher block
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	// Create GCM mode
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	// Create nonce
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	// Encrypt and seal
	ciphertext := gcm.Seal(nonce, nonce, data, nil)
	return ciphertext, nil
}

// Helper function to decrypt data
func decrypt(data, key []byte) ([]byte, error) {
	// Create cipher block
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	// Create GCM mode
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	// Get nonce size
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	// Extract nonce and ciphertext
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	// Decrypt
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Constant-time comparison to prevent timing attacks
func SlowEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	var result byte
	for i := 0; i < len(a); i++ {
		result |= a[i] ^ b[i]
	}

	return result == 0
}

// VerifyCredentials checks the provided credentials and returns the matching
// user. ErrInvalidCredentials covers both unknown users and bad passwords.
func (s *UserStore) VerifyCredentials(username, password string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, storedUser := range s.users {
		if storedUser.Username == username {
			// Hash the password using the same parameters and salt
			hash := argon2.IDKey(
				[]byte(password),
				storedUser.PasswordHash.Salt,
				storedUser.PasswordHash.Time,
				storedUser.PasswordHash.Memory,
				storedUser.PasswordHash.Threads,
				storedUser.PasswordHash.KeyLen,
			)

			// Compare the hashes (constant-time comparison to prevent timing attacks)
			if SlowEqual(hash, storedUser.PasswordHash.Hash) {
				return &User{
					UserID:    storedUser.UserID,
					Username:  storedUser.Username,
					Authority: storedUser.Authority,
					// Don't include password
				}, nil
			}
			return nil, ErrInvalidCredentials
		}
	}

	return nil, ErrInvalidCredentials
}
