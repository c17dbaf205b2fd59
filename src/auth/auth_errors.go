package auth

// Add custom error definitions here
import "errors"

// ErrUserAlreadyExists is returned when a user already exists in the system.
var ErrUserAlreadyExists = errors.New("user already exists")
var ErrUserNotFound = errors.New("user not found")
var ErrInvalidCredentials = errors.New("invalid username or password")

// ErrAuthenticationExpired is returned when an operation is attempted with a
// token whose session has ended, either by logout or by deadline.
var ErrAuthenticationExpired = errors.New("authentication has expired")
