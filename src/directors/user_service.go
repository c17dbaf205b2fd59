package directors

import (
	"sync"
	"time"

	"vcdb/src/auth"
	"vcdb/src/settings"

	"go.uber.org/zap"
)

// UserService manages server users and their login sessions. Logging in
// issues an Authentication; logging out expires it. When a user's last
// session ends, registered logged-out hooks fire so the engine can release
// anything the user still holds.
type UserService struct {
	store    *auth.UserStore
	factory  auth.UserFactory
	settings *settings.Arguments
	logger   *zap.SugaredLogger

	mu        sync.Mutex
	sessions  map[string]*auth.Authentication // by authentication ID
	loggedOut []func(userIDs ...string)
}

func NewUserService(store *auth.UserStore, factory auth.UserFactory, settings *settings.Arguments, logger *zap.SugaredLogger) *UserService {
	service := &UserService{
		store:    store,
		factory:  factory,
		settings: settings,
		logger:   logger,
		sessions: make(map[string]*auth.Authentication),
	}

	logger.Infof("User service started with %d user(s)", store.Count())

	return service
}

// OnUsersLoggedOut registers a hook invoked with the user IDs whose last
// session just ended.
func (s *UserService) OnUsersLoggedOut(fn func(userIDs ...string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedOut = append(s.loggedOut, fn)
}

// Login verifies credentials and issues a session token that expires after
// the configured TTL.
func (s *UserService) Login(username, password string) (*auth.Authentication, error) {
	user, err := s.store.VerifyCredentials(username, password)
	if err != nil {
		return nil, err
	}

	ttl := time.Duration(s.settings.SessionTTL) * time.Second
	authentication := auth.NewAuthentication(user.UserID, user.Authority, ttl)

	s.mu.Lock()
	s.sessions[authentication.ID] = authentication
	s.mu.Unlock()

	go s.watchSession(authentication)

	s.logger.Infof("User %s logged in with %s authority", username, user.Authority)
	return authentication, nil
}

// Logout ends a session by ID. The expiry watcher handles removal and
// notification, so an already-expired session is a no-op.
func (s *UserService) Logout(authenticationID string) {
	s.mu.Lock()
	authentication := s.sessions[authenticationID]
	s.mu.Unlock()

	if authentication != nil {
		authentication.Expire()
	}
}

// FindSession returns the live session with the given ID, if any.
func (s *UserService) FindSession(authenticationID string) (*auth.Authentication, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	authentication, ok := s.sessions[authenticationID]
	return authentication, ok
}

func (s *UserService) watchSession(authentication *auth.Authentication) {
	<-authentication.Expired()

	s.mu.Lock()
	delete(s.sessions, authentication.ID)

	lastSession := true
	for _, other := range s.sessions {
		if other.UserID == authentication.UserID {
			lastSession = false
			break
		}
	}
	hooks := append(([]func(userIDs ...string))(nil), s.loggedOut...)
	s.mu.Unlock()

	if !lastSession {
		return
	}
	for _, fn := range hooks {
		fn(authentication.UserID)
	}
}

// AddUser creates a new server user.
func (s *UserService) AddUser(username, password string, authority auth.Authority) error {
	_, err := s.store.AddUser(*s.factory.NewUserStruct(username, password, authority))
	return err
}

// UpdateUser changes a user's password and, when non-none, authority.
func (s *UserService) UpdateUser(username, password string, authority auth.Authority) error {
	return s.store.UpdateUser(auth.NewUser{
		Username:  username,
		Password:  password,
		Authority: authority,
	})
}

// DeleteUser removes a server user.
func (s *UserService) DeleteUser(username string) error {
	return s.store.RemoveUser(username)
}

func (s *UserService) GetUserByName(username string) (*auth.User, error) {
	return s.store.GetUserByName(username)
}

func (s *UserService) GetAllUsers() ([]*auth.User, error) {
	return s.store.GetAllUsers()
}
