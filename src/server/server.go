package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vcdb/src/auth"
	"vcdb/src/directors"
	"vcdb/src/engine"
	"vcdb/src/helpers"
	"vcdb/src/repository"
	"vcdb/src/settings"

	"go.uber.org/zap"
)

// Server is the line-oriented TCP admin front end. It is an operator
// convenience, not a stable wire protocol.
type Server struct {
	Host              string
	Port              int
	Listener          net.Listener
	AuthEnabled       bool
	ActiveConnections map[string]*Connection
	mu                sync.Mutex
	Running           bool

	databaseService *directors.DatabaseService
	userService     *directors.UserService
	registry        *engine.DatabaseContext
	logger          *zap.SugaredLogger
}

// Connection represents an active client connection
type Connection struct {
	ID             string
	Conn           net.Conn
	Reader         *bufio.Reader
	Writer         *bufio.Writer
	Authentication *auth.Authentication
	LastActive     time.Time
	Logger         *zap.SugaredLogger
}

// InitServer wires the engine and services from the given configuration.
func InitServer(config *settings.Arguments) (*Server, error) {
	var logger *zap.Logger
	var err error

	if config.Debug {
		// Development configuration with more verbose output
		z := zap.NewDevelopmentConfig()
		z.OutputPaths = []string{"stdout"}
		logger, err = z.Build()
	} else {
		// Production configuration
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	sugar := logger.Sugar()
	zap.ReplaceGlobals(logger)

	provider, err := repository.NewGitProvider(config.RepoDir, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to create repository provider: %w", err)
	}

	cache, err := engine.NewDatasetCache(config.CacheDir, config.NoCache, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset cache: %w", err)
	}
	overlays, err := engine.NewOverlayStore(filepath.Join(config.RepoDir, ".meta"), sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to create overlay store: %w", err)
	}

	domains := engine.NewLocalDomainContext(sugar)
	serializer := engine.NewBSONSerializer(sugar)

	registry, err := engine.NewDatabaseContext(provider, serializer, cache, overlays, domains, config.TempDir, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to create database context: %w", err)
	}

	userStore, err := auth.NewUserStore(filepath.Join(config.RepoDir, ".meta", "users.dat"), config.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create user store: %w", err)
	}

	databaseService := directors.NewDatabaseService(registry, config, sugar)
	userService := directors.NewUserService(userStore, auth.NewUserFactory(), config, sugar)
	directors.InitServiceManager(databaseService, userService, sugar)

	// Logged-out users lose their database locks.
	userService.OnUsersLoggedOut(func(userIDs ...string) {
		registry.UsersLoggedOut(context.Background(), userIDs...)
	})

	// Bring back whatever was loaded at last shutdown.
	system := auth.NewAuthentication("system", auth.AuthoritySystem, 0)
	registry.RestoreLoadState(context.Background(), system)

	return &Server{
		Host:              config.Host,
		Port:              config.Port,
		AuthEnabled:       config.AuthEnabled,
		ActiveConnections: make(map[string]*Connection),
		databaseService:   databaseService,
		userService:       userService,
		registry:          registry,
		logger:            sugar,
	}, nil
}

// Start begins listening for incoming connections
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("error starting server on %s: %w", addr, err)
	}

	s.Listener = listener
	s.Running = true

	s.logger.Infof("vcdb server listening on %s", addr)

	go s.acceptConnections()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.Running = false

	s.mu.Lock()
	for id, conn := range s.ActiveConnections {
		conn.Conn.Close()
		delete(s.ActiveConnections, id)
	}
	s.mu.Unlock()

	if s.Listener != nil {
		s.Listener.Close()
	}

	wg.Wait()

	system := auth.NewAuthentication("system", auth.AuthoritySystem, 0)
	if err := s.registry.Shutdown(context.Background(), system); err != nil {
		s.logger.Warnf("Error during database shutdown: %v", err)
	}

	s.logger.Info("Server shutdown complete")
	s.logger.Sync()

	return nil
}

var wg sync.WaitGroup

// acceptConnections handles incoming connection requests
func (s *Server) acceptConnections() {
	for s.Running {
		conn, err := s.Listener.Accept()
		if err != nil {
			if s.Running { // Only log if we're still supposed to be running
				s.logger.Errorw("Error accepting connection", "error", err)
			}
			continue
		}
		wg.Add(1)

		s.logger.Infow("New connection received", "remoteAddr", conn.RemoteAddr().String())

		go func(c net.Conn) {
			defer wg.Done()
			s.handleConnection(c)
		}(conn)
	}
}

// handleConnection processes a single client connection
func (s *Server) handleConnection(conn net.Conn) {
	connID := helpers.GenerateUUID()
	connLogger := s.logger.With("connID", connID)

	connection := &Connection{
		ID:         connID,
		Conn:       conn,
		Reader:     bufio.NewReader(conn),
		Writer:     bufio.NewWriter(conn),
		LastActive: time.Now(),
		Logger:     connLogger,
	}

	if !s.AuthEnabled {
		// With authentication disabled every connection operates with full
		// authority, like a local admin shell.
		connection.Authentication = auth.NewAuthentication("local", auth.AuthoritySystem, 0)
	}

	s.mu.Lock()
	s.ActiveConnections[connID] = connection
	s.mu.Unlock()

	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.ActiveConnections, connID)
		s.mu.Unlock()

		if s.AuthEnabled && connection.Authentication != nil {
			s.userService.Logout(connection.Authentication.ID)
		}
		connLogger.Infof("Connection %s closed", connID)
	}()

	connection.writeLine("vcdb ready")

	for {
		line, err := connection.Reader.ReadString('\n')
		if err != nil {
			return
		}
		connection.LastActive = time.Now()

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "QUIT") {
			connection.writeLine("bye")
			return
		}

		if err := s.handleCommand(connection, line); err != nil {
			connection.writeLine("ERR " + err.Error())
		}
	}
}

func (c *Connection) writeLine(line string) {
	c.Writer.WriteString(line + "\n")
	c.Writer.Flush()
}

func (s *Server) handleCommand(c *Connection, line string) error {
	ctx := context.Background()
	fields := strings.Fields(line)
	command := strings.ToUpper(fields[0])

	if command == "LOGIN" {
		if len(fields) != 3 {
			return fmt.Errorf("usage: LOGIN <username> <password>")
		}
		authentication, err := s.userService.Login(fields[1], fields[2])
		if err != nil {
			return err
		}
		if c.Authentication != nil && s.AuthEnabled {
			s.userService.Logout(c.Authentication.ID)
		}
		c.Authentication = authentication
		c.writeLine("OK " + authentication.ID)
		return nil
	}

	if c.Authentication == nil {
		return fmt.Errorf("not authenticated, LOGIN first")
	}
	token := c.Authentication

	switch command {
	case "LOGOUT":
		s.userService.Logout(token.ID)
		c.Authentication = nil
		c.writeLine("OK")

	case "CREATE":
		if len(fields) < 3 || strings.ToUpper(fields[1]) != "DATABASE" {
			return fmt.Errorf("usage: CREATE DATABASE <name> [comment]")
		}
		comment := strings.Join(fields[3:], " ")
		if err := s.databaseService.AddDatabase(ctx, token, fields[2], comment); err != nil {
			return err
		}
		c.writeLine("OK")

	case "COPY":
		if len(fields) != 4 || strings.ToUpper(fields[1]) != "DATABASE" {
			return fmt.Errorf("usage: COPY DATABASE <src> <dst>")
		}
		if err := s.databaseService.CopyDatabase(ctx, token, fields[2], fields[3], "copy of "+fields[2]); err != nil {
			return err
		}
		c.writeLine("OK")

	case "LOAD":
		if len(fields) != 2 {
			return fmt.Errorf("usage: LOAD <name>")
		}
		if err := s.databaseService.LoadDatabase(ctx, token, fields[1]); err != nil {
			return err
		}
		c.writeLine("OK")

	case "UNLOAD":
		if len(fields) != 2 {
			return fmt.Errorf("usage: UNLOAD <name>")
		}
		if err := s.databaseService.UnloadDatabase(ctx, token, fields[1]); err != nil {
			return err
		}
		c.writeLine("OK")

	case "LOCK":
		if len(fields) < 2 {
			return fmt.Errorf("usage: LOCK <name> [comment]")
		}
		comment := strings.Join(fields[2:], " ")
		if err := s.databaseService.LockDatabase(ctx, token, fields[1], comment); err != nil {
			return err
		}
		c.writeLine("OK")

	case "UNLOCK":
		if len(fields) != 2 {
			return fmt.Errorf("usage: UNLOCK <name>")
		}
		if err := s.databaseService.UnlockDatabase(ctx, token, fields[1]); err != nil {
			return err
		}
		c.writeLine("OK")

	case "RENAME":
		if len(fields) != 3 {
			return fmt.Errorf("usage: RENAME <old> <new>")
		}
		if err := s.databaseService.RenameDatabase(ctx, token, fields[1], fields[2]); err != nil {
			return err
		}
		c.writeLine("OK")

	case "DELETE":
		if len(fields) != 2 {
			return fmt.Errorf("usage: DELETE <name>")
		}
		if err := s.databaseService.DeleteDatabase(ctx, token, fields[1]); err != nil {
			return err
		}
		c.writeLine("OK")

	case "LIST":
		if len(fields) != 2 || strings.ToUpper(fields[1]) != "DATABASES" {
			return fmt.Errorf("usage: LIST DATABASES")
		}
		statuses := s.databaseService.ListDatabases(ctx)
		for _, status := range statuses {
			c.writeLine(fmt.Sprintf("%s\t%s\t%s\t%s",
				status.Name, status.State, status.Flags, status.Revision))
		}
		c.writeLine(fmt.Sprintf("OK %d database(s)", len(statuses)))

	case "ENTER":
		if len(fields) != 2 {
			return fmt.Errorf("usage: ENTER <name>")
		}
		if err := s.databaseService.EnterDatabase(ctx, token, fields[1]); err != nil {
			return err
		}
		c.writeLine("OK")

	case "LEAVE":
		if len(fields) != 2 {
			return fmt.Errorf("usage: LEAVE <name>")
		}
		if err := s.databaseService.LeaveDatabase(ctx, token, fields[1]); err != nil {
			return err
		}
		c.writeLine("OK")

	default:
		return fmt.Errorf("unknown command %s", command)
	}

	return nil
}
