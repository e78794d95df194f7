package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	// File-system migration source, registered for migrate.NewWithDatabaseInstance.
	_ "github.com/golang-migrate/migrate/v4/source/file"
	// Database/sql driver registration for the pgx stdlib adapter.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/LerianStudio/lib-assurance/assurance/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	// ErrNilClient is returned when a nil client receives a call.
	ErrNilClient = errors.New("postgres client is nil")

	// ErrNotConnected is returned when the client is used before Connect.
	ErrNotConnected = errors.New("postgres client is not connected")

	dbOpenFn = sql.Open

	createResolverFn = func(primary, replica *sql.DB) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		resolved := dbresolver.New(
			dbresolver.WithPrimaryDBs(primary),
			dbresolver.WithReplicaDBs(replica),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if resolved == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return resolved, nil
	}

	runMigrationsFn = runMigrations

	credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	passwordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// ClientConfig carries the connection settings for a Client.
type ClientConfig struct {
	// ConnectionStringPrimary is the DSN for the read/write primary.
	ConnectionStringPrimary string

	// ConnectionStringReplica is the DSN for read-only replicas. When empty
	// the primary serves reads too.
	ConnectionStringReplica string

	// DatabaseName names the primary database for the migrations runner.
	DatabaseName string

	// MigrationsPath points at the directory holding *.sql migration files.
	// When empty, migrations are skipped.
	MigrationsPath string

	MaxOpenConnections int
	MaxIdleConnections int
}

func (cfg *ClientConfig) normalize() {
	if cfg.ConnectionStringReplica == "" {
		cfg.ConnectionStringReplica = cfg.ConnectionStringPrimary
	}

	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = defaultMaxOpenConns
	}

	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = defaultMaxIdleConns
	}
}

// ClientOption mutates client construction.
type ClientOption func(*Client)

// WithLogger sets the client logger. Nil loggers are ignored.
func WithLogger(logger log.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client is a hub holding the primary/replica resolver for one database.
// The zero value is not usable; construct with NewClient and call Connect
// (or let the first GetDB connect lazily).
type Client struct {
	cfg    ClientConfig
	logger log.Logger

	mu        sync.RWMutex
	resolver  dbresolver.DB
	primary   *sql.DB
	connected bool
}

// NewClient creates a client for the given configuration.
func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	cfg.normalize()

	c := &Client{
		cfg:    cfg,
		logger: &log.NopLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c
}

// Connect opens the primary and replica pools, runs pending migrations and
// pings the resolver. Reconnecting closes the previous pools first.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if c.resolver != nil {
		if err := c.closeLocked(); err != nil {
			c.logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	primary, err := dbOpenFn("pgx", c.cfg.ConnectionStringPrimary)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		c.logger.Log(ctx, log.LevelError, "failed to open primary database", log.String("error", sanitized))

		return fmt.Errorf("failed to open primary database: %s", sanitized)
	}

	// Clean up the pools if anything downstream fails.
	var success bool

	defer func() {
		if !success {
			primary.Close()
		}
	}()

	tunePool(primary, c.cfg)

	replica, err := dbOpenFn("pgx", c.cfg.ConnectionStringReplica)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		c.logger.Log(ctx, log.LevelError, "failed to open replica database", log.String("error", sanitized))

		return fmt.Errorf("failed to open replica database: %s", sanitized)
	}

	defer func() {
		if !success {
			replica.Close()
		}
	}()

	tunePool(replica, c.cfg)

	resolver, err := createResolverFn(primary, replica)
	if err != nil {
		c.logger.Log(ctx, log.LevelError, "failed to create resolver", log.Err(err))
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	if c.cfg.MigrationsPath != "" {
		migrationsPath, err := sanitizePath(c.cfg.MigrationsPath)
		if err != nil {
			c.logger.Log(ctx, log.LevelError, "failed to resolve migrations path", log.Err(err))
			return err
		}

		if err := runMigrationsFn(ctx, primary, migrationsPath, c.cfg.DatabaseName, c.logger); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := resolver.PingContext(ctx); err != nil {
		c.logger.Log(ctx, log.LevelError, "failed to ping database", log.Err(err))
		return fmt.Errorf("failed to ping database: %w", err)
	}

	c.resolver = resolver
	c.primary = primary
	c.connected = true

	c.logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

// GetDB returns the primary/replica resolver, connecting lazily when needed.
func (c *Client) GetDB(ctx context.Context) (dbresolver.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()

	if c.resolver != nil {
		db := c.resolver
		c.mu.RUnlock()

		return db, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring the write lock.
	if c.resolver != nil {
		return c.resolver, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.resolver, nil
}

// PrimaryDB returns the read/write pool transactions must run on.
func (c *Client) PrimaryDB(ctx context.Context) (*sql.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	if _, err := c.GetDB(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.primary == nil {
		return nil, ErrNotConnected
	}

	return c.primary, nil
}

// IsConnected reports whether the resolver is initialized.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

// Close releases the database pools.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.resolver = nil
	c.primary = nil
	c.connected = false

	return err
}

func tunePool(db *sql.DB, cfg ClientConfig) {
	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := credentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = passwordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func runMigrations(ctx context.Context, primary *sql.DB, migrationsPath, databaseName string, logger log.Logger) error {
	if err := validateDBName(databaseName); err != nil {
		logger.Log(ctx, log.LevelError, "invalid database name", log.Err(err))
		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to parse migrations url", log.Err(err))
		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepg.WithInstance(primary, &migratepg.Config{
		DatabaseName: databaseName,
		SchemaName:   "public",
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create postgres driver instance", log.Err(err))
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL.String(), databaseName, driver)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create migration instance", log.Err(err))
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found, skipping")
			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Log(ctx, log.LevelWarn, "no migration files found, skipping migration step")
			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			logger.Log(ctx, log.LevelError, "migration failed with dirty database version", log.Int("version", dirtyErr.Version))
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		logger.Log(ctx, log.LevelError, "migration failed", log.Err(err))

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
