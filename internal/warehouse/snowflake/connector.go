package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/snowflakedb/gosnowflake"

	"github.com/snowpoll/snowpoll/internal/warehouse"
)

type Config struct {
	Account   string
	User      string
	Password  string
	Database  string
	Schema    string
	Role      string
	Warehouse string

	LoginTimeout time.Duration
	Application  string
}

func (c Config) driverConfig() gosnowflake.Config {
	return gosnowflake.Config{
		Account:      c.Account,
		User:         c.User,
		Password:     c.Password,
		Database:     c.Database,
		Schema:       c.Schema,
		Role:         c.Role,
		Warehouse:    c.Warehouse,
		LoginTimeout: c.LoginTimeout,
		Application:  c.Application,
	}
}

// Connector hands out one dedicated connection per session from a shared pool.
type Connector struct {
	db *sql.DB
}

func Open(cfg Config) (*Connector, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("snowflake account is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("snowflake user is required")
	}
	connector := gosnowflake.NewConnector(gosnowflake.SnowflakeDriver{}, cfg.driverConfig())
	return NewConnector(sql.OpenDB(connector)), nil
}

func NewConnector(db *sql.DB) *Connector {
	return &Connector{db: db}
}

func (c *Connector) Connect(ctx context.Context) (warehouse.Session, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", warehouse.ErrConnection, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", warehouse.ErrConnection, err)
	}
	return NewSession(conn), nil
}

func (c *Connector) HealthCheck(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping snowflake: %w", err)
	}
	return nil
}

func (c *Connector) Close() error {
	return c.db.Close()
}
