package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Connection wraps the SQL connection pool.
type Connection struct {
	DB *sql.DB
}

// ConnectionConfig holds the settings needed to open the pool.
type ConnectionConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// NewConnection opens and verifies a MySQL connection pool.
func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	return &Connection{DB: db}, nil
}

// Close closes the pool.
func (c *Connection) Close() error {
	return c.DB.Close()
}
