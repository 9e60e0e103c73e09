// Package database provides the MySQL connection used by the SQL checkpoint store.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/dbsmedya/nrdiscovery/internal/config"
	"github.com/dbsmedya/nrdiscovery/internal/logger"
)

const maxRetries = 3

// retryBackoff is the first wait between connection attempts. It doubles
// after each failure.
var retryBackoff = time.Second

// Connect opens and pings a connection pool, retrying with exponential backoff.
func Connect(ctx context.Context, cfg *config.DatabaseConfig, log *logger.Logger) (*sql.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}

	var db *sql.DB
	var err error
	backoff := retryBackoff

	for i := 0; i < maxRetries; i++ {
		db, err = open(cfg)
		if err == nil {
			if pingErr := db.PingContext(ctx); pingErr == nil {
				log.Debugf("Connected to checkpoint database %s", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
				return db, nil
			} else {
				_ = db.Close()
				err = pingErr
			}
		}

		if i < maxRetries-1 {
			log.Warnf("Checkpoint database connection attempt %d failed: %v", i+1, err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}

	return nil, fmt.Errorf("failed after %d retries: %w", maxRetries, err)
}

func open(cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", BuildDSN(cfg))
	if err != nil {
		return nil, err
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConnections > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConnections)
	}
	db.SetConnMaxLifetime(10 * time.Minute)

	return db, nil
}

// BuildDSN constructs a MySQL DSN from configuration.
func BuildDSN(cfg *config.DatabaseConfig) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Timeout = 10 * time.Second

	switch cfg.TLS {
	case "disable":
		mc.TLSConfig = "false"
	case "required":
		mc.TLSConfig = "true"
	default:
		mc.TLSConfig = "preferred"
	}

	return mc.FormatDSN()
}
