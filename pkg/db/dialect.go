package db

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var ErrUnsupportedDialect = errors.New("unsupported database type")

// Dialect picks the gorm driver for the configured database type.
func Dialect(cfg Config) (gorm.Dialector, error) {
	switch cfg.dialect() {
	case "postgres":
		return postgres.Open(cfg.postgresDSN()), nil
	case "mysql":
		return mysql.Open(cfg.mysqlDSN()), nil
	case "sqlite":
		return sqlite.Open(cfg.sqlitePath()), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, cfg.Type)
	}
}

func (c Config) dialect() string {
	return strings.ToLower(strings.TrimSpace(c.Type))
}

func (c Config) postgresDSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.Host, c.User, c.Password, c.Name, c.Port, sslMode)
}

func (c Config) mysqlDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

// sqlitePath accepts a bare name, a file path or a file: URI.
func (c Config) sqlitePath() string {
	name := strings.TrimSpace(c.Name)
	switch {
	case name == ":memory:", strings.HasPrefix(name, "file:"), strings.HasSuffix(name, ".db"):
		return name
	default:
		return name + ".db"
	}
}
