package database

import "fmt"

func NewDriver(cfg Config) (Driver, error) {
	switch cfg.Type {
	case "sqlite", "sqlite3", "kst", "":
		return NewSQLiteDriver(cfg)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}
