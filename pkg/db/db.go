// Package db opens the LLM service's SQL store and keeps its schema
// current. SQLite is the zero-config default; Postgres and MySQL are
// selected through configuration.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/cloudbro-kube-ai/opshub/pkg/config"
)

// Type identifies the SQL backend in use.
type Type string

const (
	TypeSQLite   Type = "sqlite"
	TypePostgres Type = "postgres"
	TypeMySQL    Type = "mysql"
)

// Open connects to the configured database, verifies connectivity and
// applies the schema.
func Open(cfg config.DatabaseConfig) (*sql.DB, Type, error) {
	dbType := Type(cfg.Type)
	if dbType == "" {
		if cfg.Host != "" {
			dbType = TypePostgres
		} else {
			dbType = TypeSQLite
		}
	}

	var (
		conn *sql.DB
		err  error
	)
	switch dbType {
	case TypeSQLite:
		conn, err = openSQLite(cfg.Path)
	case TypePostgres:
		conn, err = openPostgres(cfg)
	case TypeMySQL:
		conn, err = openMySQL(cfg)
	default:
		return nil, "", fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		return nil, "", err
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("pinging database: %w", err)
	}
	if err := migrate(conn, dbType); err != nil {
		conn.Close()
		return nil, "", err
	}
	return conn, dbType, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".config", "opshub", "llm.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return sql.Open("sqlite", path)
}

func openPostgres(cfg config.DatabaseConfig) (*sql.DB, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, sslMode)
	return sql.Open("postgres", dsn)
}

func openMySQL(cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
	return sql.Open("mysql", dsn)
}

func migrate(conn *sql.DB, dbType Type) error {
	for _, stmt := range schemaFor(dbType) {
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	for _, stmt := range indexesFor(dbType) {
		conn.Exec(stmt) // index creation failures are non-fatal
	}
	return nil
}

func schemaFor(dbType Type) []string {
	switch dbType {
	case TypePostgres:
		return []string{
			`CREATE TABLE IF NOT EXISTS llm_providers (
				id VARCHAR(64) PRIMARY KEY,
				name VARCHAR(255) NOT NULL UNIQUE,
				type VARCHAR(32) NOT NULL,
				base_url VARCHAR(512) DEFAULT '',
				api_key_enc TEXT DEFAULT '',
				model VARCHAR(255) DEFAULT '',
				organization VARCHAR(255) DEFAULT '',
				test_endpoint VARCHAR(512) DEFAULT '',
				timeout_sec INTEGER DEFAULT 0,
				active BOOLEAN DEFAULT TRUE,
				default_chat BOOLEAN DEFAULT FALSE,
				default_workflow BOOLEAN DEFAULT FALSE,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS llm_request_logs (
				id SERIAL PRIMARY KEY,
				request_id VARCHAR(64) NOT NULL,
				provider_id VARCHAR(64) NOT NULL,
				model VARCHAR(255) DEFAULT '',
				purpose VARCHAR(32) DEFAULT 'chat',
				prompt_tokens INTEGER DEFAULT 0,
				completion_tokens INTEGER DEFAULT 0,
				total_tokens INTEGER DEFAULT 0,
				cost DECIMAL(12,6) DEFAULT 0,
				duration_ms INTEGER DEFAULT 0,
				success BOOLEAN DEFAULT TRUE,
				error_msg TEXT DEFAULT '',
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS prompt_templates (
				id VARCHAR(64) PRIMARY KEY,
				name VARCHAR(255) NOT NULL UNIQUE,
				description TEXT DEFAULT '',
				template TEXT NOT NULL,
				variables TEXT DEFAULT '[]',
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);`,
		}
	case TypeMySQL:
		return []string{
			`CREATE TABLE IF NOT EXISTS llm_providers (
				id VARCHAR(64) PRIMARY KEY,
				name VARCHAR(255) NOT NULL UNIQUE,
				type VARCHAR(32) NOT NULL,
				base_url VARCHAR(512) DEFAULT '',
				api_key_enc TEXT,
				model VARCHAR(255) DEFAULT '',
				organization VARCHAR(255) DEFAULT '',
				test_endpoint VARCHAR(512) DEFAULT '',
				timeout_sec INTEGER DEFAULT 0,
				active TINYINT(1) DEFAULT 1,
				default_chat TINYINT(1) DEFAULT 0,
				default_workflow TINYINT(1) DEFAULT 0,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`,
			`CREATE TABLE IF NOT EXISTS llm_request_logs (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				request_id VARCHAR(64) NOT NULL,
				provider_id VARCHAR(64) NOT NULL,
				model VARCHAR(255) DEFAULT '',
				purpose VARCHAR(32) DEFAULT 'chat',
				prompt_tokens INTEGER DEFAULT 0,
				completion_tokens INTEGER DEFAULT 0,
				total_tokens INTEGER DEFAULT 0,
				cost DECIMAL(12,6) DEFAULT 0,
				duration_ms INTEGER DEFAULT 0,
				success TINYINT(1) DEFAULT 1,
				error_msg TEXT,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`,
			`CREATE TABLE IF NOT EXISTS prompt_templates (
				id VARCHAR(64) PRIMARY KEY,
				name VARCHAR(255) NOT NULL UNIQUE,
				description TEXT,
				template TEXT NOT NULL,
				variables TEXT,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`,
		}
	default: // SQLite
		return []string{
			`CREATE TABLE IF NOT EXISTS llm_providers (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				type TEXT NOT NULL,
				base_url TEXT DEFAULT '',
				api_key_enc TEXT DEFAULT '',
				model TEXT DEFAULT '',
				organization TEXT DEFAULT '',
				test_endpoint TEXT DEFAULT '',
				timeout_sec INTEGER DEFAULT 0,
				active INTEGER DEFAULT 1,
				default_chat INTEGER DEFAULT 0,
				default_workflow INTEGER DEFAULT 0,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS llm_request_logs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				request_id TEXT NOT NULL,
				provider_id TEXT NOT NULL,
				model TEXT DEFAULT '',
				purpose TEXT DEFAULT 'chat',
				prompt_tokens INTEGER DEFAULT 0,
				completion_tokens INTEGER DEFAULT 0,
				total_tokens INTEGER DEFAULT 0,
				cost REAL DEFAULT 0,
				duration_ms INTEGER DEFAULT 0,
				success INTEGER DEFAULT 1,
				error_msg TEXT DEFAULT '',
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS prompt_templates (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				description TEXT DEFAULT '',
				template TEXT NOT NULL,
				variables TEXT DEFAULT '[]',
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);`,
		}
	}
}

func indexesFor(dbType Type) []string {
	if dbType == TypeMySQL {
		return []string{
			"CREATE INDEX idx_request_logs_provider ON llm_request_logs(provider_id);",
			"CREATE INDEX idx_request_logs_created ON llm_request_logs(created_at DESC);",
		}
	}
	return []string{
		"CREATE INDEX IF NOT EXISTS idx_request_logs_provider ON llm_request_logs(provider_id);",
		"CREATE INDEX IF NOT EXISTS idx_request_logs_created ON llm_request_logs(created_at DESC);",
	}
}
