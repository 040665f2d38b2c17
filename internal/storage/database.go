package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"chatgrid/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the configured database.
func Open(driver string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[driver]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", driver)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present. The UNIQUE(chat_id, rank)
// constraint on messages is the database-level backstop for gapless ranks.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				username TEXT NOT NULL UNIQUE,
				email TEXT NOT NULL DEFAULT '',
				password_hash TEXT NOT NULL,
				is_admin INTEGER NOT NULL DEFAULT 0,
				banned INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS user_tokens (
				token TEXT PRIMARY KEY,
				user_id INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_user_tokens_user ON user_tokens(user_id)`,
			`CREATE TABLE IF NOT EXISTS retrieval_indexes (
				id TEXT PRIMARY KEY,
				source_name TEXT NOT NULL,
				chunk_count INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS index_chunks (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				index_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				content TEXT NOT NULL,
				embedding TEXT NOT NULL,
				UNIQUE(index_id, seq),
				FOREIGN KEY(index_id) REFERENCES retrieval_indexes(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS models (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL UNIQUE,
				kind TEXT NOT NULL,
				provider TEXT NOT NULL DEFAULT '',
				model_name TEXT NOT NULL DEFAULT '',
				is_public INTEGER NOT NULL DEFAULT 1,
				running INTEGER NOT NULL DEFAULT 0,
				creator_id INTEGER NOT NULL,
				index_id TEXT,
				source_doc TEXT,
				description TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				FOREIGN KEY(creator_id) REFERENCES users(id),
				FOREIGN KEY(index_id) REFERENCES retrieval_indexes(id)
			)`,
			`CREATE TABLE IF NOT EXISTS chats (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL,
				model_id INTEGER NOT NULL,
				title TEXT NOT NULL,
				message_limit INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(user_id) REFERENCES users(id),
				FOREIGN KEY(model_id) REFERENCES models(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id)`,
			"CREATE TABLE IF NOT EXISTS messages (\n" +
				"	id INTEGER PRIMARY KEY AUTOINCREMENT,\n" +
				"	chat_id INTEGER NOT NULL,\n" +
				"	`rank` INTEGER NOT NULL,\n" +
				"	role TEXT NOT NULL,\n" +
				"	content TEXT NOT NULL,\n" +
				"	created_at DATETIME NOT NULL,\n" +
				"	UNIQUE(chat_id, `rank`),\n" +
				"	FOREIGN KEY(chat_id) REFERENCES chats(id) ON DELETE CASCADE\n" +
				")",
			`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
			`CREATE TABLE IF NOT EXISTS settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				username VARCHAR(255) NOT NULL UNIQUE,
				email VARCHAR(255) NOT NULL DEFAULT '',
				password_hash VARCHAR(255) NOT NULL,
				is_admin TINYINT(1) NOT NULL DEFAULT 0,
				banned TINYINT(1) NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS user_tokens (
				token VARCHAR(255) NOT NULL PRIMARY KEY,
				user_id BIGINT UNSIGNED NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				INDEX idx_user_tokens_user (user_id),
				CONSTRAINT fk_user_tokens_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS retrieval_indexes (
				id VARCHAR(64) NOT NULL PRIMARY KEY,
				source_name VARCHAR(255) NOT NULL,
				chunk_count INT NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS index_chunks (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				index_id VARCHAR(64) NOT NULL,
				seq INT NOT NULL,
				content MEDIUMTEXT NOT NULL,
				embedding MEDIUMTEXT NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_index_seq (index_id, seq),
				CONSTRAINT fk_chunks_index FOREIGN KEY (index_id) REFERENCES retrieval_indexes(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS models (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				name VARCHAR(255) NOT NULL UNIQUE,
				kind VARCHAR(32) NOT NULL,
				provider VARCHAR(100) NOT NULL DEFAULT '',
				model_name VARCHAR(255) NOT NULL DEFAULT '',
				is_public TINYINT(1) NOT NULL DEFAULT 1,
				running TINYINT(1) NOT NULL DEFAULT 0,
				creator_id BIGINT UNSIGNED NOT NULL,
				index_id VARCHAR(64),
				source_doc VARCHAR(255),
				description TEXT,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				CONSTRAINT fk_models_creator FOREIGN KEY (creator_id) REFERENCES users(id),
				CONSTRAINT fk_models_index FOREIGN KEY (index_id) REFERENCES retrieval_indexes(id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS chats (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				user_id BIGINT UNSIGNED NOT NULL,
				model_id BIGINT UNSIGNED NOT NULL,
				title VARCHAR(255) NOT NULL,
				message_limit INT NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_chats_user (user_id),
				CONSTRAINT fk_chats_user FOREIGN KEY (user_id) REFERENCES users(id),
				CONSTRAINT fk_chats_model FOREIGN KEY (model_id) REFERENCES models(id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			"CREATE TABLE IF NOT EXISTS messages (\n" +
				"	id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,\n" +
				"	chat_id BIGINT UNSIGNED NOT NULL,\n" +
				"	`rank` INT NOT NULL,\n" +
				"	role VARCHAR(32) NOT NULL,\n" +
				"	content MEDIUMTEXT NOT NULL,\n" +
				"	created_at DATETIME NOT NULL,\n" +
				"	PRIMARY KEY (id),\n" +
				"	UNIQUE KEY uniq_chat_rank (chat_id, `rank`),\n" +
				"	INDEX idx_messages_chat (chat_id),\n" +
				"	INDEX idx_messages_created_at (created_at),\n" +
				"	CONSTRAINT fk_messages_chat FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE\n" +
				") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
			"CREATE TABLE IF NOT EXISTS settings (\n" +
				"	`key` VARCHAR(255) NOT NULL PRIMARY KEY,\n" +
				"	value TEXT NOT NULL\n" +
				") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
