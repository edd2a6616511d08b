package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sotto-labs/sotto-core/internal/config"
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed persistence layer: the capped transcription
// history and the settings record with change notification.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time

	mu       sync.Mutex
	watchers []chan Settings
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS history (
    id TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    refined_text TEXT,
    url TEXT,
    audio_ref TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    data BLOB NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources and drops all watchers.
func (s *Store) Close() error {
	s.mu.Lock()
	for _, ch := range s.watchers {
		close(ch)
	}
	s.watchers = nil
	s.mu.Unlock()
	return s.db.Close()
}
