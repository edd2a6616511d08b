package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Entry is one persisted transcription.
type Entry struct {
	ID          string
	Text        string
	RefinedText string
	URL         string
	AudioRef    string
	CreatedAt   time.Time
}

// AppendHistory appends an entry and evicts the oldest entries beyond the
// configured cap. Insertion order is the eviction order.
func (s *Store) AppendHistory(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO history(id, text, refined_text, url, audio_ref, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Text, nullable(entry.RefinedText), nullable(entry.URL),
		nullable(entry.AudioRef), entry.CreatedAt); err != nil {
		return err
	}
	if s.cfg.HistoryCap > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM history WHERE rowid IN (
			SELECT rowid FROM history ORDER BY rowid DESC LIMIT -1 OFFSET ?
		)`, s.cfg.HistoryCap); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// ListHistory returns up to limit entries, newest last.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = s.cfg.HistoryCap
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, refined_text, url, audio_ref, created_at FROM (
			SELECT rowid, id, text, refined_text, url, audio_ref, created_at
			FROM history ORDER BY rowid DESC LIMIT ?
		) ORDER BY rowid ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var refined, url, audio sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.Text, &refined, &url, &audio, &created); err != nil {
			return nil, err
		}
		e.RefinedText = refined.String
		e.URL = url.String
		e.AudioRef = audio.String
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RemoveHistory deletes one entry by id. Missing ids are a no-op.
func (s *Store) RemoveHistory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
