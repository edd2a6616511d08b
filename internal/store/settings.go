package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Activation modes.
const (
	ModeToggle     = "toggle"
	ModePushToTalk = "push-to-talk"
)

// KeyCombo is a recorded activation key combination. Modifiers must match
// exactly; the primary key matches on Key or Code.
type KeyCombo struct {
	Ctrl  bool   `json:"ctrl"`
	Shift bool   `json:"shift"`
	Alt   bool   `json:"alt"`
	Meta  bool   `json:"meta"`
	Key   string `json:"key"`
	Code  string `json:"code"`
}

// CustomPrompt is a user-defined refinement prompt.
type CustomPrompt struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Prompt      string `json:"prompt"`
}

// Settings is the persisted user configuration.
type Settings struct {
	ActivationMode             string         `json:"activation_mode"`
	KeyCombo                   KeyCombo       `json:"key_combo"`
	SelectedDevice             string         `json:"selected_device,omitempty"`
	SoundEnabled               bool           `json:"sound_enabled"`
	Volume                     float64        `json:"volume"`
	RefinementEnabled          bool           `json:"refinement_enabled"`
	RefinementKeyCombo         KeyCombo       `json:"refinement_key_combo"`
	SelectedRefinementPromptID string         `json:"selected_refinement_prompt_id,omitempty"`
	CustomPrompts              []CustomPrompt `json:"custom_prompts,omitempty"`
}

// DefaultSettings returns the baseline configuration used until the user
// records their own.
func DefaultSettings() Settings {
	return Settings{
		ActivationMode: ModeToggle,
		KeyCombo:       KeyCombo{Alt: true, Key: ".", Code: "Period"},
		SoundEnabled:   true,
		Volume:         0.5,
		RefinementKeyCombo: KeyCombo{
			Alt: true, Shift: true, Key: ".", Code: "Period",
		},
	}
}

// GetSettings loads the settings record, falling back to defaults when none
// has been written yet.
func (s *Store) GetSettings(ctx context.Context) (Settings, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM settings WHERE id = 1`)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DefaultSettings(), nil
		}
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

// PutSettings replaces the settings record and notifies watchers.
func (s *Store) PutSettings(ctx context.Context, settings Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(id, data, updated_at) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		data, s.clock().UTC()); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	s.notify(settings)
	return nil
}

// WatchSettings subscribes to settings changes. The returned cancel func
// removes the subscription; the channel is closed on cancel or store close.
func (s *Store) WatchSettings() (<-chan Settings, func()) {
	ch := make(chan Settings, 1)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (s *Store) notify(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- settings:
		default:
			s.log.Warn("settings watcher is not keeping up, dropping update",
				slog.Int("watchers", len(s.watchers)))
		}
	}
}
