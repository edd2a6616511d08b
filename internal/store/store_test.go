package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/sotto-labs/sotto-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cap int) *Store {
	t.Helper()
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "sotto.db"), HistoryCap: cap}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndListHistory(t *testing.T) {
	s := openStore(t, 500)
	ctx := context.Background()

	if err := s.AppendHistory(ctx, Entry{Text: "hello world", URL: "https://example.com"}); err != nil {
		t.Fatalf("append history: %v", err)
	}
	entries, err := s.ListHistory(ctx, 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Text != "hello world" {
		t.Fatalf("unexpected text: %q", entries[0].Text)
	}
	if entries[0].URL != "https://example.com" {
		t.Fatalf("unexpected url: %q", entries[0].URL)
	}
	if entries[0].ID == "" {
		t.Fatal("expected generated id")
	}
}

func TestHistoryCapEvictsOldest(t *testing.T) {
	s := openStore(t, 3)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		err := s.AppendHistory(ctx, Entry{ID: fmt.Sprintf("e%d", i), Text: fmt.Sprintf("text %d", i)})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	entries, err := s.ListHistory(ctx, 0)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries after eviction, got %d", len(entries))
	}
	// Oldest evicted, remainder in insertion order, newest last.
	want := []string{"e1", "e2", "e3"}
	for i, e := range entries {
		if e.ID != want[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, want[i], e.ID)
		}
	}
}

func TestRemoveHistory(t *testing.T) {
	s := openStore(t, 10)
	ctx := context.Background()

	if err := s.AppendHistory(ctx, Entry{ID: "gone", Text: "bye"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.RemoveHistory(ctx, "gone"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveHistory(ctx, "gone"); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	entries, err := s.ListHistory(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty history, got %d", len(entries))
	}
}

func TestSettingsDefaultsAndRoundtrip(t *testing.T) {
	s := openStore(t, 10)
	ctx := context.Background()

	settings, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get defaults: %v", err)
	}
	if settings.ActivationMode != ModeToggle {
		t.Fatalf("expected toggle default, got %s", settings.ActivationMode)
	}

	settings.ActivationMode = ModePushToTalk
	settings.SelectedDevice = "usb-mic"
	settings.CustomPrompts = []CustomPrompt{{ID: "p1", Name: "Terse", Prompt: "Shorten this."}}
	if err := s.PutSettings(ctx, settings); err != nil {
		t.Fatalf("put settings: %v", err)
	}

	loaded, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if loaded.ActivationMode != ModePushToTalk || loaded.SelectedDevice != "usb-mic" {
		t.Fatalf("unexpected settings after roundtrip: %+v", loaded)
	}
	if len(loaded.CustomPrompts) != 1 || loaded.CustomPrompts[0].ID != "p1" {
		t.Fatalf("expected custom prompt to survive roundtrip")
	}
}

func TestWatchSettings(t *testing.T) {
	s := openStore(t, 10)
	ctx := context.Background()

	ch, cancel := s.WatchSettings()
	defer cancel()

	settings := DefaultSettings()
	settings.SoundEnabled = false
	if err := s.PutSettings(ctx, settings); err != nil {
		t.Fatalf("put settings: %v", err)
	}

	got := <-ch
	if got.SoundEnabled {
		t.Fatal("expected watcher to observe sound_enabled=false")
	}
}
