package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sotto-labs/sotto-core/internal/config"
	"github.com/sotto-labs/sotto-core/internal/historyui"
	"github.com/sotto-labs/sotto-core/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "sotto.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// The TUI owns the terminal; store logging goes nowhere.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(context.Background(), cfg.Store, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	p := tea.NewProgram(historyui.New(st), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "history browser failed: %v\n", err)
		os.Exit(1)
	}
}
