package historyui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sotto-labs/sotto-core/internal/store"
)

// HistoryStore is the slice of the store the browser needs. *store.Store
// satisfies it.
type HistoryStore interface {
	ListHistory(ctx context.Context, limit int) ([]store.Entry, error)
	RemoveHistory(ctx context.Context, id string) error
}

// loadLimit bounds one fetch; history itself is already capped upstream.
const loadLimit = 500

type entriesLoadedMsg struct {
	entries []store.Entry
	err     error
}

type entryRemovedMsg struct {
	id  string
	err error
}

// Model is the root bubbletea model for the history browser. It is
// read-mostly: browse, inspect, and delete entries.
type Model struct {
	store HistoryStore

	entries  []store.Entry
	selected int

	showRefined bool
	confirmDel  bool

	width  int
	height int

	errorMessage string
	loading      bool
}

func New(st HistoryStore) Model {
	return Model{
		store:       st,
		showRefined: true,
		loading:     true,
	}
}

func (m Model) Init() tea.Cmd {
	return loadEntriesCmd(m.store)
}

func loadEntriesCmd(st HistoryStore) tea.Cmd {
	return func() tea.Msg {
		entries, err := st.ListHistory(context.Background(), loadLimit)
		return entriesLoadedMsg{entries: entries, err: err}
	}
}

func removeEntryCmd(st HistoryStore, id string) tea.Cmd {
	return func() tea.Msg {
		err := st.RemoveHistory(context.Background(), id)
		return entryRemovedMsg{id: id, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case entriesLoadedMsg:
		m.loading = false
		if msg.err != nil {
			m.errorMessage = msg.err.Error()
			return m, nil
		}
		m.errorMessage = ""
		m.entries = msg.entries
		if m.selected >= len(m.entries) {
			m.selected = len(m.entries) - 1
		}
		if m.selected < 0 {
			m.selected = 0
		}
		return m, nil

	case entryRemovedMsg:
		if msg.err != nil {
			m.errorMessage = msg.err.Error()
			return m, nil
		}
		return m, loadEntriesCmd(m.store)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.confirmDel {
		switch msg.String() {
		case "y", "Y":
			m.confirmDel = false
			if entry, ok := m.current(); ok {
				return m, removeEntryCmd(m.store, entry.ID)
			}
			return m, nil
		default:
			m.confirmDel = false
			return m, nil
		}
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(m.entries)-1 {
			m.selected++
		}
	case "g":
		m.selected = 0
	case "G":
		if len(m.entries) > 0 {
			m.selected = len(m.entries) - 1
		}
	case "r":
		m.showRefined = !m.showRefined
	case "d":
		if _, ok := m.current(); ok {
			m.confirmDel = true
		}
	case "R":
		m.loading = true
		return m, loadEntriesCmd(m.store)
	}
	return m, nil
}

func (m Model) current() (store.Entry, bool) {
	if m.selected < 0 || m.selected >= len(m.entries) {
		return store.Entry{}, false
	}
	return m.entries[m.selected], true
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("sotto history"))
	b.WriteString("\n\n")

	switch {
	case m.loading:
		b.WriteString(dimStyle.Render("loading..."))
		b.WriteString("\n")
	case len(m.entries) == 0:
		b.WriteString(dimStyle.Render("no dictations yet"))
		b.WriteString("\n")
	default:
		for i, entry := range m.entries {
			b.WriteString(m.renderEntry(i, entry))
			b.WriteString("\n")
		}
	}

	if m.errorMessage != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("error: " + m.errorMessage))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.footer())
	return b.String()
}

func (m Model) renderEntry(i int, entry store.Entry) string {
	text := entry.Text
	badge := ""
	if m.showRefined && entry.RefinedText != "" {
		text = entry.RefinedText
		badge = refinedBadgeStyle.Render(" [refined]")
	}
	text = truncate(text, m.textWidth())

	line := fmt.Sprintf("%s  %s%s",
		timestampStyle.Render(entry.CreatedAt.Local().Format("2006-01-02 15:04")),
		text,
		badge,
	)
	if entry.URL != "" {
		line += "\n       " + urlStyle.Render(truncate(entry.URL, m.textWidth()))
	}

	if i == m.selected {
		prefix := selectedStyle.Render("> ")
		if m.confirmDel {
			prefix = errorStyle.Render("d ")
			line += "\n       " + errorStyle.Render("delete this entry? (y/n)")
		}
		return prefix + line
	}
	return "  " + line
}

func (m Model) textWidth() int {
	if m.width <= 0 {
		return 80
	}
	w := m.width - 26
	if w < 20 {
		w = 20
	}
	return w
}

func (m Model) footer() string {
	keys := [][2]string{
		{"j/k", "move"},
		{"r", "raw/refined"},
		{"d", "delete"},
		{"R", "reload"},
		{"q", "quit"},
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, footerKeyStyle.Render(k[0])+" "+footerDescStyle.Render(k[1]))
	}
	return strings.Join(parts, footerDescStyle.Render("  ·  "))
}

func truncate(s string, max int) string {
	runes := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(runes) <= max {
		return string(runes)
	}
	if max <= 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}
