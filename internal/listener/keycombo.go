package listener

import (
	"github.com/sotto-labs/sotto-core/internal/protocol"
	"github.com/sotto-labs/sotto-core/internal/store"
)

// comboMatches reports whether a key event satisfies a configured combo.
// Modifier state must match exactly; the primary key matches on either the
// logical key or the physical code, whichever the combo specifies.
func comboMatches(c store.KeyCombo, ev protocol.KeyEvent) bool {
	if ev.Ctrl != c.Ctrl || ev.Shift != c.Shift || ev.Alt != c.Alt || ev.Meta != c.Meta {
		return false
	}
	if c.Key != "" && ev.Key == c.Key {
		return true
	}
	if c.Code != "" && ev.Code == c.Code {
		return true
	}
	return false
}
