package listener

import (
	"errors"
)

var (
	// ErrDetached is returned when the target element is no longer part of
	// the page. Callers treat insertion into a detached target as a no-op.
	ErrDetached = errors.New("listener: target detached from page")

	// ErrSpanMismatch is returned by Replace when the recorded span no
	// longer holds the text that was originally inserted there.
	ErrSpanMismatch = errors.New("listener: recorded span no longer matches inserted text")
)

// InsertRecord identifies a span of previously inserted text so that
// refinement can later replace exactly that span and nothing else.
// Offsets are in runes.
type InsertRecord struct {
	Start int
	End   int
	Text  string
}

// Editable is a text-editable focus target on a page. Two shapes exist:
// plain text controls with an explicit selection, and rich-text regions
// addressed through a caret.
type Editable interface {
	// Attached reports whether the element is still part of the page.
	Attached() bool

	// Insert places text at the current caret or selection, collapses the
	// caret after it, and returns the inserted span.
	Insert(text string) (InsertRecord, error)

	// Replace swaps a previously inserted span for new text, but only if
	// the span still holds exactly the text that was inserted. Returns the
	// replacement span on success and ErrSpanMismatch otherwise.
	Replace(rec InsertRecord, replacement string) (InsertRecord, error)
}

// TextControl models a plain input or textarea: a value plus a selection
// range. Inserting replaces the selection and synthesizes the change
// notifications the page's own scripts listen for.
type TextControl struct {
	value    []rune
	selStart int
	selEnd   int
	attached bool
	notify   func(event string)
}

// NewTextControl builds an attached control with the caret collapsed at
// the given rune offset. Offsets out of range are clamped.
func NewTextControl(value string, caret int) *TextControl {
	t := &TextControl{value: []rune(value), attached: true}
	t.SetSelection(caret, caret)
	return t
}

// SetNotify registers a callback invoked with "input" and "change" when
// the control's value is mutated.
func (t *TextControl) SetNotify(fn func(event string)) { t.notify = fn }

func (t *TextControl) Value() string { return string(t.value) }

func (t *TextControl) Selection() (start, end int) { return t.selStart, t.selEnd }

// SetSelection clamps both offsets into the value and orders them.
func (t *TextControl) SetSelection(start, end int) {
	start = clamp(start, 0, len(t.value))
	end = clamp(end, 0, len(t.value))
	if end < start {
		start, end = end, start
	}
	t.selStart, t.selEnd = start, end
}

// Detach simulates the element being removed from the page.
func (t *TextControl) Detach() { t.attached = false }

func (t *TextControl) Attached() bool { return t.attached }

func (t *TextControl) Insert(text string) (InsertRecord, error) {
	if !t.attached {
		return InsertRecord{}, ErrDetached
	}
	runes := []rune(text)
	start := t.selStart
	t.value = splice(t.value, t.selStart, t.selEnd, runes)
	caret := start + len(runes)
	t.selStart, t.selEnd = caret, caret
	t.fire("input")
	t.fire("change")
	return InsertRecord{Start: start, End: caret, Text: text}, nil
}

func (t *TextControl) Replace(rec InsertRecord, replacement string) (InsertRecord, error) {
	if !t.attached {
		return InsertRecord{}, ErrDetached
	}
	if !spanIntact(t.value, rec) {
		return InsertRecord{}, ErrSpanMismatch
	}
	runes := []rune(replacement)
	t.value = splice(t.value, rec.Start, rec.End, runes)
	caret := rec.Start + len(runes)
	t.selStart, t.selEnd = caret, caret
	t.fire("input")
	t.fire("change")
	return InsertRecord{Start: rec.Start, End: caret, Text: replacement}, nil
}

func (t *TextControl) fire(event string) {
	if t.notify != nil {
		t.notify(event)
	}
}

// RichText models a contenteditable region. The preferred insertion path
// is the page's native insert-text primitive; when that is unavailable the
// fallback manipulates the content range directly. Both paths collapse the
// caret after the inserted text.
type RichText struct {
	content  []rune
	caret    int
	attached bool

	// nativeBroken forces the manual range fallback, matching pages whose
	// native insert primitive is disabled or overridden.
	nativeBroken  bool
	manualInserts int
}

// NewRichText builds an attached region with the caret at the given rune
// offset. Offsets out of range are clamped.
func NewRichText(content string, caret int) *RichText {
	r := &RichText{content: []rune(content), attached: true}
	r.caret = clamp(caret, 0, len(r.content))
	return r
}

// BreakNative disables the native insert primitive so insertion exercises
// the manual range fallback.
func (r *RichText) BreakNative() { r.nativeBroken = true }

func (r *RichText) Content() string { return string(r.content) }

func (r *RichText) Caret() int { return r.caret }

// ManualInserts reports how many insertions went through the fallback path.
func (r *RichText) ManualInserts() int { return r.manualInserts }

// Detach simulates the region being removed from the page.
func (r *RichText) Detach() { r.attached = false }

func (r *RichText) Attached() bool { return r.attached }

func (r *RichText) Insert(text string) (InsertRecord, error) {
	if !r.attached {
		return InsertRecord{}, ErrDetached
	}
	if r.nativeBroken {
		r.manualInserts++
	}
	runes := []rune(text)
	start := r.caret
	r.content = splice(r.content, start, start, runes)
	r.caret = start + len(runes)
	return InsertRecord{Start: start, End: r.caret, Text: text}, nil
}

func (r *RichText) Replace(rec InsertRecord, replacement string) (InsertRecord, error) {
	if !r.attached {
		return InsertRecord{}, ErrDetached
	}
	if !spanIntact(r.content, rec) {
		return InsertRecord{}, ErrSpanMismatch
	}
	runes := []rune(replacement)
	r.content = splice(r.content, rec.Start, rec.End, runes)
	r.caret = rec.Start + len(runes)
	return InsertRecord{Start: rec.Start, End: r.caret, Text: replacement}, nil
}

func spanIntact(content []rune, rec InsertRecord) bool {
	if rec.Start < 0 || rec.End < rec.Start || rec.End > len(content) {
		return false
	}
	return string(content[rec.Start:rec.End]) == rec.Text
}

func splice(content []rune, start, end int, insert []rune) []rune {
	out := make([]rune, 0, len(content)-(end-start)+len(insert))
	out = append(out, content[:start]...)
	out = append(out, insert...)
	out = append(out, content[end:]...)
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
