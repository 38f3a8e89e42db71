// Package transcript merges the two independent streaming event sources of a
// live conversation (voice transcription and AI response) into one ordered,
// append-only transcript of finalized turns.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerAI   Speaker = "ai"
)

// InputSource records how a user turn entered the conversation.
type InputSource string

const (
	SourceVoice InputSource = "voice"
	SourceText  InputSource = "text"
)

// Entry is one finalized conversation turn. Entries are immutable once
// appended.
type Entry struct {
	ID        string      `json:"id"`
	Speaker   Speaker     `json:"speaker"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Source    InputSource `json:"input_source"`
}

// Pending is a snapshot of a not-yet-finalized turn.
type Pending struct {
	Text string `json:"text"`
	Open bool   `json:"open"`
}

// buffer is an open, not-yet-finalized turn for one speaker. At most one
// buffer per speaker is open at a time; it is flushed into an Entry exactly
// once before a new one for the same speaker opens.
type buffer struct {
	text string
	open bool
}

// Aggregator holds the ordered transcript and the two live buffers.
//
// All mutating methods are safe for concurrent use, but the session
// controller applies them from a single goroutine so entry order reflects
// event arrival order even when the two streams interleave.
type Aggregator struct {
	mu        sync.Mutex
	entries   []Entry
	voice     buffer
	response  buffer
	waiting   bool
	now       func() time.Time
	newID     func() string
	onAppend  func(Entry)
	onPending func(Speaker, Pending)
	onWaiting func(bool)
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the timestamp source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithOnAppend installs a callback invoked after each finalized entry is
// appended.
func WithOnAppend(fn func(Entry)) Option {
	return func(a *Aggregator) { a.onAppend = fn }
}

// WithOnPending installs a callback invoked whenever a live buffer changes.
func WithOnPending(fn func(Speaker, Pending)) Option {
	return func(a *Aggregator) { a.onPending = fn }
}

// WithOnWaiting installs a callback invoked when the waiting-for-AI flag
// flips.
func WithOnWaiting(fn func(bool)) Option {
	return func(a *Aggregator) { a.onWaiting = fn }
}

// New creates an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddTranscriptionChunk appends a partial transcription fragment to the user
// buffer, opening it if necessary. Fragments are space-joined.
func (a *Aggregator) AddTranscriptionChunk(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	a.mu.Lock()
	if !a.voice.open {
		a.voice = buffer{open: true}
	}
	if a.voice.text == "" {
		a.voice.text = text
	} else {
		a.voice.text += " " + text
	}
	snap := Pending{Text: a.voice.text, Open: true}
	notify := a.onPending
	a.mu.Unlock()

	if notify != nil {
		notify(SpeakerUser, snap)
	}
}

// FinalizeTranscription flushes the user buffer into a finalized entry and
// closes it. A fresh chunk afterwards opens a new buffer; finalization is the
// only coalescing boundary. Finalizing a closed or empty buffer appends
// nothing.
func (a *Aggregator) FinalizeTranscription() {
	a.mu.Lock()
	if !a.voice.open {
		a.mu.Unlock()
		return
	}
	text := a.voice.text
	a.voice = buffer{}
	var entry Entry
	appended := false
	if text != "" {
		entry = a.appendLocked(SpeakerUser, text, SourceVoice)
		appended = true
	}
	onAppend, onPending := a.onAppend, a.onPending
	a.mu.Unlock()

	if onPending != nil {
		onPending(SpeakerUser, Pending{})
	}
	if appended && onAppend != nil {
		onAppend(entry)
	}
}

// AddResponseChunk records the full-so-far AI response text. The buffer is
// overwritten, not appended: each chunk carries the complete accumulated
// text. The first chunk clears the waiting-for-AI flag.
func (a *Aggregator) AddResponseChunk(text string) {
	a.mu.Lock()
	a.response = buffer{text: text, open: true}
	waitingFlipped := a.waiting
	a.waiting = false
	snap := Pending{Text: text, Open: true}
	onPending, onWaiting := a.onPending, a.onWaiting
	a.mu.Unlock()

	if waitingFlipped && onWaiting != nil {
		onWaiting(false)
	}
	if onPending != nil {
		onPending(SpeakerAI, snap)
	}
}

// FinalizeResponse flushes the AI buffer into a finalized entry, closes it,
// and clears the waiting-for-AI flag.
func (a *Aggregator) FinalizeResponse() {
	a.mu.Lock()
	open := a.response.open
	text := a.response.text
	a.response = buffer{}
	waitingFlipped := a.waiting
	a.waiting = false
	var entry Entry
	appended := false
	if open && text != "" {
		entry = a.appendLocked(SpeakerAI, text, SourceVoice)
		appended = true
	}
	onAppend, onPending, onWaiting := a.onAppend, a.onPending, a.onWaiting
	a.mu.Unlock()

	if !open && !waitingFlipped {
		return
	}
	if waitingFlipped && onWaiting != nil {
		onWaiting(false)
	}
	if onPending != nil {
		onPending(SpeakerAI, Pending{})
	}
	if appended && onAppend != nil {
		onAppend(entry)
	}
}

// AppendUserMessage appends an outgoing typed message as a finalized entry,
// bypassing the voice buffer, and sets the waiting-for-AI flag.
func (a *Aggregator) AppendUserMessage(text string) Entry {
	a.mu.Lock()
	entry := a.appendLocked(SpeakerUser, text, SourceText)
	waitingFlipped := !a.waiting
	a.waiting = true
	onAppend, onWaiting := a.onAppend, a.onWaiting
	a.mu.Unlock()

	if onAppend != nil {
		onAppend(entry)
	}
	if waitingFlipped && onWaiting != nil {
		onWaiting(true)
	}
	return entry
}

// ReportSendFailure clears the waiting-for-AI flag after a failed delivery.
// The already-appended outgoing entry stays in the transcript; the caller
// surfaces the failure against its entry ID.
func (a *Aggregator) ReportSendFailure() {
	a.mu.Lock()
	waitingFlipped := a.waiting
	a.waiting = false
	onWaiting := a.onWaiting
	a.mu.Unlock()

	if waitingFlipped && onWaiting != nil {
		onWaiting(false)
	}
}

func (a *Aggregator) appendLocked(speaker Speaker, content string, source InputSource) Entry {
	entry := Entry{
		ID:        a.newID(),
		Speaker:   speaker,
		Content:   content,
		Timestamp: a.now(),
		Source:    source,
	}
	a.entries = append(a.entries, entry)
	return entry
}

// Entries returns a copy of the finalized transcript in append order.
func (a *Aggregator) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// PendingFor returns the live buffer snapshot for the given speaker.
func (a *Aggregator) PendingFor(speaker Speaker) Pending {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch speaker {
	case SpeakerUser:
		return Pending{Text: a.voice.text, Open: a.voice.open}
	case SpeakerAI:
		return Pending{Text: a.response.text, Open: a.response.open}
	default:
		return Pending{}
	}
}

// WaitingForAI reports whether a response is outstanding for a sent message.
func (a *Aggregator) WaitingForAI() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.waiting
}
