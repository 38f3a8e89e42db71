package transcript

import (
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAggregator_ChunksAreSpaceJoined(t *testing.T) {
	a := New(WithClock(fixedClock(time.Unix(1000, 0))))

	a.AddTranscriptionChunk("hello")
	a.AddTranscriptionChunk("  world ")
	a.AddTranscriptionChunk("")

	got := a.PendingFor(SpeakerUser)
	if !got.Open {
		t.Fatal("expected open user buffer")
	}
	if got.Text != "hello world" {
		t.Fatalf("pending text = %q, want %q", got.Text, "hello world")
	}

	a.FinalizeTranscription()

	entries := a.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Speaker != SpeakerUser || e.Content != "hello world" || e.Source != SourceVoice {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.ID == "" {
		t.Fatal("expected non-empty entry ID")
	}
	if p := a.PendingFor(SpeakerUser); p.Open || p.Text != "" {
		t.Fatalf("buffer not cleared after finalize: %+v", p)
	}
}

func TestAggregator_FinalizeClosedOrEmptyBufferAppendsNothing(t *testing.T) {
	a := New()

	a.FinalizeTranscription()
	a.FinalizeTranscription()
	if n := len(a.Entries()); n != 0 {
		t.Fatalf("entries = %d, want 0", n)
	}

	// Whitespace-only chunks never open the buffer.
	a.AddTranscriptionChunk("   ")
	a.FinalizeTranscription()
	if n := len(a.Entries()); n != 0 {
		t.Fatalf("entries = %d, want 0", n)
	}
}

func TestAggregator_FinalizationIsTheOnlyCoalescingBoundary(t *testing.T) {
	a := New()

	a.AddTranscriptionChunk("first")
	a.FinalizeTranscription()
	a.AddTranscriptionChunk("second")
	a.FinalizeTranscription()

	entries := a.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Content != "first" || entries[1].Content != "second" {
		t.Fatalf("unexpected contents: %q, %q", entries[0].Content, entries[1].Content)
	}
}

func TestAggregator_ResponseChunksReplace(t *testing.T) {
	a := New()

	a.AddResponseChunk("The")
	a.AddResponseChunk("The quick")
	a.AddResponseChunk("The quick fox")

	if p := a.PendingFor(SpeakerAI); p.Text != "The quick fox" {
		t.Fatalf("pending = %q, want full accumulated text", p.Text)
	}

	a.FinalizeResponse()

	entries := a.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Speaker != SpeakerAI || entries[0].Content != "The quick fox" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

func TestAggregator_InterleavedStreamsKeepArrivalOrder(t *testing.T) {
	a := New()

	a.AddTranscriptionChunk("play")
	a.AddResponseChunk("Sure,")
	a.AddTranscriptionChunk("some jazz")
	a.FinalizeTranscription()
	a.AddResponseChunk("Sure, starting jazz now.")
	a.FinalizeResponse()

	entries := a.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Speaker != SpeakerUser || entries[0].Content != "play some jazz" {
		t.Fatalf("entry 0 = %+v", entries[0])
	}
	if entries[1].Speaker != SpeakerAI || entries[1].Content != "Sure, starting jazz now." {
		t.Fatalf("entry 1 = %+v", entries[1])
	}
}

func TestAggregator_AppendUserMessageBypassesVoiceBuffer(t *testing.T) {
	a := New()

	a.AddTranscriptionChunk("half a")
	entry := a.AppendUserMessage("typed message")

	if entry.Source != SourceText || entry.Speaker != SpeakerUser {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if !a.WaitingForAI() {
		t.Fatal("expected waiting-for-AI after send")
	}
	// The open voice buffer is untouched.
	if p := a.PendingFor(SpeakerUser); !p.Open || p.Text != "half a" {
		t.Fatalf("voice buffer disturbed: %+v", p)
	}
	if n := len(a.Entries()); n != 1 {
		t.Fatalf("entries = %d, want 1", n)
	}
}

func TestAggregator_WaitingClearedByFirstResponseChunk(t *testing.T) {
	a := New()

	a.AppendUserMessage("question")
	a.AddResponseChunk("answer")
	if a.WaitingForAI() {
		t.Fatal("waiting should clear on first response chunk")
	}
}

func TestAggregator_WaitingClearedBySendFailure(t *testing.T) {
	a := New()

	a.AppendUserMessage("question")
	a.ReportSendFailure()
	if a.WaitingForAI() {
		t.Fatal("waiting should clear after reported send failure")
	}
	// The outgoing entry stays.
	if n := len(a.Entries()); n != 1 {
		t.Fatalf("entries = %d, want 1", n)
	}
}

func TestAggregator_Callbacks(t *testing.T) {
	var appended []Entry
	var waits []bool
	var pendings []Pending

	a := New(
		WithOnAppend(func(e Entry) { appended = append(appended, e) }),
		WithOnPending(func(_ Speaker, p Pending) { pendings = append(pendings, p) }),
		WithOnWaiting(func(w bool) { waits = append(waits, w) }),
	)

	a.AppendUserMessage("hi")
	a.AddResponseChunk("hey")
	a.FinalizeResponse()

	if len(appended) != 2 {
		t.Fatalf("appended = %d, want 2", len(appended))
	}
	if appended[0].Speaker != SpeakerUser || appended[1].Speaker != SpeakerAI {
		t.Fatalf("unexpected append order: %+v", appended)
	}
	// waiting: true on send, false on first chunk. No duplicate flips.
	if len(waits) != 2 || !waits[0] || waits[1] {
		t.Fatalf("waits = %v, want [true false]", waits)
	}
	if len(pendings) == 0 {
		t.Fatal("expected pending callbacks")
	}
	last := pendings[len(pendings)-1]
	if last.Open || last.Text != "" {
		t.Fatalf("final pending snapshot should be cleared: %+v", last)
	}
}

func TestAggregator_EntriesReturnsCopy(t *testing.T) {
	a := New()
	a.AppendUserMessage("one")

	entries := a.Entries()
	entries[0].Content = "mutated"

	if a.Entries()[0].Content != "one" {
		t.Fatal("Entries must return a copy")
	}
}
