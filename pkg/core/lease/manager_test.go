package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeAPI struct {
	mu        sync.Mutex
	startN    int
	hbN       int
	endN      int
	start     func() (StartResponse, error)
	heartbeat func() (HeartbeatResponse, error)
	end       func() (EndResponse, error)
}

func (f *fakeAPI) Start(ctx context.Context, ownerID string) (StartResponse, error) {
	f.mu.Lock()
	f.startN++
	f.mu.Unlock()
	if f.start != nil {
		return f.start()
	}
	return StartResponse{}, errors.New("no start scripted")
}

func (f *fakeAPI) Heartbeat(ctx context.Context, sessionID string) (HeartbeatResponse, error) {
	f.mu.Lock()
	f.hbN++
	f.mu.Unlock()
	if f.heartbeat != nil {
		return f.heartbeat()
	}
	return HeartbeatResponse{}, errors.New("no heartbeat scripted")
}

func (f *fakeAPI) End(ctx context.Context, sessionID string, reason EndReason) (EndResponse, error) {
	f.mu.Lock()
	f.endN++
	f.mu.Unlock()
	if f.end != nil {
		return f.end()
	}
	return EndResponse{}, nil
}

func (f *fakeAPI) calls() (start, hb, end int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startN, f.hbN, f.endN
}

// newIdleManager creates a Manager whose ticker never fires, so tests drive
// applyHeartbeat by hand with explicit sequence numbers.
func newIdleManager(t *testing.T, api *fakeAPI, clk *fakeClock, cb Callbacks) *Manager {
	t.Helper()
	m := NewManager(api, nil, cb, WithInterval(time.Hour), WithManagerClock(clk.Now))
	if _, err := m.Begin(context.Background(), "owner-1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	t.Cleanup(m.StopHeartbeats)
	return m
}

func startResponse(clk *fakeClock, remaining time.Duration) func() (StartResponse, error) {
	return func() (StartResponse, error) {
		now := clk.Now()
		return StartResponse{
			SessionID:   "sess-1",
			ServerNow:   now,
			ExpiresAt:   now.Add(remaining),
			RemainingMS: remaining.Milliseconds(),
		}, nil
	}
}

func TestManager_BeginIsIdempotent(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	api := &fakeAPI{start: startResponse(clk, 30*time.Minute)}
	m := newIdleManager(t, api, clk, Callbacks{})

	first, ok := m.Snapshot()
	if !ok {
		t.Fatal("expected active lease")
	}
	again, err := m.Begin(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("second Begin returned %q, want existing %q", again.ID, first.ID)
	}
	if start, _, _ := api.calls(); start != 1 {
		t.Fatalf("start calls = %d, want 1", start)
	}
}

func TestManager_StaleHeartbeatResponseIsDiscarded(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	api := &fakeAPI{start: startResponse(clk, 30*time.Minute)}
	m := newIdleManager(t, api, clk, Callbacks{})

	newer := clk.Now().Add(25 * time.Minute)
	older := clk.Now().Add(20 * time.Minute)

	m.applyHeartbeat(2, HeartbeatResponse{ExpiresAt: newer}, nil)
	m.applyHeartbeat(1, HeartbeatResponse{ExpiresAt: older}, nil)

	sess, _ := m.Snapshot()
	if !sess.ExpiresAt.Equal(newer) {
		t.Fatalf("expiry = %v, want %v (stale response must not win)", sess.ExpiresAt, newer)
	}
}

func TestManager_FailedHeartbeatNeverExtendsExpiry(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	api := &fakeAPI{start: startResponse(clk, 30*time.Minute)}
	m := newIdleManager(t, api, clk, Callbacks{})

	before, _ := m.Snapshot()
	m.applyHeartbeat(1, HeartbeatResponse{}, errors.New("network down"))
	after, _ := m.Snapshot()

	if !after.ExpiresAt.Equal(before.ExpiresAt) {
		t.Fatalf("expiry moved from %v to %v on a failed heartbeat", before.ExpiresAt, after.ExpiresAt)
	}
}

func TestManager_WarningsFireOncePerThreshold(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	api := &fakeAPI{start: startResponse(clk, 30*time.Minute)}

	var mu sync.Mutex
	var labels []string
	m := newIdleManager(t, api, clk, Callbacks{
		OnWarning: func(w Warning) {
			mu.Lock()
			labels = append(labels, w.Label)
			mu.Unlock()
		},
	})

	base := clk.Now()
	seq := uint64(0)
	apply := func(remaining time.Duration) {
		seq++
		m.applyHeartbeat(seq, HeartbeatResponse{ExpiresAt: base.Add(remaining)}, nil)
	}

	apply(25 * time.Minute) // above all thresholds
	apply(9 * time.Minute)  // crosses 10m
	apply(9 * time.Minute)  // no repeat
	apply(4 * time.Minute)  // crosses 5m
	apply(20 * time.Second) // crosses 30s

	mu.Lock()
	got := append([]string(nil), labels...)
	mu.Unlock()

	want := []string{WarnTenMinutes, WarnFiveMinutes, WarnThirtySecs}
	if len(got) != len(want) {
		t.Fatalf("warnings = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("warnings = %v, want %v", got, want)
		}
	}
}

func TestManager_ExpiryFiresExactlyOnce(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	api := &fakeAPI{start: startResponse(clk, 30*time.Minute)}

	var mu sync.Mutex
	expiredN := 0
	m := newIdleManager(t, api, clk, Callbacks{
		OnExpired: func() {
			mu.Lock()
			expiredN++
			mu.Unlock()
		},
	})

	past := clk.Now().Add(-time.Second)
	m.applyHeartbeat(1, HeartbeatResponse{ExpiresAt: past, TimeUp: true}, nil)
	m.applyHeartbeat(2, HeartbeatResponse{ExpiresAt: past, TimeUp: true}, nil)

	mu.Lock()
	defer mu.Unlock()
	if expiredN != 1 {
		t.Fatalf("OnExpired fired %d times, want 1", expiredN)
	}
}

func TestManager_ServerTimeUpExpiresEvenWithRemainingTime(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	api := &fakeAPI{start: startResponse(clk, 30*time.Minute)}

	expired := make(chan struct{}, 1)
	m := newIdleManager(t, api, clk, Callbacks{
		OnExpired: func() { expired <- struct{}{} },
	})

	// The server is authoritative even if the cached expiry lies in the
	// future.
	m.applyHeartbeat(1, HeartbeatResponse{ExpiresAt: clk.Now().Add(time.Minute), TimeUp: true}, nil)

	select {
	case <-expired:
	default:
		t.Fatal("expected expiry on server time_up")
	}
}

func TestManager_CachedExpiryEnforcedWhileHeartbeatsFail(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	api := &fakeAPI{start: startResponse(clk, time.Minute)}

	expired := make(chan struct{}, 1)
	m := newIdleManager(t, api, clk, Callbacks{
		OnExpired: func() { expired <- struct{}{} },
	})

	clk.Advance(2 * time.Minute)
	m.applyHeartbeat(1, HeartbeatResponse{}, errors.New("network down"))

	select {
	case <-expired:
	default:
		t.Fatal("expected expiry from locally cached deadline")
	}
}

func TestManager_EndExactlyOnce(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	api := &fakeAPI{
		start: startResponse(clk, 30*time.Minute),
		end: func() (EndResponse, error) {
			return EndResponse{SessionID: "sess-1", ConsumedMinutes: 3}, nil
		},
	}
	m := newIdleManager(t, api, clk, Callbacks{})

	first, err := m.End(context.Background(), ReasonNormal)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	second, err := m.End(context.Background(), ReasonError)
	if err != nil {
		t.Fatalf("End: %v", err)
	}

	if _, _, end := api.calls(); end != 1 {
		t.Fatalf("end calls = %d, want 1", end)
	}
	if first.ConsumedMinutes != 3 || second.ConsumedMinutes != 3 {
		t.Fatalf("End results differ: %+v vs %+v", first, second)
	}
}

func TestManager_EndWithoutLeaseIsANoOp(t *testing.T) {
	api := &fakeAPI{}
	m := NewManager(api, nil, Callbacks{})

	resp, err := m.End(context.Background(), ReasonNormal)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if resp != (EndResponse{}) {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if _, _, end := api.calls(); end != 0 {
		t.Fatalf("end calls = %d, want 0", end)
	}
}

func TestManager_StopHeartbeatsIsRepeatable(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	api := &fakeAPI{start: startResponse(clk, 30*time.Minute)}
	m := newIdleManager(t, api, clk, Callbacks{})

	m.StopHeartbeats()
	m.StopHeartbeats()
}

func TestManager_HeartbeatLoopRenewsOnInterval(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	ticks := make(chan struct{}, 16)
	api := &fakeAPI{}
	api.start = startResponse(clk, 30*time.Minute)
	api.heartbeat = func() (HeartbeatResponse, error) {
		select {
		case ticks <- struct{}{}:
		default:
		}
		now := clk.Now()
		return HeartbeatResponse{
			ServerNow:   now,
			ExpiresAt:   now.Add(30 * time.Minute),
			RemainingMS: (30 * time.Minute).Milliseconds(),
		}, nil
	}

	m := NewManager(api, nil, Callbacks{}, WithInterval(10*time.Millisecond), WithManagerClock(clk.Now))
	if _, err := m.Begin(context.Background(), "owner-1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer m.StopHeartbeats()

	for i := 0; i < 2; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for heartbeat")
		}
	}
}
