package sip_test

import (
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/voipkit/pbx/internal/log"
	"github.com/voipkit/pbx/sip"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock drives the layer deterministically: tests advance it by hand and
// run explicit sweeps instead of waiting on real time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func newTestTimings(t1 time.Duration) sip.TimingConfig {
	return sip.NewTimings(t1, 4*t1, 5*t1, 10*t1)
}

func newTestLayer(t *testing.T, timings sip.TimingConfig, clk *fakeClock) *sip.TransactionLayer {
	t.Helper()

	// Park the background sweep far away so tests drive the timers
	// exclusively through SweepOnce with the fake clock.
	txl := sip.NewTransactionLayer(&sip.TransactionLayerOptions{
		Timings:       timings,
		SweepInterval: time.Hour,
		Clock:         clk.Now,
		Log:           log.Noop,
	})
	t.Cleanup(func() {
		if err := txl.Close(); err != nil {
			t.Errorf("txl.Close() error = %v, want nil", err)
		}
	})
	return txl
}

func newRequest(method sip.RequestMethod, branch string) *sip.Request {
	return &sip.Request{
		Method: method,
		URI:    "sip:bob@example.com",
		Via: []sip.Via{{
			Transport: sip.TransportUDP,
			SentBy:    "10.0.0.1:5060",
			Params:    sip.Params{"branch": branch},
		}},
		CSeq: sip.CSeq{Num: 1, Method: method},
	}
}

func newResponse(req *sip.Request, sts sip.ResponseStatus) *sip.Response {
	return sip.NewResponse(req, sts)
}

func assertState(t *testing.T, txl *sip.TransactionLayer, id sip.TransactionID, want sip.TransactionState) {
	t.Helper()

	snap, ok := txl.Transaction(id)
	if !ok {
		t.Fatalf("txl.Transaction(%q) not found", id)
	}
	if snap.State != want {
		t.Fatalf("transaction state = %q, want %q", snap.State, want)
	}
}

func hasTimer(snap *sip.TransactionSnapshot, tmr sip.TimerType) bool {
	return slices.ContainsFunc(snap.Timers, func(at sip.ActiveTimer) bool { return at.Timer == tmr })
}

func assertTimers(t *testing.T, txl *sip.TransactionLayer, id sip.TransactionID, want ...sip.TimerType) {
	t.Helper()

	snap, ok := txl.Transaction(id)
	if !ok {
		t.Fatalf("txl.Transaction(%q) not found", id)
	}
	got := make([]sip.TimerType, 0, len(snap.Timers))
	for _, at := range snap.Timers {
		got = append(got, at.Timer)
	}
	slices.Sort(got)
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Fatalf("armed timers = %v, want %v", got, want)
	}
}

func findTimer(t *testing.T, txl *sip.TransactionLayer, id sip.TransactionID, tmr sip.TimerType) sip.ActiveTimer {
	t.Helper()

	snap, ok := txl.Transaction(id)
	if !ok {
		t.Fatalf("txl.Transaction(%q) not found", id)
	}
	for _, at := range snap.Timers {
		if at.Timer == tmr {
			return at
		}
	}
	t.Fatalf("timer %q not armed on %q", tmr, id)
	return sip.ActiveTimer{}
}

func firingActions(firings []sip.TimerFiring) map[sip.TimerType]sip.TimerAction {
	out := make(map[sip.TimerType]sip.TimerAction, len(firings))
	for _, f := range firings {
		out[f.Timer] = f.Action
	}
	return out
}
