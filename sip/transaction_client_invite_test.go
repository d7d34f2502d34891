package sip_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voipkit/pbx/sip"
)

func TestInviteClientTransaction_Accepted(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	timings := newTestTimings(20 * time.Millisecond)
	txl := newTestLayer(t, timings, clk)
	ctx := t.Context()

	req := newRequest(sip.RequestMethodInvite, sip.MagicCookie+".ict-accepted")
	id, err := txl.CreateClientTransaction(ctx, req, "10.2.2.2:5060", false)
	if err != nil {
		t.Fatalf("txl.CreateClientTransaction() error = %v, want nil", err)
	}
	if got, want := id, sip.TransactionID(sip.MagicCookie+".ict-accepted"); got != want {
		t.Fatalf("transaction id = %q, want %q", got, want)
	}

	assertState(t, txl, id, sip.TransactionStateCalling)
	assertTimers(t, txl, id, sip.TimerA, sip.TimerB)

	res, err := txl.RecvResponse(ctx, newResponse(req, sip.ResponseStatusRinging))
	if err != nil {
		t.Fatalf("txl.RecvResponse(ctx, 180) error = %v, want nil", err)
	}
	if res == nil {
		t.Fatal("txl.RecvResponse(ctx, 180) = nil, want response")
	}
	assertState(t, txl, id, sip.TransactionStateProceeding)
	assertTimers(t, txl, id, sip.TimerB)

	// a repeated provisional is absorbed
	res, err = txl.RecvResponse(ctx, newResponse(req, sip.ResponseStatusRinging))
	if err != nil {
		t.Fatalf("txl.RecvResponse(ctx, 180 retransmit) error = %v, want nil", err)
	}
	if res != nil {
		t.Fatalf("txl.RecvResponse(ctx, 180 retransmit) = %v, want nil", res)
	}

	res, err = txl.RecvResponse(ctx, newResponse(req, sip.ResponseStatusOK))
	if err != nil {
		t.Fatalf("txl.RecvResponse(ctx, 200) error = %v, want nil", err)
	}
	if res == nil {
		t.Fatal("txl.RecvResponse(ctx, 200) = nil, want response")
	}
	assertState(t, txl, id, sip.TransactionStateTerminated)
	assertTimers(t, txl, id)

	// terminated is absorbing
	if _, err := txl.RecvResponse(ctx, newResponse(req, sip.ResponseStatusBusyHere)); !errors.Is(err, sip.ErrInvalidTransition) {
		t.Fatalf("txl.RecvResponse(ctx, 486) error = %v, want %v", err, sip.ErrInvalidTransition)
	}

	txl.SweepOnce(ctx, clk.Now())
	if txl.HasTransaction(id) {
		t.Fatalf("txl.HasTransaction(%q) = true, want false after sweep", id)
	}
	if got := txl.TransactionCount(); got != 0 {
		t.Fatalf("txl.TransactionCount() = %d, want 0", got)
	}
}

func TestInviteClientTransaction_Rejected(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	timings := newTestTimings(20 * time.Millisecond)
	txl := newTestLayer(t, timings, clk)
	ctx := t.Context()

	req := newRequest(sip.RequestMethodInvite, sip.MagicCookie+".ict-rejected")
	id, err := txl.CreateClientTransaction(ctx, req, "10.2.2.2:5060", false)
	if err != nil {
		t.Fatalf("txl.CreateClientTransaction() error = %v, want nil", err)
	}

	busy := newResponse(req, sip.ResponseStatusBusyHere)
	res, err := txl.RecvResponse(ctx, busy)
	if err != nil {
		t.Fatalf("txl.RecvResponse(ctx, 486) error = %v, want nil", err)
	}
	if res == nil {
		t.Fatal("txl.RecvResponse(ctx, 486) = nil, want response")
	}
	assertState(t, txl, id, sip.TransactionStateCompleted)
	assertTimers(t, txl, id, sip.TimerD)

	if got, want := findTimer(t, txl, id, sip.TimerD).Interval, timings.TimeD(); got != want {
		t.Fatalf("timer D interval = %v, want %v", got, want)
	}

	if lastRes, ok := txl.LastResponse(id); !ok || lastRes.Status != sip.ResponseStatusBusyHere {
		t.Fatalf("txl.LastResponse(%q) = %v, %t, want stored 486", id, lastRes, ok)
	}

	// retransmitted final response is absorbed
	res, err = txl.RecvResponse(ctx, busy)
	if err != nil {
		t.Fatalf("txl.RecvResponse(ctx, 486 retransmit) error = %v, want nil", err)
	}
	if res != nil {
		t.Fatalf("txl.RecvResponse(ctx, 486 retransmit) = %v, want nil", res)
	}

	firings := txl.SweepOnce(ctx, clk.Advance(timings.TimeD()))
	if got, want := firingActions(firings)[sip.TimerD], sip.TimerActionTerminate; got != want {
		t.Fatalf("timer D action = %q, want %q", got, want)
	}
	if txl.HasTransaction(id) {
		t.Fatalf("txl.HasTransaction(%q) = true, want false after timer D", id)
	}
}

func TestInviteClientTransaction_RetransmitBackoff(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	t1 := 20 * time.Millisecond
	timings := newTestTimings(t1)
	txl := newTestLayer(t, timings, clk)
	ctx := t.Context()

	req := newRequest(sip.RequestMethodInvite, sip.MagicCookie+".ict-backoff")
	id, err := txl.CreateClientTransaction(ctx, req, "10.2.2.2:5060", false)
	if err != nil {
		t.Fatalf("txl.CreateClientTransaction() error = %v, want nil", err)
	}

	if got, want := findTimer(t, txl, id, sip.TimerA).Interval, t1; got != want {
		t.Fatalf("timer A interval = %v, want %v", got, want)
	}

	firings := txl.SweepOnce(ctx, clk.Advance(t1))
	if got, want := firingActions(firings)[sip.TimerA], sip.TimerActionRetransmitRequest; got != want {
		t.Fatalf("timer A action = %q, want %q", got, want)
	}
	if got, want := findTimer(t, txl, id, sip.TimerA).Interval, 2*t1; got != want {
		t.Fatalf("timer A interval after 1st firing = %v, want %v", got, want)
	}

	txl.SweepOnce(ctx, clk.Advance(2*t1))
	if got, want := findTimer(t, txl, id, sip.TimerA).Interval, timings.T2(); got != want {
		t.Fatalf("timer A interval after 2nd firing = %v, want %v", got, want)
	}

	// capped at T2 from here on
	txl.SweepOnce(ctx, clk.Advance(timings.T2()))
	if got, want := findTimer(t, txl, id, sip.TimerA).Interval, timings.T2(); got != want {
		t.Fatalf("timer A interval after 3rd firing = %v, want %v", got, want)
	}
}

func TestInviteClientTransaction_Timeout(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	timings := newTestTimings(20 * time.Millisecond)
	txl := newTestLayer(t, timings, clk)
	ctx := t.Context()

	var fired []sip.TimerFiring
	cancel := txl.OnTimerAction(func(_ context.Context, firing sip.TimerFiring) {
		fired = append(fired, firing)
	})
	defer cancel()

	req := newRequest(sip.RequestMethodInvite, sip.MagicCookie+".ict-timeout")
	id, err := txl.CreateClientTransaction(ctx, req, "10.2.2.2:5060", false)
	if err != nil {
		t.Fatalf("txl.CreateClientTransaction() error = %v, want nil", err)
	}

	firings := txl.SweepOnce(ctx, clk.Advance(timings.TimeB()))
	if got, want := firingActions(firings)[sip.TimerB], sip.TimerActionTimeout; got != want {
		t.Fatalf("timer B action = %q, want %q", got, want)
	}
	if txl.HasTransaction(id) {
		t.Fatalf("txl.HasTransaction(%q) = true, want false after timeout", id)
	}
	if got := firingActions(fired)[sip.TimerB]; got != sip.TimerActionTimeout {
		t.Fatalf("timer action handler got %q for timer B, want %q", got, sip.TimerActionTimeout)
	}
}

func TestInviteClientTransaction_Reliable(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	timings := newTestTimings(20 * time.Millisecond)
	txl := newTestLayer(t, timings, clk)
	ctx := t.Context()

	req := newRequest(sip.RequestMethodInvite, sip.MagicCookie+".ict-reliable")
	req.Via[0].Transport = sip.TransportTCP

	id, err := txl.CreateClientTransaction(ctx, req, "10.2.2.2:5060", true)
	if err != nil {
		t.Fatalf("txl.CreateClientTransaction() error = %v, want nil", err)
	}

	// no retransmission timer on reliable transport, only the timeout
	assertTimers(t, txl, id, sip.TimerB)

	res, err := txl.RecvResponse(ctx, newResponse(req, sip.ResponseStatusBusyHere))
	if err != nil {
		t.Fatalf("txl.RecvResponse(ctx, 486) error = %v, want nil", err)
	}
	if res == nil {
		t.Fatal("txl.RecvResponse(ctx, 486) = nil, want response")
	}

	// timer D collapses to zero, so there is nothing to linger for
	assertState(t, txl, id, sip.TransactionStateTerminated)
	assertTimers(t, txl, id)
}
