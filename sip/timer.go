package sip

import (
	"log/slog"
	"time"
)

// TimerType identifies one of the RFC 3261 transaction timers A through K.
type TimerType string

const (
	// TimerA controls INVITE request retransmits over unreliable transport.
	TimerA TimerType = "A"
	// TimerB is the INVITE client transaction timeout.
	TimerB TimerType = "B"
	// TimerD is the wait for INVITE response retransmits over unreliable transport.
	TimerD TimerType = "D"
	// TimerE controls non-INVITE request retransmits over unreliable transport.
	TimerE TimerType = "E"
	// TimerF is the non-INVITE client transaction timeout.
	TimerF TimerType = "F"
	// TimerG controls INVITE final response retransmits.
	TimerG TimerType = "G"
	// TimerH is the wait for ACK receipt.
	TimerH TimerType = "H"
	// TimerI is the wait for ACK retransmits over unreliable transport.
	TimerI TimerType = "I"
	// TimerJ is the wait for non-INVITE request retransmits over unreliable transport.
	TimerJ TimerType = "J"
	// TimerK is the wait for non-INVITE response retransmits over unreliable transport.
	TimerK TimerType = "K"
)

func (t TimerType) String() string { return string(t) }

// Duration returns the initial duration of the timer for the given timing
// config and transport reliability. Timers that exist only to absorb
// retransmits on unreliable transport return zero for reliable transport
// and are never armed there.
func (t TimerType) Duration(timings TimingConfig, reliable bool) time.Duration {
	switch t {
	case TimerA:
		if reliable {
			return 0
		}
		return timings.TimeA()
	case TimerB:
		return timings.TimeB()
	case TimerD:
		if reliable {
			return 0
		}
		return timings.TimeD()
	case TimerE:
		if reliable {
			return 0
		}
		return timings.TimeE()
	case TimerF:
		return timings.TimeF()
	case TimerG:
		if reliable {
			return 0
		}
		return timings.TimeG()
	case TimerH:
		return timings.TimeH()
	case TimerI:
		if reliable {
			return 0
		}
		return timings.TimeI()
	case TimerJ:
		if reliable {
			return 0
		}
		return timings.TimeJ()
	case TimerK:
		if reliable {
			return 0
		}
		return timings.TimeK()
	default:
		return 0
	}
}

// ActiveTimer is a pending transaction timer. Timers are polled rather than
// scheduled on the runtime: the layer's sweep loop (or an explicit
// [TransactionLayer.SweepOnce]) compares ExpiresAt against the current time.
type ActiveTimer struct {
	// Timer identifies which RFC 3261 timer is pending.
	Timer TimerType
	// ExpiresAt is the absolute firing deadline.
	ExpiresAt time.Time
	// Interval is the current retransmit interval. It doubles on each firing
	// of timers A, E and G, capped at T2.
	Interval time.Duration
}

// LogValue implements [slog.LogValuer].
func (t ActiveTimer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("timer", t.Timer.String()),
		slog.Time("expires_at", t.ExpiresAt),
		slog.Duration("interval", t.Interval),
	)
}

// TimerAction tells the transaction owner what a fired timer requires of it.
type TimerAction string

const (
	// TimerActionNone requires nothing; the firing was internal bookkeeping.
	TimerActionNone TimerAction = "none"
	// TimerActionRetransmitRequest requires re-sending the stored request.
	TimerActionRetransmitRequest TimerAction = "retransmit_request"
	// TimerActionRetransmitResponse requires re-sending the last sent response.
	TimerActionRetransmitResponse TimerAction = "retransmit_response"
	// TimerActionTimeout means the transaction timed out and terminated;
	// client transaction owners should treat it as a 408.
	TimerActionTimeout TimerAction = "timeout"
	// TimerActionTerminate means the transaction finished its linger period
	// and terminated. No message needs to be sent.
	TimerActionTerminate TimerAction = "terminate"
)

func (a TimerAction) String() string { return string(a) }

// TimerFiring reports one fired timer to the transaction owner.
type TimerFiring struct {
	// TxID is the transaction the timer belonged to.
	TxID TransactionID
	// Timer identifies the fired timer.
	Timer TimerType
	// Action is what the owner must do in response.
	Action TimerAction
}

// LogValue implements [slog.LogValuer].
func (f TimerFiring) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("tx_id", string(f.TxID)),
		slog.String("timer", f.Timer.String()),
		slog.String("action", f.Action.String()),
	)
}
