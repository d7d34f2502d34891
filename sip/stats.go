package sip

import "sync/atomic"

// TransactionStats counts transaction layer activity. All counters are
// monotonic over the layer's lifetime.
type TransactionStats struct {
	clientCreated   atomic.Uint64
	serverCreated   atomic.Uint64
	responsesPassed atomic.Uint64
	retransmitsSeen atomic.Uint64
	acksAbsorbed    atomic.Uint64
	retransmitsSent atomic.Uint64
	timeouts        atomic.Uint64
	reaped          atomic.Uint64
}

// TransactionStatsSnapshot is a point-in-time copy of the layer counters.
type TransactionStatsSnapshot struct {
	// ClientCreated is the number of client transactions created.
	ClientCreated uint64 `json:"client_created"`
	// ServerCreated is the number of server transactions created.
	ServerCreated uint64 `json:"server_created"`
	// ResponsesPassed is the number of inbound responses passed up to the
	// dialog layer.
	ResponsesPassed uint64 `json:"responses_passed"`
	// RetransmitsSeen is the number of inbound retransmissions absorbed,
	// both duplicate responses and repeated server requests.
	RetransmitsSeen uint64 `json:"retransmits_seen"`
	// AcksAbsorbed is the number of unmatched ACKs tolerated.
	AcksAbsorbed uint64 `json:"acks_absorbed"`
	// RetransmitsSent is the number of retransmit actions reported by timers.
	RetransmitsSent uint64 `json:"retransmits_sent"`
	// Timeouts is the number of transactions terminated by timers B, F or H.
	Timeouts uint64 `json:"timeouts"`
	// Reaped is the number of terminated transactions removed from the registry.
	Reaped uint64 `json:"reaped"`
}

// Snapshot returns a consistent-enough copy of the counters for reporting.
func (s *TransactionStats) Snapshot() TransactionStatsSnapshot {
	return TransactionStatsSnapshot{
		ClientCreated:   s.clientCreated.Load(),
		ServerCreated:   s.serverCreated.Load(),
		ResponsesPassed: s.responsesPassed.Load(),
		RetransmitsSeen: s.retransmitsSeen.Load(),
		AcksAbsorbed:    s.acksAbsorbed.Load(),
		RetransmitsSent: s.retransmitsSent.Load(),
		Timeouts:        s.timeouts.Load(),
		Reaped:          s.reaped.Load(),
	}
}
