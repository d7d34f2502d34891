package sip

import "time"

// Default values for the SIP base timers as described in RFC 3261.
const (
	// T1 is the message RTT estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message will remain in the network.
	T4 = 5 * time.Second
	// TimeD is the wait duration for response retransmits via unreliable transport.
	TimeD = 32 * time.Second
)

// TimingConfig represents the SIP timing configuration of a transaction.
// The zero value uses the default base values [T1], [T2], [T4], [TimeD];
// all other timer durations are derived from these bases.
type TimingConfig struct {
	t1, t2, t4, timeD time.Duration
}

var defTimingCfg TimingConfig

// NewTimings creates a new SIP timing config with the given base values.
// Zero values fall back to the RFC 3261 defaults.
func NewTimings(t1, t2, t4, timeD time.Duration) TimingConfig {
	return TimingConfig{t1, t2, t4, timeD}
}

// T1 is the message RTT estimate.
func (c TimingConfig) T1() time.Duration {
	if c.t1 == 0 {
		return T1
	}
	return c.t1
}

// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
func (c TimingConfig) T2() time.Duration {
	if c.t2 == 0 {
		return T2
	}
	return c.t2
}

// T4 is the maximum duration a message will remain in the network.
func (c TimingConfig) T4() time.Duration {
	if c.t4 == 0 {
		return T4
	}
	return c.t4
}

// TimeA returns the initial INVITE request retransmit interval for
// unreliable transport. It is equal to [TimingConfig.T1].
func (c TimingConfig) TimeA() time.Duration { return c.T1() }

// TimeB returns the INVITE client transaction timeout, 64*T1.
func (c TimingConfig) TimeB() time.Duration { return 64 * c.T1() }

// TimeD is the wait duration for final response retransmits on an INVITE
// client transaction over unreliable transport.
func (c TimingConfig) TimeD() time.Duration {
	if c.timeD == 0 {
		return TimeD
	}
	return c.timeD
}

// TimeE returns the initial non-INVITE request retransmit interval for
// unreliable transport. It is equal to [TimingConfig.T1].
func (c TimingConfig) TimeE() time.Duration { return c.T1() }

// TimeF returns the non-INVITE client transaction timeout, 64*T1.
func (c TimingConfig) TimeF() time.Duration { return 64 * c.T1() }

// TimeG returns the initial INVITE final response retransmit interval.
// It is equal to [TimingConfig.T1].
func (c TimingConfig) TimeG() time.Duration { return c.T1() }

// TimeH returns the timeout for ACK receipt, 64*T1.
func (c TimingConfig) TimeH() time.Duration { return 64 * c.T1() }

// TimeI returns the wait duration for ACK retransmits via unreliable
// transport. It is equal to [TimingConfig.T4].
func (c TimingConfig) TimeI() time.Duration { return c.T4() }

// TimeJ returns the wait duration for non-INVITE request retransmits via
// unreliable transport, 64*T1.
func (c TimingConfig) TimeJ() time.Duration { return 64 * c.T1() }

// TimeK returns the wait duration for non-INVITE response retransmits via
// unreliable transport. It is equal to [TimingConfig.T4].
func (c TimingConfig) TimeK() time.Duration { return c.T4() }

func (c TimingConfig) IsZero() bool {
	return c.t1 == 0 && c.t2 == 0 && c.t4 == 0 && c.timeD == 0
}
