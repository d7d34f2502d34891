// Package sip implements the SIP transaction layer of the PBX as defined in
// RFC 3261 section 17: transaction identification, the four transaction state
// machines (INVITE/non-INVITE, client/server), the retransmission and timeout
// timers A through K, and the transaction registry with its background sweep.
//
// The package never performs network I/O. Messages arrive already parsed,
// and timer-driven retransmissions are reported to the owner as
// [TimerFiring] events; the owner re-sends the stored request or response
// using the layer's read accessors.
package sip
