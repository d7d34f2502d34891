package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"
)

// TransactionType is the RFC 3261 transaction sub-machine variant.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

func (t TransactionType) String() string { return string(t) }

func (t TransactionType) IsClient() bool {
	return t == TransactionTypeClientInvite || t == TransactionTypeClientNonInvite
}

func (t TransactionType) IsServer() bool {
	return t == TransactionTypeServerInvite || t == TransactionTypeServerNonInvite
}

func (t TransactionType) IsInvite() bool {
	return t == TransactionTypeClientInvite || t == TransactionTypeServerInvite
}

// TransactionState is a state of one of the four transaction sub-machines.
// Each sub-machine only ever advances forward within its own state order and
// Terminated is absorbing.
type TransactionState string

const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

func (s TransactionState) String() string { return string(s) }

func (s TransactionState) IsTerminated() bool { return s == TransactionStateTerminated }

const (
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
	txEvtRecvAck    = "recv_ack"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
	txEvtTimerB     = "timer_b"
	txEvtTimerD     = "timer_d"
	txEvtTimerF     = "timer_f"
	txEvtTimerH     = "timer_h"
	txEvtTimerI     = "timer_i"
	txEvtTimerJ     = "timer_j"
	txEvtTimerK     = "timer_k"
)

// Transaction is a single RFC 3261 transaction state machine instance.
// All mutation goes through the transition methods; the embedded mutex
// serializes them so state and timers always move together.
type Transaction struct {
	id        TransactionID
	typ       TransactionType
	req       *Request
	dest      string
	reliable  bool
	timings   TimingConfig
	createdAt time.Time
	log       *slog.Logger

	mu      sync.Mutex
	fsm     *stateless.StateMachine
	timers  []ActiveTimer
	lastRes *Response
}

func newTransaction(
	id TransactionID,
	typ TransactionType,
	req *Request,
	dest string,
	reliable bool,
	timings TimingConfig,
	logger *slog.Logger,
	now time.Time,
) (*Transaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !id.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transaction id"))
	}

	tx := &Transaction{
		id:        id,
		typ:       typ,
		req:       req.Clone(),
		dest:      dest,
		reliable:  reliable,
		timings:   timings,
		createdAt: now,
		log:       logger,
	}

	switch typ {
	case TransactionTypeClientInvite:
		tx.initInviteClientFSM()
		tx.armTimer(TimerA, now)
		tx.armTimer(TimerB, now)
	case TransactionTypeClientNonInvite:
		tx.initNonInviteClientFSM()
		tx.armTimer(TimerE, now)
		tx.armTimer(TimerF, now)
	case TransactionTypeServerInvite:
		tx.initInviteServerFSM()
	case TransactionTypeServerNonInvite:
		tx.initNonInviteServerFSM()
	default:
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transaction type %q", typ))
	}

	return tx, nil
}

func (tx *Transaction) newFSM(start TransactionState) {
	tx.fsm = stateless.NewStateMachine(start)
	tx.fsm.OnUnhandledTrigger(func(_ context.Context, state any, trigger any, _ []string) error {
		return NewInvalidTransitionError("cannot handle %q in state %q", trigger, state) //errtrace:skip
	})
	for _, evt := range []string{txEvtRecv1xx, txEvtRecv2xx, txEvtRecv300699, txEvtSend1xx, txEvtSend2xx, txEvtSend300699} {
		tx.fsm.SetTriggerParameters(evt, reflect.TypeOf((*Response)(nil)), reflect.TypeOf(time.Time{}))
	}
	tx.fsm.SetTriggerParameters(txEvtRecvAck, reflect.TypeOf(time.Time{}))
}

func (tx *Transaction) initInviteClientFSM() {
	tx.newFSM(TransactionStateCalling)

	tx.fsm.Configure(TransactionStateCalling).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actCancelRetransmit).
		Ignore(txEvtRecv1xx).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actInviteClientCompleted).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Permit(txEvtTimerD, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated)
}

func (tx *Transaction) initNonInviteClientFSM() {
	tx.newFSM(TransactionStateTrying)

	tx.fsm.Configure(TransactionStateTrying).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		Ignore(txEvtRecv1xx).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actNonInviteClientCompleted).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Permit(txEvtTimerK, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated)
}

func (tx *Transaction) initInviteServerFSM() {
	tx.newFSM(TransactionStateProceeding)

	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtSend1xx, tx.actNop).
		Permit(txEvtSend2xx, TransactionStateTerminated).
		Permit(txEvtSend300699, TransactionStateCompleted)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actInviteServerCompleted).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntry(tx.actInviteServerConfirmed).
		Permit(txEvtTimerI, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated)
}

func (tx *Transaction) initNonInviteServerFSM() {
	tx.newFSM(TransactionStateTrying)

	tx.fsm.Configure(TransactionStateTrying).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted)

	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtSend1xx, tx.actNop).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actNonInviteServerCompleted).
		Permit(txEvtTimerJ, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated)
}

func (tx *Transaction) actNop(context.Context, ...any) error { return nil }

func (tx *Transaction) actCancelRetransmit(ctx context.Context, _ ...any) error {
	tx.cancelTimer(ctx, TimerA)
	return nil
}

func (tx *Transaction) actInviteClientCompleted(ctx context.Context, args ...any) error {
	now := args[1].(time.Time) //nolint:forcetypeassert
	tx.cancelTimer(ctx, TimerA)
	tx.cancelTimer(ctx, TimerB)
	tx.armTimerAt(ctx, TimerD, now)
	return nil
}

func (tx *Transaction) actNonInviteClientCompleted(ctx context.Context, args ...any) error {
	now := args[1].(time.Time) //nolint:forcetypeassert
	tx.cancelTimer(ctx, TimerE)
	tx.cancelTimer(ctx, TimerF)
	tx.armTimerAt(ctx, TimerK, now)
	return nil
}

func (tx *Transaction) actInviteServerCompleted(ctx context.Context, args ...any) error {
	now := args[1].(time.Time) //nolint:forcetypeassert
	tx.armTimerAt(ctx, TimerG, now)
	tx.armTimerAt(ctx, TimerH, now)
	return nil
}

func (tx *Transaction) actInviteServerConfirmed(ctx context.Context, args ...any) error {
	now := args[0].(time.Time) //nolint:forcetypeassert
	tx.cancelTimer(ctx, TimerG)
	tx.cancelTimer(ctx, TimerH)
	tx.armTimerAt(ctx, TimerI, now)
	return nil
}

func (tx *Transaction) actNonInviteServerCompleted(ctx context.Context, args ...any) error {
	now := args[1].(time.Time) //nolint:forcetypeassert
	tx.armTimerAt(ctx, TimerJ, now)
	return nil
}

func (tx *Transaction) actTerminated(ctx context.Context, _ ...any) error {
	tx.timers = tx.timers[:0]

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx))
	return nil
}

func (tx *Transaction) armTimer(t TimerType, now time.Time) {
	tx.armTimerAt(context.Background(), t, now)
}

// armTimerAt arms the timer unless its computed duration is zero.
// Zero-duration timers are never armed.
func (tx *Transaction) armTimerAt(ctx context.Context, t TimerType, now time.Time) {
	d := t.Duration(tx.timings, tx.reliable)
	if d == 0 {
		return
	}
	tmr := ActiveTimer{Timer: t, ExpiresAt: now.Add(d), Interval: d}
	tx.timers = append(tx.timers, tmr)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "timer started",
		slog.Any("transaction", tx), slog.Any("timer", tmr))
}

func (tx *Transaction) cancelTimer(ctx context.Context, t TimerType) {
	for i, tmr := range tx.timers {
		if tmr.Timer == t {
			tx.timers = slices.Delete(tx.timers, i, i+1)

			tx.log.LogAttrs(ctx, slog.LevelDebug, "timer stopped",
				slog.Any("transaction", tx), slog.String("timer", t.String()))
			return
		}
	}
}

func (tx *Transaction) state() TransactionState {
	return tx.fsm.MustState().(TransactionState) //nolint:forcetypeassert
}

// settleLinger finishes a linger period whose timer collapsed to zero
// duration. On reliable transport the completed state has nothing to wait
// for, so the transaction terminates right away.
func (tx *Transaction) settleLinger(ctx context.Context) {
	var (
		tmr TimerType
		evt string
	)
	switch st := tx.state(); {
	case tx.typ == TransactionTypeClientInvite && st == TransactionStateCompleted:
		tmr, evt = TimerD, txEvtTimerD
	case tx.typ == TransactionTypeClientNonInvite && st == TransactionStateCompleted:
		tmr, evt = TimerK, txEvtTimerK
	case tx.typ == TransactionTypeServerNonInvite && st == TransactionStateCompleted:
		tmr, evt = TimerJ, txEvtTimerJ
	case tx.typ == TransactionTypeServerInvite && st == TransactionStateConfirmed:
		tmr, evt = TimerI, txEvtTimerI
	default:
		return
	}
	if tmr.Duration(tx.timings, tx.reliable) != 0 {
		return
	}
	if err := tx.fsm.FireCtx(ctx, evt); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", evt, tx.state(), err))
	}
}

// ProcessResponse feeds an inbound response to a client transaction.
// It reports whether the state actually changed: a retransmitted response is
// absorbed and reported as unchanged so the dialog layer sees each response
// once.
func (tx *Transaction) ProcessResponse(ctx context.Context, res *Response, now time.Time) (bool, error) {
	if !tx.typ.IsClient() {
		return false, errtrace.Wrap(fmt.Errorf("process response on %q transaction: %w", tx.typ, ErrActionNotAllowed))
	}
	if err := res.Validate(); err != nil {
		return false, errtrace.Wrap(err)
	}

	var evt string
	switch {
	case res.Status.IsProvisional():
		evt = txEvtRecv1xx
	case res.Status.IsSuccessful():
		evt = txEvtRecv2xx
	default:
		evt = txEvtRecv300699
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	before := tx.state()
	if err := tx.fsm.FireCtx(ctx, evt, res, now); err != nil {
		return false, errtrace.Wrap(err)
	}
	changed := tx.state() != before
	if changed {
		tx.lastRes = res.Clone()
		tx.settleLinger(ctx)
	}
	return changed, nil
}

// ProcessAck feeds the matching ACK to an INVITE server transaction.
// It is only legal while the transaction awaits the ACK in the completed
// state.
func (tx *Transaction) ProcessAck(ctx context.Context, now time.Time) error {
	if tx.typ != TransactionTypeServerInvite {
		return errtrace.Wrap(fmt.Errorf("process ack on %q transaction: %w", tx.typ, ErrActionNotAllowed))
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.fsm.FireCtx(ctx, txEvtRecvAck, now); err != nil {
		return errtrace.Wrap(err)
	}
	tx.settleLinger(ctx)
	return nil
}

// SendResponse drives a server transaction with an outbound response.
// The response is stored for retransmission by timer G.
func (tx *Transaction) SendResponse(ctx context.Context, res *Response, now time.Time) error {
	if !tx.typ.IsServer() {
		return errtrace.Wrap(fmt.Errorf("send response on %q transaction: %w", tx.typ, ErrActionNotAllowed))
	}
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(err)
	}

	var evt string
	switch {
	case res.Status.IsProvisional():
		evt = txEvtSend1xx
	case res.Status.IsSuccessful():
		evt = txEvtSend2xx
	default:
		evt = txEvtSend300699
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.fsm.FireCtx(ctx, evt, res, now); err != nil {
		return errtrace.Wrap(err)
	}
	tx.lastRes = res.Clone()
	tx.settleLinger(ctx)
	return nil
}

// CheckTimers fires every armed timer that expired at or before now and
// returns the resulting firings in expiry order. Retransmit timers re-arm
// themselves with a doubled interval capped at T2.
func (tx *Transaction) CheckTimers(ctx context.Context, now time.Time) []TimerFiring {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	var fired []TimerFiring
	for i := 0; i < len(tx.timers); {
		tmr := tx.timers[i]
		if tmr.ExpiresAt.After(now) {
			i++
			continue
		}
		tx.timers = slices.Delete(tx.timers, i, i+1)

		act := tx.handleTimerFired(ctx, tmr, now)
		fired = append(fired, TimerFiring{TxID: tx.id, Timer: tmr.Timer, Action: act})
	}
	return fired
}

func (tx *Transaction) handleTimerFired(ctx context.Context, tmr ActiveTimer, now time.Time) TimerAction {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "timer expired",
		slog.Any("transaction", tx), slog.Any("timer", tmr))

	switch tmr.Timer {
	case TimerA, TimerE:
		if st := tx.state(); st != TransactionStateCalling && st != TransactionStateTrying {
			return TimerActionNone
		}
		tx.rearmDoubled(ctx, tmr, now)
		return TimerActionRetransmitRequest

	case TimerG:
		if tx.state() != TransactionStateCompleted {
			return TimerActionNone
		}
		tx.rearmDoubled(ctx, tmr, now)
		return TimerActionRetransmitResponse

	case TimerB:
		return tx.fireTimerEvt(ctx, txEvtTimerB, TimerActionTimeout)
	case TimerF:
		return tx.fireTimerEvt(ctx, txEvtTimerF, TimerActionTimeout)
	case TimerH:
		return tx.fireTimerEvt(ctx, txEvtTimerH, TimerActionTimeout)

	case TimerD:
		return tx.fireTimerEvt(ctx, txEvtTimerD, TimerActionTerminate)
	case TimerI:
		return tx.fireTimerEvt(ctx, txEvtTimerI, TimerActionTerminate)
	case TimerJ:
		return tx.fireTimerEvt(ctx, txEvtTimerJ, TimerActionTerminate)
	case TimerK:
		return tx.fireTimerEvt(ctx, txEvtTimerK, TimerActionTerminate)

	default:
		return TimerActionNone
	}
}

func (tx *Transaction) rearmDoubled(ctx context.Context, tmr ActiveTimer, now time.Time) {
	next := 2 * tmr.Interval
	if t2 := tx.timings.T2(); next > t2 {
		next = t2
	}
	tmr.Interval = next
	tmr.ExpiresAt = now.Add(next)
	tx.timers = append(tx.timers, tmr)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "timer restarted",
		slog.Any("transaction", tx), slog.Any("timer", tmr))
}

func (tx *Transaction) fireTimerEvt(ctx context.Context, evt string, act TimerAction) TimerAction {
	if err := tx.fsm.FireCtx(ctx, evt); err != nil {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "stale timer dropped",
			slog.Any("transaction", tx), slog.String("event", evt))
		return TimerActionNone
	}
	return act
}

// ID returns the transaction ID.
func (tx *Transaction) ID() TransactionID { return tx.id }

// Type returns the transaction sub-machine variant.
func (tx *Transaction) Type() TransactionType { return tx.typ }

// State returns the current transaction state.
func (tx *Transaction) State() TransactionState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state()
}

// IsTerminated reports whether the transaction reached its absorbing state.
func (tx *Transaction) IsTerminated() bool { return tx.State().IsTerminated() }

// Request returns a copy of the request that created the transaction.
func (tx *Transaction) Request() *Request { return tx.req.Clone() }

// LastResponse returns a copy of the last response sent or received,
// or nil if there is none yet.
func (tx *Transaction) LastResponse() *Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.lastRes.Clone()
}

// Destination returns the remote address supplied at creation.
func (tx *Transaction) Destination() string { return tx.dest }

// Reliable reports whether the transaction runs over reliable transport.
func (tx *Transaction) Reliable() bool { return tx.reliable }

// CreatedAt returns the transaction creation time.
func (tx *Transaction) CreatedAt() time.Time { return tx.createdAt }

// Timers returns a copy of the currently armed timers.
func (tx *Transaction) Timers() []ActiveTimer {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return slices.Clone(tx.timers)
}

// HasTimer reports whether the timer is currently armed.
func (tx *Transaction) HasTimer(t TimerType) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return slices.ContainsFunc(tx.timers, func(tmr ActiveTimer) bool { return tmr.Timer == t })
}

// Snapshot returns a copy of the transaction state for external readers.
func (tx *Transaction) Snapshot() *TransactionSnapshot {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return &TransactionSnapshot{
		Time:         time.Now(),
		ID:           tx.id,
		Type:         tx.typ,
		State:        tx.state(),
		Request:      tx.req.Clone(),
		LastResponse: tx.lastRes.Clone(),
		Destination:  tx.dest,
		Reliable:     tx.reliable,
		Timers:       slices.Clone(tx.timers),
		CreatedAt:    tx.createdAt,
		Timings:      tx.timings,
	}
}

// LogValue implements [slog.LogValuer].
func (tx *Transaction) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", string(tx.id)),
		slog.String("type", string(tx.typ)),
		slog.String("state", string(tx.state())),
	)
}

// TransactionSnapshot is a point-in-time copy of a transaction.
// Mutating it has no effect on the live transaction.
type TransactionSnapshot struct {
	Time         time.Time        `json:"time"`
	ID           TransactionID    `json:"id"`
	Type         TransactionType  `json:"type"`
	State        TransactionState `json:"state"`
	Request      *Request         `json:"request"`
	LastResponse *Response        `json:"last_response,omitempty"`
	Destination  string           `json:"destination"`
	Reliable     bool             `json:"reliable"`
	Timers       []ActiveTimer    `json:"timers,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	Timings      TimingConfig     `json:"-"`
}
