package sip

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/voipkit/pbx/internal/log"
	"github.com/voipkit/pbx/internal/types"
)

// TimerActionHandler is called for every fired timer that requires an action
// from the layer's owner.
type TimerActionHandler = func(ctx context.Context, firing TimerFiring)

const defSweepInterval = 50 * time.Millisecond

// TransactionLayerOptions are the options for a [TransactionLayer].
type TransactionLayerOptions struct {
	// Timings is the SIP timing config used for new transactions.
	// If zero, the default SIP timing config is used.
	Timings TimingConfig
	// SweepInterval is the background timer sweep period.
	// If zero, 50ms is used. It must stay small relative to T1 so
	// retransmission timing holds within RFC tolerance.
	SweepInterval time.Duration
	// Clock supplies the current time.
	// If nil, [time.Now] is used.
	Clock func() time.Time
	// Log is the logger.
	// If nil, the [log.Def] is used.
	Log *slog.Logger
}

func (o *TransactionLayerOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *TransactionLayerOptions) sweepInterval() time.Duration {
	if o == nil || o.SweepInterval <= 0 {
		return defSweepInterval
	}
	return o.SweepInterval
}

func (o *TransactionLayerOptions) clock() func() time.Time {
	if o == nil || o.Clock == nil {
		return time.Now
	}
	return o.Clock
}

func (o *TransactionLayerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Def
	}
	return o.Log
}

// TransactionLayer owns the transaction registry, matches inbound messages
// to transactions by Via branch, and runs the background timer sweep.
//
// The layer never performs network I/O: timer-driven retransmissions are
// reported through [TransactionLayer.OnTimerAction] and the sweep result, and
// the owner re-sends the stored message using [TransactionLayer.Request],
// [TransactionLayer.LastResponse] and [TransactionLayer.Destination].
type TransactionLayer struct {
	timings    TimingConfig
	sweepEvery time.Duration
	clock      func() time.Time
	log        *slog.Logger

	mu  sync.RWMutex
	txs map[TransactionID]*Transaction

	stats         TransactionStats
	onTimerAction types.CallbackManager[TimerActionHandler]

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewTransactionLayer creates a new [TransactionLayer] and starts its
// background sweep. Options are optional, if nil, default values are used
// (see [TransactionLayerOptions]). The layer must be closed with
// [TransactionLayer.Close] to release the sweep goroutine.
func NewTransactionLayer(opts *TransactionLayerOptions) *TransactionLayer {
	txl := &TransactionLayer{
		timings:    opts.timings(),
		sweepEvery: opts.sweepInterval(),
		clock:      opts.clock(),
		log:        opts.log(),
		txs:        make(map[TransactionID]*Transaction),
		done:       make(chan struct{}),
	}

	txl.wg.Add(1)
	go txl.sweepLoop()

	return txl
}

func (txl *TransactionLayer) sweepLoop() {
	defer txl.wg.Done()

	tick := time.NewTicker(txl.sweepEvery)
	defer tick.Stop()

	for {
		select {
		case <-txl.done:
			return
		case <-tick.C:
			txl.SweepOnce(context.Background(), txl.clock())
		}
	}
}

// CreateClientTransaction registers a transaction for an outbound request.
// The transaction ID is the branch parameter of the request's topmost Via;
// the sub-machine variant depends on the request method. The request must
// carry a method and a Via branch. ACK never creates a transaction.
func (txl *TransactionLayer) CreateClientTransaction(
	ctx context.Context,
	req *Request,
	dest string,
	reliable bool,
) (TransactionID, error) {
	if txl.closing.Load() {
		return "", errtrace.Wrap(ErrTransactionLayerClosed)
	}

	id, err := TransactionIDFromRequest(req)
	if err != nil {
		return "", errtrace.Wrap(err)
	}

	typ := TransactionTypeClientNonInvite
	switch {
	case req.Method.Equal(RequestMethodInvite):
		typ = TransactionTypeClientInvite
	case req.Method.Equal(RequestMethodAck):
		return "", errtrace.Wrap(NewInvalidArgumentError("%q request does not create a transaction", req.Method))
	}

	txl.mu.Lock()
	defer txl.mu.Unlock()

	if _, ok := txl.txs[id]; ok {
		return "", errtrace.Wrap(NewInvalidArgumentError("transaction %q already exists", id))
	}

	tx, err := newTransaction(id, typ, req, dest, reliable, txl.timings, txl.log, txl.clock())
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	txl.txs[id] = tx
	txl.stats.clientCreated.Add(1)

	txl.log.LogAttrs(ctx, slog.LevelDebug, "client transaction created",
		slog.Any("transaction", tx), slog.String("destination", dest))
	return id, nil
}

// CreateServerTransaction registers a transaction for an inbound request.
// If a transaction with the same branch already exists, its ID is returned
// without creating a duplicate: this is how retransmitted requests are
// absorbed at creation time.
func (txl *TransactionLayer) CreateServerTransaction(
	ctx context.Context,
	req *Request,
	source string,
	reliable bool,
) (TransactionID, error) {
	if txl.closing.Load() {
		return "", errtrace.Wrap(ErrTransactionLayerClosed)
	}

	id, err := TransactionIDFromRequest(req)
	if err != nil {
		return "", errtrace.Wrap(err)
	}

	typ := TransactionTypeServerNonInvite
	switch {
	case req.Method.Equal(RequestMethodInvite):
		typ = TransactionTypeServerInvite
	case req.Method.Equal(RequestMethodAck):
		return "", errtrace.Wrap(NewInvalidArgumentError("%q request does not create a transaction", req.Method))
	}

	txl.mu.Lock()
	defer txl.mu.Unlock()

	if tx, ok := txl.txs[id]; ok {
		txl.stats.retransmitsSeen.Add(1)

		txl.log.LogAttrs(ctx, slog.LevelDebug, "request retransmission absorbed",
			slog.Any("transaction", tx), slog.Any("request", req))
		return id, nil
	}

	tx, err := newTransaction(id, typ, req, source, reliable, txl.timings, txl.log, txl.clock())
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	txl.txs[id] = tx
	txl.stats.serverCreated.Add(1)

	txl.log.LogAttrs(ctx, slog.LevelDebug, "server transaction created",
		slog.Any("transaction", tx), slog.String("source", source))
	return id, nil
}

// RecvResponse matches an inbound response by branch and feeds it to the
// client transaction. It returns the response only when the transaction's
// state actually changed; a retransmitted response the transaction already
// absorbed yields nil and the caller silently drops it.
func (txl *TransactionLayer) RecvResponse(ctx context.Context, res *Response) (*Response, error) {
	if txl.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionLayerClosed)
	}

	id, err := TransactionIDFromResponse(res)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx, ok := txl.transaction(id)
	if !ok {
		return nil, errtrace.Wrap(NewWrapperError(ErrTransactionNotFound, "response branch %q", id))
	}

	changed, err := tx.ProcessResponse(ctx, res, txl.clock())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !changed {
		txl.stats.retransmitsSeen.Add(1)

		txl.log.LogAttrs(ctx, slog.LevelDebug, "response retransmission absorbed",
			slog.Any("transaction", tx), slog.Any("response", res))
		return nil, nil
	}
	txl.stats.responsesPassed.Add(1)
	return res, nil
}

// RecvAck matches an inbound ACK by branch and feeds it to the INVITE
// server transaction. An unmatched ACK is a normal SIP occurrence for 2xx
// responses and is tolerated, not an error.
func (txl *TransactionLayer) RecvAck(ctx context.Context, req *Request) error {
	if txl.closing.Load() {
		return errtrace.Wrap(ErrTransactionLayerClosed)
	}

	id, err := TransactionIDFromRequest(req)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if !req.Method.Equal(RequestMethodAck) {
		return errtrace.Wrap(NewInvalidArgumentError("%q request is not an ack", req.Method))
	}

	tx, ok := txl.transaction(id)
	if !ok {
		txl.stats.acksAbsorbed.Add(1)

		txl.log.LogAttrs(ctx, slog.LevelDebug, "unmatched ack absorbed",
			slog.Any("request", req))
		return nil
	}

	return errtrace.Wrap(tx.ProcessAck(ctx, txl.clock()))
}

// Respond drives a server transaction with an outbound response.
// It fails if the transaction does not exist or the transition is invalid
// for its current state.
func (txl *TransactionLayer) Respond(ctx context.Context, id TransactionID, res *Response) error {
	if txl.closing.Load() {
		return errtrace.Wrap(ErrTransactionLayerClosed)
	}

	tx, ok := txl.transaction(id)
	if !ok {
		return errtrace.Wrap(NewWrapperError(ErrTransactionNotFound, "transaction %q", id))
	}

	return errtrace.Wrap(tx.SendResponse(ctx, res, txl.clock()))
}

// SweepOnce runs one timer sweep at the given time: it checks every live
// transaction's timers, dispatches the resulting firings to the registered
// handlers, removes terminated transactions and returns the firings.
func (txl *TransactionLayer) SweepOnce(ctx context.Context, now time.Time) []TimerFiring {
	txl.mu.RLock()
	live := make([]*Transaction, 0, len(txl.txs))
	for _, tx := range txl.txs {
		live = append(live, tx)
	}
	txl.mu.RUnlock()

	var fired []TimerFiring
	for _, tx := range live {
		for _, firing := range tx.CheckTimers(ctx, now) {
			switch firing.Action {
			case TimerActionNone:
				continue
			case TimerActionTimeout:
				txl.stats.timeouts.Add(1)

				txl.log.LogAttrs(ctx, slog.LevelWarn, "transaction timed out",
					slog.Any("transaction", tx), slog.Any("firing", firing))
			case TimerActionRetransmitRequest, TimerActionRetransmitResponse:
				txl.stats.retransmitsSent.Add(1)

				txl.log.LogAttrs(ctx, slog.LevelDebug, "retransmission due",
					slog.Any("transaction", tx), slog.Any("firing", firing))
			default:
				txl.log.LogAttrs(ctx, slog.LevelDebug, "transaction lingering done",
					slog.Any("transaction", tx), slog.Any("firing", firing))
			}

			fired = append(fired, firing)
			for fn := range txl.onTimerAction.All() {
				fn(ctx, firing)
			}
		}
	}

	txl.CleanupTerminated()
	return fired
}

// CleanupTerminated removes all terminated transactions from the registry
// and returns the number removed.
func (txl *TransactionLayer) CleanupTerminated() int {
	txl.mu.Lock()
	defer txl.mu.Unlock()

	var n int
	for id, tx := range txl.txs {
		if tx.IsTerminated() {
			delete(txl.txs, id)
			n++
		}
	}
	if n > 0 {
		txl.stats.reaped.Add(uint64(n))
	}
	return n
}

// OnTimerAction registers a callback invoked for every fired timer whose
// action is not [TimerActionNone]. The returned cancel removes the callback.
func (txl *TransactionLayer) OnTimerAction(fn TimerActionHandler) (cancel func()) {
	return txl.onTimerAction.Add(fn)
}

func (txl *TransactionLayer) transaction(id TransactionID) (*Transaction, bool) {
	txl.mu.RLock()
	defer txl.mu.RUnlock()
	tx, ok := txl.txs[id]
	return tx, ok
}

// Transaction returns a snapshot of the transaction, if it exists.
func (txl *TransactionLayer) Transaction(id TransactionID) (*TransactionSnapshot, bool) {
	tx, ok := txl.transaction(id)
	if !ok {
		return nil, false
	}
	return tx.Snapshot(), true
}

// Request returns a copy of the request that created the transaction.
func (txl *TransactionLayer) Request(id TransactionID) (*Request, bool) {
	tx, ok := txl.transaction(id)
	if !ok {
		return nil, false
	}
	return tx.Request(), true
}

// LastResponse returns a copy of the transaction's last sent or received
// response. The second result is false if the transaction does not exist or
// has no response yet.
func (txl *TransactionLayer) LastResponse(id TransactionID) (*Response, bool) {
	tx, ok := txl.transaction(id)
	if !ok {
		return nil, false
	}
	res := tx.LastResponse()
	return res, res != nil
}

// Destination returns the remote address stored with the transaction.
func (txl *TransactionLayer) Destination(id TransactionID) (string, bool) {
	tx, ok := txl.transaction(id)
	if !ok {
		return "", false
	}
	return tx.Destination(), true
}

// HasTransaction reports whether the transaction is present in the registry.
func (txl *TransactionLayer) HasTransaction(id TransactionID) bool {
	_, ok := txl.transaction(id)
	return ok
}

// TransactionCount returns the number of live transactions.
func (txl *TransactionLayer) TransactionCount() int {
	txl.mu.RLock()
	defer txl.mu.RUnlock()
	return len(txl.txs)
}

// Stats returns a snapshot of the layer counters.
func (txl *TransactionLayer) Stats() TransactionStatsSnapshot {
	return txl.stats.Snapshot()
}

// Close stops the background sweep and marks the layer closed. Subsequent
// mutating operations fail with [ErrTransactionLayerClosed].
func (txl *TransactionLayer) Close() error {
	txl.closing.Store(true)
	txl.closeOnce.Do(func() {
		close(txl.done)
	})
	txl.wg.Wait()
	return nil
}
