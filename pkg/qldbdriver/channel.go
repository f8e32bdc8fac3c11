package qldbdriver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	errSessionStartFailed = errors.New("qldbdriver: session start failed or timed out")
	errUnexpectedFrame    = errors.New("qldbdriver: unexpected result frame for this command")
)

// pendingCompletion is one outstanding request awaiting its response. It is
// the package's analogue of dcrodman-franz-go's promisedReq/promisedResp
// pair: a command frame goes out, and whichever frame comes back next on
// the stream is routed to this completion, in strict FIFO order.
type pendingCompletion struct {
	cmd     *commandFrame
	promise chan completionResult
}

type completionResult struct {
	frame *resultFrame
	err   error
}

// sessionChannel owns one logical command/result channel to the server for
// the lifetime of a single session, and multiplexes every request issued
// against that session through it. Concurrency contract, mirroring
// broker.go's handleReqs/handleResps split: one goroutine (readLoop) is the
// sole consumer of the transport and the sole popper of the pending FIFO;
// any number of caller goroutines may call do() concurrently. The pending
// FIFO is an unbounded slice: do() does not limit how many requests are
// outstanding, so a session carries one request at a time only because a
// session is used by one caller at a time.
type sessionChannel struct {
	stream rawStream
	logger Logger

	// writeMu serializes Send calls onto the transport and the enqueue of
	// the matching pendingCompletion, so a frame can never be written
	// before its completion is sitting at the tail of pending.
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   []*pendingCompletion

	dead    int32
	deadErr atomic.Value // error

	closeOnce sync.Once
	doneCh    chan struct{}
}

// pipelineCapacity is the buffer size of awsRawStream's command channel,
// i.e. how many sent command frames may wait for the next round trip. It
// does not bound sessionChannel's pending FIFO.
const pipelineCapacity = 1

func newSessionChannel(stream rawStream, logger Logger) *sessionChannel {
	if logger == nil {
		logger = NopLogger{}
	}
	return &sessionChannel{
		stream: stream,
		logger: logger,
		doneCh: make(chan struct{}),
	}
}

// openSessionChannel opens the transport and performs the initial
// StartSession handshake, per spec §4.5 step 1.
func openSessionChannel(ctx context.Context, provider SessionClientProvider, ledgerName string, logger Logger) (*sessionChannel, string, error) {
	stream, err := provider.OpenStream(ctx, ledgerName)
	if err != nil {
		return nil, "", newDriverError(ErrKindTransport, "", err)
	}
	ch := newSessionChannel(stream, logger)
	go ch.readLoop()

	res, err := ch.do(ctx, &commandFrame{startSession: &startSessionCommand{LedgerName: ledgerName}})
	if err != nil {
		ch.killWith(err)
		return nil, "", newDriverError(ErrKindSessionClosed, "", err)
	}
	if res.sessionStart == nil {
		err := newDriverError(ErrKindSessionClosed, "", errSessionStartFailed)
		ch.killWith(err)
		return nil, "", err
	}
	logAt(logger, LogLevelDebug, "session channel opened", "sessionId", res.sessionStart.SessionID)
	return ch, res.sessionStart.SessionID, nil
}

// do sends cmd and blocks until its matching response arrives, the channel
// dies, or ctx is done. This is the one entry point every C5 operation
// (startTransaction, executeStatement, ...) funnels through, matching
// broker.do/waitResp's shape directly.
func (c *sessionChannel) do(ctx context.Context, cmd *commandFrame) (*resultFrame, error) {
	if atomic.LoadInt32(&c.dead) == 1 {
		return nil, c.currentDeadErr()
	}

	pc := &pendingCompletion{cmd: cmd, promise: make(chan completionResult, 1)}

	c.writeMu.Lock()
	if atomic.LoadInt32(&c.dead) == 1 {
		c.writeMu.Unlock()
		return nil, c.currentDeadErr()
	}
	c.enqueuePending(pc)
	if err := c.stream.Send(ctx, cmd); err != nil {
		c.dequeuePending(pc)
		c.writeMu.Unlock()
		wrapped := newDriverError(ErrKindTransport, "", err)
		c.killWith(wrapped)
		return nil, wrapped
	}
	c.writeMu.Unlock()

	select {
	case res := <-pc.promise:
		return res.frame, res.err
	case <-ctx.Done():
		return nil, newDriverError(ErrKindTransport, "", ctx.Err())
	case <-c.doneCh:
		return nil, c.currentDeadErr()
	}
}

func (c *sessionChannel) enqueuePending(pc *pendingCompletion) {
	c.pendingMu.Lock()
	c.pending = append(c.pending, pc)
	c.pendingMu.Unlock()
}

func (c *sessionChannel) dequeuePending(pc *pendingCompletion) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for i, p := range c.pending {
		if p == pc {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

func (c *sessionChannel) popPending() (*pendingCompletion, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.pending) == 0 {
		return nil, false
	}
	pc := c.pending[0]
	c.pending = c.pending[1:]
	return pc, true
}

// readLoop is the sessionChannel's single response consumer: it pops the
// FIFO head for every inbound frame and completes it, exactly like
// brokerCxn.handleResps. A TransactionError/StatementError frame completes
// its waiter exceptionally rather than successfully, per spec §4.5 step 2.
//
// Recv can fail two different ways, and they are NOT treated alike. A
// classified service fault (OccConflictException, InvalidSessionException,
// a 5xx, ...) is specific to the one request just attempted: it fails that
// request's pending completion and the channel keeps serving the next one.
// Anything else (a raw transport/context error) means the underlying
// connection itself is unusable, so it kills the whole channel per spec
// §4.5 step 3.
func (c *sessionChannel) readLoop() {
	ctx := context.Background()
	for {
		frame, err := c.stream.Recv(ctx)
		if err != nil {
			if perRequest, ok := asServiceFault(err); ok {
				pc, popped := c.popPending()
				if popped {
					pc.promise <- completionResult{err: perRequest}
				} else {
					logAt(c.logger, LogLevelWarn, "received service fault with no pending completion", "error", perRequest)
				}
				continue
			}
			c.killWith(newDriverError(ErrKindTransport, "", err))
			return
		}
		pc, ok := c.popPending()
		if !ok {
			// A frame arrived with nothing pending; the protocol
			// guarantees FIFO responses (spec §3 invariant), so this
			// can only mean the transport is misbehaving.
			logAt(c.logger, LogLevelWarn, "received frame with no pending completion")
			continue
		}

		if frame.transactionError != nil {
			pc.promise <- completionResult{err: newDriverError(ErrKindTransactionFault, "", frame.transactionError)}
			continue
		}
		if frame.statementError != nil {
			pc.promise <- completionResult{err: newDriverError(ErrKindStatementFault, "", frame.statementError)}
			continue
		}
		pc.promise <- completionResult{frame: frame}
	}
}

// asServiceFault reports whether err is a classified per-request service
// fault (see classifyTransportError in sessionclient.go) rather than a
// connection-level failure. ErrKindTransport itself is excluded: that is
// classifyTransportError's fallback for an error it could not attribute to
// the server, which is exactly the case that should kill the channel.
func asServiceFault(err error) (*DriverError, bool) {
	var d *DriverError
	if !errors.As(err, &d) {
		return nil, false
	}
	switch d.Kind {
	case ErrKindOccConflict, ErrKindSessionExpired, ErrKindServer5xx, ErrKindStatementFault, ErrKindTransactionFault:
		return d, true
	default:
		return nil, false
	}
}

func (c *sessionChannel) failAllPending(err error) {
	wrapped := newDriverError(ErrKindTransport, "", err)
	for {
		pc, ok := c.popPending()
		if !ok {
			break
		}
		pc.promise <- completionResult{err: wrapped}
	}
}

// killWith marks the channel permanently dead: every currently pending
// completion and every future do() call fails with err, mirroring
// brokerCxn.die()'s fan-out to cxn.resps.
func (c *sessionChannel) killWith(err error) {
	if !atomic.CompareAndSwapInt32(&c.dead, 0, 1) {
		return
	}
	c.deadErr.Store(err)
	c.failAllPending(err)
	c.stream.Close()
	c.closeOnce.Do(func() { close(c.doneCh) })
}

func (c *sessionChannel) currentDeadErr() error {
	if v := c.deadErr.Load(); v != nil {
		return v.(error)
	}
	return ErrSessionDead
}

func (c *sessionChannel) isDead() bool { return atomic.LoadInt32(&c.dead) == 1 }

// --- per-operation helpers, spec §4.5 ---

func (c *sessionChannel) startTransaction(ctx context.Context) (string, error) {
	res, err := c.do(ctx, &commandFrame{startTransaction: &startTransactionCommand{}})
	if err != nil {
		return "", err
	}
	if res.transactionStart == nil {
		return "", newDriverError(ErrKindTransport, "", errUnexpectedFrame)
	}
	return res.transactionStart.TransactionID, nil
}

func (c *sessionChannel) executeStatement(ctx context.Context, txnID, statement string, params []ValueHolder) (*executePageResult, error) {
	res, err := c.do(ctx, &commandFrame{executeStatement: &executeStatementCommand{
		TransactionID: txnID,
		Statement:     statement,
		Parameters:    params,
	}})
	if err != nil {
		return nil, err
	}
	if res.executePage == nil {
		return nil, newDriverError(ErrKindTransport, "", errUnexpectedFrame)
	}
	return res.executePage, nil
}

func (c *sessionChannel) fetchPage(ctx context.Context, txnID, token string) (*fetchedPageResult, error) {
	res, err := c.do(ctx, &commandFrame{fetchPage: &fetchPageCommand{TransactionID: txnID, NextPageToken: token}})
	if err != nil {
		return nil, err
	}
	if res.fetchedPage == nil {
		return nil, newDriverError(ErrKindTransport, "", errUnexpectedFrame)
	}
	return res.fetchedPage, nil
}

func (c *sessionChannel) commitTransaction(ctx context.Context, txnID string, digest Hash) (*commitResultFrame, error) {
	res, err := c.do(ctx, &commandFrame{commitTransaction: &commitTransactionCommand{TransactionID: txnID, CommitDigest: digest.Bytes()}})
	if err != nil {
		return nil, err
	}
	if res.commitResult == nil {
		return nil, newDriverError(ErrKindTransport, "", errUnexpectedFrame)
	}
	return res.commitResult, nil
}

func (c *sessionChannel) abortTransaction(ctx context.Context) error {
	_, err := c.do(ctx, &commandFrame{abortTransaction: &abortTransactionCommand{}})
	return err
}

func (c *sessionChannel) endSession(ctx context.Context) error {
	if c.isDead() {
		return nil
	}
	_, err := c.do(ctx, &commandFrame{endSession: &endSessionCommand{}})
	return err
}

func (c *sessionChannel) close() {
	c.killWith(ErrSessionDead)
}
