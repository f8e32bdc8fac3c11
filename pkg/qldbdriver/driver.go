package qldbdriver

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errUnexpectedListTablesResult = errors.New("qldbdriver: ListTableNames query did not return a buffered result")

// Driver is the public entry point: a semaphore-bounded pool of sessions
// plus a retry loop that re-invokes the application's TransactionExecutor
// on classified-retryable failures. It corresponds to dcrodman-franz-go's
// top-level Client, minus the broker metadata cache QLDB's single-endpoint
// protocol has no equivalent of.
type Driver struct {
	ledger string
	client SessionClientProvider
	logger Logger
	vs     ValueSystem
	policy RetryPolicy

	readAhead int
	executor  func(func())

	pool *sessionPool

	mu     sync.Mutex
	closed bool
}

// NewDriver builds a Driver from opts, applying defaults and then
// validating the assembled DriverOptions (spec §6: "unknown values cause a
// build-time validation failure" — here, invalid ones do, since functional
// options can't produce an unknown field).
func NewDriver(ledger string, client SessionClientProvider, opts ...Option) (*Driver, error) {
	o := defaultDriverOptions()
	o.Ledger = ledger
	o.SessionClient = client
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	d := &Driver{
		ledger:    o.Ledger,
		client:    o.SessionClient,
		logger:    o.Logger,
		vs:        o.ValueSystem,
		policy:    o.RetryPolicy,
		readAhead: o.ReadAhead,
		executor:  o.ReadAheadExecutor,
	}
	d.pool = newSessionPool(o.MaxConcurrentTransactions, o.PoolAcquireTimeout, d.openSession)
	return d, nil
}

func (d *Driver) openSession(ctx context.Context) (*session, error) {
	ch, sessionID, err := openSessionChannel(ctx, d.client, d.ledger, d.logger)
	if err != nil {
		return nil, err
	}
	return newSession(sessionID, ch, d.vs, d.logger, d.readAhead, d.executor), nil
}

// Execute runs fn inside a transaction using the driver's default retry
// policy. See ExecuteWithRetryPolicy for the full execute-loop contract.
func (d *Driver) Execute(ctx context.Context, fn TransactionExecutor) (interface{}, error) {
	return d.ExecuteWithRetryPolicy(ctx, fn, d.policy)
}

// ExecuteWithRetryPolicy runs fn inside a transaction, retrying on
// classified-retryable failure up to policy.MaxRetries times, per the
// execute loop of spec §4.9. Every path either returns the session to the
// pool or closes it, exactly once (spec §8 property 5), and releases
// exactly the one permit it acquired.
func (d *Driver) ExecuteWithRetryPolicy(ctx context.Context, fn TransactionExecutor, policy RetryPolicy) (interface{}, error) {
	attempt := 0
	var lastErr error

	for {
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return nil, ErrDriverClosed
		}

		sess, err := d.pool.acquire(ctx)
		if err != nil {
			return nil, err
		}

		v, c := sess.execute(ctx, fn)
		if c == nil {
			d.pool.release(sess)
			return v, nil
		}

		lastErr = c.cause
		if c.sessionAlive {
			d.pool.release(sess)
		} else {
			d.pool.closeSession(sess)
		}

		if c.isAbort {
			return nil, lastErr
		}
		if !c.retryable || attempt >= policy.MaxRetries() {
			return nil, lastErr
		}

		attempt++
		delay := normalizeDelay(policy.Backoff().Delay(RetryContext{Attempt: attempt, LastError: lastErr, TxnID: c.txnID}))
		logAt(d.logger, LogLevelDebug, "retrying transaction", "attempt", attempt, "delay", delay, "error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, newDriverError(ErrKindTransport, c.txnID, ctx.Err())
		}
	}
}

// ListTableNames returns the ledger's user table names by executing the
// well-known information_schema query (spec §4.9), decoding each row as a
// struct with a Name field.
func (d *Driver) ListTableNames(ctx context.Context) ([]string, error) {
	v, err := d.Execute(ctx, func(txn *Transaction) (interface{}, error) {
		pager, err := txn.Execute(ctx, "SELECT name FROM information_schema.user_tables")
		if err != nil {
			return nil, err
		}
		return pager, nil
	})
	if err != nil {
		return nil, err
	}

	stream, ok := v.(*StreamResult)
	if !ok {
		return nil, newDriverError(ErrKindRuntime, "", errUnexpectedListTablesResult)
	}

	var names []string
	for {
		var r struct {
			Name string `ion:"name"`
		}
		ok, err := stream.Next(&r)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		names = append(names, r.Name)
	}
	return names, nil
}

// GetTableNames is an alias for ListTableNames matching the naming used by
// the published amazon-qldb-driver-go surface.
func (d *Driver) GetTableNames(ctx context.Context) ([]string, error) {
	return d.ListTableNames(ctx)
}

// Stats returns a point-in-time snapshot of pool activity.
func (d *Driver) Stats() Stats {
	return d.pool.stats()
}

// Close marks the driver closed and tears down every idle session. Calls
// to Execute already in flight are allowed to finish; new calls fail with
// DriverClosed.
func (d *Driver) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.pool.close()
}
