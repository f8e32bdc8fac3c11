package qldbdriver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// multiStreamProvider hands out a fresh fakeRawStream per OpenStream call,
// via factory(call) where call is 1 on the first open. Scenarios that need
// a session to be discarded and a new one opened (S3) drive this directly;
// scenarios whose every session answers the same way (S1, S2, S4, S5) just
// ignore call.
type multiStreamProvider struct {
	mu      sync.Mutex
	n       int
	factory func(call int) func(cmd *commandFrame) (*resultFrame, error)
}

func (p *multiStreamProvider) OpenStream(context.Context, string) (rawStream, error) {
	p.mu.Lock()
	p.n++
	call := p.n
	p.mu.Unlock()
	return newFakeRawStream(p.factory(call)), nil
}

// zeroBackoff is a BackoffPolicy that returns instantly and records every
// attempt it was asked about, so retry tests run fast and assert exactly
// which attempts the driver invoked the backoff function with.
type zeroBackoff struct {
	mu       sync.Mutex
	attempts []int
}

func (b *zeroBackoff) Delay(rc RetryContext) time.Duration {
	b.mu.Lock()
	b.attempts = append(b.attempts, rc.Attempt)
	b.mu.Unlock()
	return 0
}

func (b *zeroBackoff) seen() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.attempts...)
}

func newTestDriver(t *testing.T, provider SessionClientProvider, policy RetryPolicy) *Driver {
	t.Helper()
	d, err := NewDriver("test-ledger", provider, WithRetryPolicy(policy), WithMaxConcurrentTransactions(1))
	require.NoError(t, err)
	return d
}

func sessionStartHandler(inner func(cmd *commandFrame) (*resultFrame, error)) func(*commandFrame) (*resultFrame, error) {
	return func(cmd *commandFrame) (*resultFrame, error) {
		if cmd.startSession != nil {
			return &resultFrame{sessionStart: &sessionStartResult{SessionID: "s1"}}, nil
		}
		return inner(cmd)
	}
}

// TestDriverHappyPath is scenario S1: insert+select in one transaction,
// commit digest matches, no retries.
func TestDriverHappyPath(t *testing.T) {
	var txnCounter int
	provider := &multiStreamProvider{factory: func(int) func(*commandFrame) (*resultFrame, error) {
		return sessionStartHandler(func(cmd *commandFrame) (*resultFrame, error) {
			switch {
			case cmd.startTransaction != nil:
				txnCounter++
				return &resultFrame{transactionStart: &transactionStartResult{TransactionID: "t1"}}, nil
			case cmd.executeStatement != nil:
				return &resultFrame{executePage: &executePageResult{FirstPage: Page{}}}, nil
			case cmd.commitTransaction != nil:
				return &resultFrame{commitResult: &commitResultFrame{CommitDigest: cmd.commitTransaction.CommitDigest}}, nil
			}
			return &resultFrame{}, nil
		})
	}}

	backoff := &zeroBackoff{}
	d := newTestDriver(t, provider, NewRetryPolicy(4, backoff))

	v, err := d.Execute(context.Background(), func(txn *Transaction) (interface{}, error) {
		_, err := txn.Execute(context.Background(), "INSERT INTO T ?", 1)
		if err != nil {
			return nil, err
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, 1, txnCounter)
	require.Empty(t, backoff.seen())
	require.Equal(t, 1, d.Stats().Idle)
}

// TestDriverOccConflictRetriedOnceThenSucceeds is scenario S2.
func TestDriverOccConflictRetriedOnceThenSucceeds(t *testing.T) {
	var commits int
	var txnIDs []string
	provider := &multiStreamProvider{factory: func(int) func(*commandFrame) (*resultFrame, error) {
		return sessionStartHandler(func(cmd *commandFrame) (*resultFrame, error) {
			switch {
			case cmd.startTransaction != nil:
				id := "t1"
				if len(txnIDs) > 0 {
					id = "t2"
				}
				txnIDs = append(txnIDs, id)
				return &resultFrame{transactionStart: &transactionStartResult{TransactionID: id}}, nil
			case cmd.commitTransaction != nil:
				commits++
				if commits == 1 {
					return nil, newDriverError(ErrKindOccConflict, "", ErrOccConflict)
				}
				return &resultFrame{commitResult: &commitResultFrame{CommitDigest: cmd.commitTransaction.CommitDigest}}, nil
			}
			return &resultFrame{}, nil
		})
	}}

	backoff := &zeroBackoff{}
	d := newTestDriver(t, provider, NewRetryPolicy(4, backoff))

	v, err := d.Execute(context.Background(), func(txn *Transaction) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, []string{"t1", "t2"}, txnIDs)
	require.Equal(t, []int{1}, backoff.seen())
	// the session was reused, not discarded: still exactly one OpenStream call.
	require.Equal(t, 1, provider.n)
}

// TestDriverSessionExpiredOpensNewSession is scenario S3.
func TestDriverSessionExpiredOpensNewSession(t *testing.T) {
	provider := &multiStreamProvider{factory: func(call int) func(*commandFrame) (*resultFrame, error) {
		return sessionStartHandler(func(cmd *commandFrame) (*resultFrame, error) {
			switch {
			case cmd.startTransaction != nil:
				id := "t1"
				if call > 1 {
					id = "t2"
				}
				return &resultFrame{transactionStart: &transactionStartResult{TransactionID: id}}, nil
			case cmd.executeStatement != nil:
				if call == 1 {
					return nil, newDriverError(ErrKindSessionExpired, "", ErrSessionExpired)
				}
				return &resultFrame{executePage: &executePageResult{FirstPage: Page{}}}, nil
			case cmd.commitTransaction != nil:
				return &resultFrame{commitResult: &commitResultFrame{CommitDigest: cmd.commitTransaction.CommitDigest}}, nil
			}
			return &resultFrame{}, nil
		})
	}}

	backoff := &zeroBackoff{}
	d := newTestDriver(t, provider, NewRetryPolicy(4, backoff))

	var seenTxnIDs []string
	v, err := d.Execute(context.Background(), func(txn *Transaction) (interface{}, error) {
		seenTxnIDs = append(seenTxnIDs, txn.ID())
		_, err := txn.Execute(context.Background(), "SELECT 1")
		if err != nil {
			return nil, err
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, []string{"t1", "t2"}, seenTxnIDs)
	require.Equal(t, 2, provider.n)
}

// TestDriverRetryBudgetExhausted is scenario S4.
func TestDriverRetryBudgetExhausted(t *testing.T) {
	provider := &multiStreamProvider{factory: func(int) func(*commandFrame) (*resultFrame, error) {
		return sessionStartHandler(func(cmd *commandFrame) (*resultFrame, error) {
			switch {
			case cmd.startTransaction != nil:
				return &resultFrame{transactionStart: &transactionStartResult{TransactionID: "t1"}}, nil
			case cmd.executeStatement != nil:
				return nil, newDriverError(ErrKindServer5xx, "", ErrSessionExpired)
			}
			return &resultFrame{}, nil
		})
	}}

	backoff := &zeroBackoff{}
	d := newTestDriver(t, provider, NewRetryPolicy(3, backoff))

	_, err := d.Execute(context.Background(), func(txn *Transaction) (interface{}, error) {
		_, err := txn.Execute(context.Background(), "SELECT 1")
		return nil, err
	})
	require.Error(t, err)
	var de *DriverError
	require.ErrorAs(t, err, &de)
	require.Equal(t, ErrKindServer5xx, de.Kind)
	require.Equal(t, []int{1, 2, 3}, backoff.seen())
	require.Equal(t, 4, provider.n)
}

// TestDriverCommitDigestMismatchNotRetried is scenario S5.
func TestDriverCommitDigestMismatchNotRetried(t *testing.T) {
	provider := &multiStreamProvider{factory: func(int) func(*commandFrame) (*resultFrame, error) {
		return sessionStartHandler(func(cmd *commandFrame) (*resultFrame, error) {
			switch {
			case cmd.startTransaction != nil:
				return &resultFrame{transactionStart: &transactionStartResult{TransactionID: "t1"}}, nil
			case cmd.commitTransaction != nil:
				return &resultFrame{commitResult: &commitResultFrame{CommitDigest: HashText("wrong").Bytes()}}, nil
			}
			return &resultFrame{}, nil
		})
	}}

	backoff := &zeroBackoff{}
	d := newTestDriver(t, provider, NewRetryPolicy(4, backoff))

	_, err := d.Execute(context.Background(), func(txn *Transaction) (interface{}, error) {
		return "ok", nil
	})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCommitDigestMismatch)
	require.Empty(t, backoff.seen())
}

func TestDriverReadAheadRejectedAtBuildTime(t *testing.T) {
	provider := &multiStreamProvider{factory: func(int) func(*commandFrame) (*resultFrame, error) {
		return sessionStartHandler(func(*commandFrame) (*resultFrame, error) { return &resultFrame{}, nil })
	}}
	_, err := NewDriver("ledger", provider, WithReadAhead(1))
	var de *DriverError
	require.ErrorAs(t, err, &de)
	require.Equal(t, ErrKindInvalidArgument, de.Kind)
}

func TestDriverCloseRejectsFurtherExecute(t *testing.T) {
	provider := &multiStreamProvider{factory: func(int) func(*commandFrame) (*resultFrame, error) {
		return sessionStartHandler(func(*commandFrame) (*resultFrame, error) { return &resultFrame{}, nil })
	}}
	d := newTestDriver(t, provider, NewDefaultRetryPolicy())
	d.Close()

	_, err := d.Execute(context.Background(), func(txn *Transaction) (interface{}, error) { return nil, nil })
	require.ErrorIs(t, err, ErrDriverClosed)
}
