package qldbdriver

import (
	"context"
	"errors"
	"sync"
)

var errEmptyStatement = errors.New("qldbdriver: statement must not be empty")

type transactionState int8

const (
	transactionOpen transactionState = iota
	transactionCommitted
	transactionAborted
)

// TransactionExecutor is the application-supplied transaction body: it
// receives a live Transaction, issues statements against it, and returns
// whatever value the caller wants Driver.Execute to hand back. Returning a
// *Pager is fine; the session layer buffers it before commit (spec §4.8).
type TransactionExecutor func(txn *Transaction) (interface{}, error)

// Transaction is a single attempt at a ledger transaction: one StartTransaction
// through one Commit or Abort. It is grounded on neo4j-go-driver's
// explicitTransaction: a single-consumer handle the application lambda
// drives, that tracks its own running state and everything it spawned
// (here, child pagers instead of neo4j's bookmarks).
//
// A Transaction is single-consumer (spec §5) and is always terminated by
// exactly one of commit or abort; internalClose then drains whatever pagers
// are still open regardless of how the transaction ended.
type Transaction struct {
	id      string
	channel *sessionChannel
	vs      ValueSystem
	logger  Logger

	readAhead int
	executor  func(func())

	mu     sync.Mutex
	hash   Hash
	state  transactionState
	pagers []*Pager
}

func newTransaction(id string, channel *sessionChannel, vs ValueSystem, logger Logger, readAhead int, executor func(func())) *Transaction {
	return &Transaction{
		id:        id,
		channel:   channel,
		vs:        vs,
		logger:    logger,
		readAhead: readAhead,
		executor:  executor,
		hash:      HashText(id),
		state:     transactionOpen,
	}
}

// ID returns the server-assigned transaction id.
func (t *Transaction) ID() string { return t.id }

// Execute issues a statement against the transaction, updating the running
// commit-digest hash before the request is sent (spec §4.7: the hash
// reflects every statement that has been *sent*, not just those that have
// succeeded, so a retried attempt never reuses a partially-applied hash —
// retries always start an entirely new transaction).
func (t *Transaction) Execute(ctx context.Context, statement string, params ...interface{}) (*Pager, error) {
	if statement == "" {
		return nil, newDriverError(ErrKindInvalidArgument, t.id, errEmptyStatement)
	}

	t.mu.Lock()
	if t.state != transactionOpen {
		t.mu.Unlock()
		return nil, newDriverError(ErrKindTransactionClosed, t.id, ErrTransactionClosed)
	}

	fp, err := statementFingerprint(t.vs, statement, params)
	if err != nil {
		t.mu.Unlock()
		return nil, newDriverError(ErrKindSerialization, t.id, err)
	}
	t.hash = mustDot(t.hash, fp)
	t.mu.Unlock()

	holders := make([]ValueHolder, len(params))
	for i, p := range params {
		bin, err := t.vs.ToIonBinary(p)
		if err != nil {
			return nil, newDriverError(ErrKindSerialization, t.id, err)
		}
		holders[i] = ValueHolder{IonBinary: bin}
	}

	res, err := t.channel.executeStatement(ctx, t.id, statement, holders)
	if err != nil {
		return nil, err
	}

	pager := newPagerWithExecutor(t.channel, t.id, t.vs, res.FirstPage, res.ConsumedIOs, res.TimingInformation, t.readAhead, t.executor)

	t.mu.Lock()
	t.pagers = append(t.pagers, pager)
	t.mu.Unlock()

	return pager, nil
}

// abort closes every child pager and sends AbortTransaction, per spec §4.7.
// It reports whether the wire call itself succeeded, which session.execute
// uses (per spec §4.9's classification table) to decide whether the
// session this transaction ran on is still safe to return to the pool. A
// failed abort is logged rather than returned as an error: by the time
// abort is called the caller has already decided the transaction is dead.
func (t *Transaction) abort(ctx context.Context) bool {
	t.mu.Lock()
	if t.state != transactionOpen {
		t.mu.Unlock()
		return true
	}
	t.state = transactionAborted
	pagers := t.pagers
	t.pagers = nil
	t.mu.Unlock()

	for _, p := range pagers {
		p.Close()
	}

	if err := t.channel.abortTransaction(ctx); err != nil {
		logAt(t.logger, LogLevelWarn, "abort transaction failed", "txnId", t.id, "error", err)
		return false
	}
	return true
}

// commit sends the running hash as the commit digest and verifies the
// server's returned digest matches byte-for-byte (spec §4.7, §6). A
// mismatch is a fatal integrity error: it is never retried even if the
// caller's retry budget has attempts remaining (spec §8 property 14).
func (t *Transaction) commit(ctx context.Context) error {
	t.mu.Lock()
	if t.state != transactionOpen {
		t.mu.Unlock()
		return newDriverError(ErrKindTransactionClosed, t.id, ErrTransactionClosed)
	}
	hash := t.hash
	t.mu.Unlock()

	res, err := t.channel.commitTransaction(ctx, t.id, hash)
	if err != nil {
		return err
	}

	if !Hash(res.CommitDigest).Equal(hash) {
		return newDriverError(ErrKindCommitDigestMismatch, t.id, ErrCommitDigestMismatch)
	}

	t.mu.Lock()
	t.state = transactionCommitted
	t.mu.Unlock()
	return nil
}

// internalClose drains every pager this transaction produced, regardless of
// whether it ended in commit or abort (spec §4.7). It is always the last
// thing session.execute does with a transaction.
func (t *Transaction) internalClose() {
	t.mu.Lock()
	pagers := t.pagers
	t.pagers = nil
	t.mu.Unlock()

	for _, p := range pagers {
		p.Close()
	}
}

// CurrentHash returns the transaction's running commit-digest hash as of
// the last Execute call.
func (t *Transaction) CurrentHash() Hash {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hash
}

// IsOpen reports whether the transaction has not yet been committed or
// aborted.
func (t *Transaction) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == transactionOpen
}
