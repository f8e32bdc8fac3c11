package qldbdriver

import (
	"context"
)

// session is the transaction host (C8): it wraps a sessionChannel and runs
// exactly one transaction at a time against it, following the
// execute/commit-or-abort/classify shape of spec §4.8. It corresponds to
// neo4j-go-driver's sessionWithContext, minus the bookmark bookkeeping QLDB
// has no equivalent of.
type session struct {
	id        string
	channel   *sessionChannel
	vs        ValueSystem
	logger    Logger
	readAhead int
	executor  func(func())
}

func newSession(id string, channel *sessionChannel, vs ValueSystem, logger Logger, readAhead int, executor func(func())) *session {
	return &session{id: id, channel: channel, vs: vs, logger: logger, readAhead: readAhead, executor: executor}
}

// execute runs fn inside exactly one transaction, per the pseudocode of
// spec §4.8. The returned classification is nil on success; on failure it
// tells the caller (the pool/retry loop in driver.go) whether to retry,
// whether this session is still usable, and whether the failure was an
// explicit application abort.
func (s *session) execute(ctx context.Context, fn TransactionExecutor) (interface{}, *classification) {
	txnID, err := s.channel.startTransaction(ctx)
	if err != nil {
		c := classify(err, "", true)
		return nil, &c
	}

	txn := newTransaction(txnID, s.channel, s.vs, s.logger, s.readAhead, s.executor)
	defer txn.internalClose()

	v, fnErr := fn(txn)
	if fnErr != nil {
		return s.handleFailure(ctx, txn, fnErr)
	}

	if p, ok := v.(*Pager); ok {
		buffered, err := buffer(ctx, p)
		if err != nil {
			return s.handleFailure(ctx, txn, err)
		}
		v = buffered
	}

	if err := txn.commit(ctx); err != nil {
		c := classify(err, txnID, false)
		return nil, &c
	}
	return v, nil
}

// handleFailure implements the abort-then-classify half of spec §4.8's
// pseudocode: an AbortSignal or any other lambda error both abort the
// transaction before classification, the difference is only in how the
// resulting classification is built.
func (s *session) handleFailure(ctx context.Context, txn *Transaction, fnErr error) (interface{}, *classification) {
	if sig, ok := isAbortSignal(fnErr); ok {
		txn.abort(ctx)
		c := classify(sig, txn.ID(), true)
		return nil, &c
	}

	abortSucceeded := txn.abort(ctx)
	c := classify(fnErr, txn.ID(), abortSucceeded)
	return nil, &c
}

// close sends EndSession and tears down the underlying channel. Errors are
// logged and swallowed per spec §4.5 step 4.
func (s *session) close(ctx context.Context) {
	if err := s.channel.endSession(ctx); err != nil {
		logAt(s.logger, LogLevelWarn, "end session failed", "sessionId", s.id, "error", err)
	}
	s.channel.close()
}
