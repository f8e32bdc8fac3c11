package qldbdriver

import "errors"

// classification is what Session.execute hands back to the pool/retry loop
// for every failed attempt: the retry table of spec §4.9 collapsed into
// three booleans plus the attempt's transaction id, so the driver never has
// to re-derive retry semantics from an error type switch of its own.
type classification struct {
	cause        error
	retryable    bool
	sessionAlive bool
	isAbort      bool
	txnID        string
}

// classify maps a failure observed during session.execute to the retry
// table in spec §4.9. err is expected to already be wrapped as a
// *DriverError by the layer that detected it (channel.go, transaction.go,
// or the application lambda itself via a plain error/AbortSignal).
func classify(err error, txnID string, abortSucceeded bool) classification {
	if sig, ok := isAbortSignal(err); ok {
		return classification{cause: sig, retryable: false, sessionAlive: true, isAbort: true, txnID: txnID}
	}

	var d *DriverError
	if !errors.As(err, &d) {
		// An unclassified panic/error from the application lambda: not
		// retried, session survival depends on whether the abort we
		// attempted in response actually reached the server.
		return classification{cause: err, retryable: false, sessionAlive: abortSucceeded, txnID: txnID}
	}

	switch d.Kind {
	case ErrKindTransactionFault, ErrKindStatementFault:
		return classification{cause: err, retryable: true, sessionAlive: true, txnID: txnID}
	case ErrKindTransport:
		return classification{cause: err, retryable: true, sessionAlive: false, txnID: txnID}
	case ErrKindServer5xx:
		return classification{cause: err, retryable: true, sessionAlive: false, txnID: txnID}
	case ErrKindSessionExpired:
		return classification{cause: err, retryable: true, sessionAlive: false, txnID: txnID}
	case ErrKindOccConflict:
		return classification{cause: err, retryable: true, sessionAlive: true, txnID: txnID}
	case ErrKindCommitDigestMismatch:
		return classification{cause: err, retryable: false, sessionAlive: false, txnID: txnID}
	default:
		// DriverClosed, SessionClosed, TransactionClosed, NoSessionAvailable,
		// InvalidArgument, SerializationError, and any other server fault
		// (e.g. a 4xx) are all surfaced without retry; the session is fine.
		return classification{cause: err, retryable: false, sessionAlive: true, txnID: txnID}
	}
}
