package qldbdriver

// This file defines the command/result frame shapes exchanged over a
// sessionChannel, per spec §6. They are a thin, package-owned mirror of the
// wire types that live in github.com/aws/aws-sdk-go-v2/service/qldbsession;
// keeping our own copy (rather than passing SDK types directly through the
// whole call stack) is what lets channel_test.go drive the retry/hash/pager
// logic with an in-memory fake transport instead of a live QLDB endpoint —
// the same seam neo4j-go-driver draws around its connection pool.

// ValueHolder is a single bound parameter or row value in its canonical
// binary (Ion) encoding.
type ValueHolder struct {
	IonBinary []byte
}

// Page is one page of a statement's result set.
type Page struct {
	Values        []ValueHolder
	NextPageToken *string
}

// IOUsage reports server-side IO counters for a single request.
type IOUsage struct {
	ReadIOs  int64
	WriteIOs int64
}

// TimingInformation reports server-side processing time for a single
// request.
type TimingInformation struct {
	ProcessingTimeMillis int64
}

// commandFrame is the outbound command union (spec §6). Exactly one field
// is set per frame.
type commandFrame struct {
	startSession       *startSessionCommand
	startTransaction   *startTransactionCommand
	executeStatement   *executeStatementCommand
	fetchPage          *fetchPageCommand
	commitTransaction  *commitTransactionCommand
	abortTransaction   *abortTransactionCommand
	endSession         *endSessionCommand
}

type startSessionCommand struct{ LedgerName string }
type startTransactionCommand struct{}
type executeStatementCommand struct {
	TransactionID string
	Statement     string
	Parameters    []ValueHolder
}
type fetchPageCommand struct {
	TransactionID string
	NextPageToken string
}
type commitTransactionCommand struct {
	TransactionID string
	CommitDigest  []byte
}
type abortTransactionCommand struct{}
type endSessionCommand struct{}

// resultFrame is the inbound result union (spec §6). Exactly one field is
// set per frame.
type resultFrame struct {
	sessionStart      *sessionStartResult
	transactionStart  *transactionStartResult
	executePage       *executePageResult
	fetchedPage       *fetchedPageResult
	commitResult      *commitResultFrame
	abortResult       *abortResultFrame
	endSessionResult  *endSessionResultFrame
	transactionError  *TransactionFault
	statementError    *StatementFault
}

type sessionStartResult struct{ SessionID string }
type transactionStartResult struct{ TransactionID string }
type executePageResult struct {
	FirstPage          Page
	ConsumedIOs        *IOUsage
	TimingInformation  *TimingInformation
}
type fetchedPageResult struct {
	Page               Page
	ConsumedIOs        *IOUsage
	TimingInformation  *TimingInformation
}
type commitResultFrame struct {
	CommitDigest       []byte
	ConsumedIOs        *IOUsage
	TimingInformation  *TimingInformation
}
type abortResultFrame struct{}
type endSessionResultFrame struct{}
