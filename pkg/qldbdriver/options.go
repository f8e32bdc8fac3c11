package qldbdriver

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
)

var (
	errMissingLedger        = errors.New("qldbdriver: Ledger is required")
	errMissingSessionClient = errors.New("qldbdriver: SessionClient is required")
	errInvalidPoolSize      = errors.New("qldbdriver: MaxConcurrentTransactions must be >= 1")
	errReadAheadOne         = errors.New("qldbdriver: ReadAhead must be 0 or >= 2")
	errReadAheadNegative    = errors.New("qldbdriver: ReadAhead must not be negative")
)

// DriverOptions collects everything the builder accepts (spec §6's
// configuration surface). Every field has a usable zero value; NewDriver
// fills in the documented defaults and validates the result, following
// aws-sdk-go-v2's own pattern of a plain options struct mutated by a chain
// of functional Option values rather than a fluent covariant builder type.
type DriverOptions struct {
	Ledger        string
	SessionClient SessionClientProvider

	MaxConcurrentTransactions int64
	PoolAcquireTimeout        time.Duration
	RetryPolicy               RetryPolicy
	ReadAhead                 int
	ReadAheadExecutor         func(func())
	ValueSystem               ValueSystem
	Logger                    Logger
}

// Option mutates a DriverOptions during NewDriver construction.
type Option func(*DriverOptions)

// WithMaxConcurrentTransactions bounds the number of sessions the driver
// will keep in flight at once. Must be >= 1.
func WithMaxConcurrentTransactions(n int64) Option {
	return func(o *DriverOptions) { o.MaxConcurrentTransactions = n }
}

// WithPoolAcquireTimeout bounds how long Execute waits for a free session
// permit before failing with NoSessionAvailable. Default 30s.
func WithPoolAcquireTimeout(d time.Duration) Option {
	return func(o *DriverOptions) { o.PoolAcquireTimeout = d }
}

// WithRetryPolicy sets the driver-wide default retry policy; an individual
// ExecuteWithRetryPolicy call overrides it for that call only.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *DriverOptions) { o.RetryPolicy = p }
}

// WithReadAhead sets the pager read-ahead depth. 0 disables read-ahead
// (synchronous paging); values must be 0 or >= 2 (spec §8 property 12: 1 is
// rejected at build time).
func WithReadAhead(n int) Option {
	return func(o *DriverOptions) { o.ReadAhead = n }
}

// WithReadAheadExecutor supplies a worker pool to run pager prefetch loops
// on, instead of one bare goroutine per active pager.
func WithReadAheadExecutor(submit func(func())) Option {
	return func(o *DriverOptions) { o.ReadAheadExecutor = submit }
}

// WithValueSystem overrides the default Ion-backed ValueSystem.
func WithValueSystem(vs ValueSystem) Option {
	return func(o *DriverOptions) { o.ValueSystem = vs }
}

// WithLogger sets the driver's structured logger. Defaults to NopLogger.
func WithLogger(l Logger) Option {
	return func(o *DriverOptions) { o.Logger = l }
}

// WithZerologLogger is a convenience over WithLogger(NewZerologLogger(...)).
func WithZerologLogger(log zerolog.Logger, level LogLevel) Option {
	return WithLogger(NewZerologLogger(log, level))
}

const (
	defaultMaxConcurrentTransactions = 10
	defaultPoolAcquireTimeout        = 30 * time.Second
)

func defaultDriverOptions() DriverOptions {
	return DriverOptions{
		MaxConcurrentTransactions: defaultMaxConcurrentTransactions,
		PoolAcquireTimeout:        defaultPoolAcquireTimeout,
		RetryPolicy:               NewDefaultRetryPolicy(),
		ValueSystem:               NewValueSystem(),
		Logger:                    NopLogger{},
	}
}

// validate checks the assembled DriverOptions against spec §6/§8's
// build-time rejection rules.
func (o *DriverOptions) validate() error {
	if o.Ledger == "" {
		return newDriverError(ErrKindInvalidArgument, "", errMissingLedger)
	}
	if o.SessionClient == nil {
		return newDriverError(ErrKindInvalidArgument, "", errMissingSessionClient)
	}
	if o.MaxConcurrentTransactions < 1 {
		return newDriverError(ErrKindInvalidArgument, "", errInvalidPoolSize)
	}
	if o.ReadAhead == 1 {
		return newDriverError(ErrKindInvalidArgument, "", errReadAheadOne)
	}
	if o.ReadAhead < 0 {
		return newDriverError(ErrKindInvalidArgument, "", errReadAheadNegative)
	}
	return nil
}
