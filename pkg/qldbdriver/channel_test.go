package qldbdriver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRawStream is the in-memory rawStream channel_test.go drives instead of
// a live qldbsession endpoint, mirroring the seam wire.go's doc comment
// describes: handler decides what comes back for each command frame, in
// the order frames are sent.
type fakeRawStream struct {
	cmdCh   chan *commandFrame
	handler func(*commandFrame) (*resultFrame, error)
}

func newFakeRawStream(handler func(*commandFrame) (*resultFrame, error)) *fakeRawStream {
	return &fakeRawStream{cmdCh: make(chan *commandFrame, 8), handler: handler}
}

func (f *fakeRawStream) Send(ctx context.Context, cmd *commandFrame) error {
	select {
	case f.cmdCh <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeRawStream) Recv(ctx context.Context) (*resultFrame, error) {
	select {
	case cmd := <-f.cmdCh:
		return f.handler(cmd)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeRawStream) Close() error { return nil }

type fakeSessionClientProvider struct {
	stream *fakeRawStream
}

func (p *fakeSessionClientProvider) OpenStream(context.Context, string) (rawStream, error) {
	return p.stream, nil
}

func TestOpenSessionChannelHandshake(t *testing.T) {
	stream := newFakeRawStream(func(cmd *commandFrame) (*resultFrame, error) {
		require.NotNil(t, cmd.startSession)
		return &resultFrame{sessionStart: &sessionStartResult{SessionID: "sess-1"}}, nil
	})

	ch, sessionID, err := openSessionChannel(context.Background(), &fakeSessionClientProvider{stream: stream}, "my-ledger", NopLogger{})
	require.NoError(t, err)
	require.Equal(t, "sess-1", sessionID)
	require.False(t, ch.isDead())
}

func TestOpenSessionChannelFailsOnWrongFrame(t *testing.T) {
	stream := newFakeRawStream(func(cmd *commandFrame) (*resultFrame, error) {
		return &resultFrame{abortResult: &abortResultFrame{}}, nil
	})
	_, _, err := openSessionChannel(context.Background(), &fakeSessionClientProvider{stream: stream}, "my-ledger", NopLogger{})
	require.Error(t, err)
}

func TestSessionChannelFIFOOrdering(t *testing.T) {
	var seen []string
	stream := newFakeRawStream(func(cmd *commandFrame) (*resultFrame, error) {
		switch {
		case cmd.startSession != nil:
			return &resultFrame{sessionStart: &sessionStartResult{SessionID: "s1"}}, nil
		case cmd.startTransaction != nil:
			seen = append(seen, "start")
			return &resultFrame{transactionStart: &transactionStartResult{TransactionID: "t1"}}, nil
		case cmd.commitTransaction != nil:
			seen = append(seen, "commit")
			return &resultFrame{commitResult: &commitResultFrame{CommitDigest: cmd.commitTransaction.CommitDigest}}, nil
		}
		return &resultFrame{}, nil
	})

	ch, _, err := openSessionChannel(context.Background(), &fakeSessionClientProvider{stream: stream}, "ledger", NopLogger{})
	require.NoError(t, err)

	txnID, err := ch.startTransaction(context.Background())
	require.NoError(t, err)
	require.Equal(t, "t1", txnID)

	res, err := ch.commitTransaction(context.Background(), txnID, HashText("t1"))
	require.NoError(t, err)
	require.Equal(t, HashText("t1").Bytes(), res.CommitDigest)

	require.Equal(t, []string{"start", "commit"}, seen)
}

func TestSessionChannelTransactionFaultCompletesExceptionally(t *testing.T) {
	stream := newFakeRawStream(func(cmd *commandFrame) (*resultFrame, error) {
		switch {
		case cmd.startSession != nil:
			return &resultFrame{sessionStart: &sessionStartResult{SessionID: "s1"}}, nil
		case cmd.startTransaction != nil:
			return &resultFrame{transactionError: &TransactionFault{Code: "Foo", Message: "bad txn"}}, nil
		}
		return &resultFrame{}, nil
	})

	ch, _, err := openSessionChannel(context.Background(), &fakeSessionClientProvider{stream: stream}, "ledger", NopLogger{})
	require.NoError(t, err)

	_, err = ch.startTransaction(context.Background())
	require.Error(t, err)
	var d *DriverError
	require.ErrorAs(t, err, &d)
	require.Equal(t, ErrKindTransactionFault, d.Kind)
}

func TestSessionChannelTransportErrorKillsAllPending(t *testing.T) {
	boom := errors.New("boom")
	stream := newFakeRawStream(func(cmd *commandFrame) (*resultFrame, error) {
		if cmd.startSession != nil {
			return &resultFrame{sessionStart: &sessionStartResult{SessionID: "s1"}}, nil
		}
		return nil, boom
	})

	ch, _, err := openSessionChannel(context.Background(), &fakeSessionClientProvider{stream: stream}, "ledger", NopLogger{})
	require.NoError(t, err)

	_, err = ch.startTransaction(context.Background())
	require.Error(t, err)
	require.True(t, ch.isDead())

	_, err = ch.startTransaction(context.Background())
	require.Error(t, err)
}

func TestSessionChannelServiceFaultDoesNotKillChannel(t *testing.T) {
	ch := newTestChannel(t, func(cmd *commandFrame) (*resultFrame, error) {
		switch {
		case cmd.startTransaction != nil:
			return &resultFrame{transactionStart: &transactionStartResult{TransactionID: "t1"}}, nil
		case cmd.commitTransaction != nil:
			return nil, newDriverError(ErrKindOccConflict, "", ErrOccConflict)
		}
		return &resultFrame{}, nil
	})

	_, err := ch.commitTransaction(context.Background(), "t1", HashText("t1"))
	require.ErrorIs(t, err, ErrOccConflict)
	require.False(t, ch.isDead())

	// The channel survives: a fresh transaction can still be started on it.
	txnID, err := ch.startTransaction(context.Background())
	require.NoError(t, err)
	require.Equal(t, "t1", txnID)
}

func TestSessionChannelDoRespectsContextDeadline(t *testing.T) {
	block := make(chan struct{})
	stream := newFakeRawStream(func(cmd *commandFrame) (*resultFrame, error) {
		if cmd.startSession != nil {
			return &resultFrame{sessionStart: &sessionStartResult{SessionID: "s1"}}, nil
		}
		<-block
		return &resultFrame{transactionStart: &transactionStartResult{TransactionID: "t1"}}, nil
	})
	defer close(block)

	ch, _, err := openSessionChannel(context.Background(), &fakeSessionClientProvider{stream: stream}, "ledger", NopLogger{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ch.startTransaction(ctx)
	require.Error(t, err)
}
