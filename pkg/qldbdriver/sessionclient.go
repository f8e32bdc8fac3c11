package qldbdriver

import (
	"context"
	"errors"
	"fmt"

	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/qldbsession"
	"github.com/aws/aws-sdk-go-v2/service/qldbsession/types"
	smithy "github.com/aws/smithy-go"
)

// rawStream is what a sessionChannel actually reads and writes. It is
// satisfied both by awsRawStream (the real qldbsession client) and by the
// in-memory fakes used in channel_test.go.
//
// QLDB's SendCommand API is a unary request/response call that threads a
// SessionToken through successive invocations rather than a literal
// long-lived bidirectional socket (see spec's Design Notes §9: the
// "unary design is equivalent to a streaming channel of capacity 1 with a
// new channel per command"). rawStream presents the streaming-shaped
// interface the rest of the package is written against; awsRawStream is
// simply the adapter that realizes it as repeated SendCommand calls.
type rawStream interface {
	Send(ctx context.Context, cmd *commandFrame) error
	Recv(ctx context.Context) (*resultFrame, error)
	Close() error
}

// SessionClientProvider opens the command/result channel a sessionChannel
// multiplexes over. Callers almost always use NewSessionClientProvider,
// which builds one from an *qldbsession.Client; a custom provider is
// mainly useful in tests.
type SessionClientProvider interface {
	OpenStream(ctx context.Context, ledgerName string) (rawStream, error)
}

// awsSessionClientProvider is the production SessionClientProvider,
// grounded on ethereum-go-ethereum's own construction of AWS SDK v2 service
// clients via aws-sdk-go-v2/config + aws-sdk-go-v2/credentials.
type awsSessionClientProvider struct {
	client *qldbsession.Client
}

// ClientOption customizes the qldbsession.Client itself, as opposed to the
// ConfigOptions that feed aws-sdk-go-v2/config's resolution of region and
// credentials.
type ClientOption func(*qldbsession.Options)

// WithUserAgentSuffix appends an extra "name/version" token to every
// outbound request's user agent, per spec §6, via the AWS SDK's own
// APIOptions middleware stack (the same mechanism the SDK's other
// WithAPIOptions-style knobs use).
func WithUserAgentSuffix(name, version string) ClientOption {
	return func(o *qldbsession.Options) {
		o.APIOptions = append(o.APIOptions, awsmiddleware.AddUserAgentKeyValue(name, version))
	}
}

// NewSessionClientProvider builds a SessionClientProvider backed by the AWS
// SDK v2 QLDB session client, resolving credentials and region the same way
// any other aws-sdk-go-v2 service client does (environment, shared config,
// container/instance roles, ...). configOpts customizes region, a static
// credentials provider, or a custom endpoint (e.g. for a local QLDB
// emulator); clientOpts customizes the qldbsession.Client directly, e.g.
// WithUserAgentSuffix.
func NewSessionClientProvider(ctx context.Context, configOpts []func(*awsconfig.LoadOptions) error, clientOpts ...ClientOption) (SessionClientProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("qldbdriver: loading AWS config: %w", err)
	}
	optFns := make([]func(*qldbsession.Options), len(clientOpts))
	for i, opt := range clientOpts {
		optFns[i] = opt
	}
	return &awsSessionClientProvider{client: qldbsession.NewFromConfig(cfg, optFns...)}, nil
}

// NewSessionClientProviderWithStaticCredentials is a convenience
// constructor for callers who already hold an access key pair (tests,
// short-lived automation) rather than wanting ambient credential
// resolution.
func NewSessionClientProviderWithStaticCredentials(ctx context.Context, region, accessKeyID, secretAccessKey, sessionToken string, clientOpts ...ClientOption) (SessionClientProvider, error) {
	return NewSessionClientProvider(ctx, []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, sessionToken)),
	}, clientOpts...)
}

func (p *awsSessionClientProvider) OpenStream(_ context.Context, ledgerName string) (rawStream, error) {
	return &awsRawStream{
		client:     p.client,
		ledgerName: ledgerName,
		cmdCh:      make(chan *commandFrame, pipelineCapacity),
	}, nil
}

// awsRawStream adapts the package's commandFrame/resultFrame union onto
// repeated qldbsession.Client.SendCommand calls, carrying the session token
// returned by StartSession across every subsequent call. QLDB's SendCommand
// is a unary request/response API, not a literal long-lived socket; cmdCh
// is what turns it into the capacity-1 streaming shape the rest of the
// package is written against (spec's Design Notes §9: "the unary design is
// equivalent to a streaming channel of capacity 1 with a new channel per
// command") — Send hands a frame to the channel, and the sessionChannel's
// readLoop's blocking Recv is what actually performs the round trip.
type awsRawStream struct {
	client       *qldbsession.Client
	ledgerName   string
	sessionToken *string

	cmdCh chan *commandFrame
}

func (s *awsRawStream) Send(ctx context.Context, cmd *commandFrame) error {
	select {
	case s.cmdCh <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *awsRawStream) Recv(ctx context.Context) (*resultFrame, error) {
	var cmd *commandFrame
	select {
	case cmd = <-s.cmdCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	input := &qldbsession.SendCommandInput{SessionToken: s.sessionToken}
	switch {
	case cmd.startSession != nil:
		input.StartSession = &types.StartSessionRequest{LedgerName: &s.ledgerName}
	case cmd.startTransaction != nil:
		input.StartTransaction = &types.StartTransactionRequest{}
	case cmd.executeStatement != nil:
		input.ExecuteStatement = &types.ExecuteStatementRequest{
			TransactionId: &cmd.executeStatement.TransactionID,
			Statement:     &cmd.executeStatement.Statement,
			Parameters:    toSDKValueHolders(cmd.executeStatement.Parameters),
		}
	case cmd.fetchPage != nil:
		input.FetchPage = &types.FetchPageRequest{
			TransactionId: &cmd.fetchPage.TransactionID,
			NextPageToken: &cmd.fetchPage.NextPageToken,
		}
	case cmd.commitTransaction != nil:
		input.CommitTransaction = &types.CommitTransactionRequest{
			TransactionId: &cmd.commitTransaction.TransactionID,
			CommitDigest:  cmd.commitTransaction.CommitDigest,
		}
	case cmd.abortTransaction != nil:
		input.AbortTransaction = &types.AbortTransactionRequest{}
	case cmd.endSession != nil:
		input.EndSession = &types.EndSessionRequest{}
	default:
		return nil, errors.New("qldbdriver: empty command frame")
	}

	out, err := s.client.SendCommand(ctx, input)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if out.StartSession != nil {
		s.sessionToken = out.StartSession.SessionToken
	}
	return fromSendCommandOutput(out), nil
}

func (s *awsRawStream) Close() error { return nil }

func toSDKValueHolders(params []ValueHolder) []types.ValueHolder {
	out := make([]types.ValueHolder, len(params))
	for i, p := range params {
		out[i] = types.ValueHolder{IonBinary: p.IonBinary}
	}
	return out
}

func fromSDKPage(p *types.Page) Page {
	if p == nil {
		return Page{}
	}
	values := make([]ValueHolder, len(p.Values))
	for i, v := range p.Values {
		values[i] = ValueHolder{IonBinary: v.IonBinary}
	}
	return Page{Values: values, NextPageToken: p.NextPageToken}
}

func fromSDKIOUsage(u *types.IOUsage) *IOUsage {
	if u == nil {
		return nil
	}
	return &IOUsage{ReadIOs: u.ReadIOs, WriteIOs: u.WriteIOs}
}

func fromSDKTiming(t *types.TimingInformation) *TimingInformation {
	if t == nil {
		return nil
	}
	return &TimingInformation{ProcessingTimeMillis: t.ProcessingTimeMilliseconds}
}

func fromSendCommandOutput(out *qldbsession.SendCommandOutput) *resultFrame {
	switch {
	case out.StartSession != nil:
		return &resultFrame{sessionStart: &sessionStartResult{SessionID: derefString(out.StartSession.SessionToken)}}
	case out.StartTransaction != nil:
		return &resultFrame{transactionStart: &transactionStartResult{TransactionID: derefString(out.StartTransaction.TransactionId)}}
	case out.ExecuteStatement != nil:
		return &resultFrame{executePage: &executePageResult{
			FirstPage:         fromSDKPage(out.ExecuteStatement.FirstPage),
			ConsumedIOs:       fromSDKIOUsage(out.ExecuteStatement.ConsumedIOs),
			TimingInformation: fromSDKTiming(out.ExecuteStatement.TimingInformation),
		}}
	case out.FetchPage != nil:
		return &resultFrame{fetchedPage: &fetchedPageResult{
			Page:              fromSDKPage(out.FetchPage.Page),
			ConsumedIOs:       fromSDKIOUsage(out.FetchPage.ConsumedIOs),
			TimingInformation: fromSDKTiming(out.FetchPage.TimingInformation),
		}}
	case out.CommitTransaction != nil:
		return &resultFrame{commitResult: &commitResultFrame{
			CommitDigest:      out.CommitTransaction.CommitDigest,
			ConsumedIOs:       fromSDKIOUsage(out.CommitTransaction.ConsumedIOs),
			TimingInformation: fromSDKTiming(out.CommitTransaction.TimingInformation),
		}}
	case out.AbortTransaction != nil:
		return &resultFrame{abortResult: &abortResultFrame{}}
	case out.EndSession != nil:
		return &resultFrame{endSessionResult: &endSessionResultFrame{}}
	default:
		return &resultFrame{}
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// classifyTransportError inspects a qldbsession error for the service fault
// shapes spec §4.9's retry table names (OccConflictException,
// InvalidSessionException/SessionExpired, CapacityExceededException, 5xx)
// and wraps it as the matching DriverError kind. Transport-level failures
// that never reach the server (DNS, TLS, connection refused) fall through
// to ErrKindTransport.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	var occ *types.OccConflictException
	if errors.As(err, &occ) {
		return newDriverError(ErrKindOccConflict, "", err)
	}
	var invalidSession *types.InvalidSessionException
	if errors.As(err, &invalidSession) {
		return newDriverError(ErrKindSessionExpired, "", err)
	}
	var capacityExceeded *types.CapacityExceededException
	if errors.As(err, &capacityExceeded) {
		return newDriverError(ErrKindServer5xx, "", err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if isRetryableAPIFault(apiErr) {
			return newDriverError(ErrKindServer5xx, "", err)
		}
		return newDriverError(ErrKindStatementFault, "", err)
	}
	return newDriverError(ErrKindTransport, "", err)
}

// isRetryableAPIFault reports whether a smithy API error's fault is
// server-side. Every server-side fault counts, not only HTTP 500 and 503;
// the status code itself is not inspected.
func isRetryableAPIFault(apiErr smithy.APIError) bool {
	return apiErr.ErrorFault() == smithy.FaultServer
}
