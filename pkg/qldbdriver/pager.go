package qldbdriver

import (
	"context"
	"sync"
)

// Pager is a lazy sequence over a statement's result pages, fed by further
// fetchPage round trips on the owning transaction's session channel. It is
// grounded on dcrodman-franz-go/consumer.go's offset/fetch-state bookkeeping:
// a Pager tracks "current page plus index into it" the same way a consumer
// tracks "current fetch response plus offset into it", and crosses into the
// next page only when the current one is exhausted.
//
// A Pager is single-consumer and single-pass (spec §4.6, §8 property 11):
// rows already returned by Next are never revisited, and once exhausted
// Next keeps returning (false, nil). The ErrStreamAlreadyIterated guard
// belongs to StreamResult, the buffered form of a Pager.
type Pager struct {
	session *sessionChannel
	txnID   string
	vs      ValueSystem

	mu        sync.Mutex
	page      Page
	index     int
	nextToken *string
	ioStats   IOUsage
	timeStats TimingInformation
	closed    bool
	exhausted bool

	readAhead int
	executor  func(func())
	ra        *readAheadState
}

// raItem is one slot of the read-ahead queue: either a fetched page or a
// terminal error, so next() can surface a prefetch failure in FIFO order
// exactly where it would have occurred synchronously.
type raItem struct {
	page Page
	ios  *IOUsage
	tim  *TimingInformation
	err  error
}

// readAheadState is the background-prefetcher half of a Pager. It is
// grounded on JeelKantaria-db-bouncer's pool reaper: a goroutine that polls
// a shared closed flag and exits promptly once observed, paired here with a
// bounded channel that gives the producer/consumer relationship natural
// backpressure instead of a condition variable.
type readAheadState struct {
	queue chan raItem
	done  chan struct{}
	once  sync.Once
}

// newPagerWithExecutor constructs a Pager from the first page returned by
// executeStatement. executor, when non-nil, is used to run the read-ahead
// prefetch loop instead of a bare goroutine (spec §6's "caller-provided
// worker pool" option).
func newPagerWithExecutor(session *sessionChannel, txnID string, vs ValueSystem, first Page, ios *IOUsage, tim *TimingInformation, readAhead int, executor func(func())) *Pager {
	p := &Pager{
		session:   session,
		txnID:     txnID,
		vs:        vs,
		page:      first,
		nextToken: first.NextPageToken,
		readAhead: readAhead,
		executor:  executor,
	}
	if ios != nil {
		p.ioStats = *ios
	}
	if tim != nil {
		p.timeStats = *tim
	}
	if readAhead >= 2 && first.NextPageToken != nil {
		p.startReadAhead()
	}
	return p
}

func (p *Pager) startReadAhead() {
	ra := &readAheadState{
		queue: make(chan raItem, p.readAhead),
		done:  make(chan struct{}),
	}
	p.ra = ra
	run := p.executor
	if run == nil {
		run = func(fn func()) { go fn() }
	}
	run(func() { p.prefetchLoop(ra) })
}

// prefetchLoop fetches pages ahead of the consumer. The queue capacity is
// readAhead; once it is full the producer holds one more fetched page while
// it waits for room, so it can run up to readAhead+1 pages ahead of the page
// the consumer currently holds. It is not held to readAhead-1 pages ahead.
func (p *Pager) prefetchLoop(ra *readAheadState) {
	token := p.nextToken
	for token != nil {
		select {
		case <-ra.done:
			return
		default:
		}

		res, err := p.session.fetchPage(context.Background(), p.txnID, *token)
		select {
		case <-ra.done:
			return
		default:
		}
		if err != nil {
			select {
			case ra.queue <- raItem{err: err}:
			case <-ra.done:
			}
			return
		}
		select {
		case ra.queue <- raItem{page: res.Page, ios: res.ConsumedIOs, tim: res.TimingInformation}:
		case <-ra.done:
			return
		}
		token = res.Page.NextPageToken
	}
}

func (p *Pager) stopReadAhead() {
	if p.ra == nil {
		return
	}
	p.ra.once.Do(func() { close(p.ra.done) })
}

// HasNext reports whether a further call to Next would yield a value rather
// than exhaustion, without consuming anything. It may perform a blocking
// fetch in synchronous mode.
func (p *Pager) HasNext(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasNextLocked(ctx)
}

func (p *Pager) hasNextLocked(ctx context.Context) (bool, error) {
	if p.closed {
		return false, ErrResultParentInactive
	}
	if p.index < len(p.page.Values) {
		return true, nil
	}
	if p.exhausted {
		return false, nil
	}
	return p.advanceLocked(ctx)
}

// advanceLocked fetches (or drains the read-ahead queue for) the next page
// when the current one is exhausted. Caller holds p.mu.
func (p *Pager) advanceLocked(ctx context.Context) (bool, error) {
	if p.nextToken == nil {
		p.exhausted = true
		return false, nil
	}

	if p.ra != nil {
		select {
		case item, ok := <-p.ra.queue:
			if !ok {
				p.exhausted = true
				return false, nil
			}
			if item.err != nil {
				p.exhausted = true
				return false, item.err
			}
			p.applyPageLocked(item.page, item.ios, item.tim)
		case <-p.ra.done:
			return false, ErrResultParentInactive
		case <-ctx.Done():
			return false, newDriverError(ErrKindTransport, "", ctx.Err())
		}
	} else {
		res, err := p.session.fetchPage(ctx, p.txnID, *p.nextToken)
		if err != nil {
			p.exhausted = true
			return false, err
		}
		p.applyPageLocked(res.Page, res.ConsumedIOs, res.TimingInformation)
	}

	if len(p.page.Values) == 0 {
		return p.advanceLocked(ctx)
	}
	return true, nil
}

func (p *Pager) applyPageLocked(page Page, ios *IOUsage, tim *TimingInformation) {
	p.page = page
	p.index = 0
	p.nextToken = page.NextPageToken
	if ios != nil {
		p.ioStats.ReadIOs += ios.ReadIOs
		p.ioStats.WriteIOs += ios.WriteIOs
	}
	if tim != nil {
		p.timeStats.ProcessingTimeMillis += tim.ProcessingTimeMillis
	}
}

// Next decodes and returns the next row's value into dst, via the pager's
// value codec. Returns (false, nil) on clean exhaustion.
func (p *Pager) Next(ctx context.Context, dst interface{}) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ok, err := p.hasNextLocked(ctx)
	if err != nil || !ok {
		return false, err
	}
	row := p.page.Values[p.index]
	p.index++
	if err := p.vs.FromIonBinary(row.IonBinary, dst); err != nil {
		return false, newDriverError(ErrKindSerialization, "", err)
	}
	return true, nil
}

// IOStats returns the cumulative server-reported IO counters observed so
// far across every page fetched by this pager.
func (p *Pager) IOStats() IOUsage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ioStats
}

// TimeStats returns the cumulative server-reported processing time observed
// so far across every page fetched by this pager.
func (p *Pager) TimeStats() TimingInformation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeStats
}

// Close marks the pager inactive and stops any background prefetcher. It is
// called transitively by the owning transaction's internalClose, and is
// idempotent.
func (p *Pager) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.stopReadAhead()
}

// StreamResult materializes a Pager into a single-pass, in-memory
// iterator view with the same decode-on-Next contract, used by
// buffer() (spec §4.8) to make a returned live pager safe to consume
// after the transaction that produced it has committed. Unlike Pager,
// a StreamResult never touches the network: it is backed by rows
// already buffered before the transaction closed.
type StreamResult struct {
	vs        ValueSystem
	rows      []ValueHolder
	ioStats   IOUsage
	timeStats TimingInformation

	mu       sync.Mutex
	index    int
	iterated bool
}

func newStreamResult(vs ValueSystem, rows []ValueHolder, ios IOUsage, tim TimingInformation) *StreamResult {
	return &StreamResult{vs: vs, rows: rows, ioStats: ios, timeStats: tim}
}

// Next decodes the next buffered row into dst. The first call after the
// last row has been returned reports exhaustion with (false, nil); any call
// after that is a second pass and fails with ErrStreamAlreadyIterated.
func (s *StreamResult) Next(dst interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.iterated && s.index >= len(s.rows) {
		return false, ErrStreamAlreadyIterated
	}
	if s.index >= len(s.rows) {
		s.iterated = true
		return false, nil
	}
	row := s.rows[s.index]
	s.index++
	if err := s.vs.FromIonBinary(row.IonBinary, dst); err != nil {
		return false, newDriverError(ErrKindSerialization, "", err)
	}
	return true, nil
}

func (s *StreamResult) IOStats() IOUsage             { return s.ioStats }
func (s *StreamResult) TimeStats() TimingInformation { return s.timeStats }

// buffer drains a live Pager fully into a StreamResult, per spec §4.8's
// auto-buffer step: a lambda that returns a live Pager gets it materialized
// before the surrounding session.execute sends commit, since the pager's
// channel becomes useless the instant the transaction closes. The result is
// a StreamResult rather than the Pager itself, because a StreamResult
// decodes from an in-memory slice and so stays usable long after that.
func buffer(ctx context.Context, p *Pager) (*StreamResult, error) {
	var rows []ValueHolder
	for {
		p.mu.Lock()
		ok, err := p.hasNextLocked(ctx)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if !ok {
			p.mu.Unlock()
			break
		}
		row := p.page.Values[p.index]
		p.index++
		p.mu.Unlock()
		rows = append(rows, row)
	}
	return newStreamResult(p.vs, rows, p.IOStats(), p.TimeStats()), nil
}
