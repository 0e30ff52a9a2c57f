package solana

import (
	"context"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/sisu-network/lib/log"
	"go.uber.org/atomic"

	"github.com/sisu-network/dvault/types"
)

const dedupCacheSize = 4096

// EventSource abstracts where chain signature events come from: a realtime
// log subscription plus a historical query used by backfill.
type EventSource interface {
	// SubscribeEvents opens the realtime stream. The cancel func must be
	// safe to call more than once.
	SubscribeEvents(ctx context.Context) (<-chan Event, func(), error)

	// RecentEvents re-queries recent program history, oldest first.
	RecentEvents(ctx context.Context, limit int) ([]Event, error)
}

// Subscription is a pair of one-shot futures for a single request id. The
// first matching event wins; duplicates (typically the same event observed
// live and via backfill) are logged and dropped.
type Subscription struct {
	requestID types.RequestID

	sigCh chan *SignatureProduced
	resCh chan *ResultReported

	lock     sync.Mutex
	sigDone  bool
	resDone  bool
	canceled bool

	timers     []*time.Timer
	unregister func()
}

func newSubscription(requestID types.RequestID) *Subscription {
	return &Subscription{
		requestID: requestID,
		sigCh:     make(chan *SignatureProduced, 1),
		resCh:     make(chan *ResultReported, 1),
	}
}

func (s *Subscription) RequestID() types.RequestID {
	return s.requestID
}

func (s *Subscription) deliver(ev Event) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.canceled {
		return
	}

	switch e := ev.(type) {
	case *SignatureProduced:
		if s.sigDone {
			log.Verbose("duplicate signature event dropped, request id = ", s.requestID)
			return
		}
		s.sigDone = true
		s.sigCh <- e

	case *ResultReported:
		if s.resDone {
			log.Verbose("duplicate result event dropped, request id = ", s.requestID)
			return
		}
		s.resDone = true
		s.resCh <- e
	}
}

// AwaitSignature blocks until the signature event arrives or ctx expires.
func (s *Subscription) AwaitSignature(ctx context.Context) (*SignatureProduced, error) {
	select {
	case ev := <-s.sigCh:
		return ev, nil
	case <-ctx.Done():
		return nil, types.NewError(types.ErrEventTimeout,
			"no signature event for request %s", s.requestID)
	}
}

// AwaitResult blocks until the result event arrives or ctx expires.
func (s *Subscription) AwaitResult(ctx context.Context) (*ResultReported, error) {
	select {
	case ev := <-s.resCh:
		return ev, nil
	case <-ctx.Done():
		return nil, types.NewError(types.ErrEventTimeout,
			"no result event for request %s", s.requestID)
	}
}

// Cancel unregisters the subscription and stops its backfill timers. Every
// exit path of a flow must call it; it is idempotent.
func (s *Subscription) Cancel() {
	s.lock.Lock()
	if s.canceled {
		s.lock.Unlock()
		return
	}
	s.canceled = true
	timers := s.timers
	s.timers = nil
	s.lock.Unlock()

	for _, t := range timers {
		t.Stop()
	}

	if s.unregister != nil {
		s.unregister()
	}
}

// Listener owns the realtime stream and fans events out to per-request
// subscriptions. Realtime subscriptions can miss events (connection churn,
// provider lag), so every subscription also gets a tier of delayed backfill
// re-queries feeding the same resolution path.
type Listener struct {
	source   EventSource
	schedule []time.Duration

	lock sync.RWMutex
	subs map[types.RequestID]*Subscription

	// Dedup of events already routed, so a backfill replay of a processed
	// event is a no-op even after its subscription resolved.
	seen *lru.Cache

	backfillLimit int
	stop          context.CancelFunc
	connected     atomic.Bool
}

func NewListener(source EventSource, schedule []time.Duration) *Listener {
	return &Listener{
		source:        source,
		schedule:      schedule,
		subs:          make(map[types.RequestID]*Subscription),
		seen:          lru.New(dedupCacheSize),
		backfillLimit: 200,
	}
}

// Start runs the realtime loop until Stop is called. Stream failures
// reconnect with a flat delay; the backfill tier covers the gap.
func (l *Listener) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.stop = cancel

	go l.run(ctx)
}

func (l *Listener) Stop() {
	if l.stop != nil {
		l.stop()
	}
}

func (l *Listener) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		ch, cancel, err := l.source.SubscribeEvents(ctx)
		if err != nil {
			log.Error("cannot subscribe to chain signature events, err = ", err)
			select {
			case <-time.After(time.Second * 5):
			case <-ctx.Done():
				return
			}
			continue
		}

		l.connected.Store(true)
		l.consume(ctx, ch)
		l.connected.Store(false)
		cancel()
	}
}

// Connected reports whether the realtime stream is up. Backfill still
// covers subscriptions while it is down, so this is a health signal, not a
// correctness one.
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

func (l *Listener) consume(ctx context.Context, ch <-chan Event) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				log.Warn("chain signature event stream closed, resubscribing")
				return
			}
			l.dispatch(ev)

		case <-ctx.Done():
			return
		}
	}
}

// Subscribe registers a request id. It must be called before the
// instruction that triggers signing is sent, otherwise the event can fire
// before the listener knows the id.
func (l *Listener) Subscribe(requestID types.RequestID) *Subscription {
	sub := newSubscription(requestID)
	sub.unregister = func() {
		l.lock.Lock()
		if l.subs[requestID] == sub {
			delete(l.subs, requestID)
		}
		l.lock.Unlock()
	}

	l.lock.Lock()
	l.subs[requestID] = sub
	l.lock.Unlock()

	for _, delay := range l.schedule {
		d := delay
		t := time.AfterFunc(d, func() {
			l.backfill()
		})
		sub.timers = append(sub.timers, t)
	}

	return sub
}

// TriggerBackfill runs one immediate historical re-query. Recovery uses
// this to skip the live wait for requests whose events may already be in
// history.
func (l *Listener) TriggerBackfill(ctx context.Context) {
	events, err := l.source.RecentEvents(ctx, l.backfillLimit)
	if err != nil {
		log.Error("backfill query failed, err = ", err)
		return
	}

	for _, ev := range events {
		l.dispatch(ev)
	}
}

func (l *Listener) backfill() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*20)
	defer cancel()

	l.TriggerBackfill(ctx)
}

func (l *Listener) dispatch(ev Event) {
	key := dedupKey(ev)
	l.lock.Lock()
	if _, ok := l.seen.Get(key); ok {
		l.lock.Unlock()
		return
	}
	l.seen.Add(key, true)
	sub := l.subs[ev.eventRequestID()]
	l.lock.Unlock()

	if sub == nil {
		return
	}

	sub.deliver(ev)
}

func dedupKey(ev Event) string {
	id := ev.eventRequestID()
	switch ev.(type) {
	case *SignatureProduced:
		return "sig:" + id.Hex()
	default:
		return "res:" + id.Hex()
	}
}
