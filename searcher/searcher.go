// Package searcher discovers the intents published on the marketplace
// server
package searcher

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/taralli-labs/taralli-node/systems"
	"github.com/taralli-labs/taralli-node/types"
	"go.vocdoni.io/dvote/log"
)

// Searcher is an infinite source of intents. Search blocks until an intent
// is found or ctx is done. Intents are not validated and may repeat.
type Searcher interface {
	Search(ctx context.Context) (types.Intent, error)
}

// Stream is an open subscription to the server
type Stream interface {
	Next(ctx context.Context) (types.Intent, error)
	Close() error
}

// DialFunc opens a new Stream
type DialFunc func(ctx context.Context) (Stream, error)

// Backoff bounds the delay between reconnections, which doubles from Min
// up to Max with some jitter
type Backoff struct {
	Min, Max time.Duration
}

// DefaultBackoff is used by NewStreamSearcher
var DefaultBackoff = Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second}

// StreamSearcher yields the intents pushed by the server through a Stream,
// reconnecting with exponential backoff when the stream breaks
type StreamSearcher struct {
	dial DialFunc

	mu      sync.Mutex
	stream  Stream
	backoff *backoff.ExponentialBackOff
}

// NewStreamSearcher returns a StreamSearcher over the streams opened by dial
func NewStreamSearcher(dial DialFunc, b Backoff) *StreamSearcher {
	if b.Min <= 0 {
		b = DefaultBackoff
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	return &StreamSearcher{dial: dial, backoff: newExponentialBackOff(b)}
}

func newExponentialBackOff(b Backoff) *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Min
	eb.MaxInterval = b.Max
	eb.Multiplier = 2
	// retry forever, Search only stops with its context
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// Search implements the Searcher interface
func (s *StreamSearcher) Search(ctx context.Context) (types.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.stream == nil {
			stream, err := s.dial(ctx)
			if err != nil {
				log.Warnw("searcher stream dial failed", "err", err)
				if err := s.wait(ctx); err != nil {
					return nil, err
				}
				continue
			}
			s.stream = stream
		}
		intent, err := s.stream.Next(ctx)
		if err == nil {
			s.backoff.Reset()
			return intent, nil
		}
		if ctx.Err() != nil {
			s.closeStream()
			return nil, ctx.Err()
		}
		log.Warnw("searcher stream broken, reconnecting", "err", err)
		s.closeStream()
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Close closes the current stream
func (s *StreamSearcher) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeStream()
	return nil
}

func (s *StreamSearcher) closeStream() {
	if s.stream == nil {
		return
	}
	if err := s.stream.Close(); err != nil {
		log.Debugf("[searcher] closing stream: %s", err)
	}
	s.stream = nil
}

// wait sleeps for the next backoff delay
func (s *StreamSearcher) wait(ctx context.Context) error {
	t := time.NewTimer(s.backoff.NextBackOff())
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lister lists the active intents of a kind and system
type Lister interface {
	ListIntents(ctx context.Context, kind types.Kind, system systems.ID) ([]types.Intent, error)
}

// PollSearcher yields the intents listed by the server, polling it at a
// fixed interval
type PollSearcher struct {
	lister   Lister
	kind     types.Kind
	systems  []systems.ID
	interval time.Duration

	mu      sync.Mutex
	queue   []types.Intent
	polled  bool
	lastErr error
}

// NewPollSearcher returns a PollSearcher of the intents of kind over the
// given systems
func NewPollSearcher(lister Lister, kind types.Kind, ids []systems.ID,
	interval time.Duration) *PollSearcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PollSearcher{lister: lister, kind: kind, systems: ids, interval: interval}
}

// Search implements the Searcher interface
func (s *PollSearcher) Search(ctx context.Context) (types.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 {
		if s.polled {
			t := time.NewTimer(s.interval)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			}
		}
		s.polled = true
		if err := s.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warnw("searcher poll failed", "kind", s.kind, "err", err)
		}
	}
	in := s.queue[0]
	s.queue = s.queue[1:]
	return in, nil
}

func (s *PollSearcher) poll(ctx context.Context) error {
	for _, id := range s.systems {
		intents, err := s.lister.ListIntents(ctx, s.kind, id)
		if err != nil {
			return err
		}
		s.queue = append(s.queue, intents...)
	}
	return nil
}

// Dedup remembers the intent ids seen during the last TTL
type Dedup struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[common.Hash]time.Time
}

// NewDedup returns an empty Dedup
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{ttl: ttl, now: time.Now, seen: make(map[common.Hash]time.Time)}
}

// Seen records id and reports whether it was already seen during the TTL
func (d *Dedup) Seen(id common.Hash) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, t := range d.seen {
		if now.Sub(t) > d.ttl {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = now
	return false
}

// Len returns the number of remembered ids
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

type dedupSearcher struct {
	s Searcher
	d *Dedup
}

// Deduplicated returns a Searcher that skips the intents already yielded by
// s during the last ttl
func Deduplicated(s Searcher, ttl time.Duration) Searcher {
	return &dedupSearcher{s: s, d: NewDedup(ttl)}
}

func (ds *dedupSearcher) Search(ctx context.Context) (types.Intent, error) {
	for {
		in, err := ds.s.Search(ctx)
		if err != nil {
			return nil, err
		}
		if !ds.d.Seen(in.ComputeID()) {
			return in, nil
		}
	}
}
