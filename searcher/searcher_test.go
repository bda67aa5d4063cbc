package searcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/taralli-labs/taralli-node/systems"
	"github.com/taralli-labs/taralli-node/test"
	"github.com/taralli-labs/taralli-node/types"
)

type sliceStream struct {
	intents []types.Intent
	closed  *int32
}

func (s *sliceStream) Next(ctx context.Context) (types.Intent, error) {
	if len(s.intents) == 0 {
		return nil, errors.New("connection reset")
	}
	in := s.intents[0]
	s.intents = s.intents[1:]
	return in, nil
}

func (s *sliceStream) Close() error {
	atomic.AddInt32(s.closed, 1)
	return nil
}

func TestStreamSearcherReconnects(t *testing.T) {
	c := qt.New(t)
	signer := test.GenSigners(c, 1)[0]
	r1 := test.GenRequest(c, signer, test.RequestOpts{Nonce: 1, Start: 1000, End: 1060})
	r2 := test.GenRequest(c, signer, test.RequestOpts{Nonce: 2, Start: 1000, End: 1060})

	var dials, closed int32
	dial := func(ctx context.Context) (Stream, error) {
		switch atomic.AddInt32(&dials, 1) {
		case 1:
			return nil, errors.New("connection refused")
		case 2:
			return &sliceStream{intents: []types.Intent{r1}, closed: &closed}, nil
		}
		return &sliceStream{intents: []types.Intent{r2}, closed: &closed}, nil
	}
	s := NewStreamSearcher(dial, Backoff{Min: time.Millisecond, Max: 4 * time.Millisecond})

	in, err := s.Search(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(in.ComputeID(), qt.Equals, r1.ComputeID())
	in, err = s.Search(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(in.ComputeID(), qt.Equals, r2.ComputeID())
	c.Assert(atomic.LoadInt32(&dials), qt.Equals, int32(3))
	c.Assert(atomic.LoadInt32(&closed), qt.Equals, int32(1))

	c.Assert(s.Close(), qt.IsNil)
	c.Assert(atomic.LoadInt32(&closed), qt.Equals, int32(2))
}

func TestStreamSearcherCancelled(t *testing.T) {
	c := qt.New(t)
	dial := func(ctx context.Context) (Stream, error) {
		return nil, errors.New("connection refused")
	}
	s := NewStreamSearcher(dial, Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Search(ctx)
	c.Assert(errors.Is(err, context.DeadlineExceeded), qt.IsTrue)
}

type testLister struct {
	calls   int32
	intents map[systems.ID][]types.Intent
}

func (l *testLister) ListIntents(ctx context.Context, kind types.Kind,
	id systems.ID) ([]types.Intent, error) {
	atomic.AddInt32(&l.calls, 1)
	if kind != types.KindOffer {
		return nil, errors.New("unexpected kind")
	}
	return l.intents[id], nil
}

func TestPollSearcher(t *testing.T) {
	c := qt.New(t)
	signer := test.GenSigners(c, 1)[0]
	o1 := test.GenOffer(c, signer, test.OfferOpts{Nonce: 1, Start: 1000, End: 1060})
	o2 := test.GenOffer(c, signer, test.OfferOpts{Nonce: 2, Start: 1000, End: 1060,
		System: test.ArkworksSystem()})
	l := &testLister{intents: map[systems.ID][]types.Intent{
		systems.Risc0:    {o1},
		systems.Arkworks: {o2},
	}}
	s := NewPollSearcher(l, types.KindOffer, []systems.ID{systems.Risc0, systems.Arkworks},
		time.Millisecond)

	in, err := s.Search(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(in.ComputeID(), qt.Equals, o1.ComputeID())
	in, err = s.Search(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(in.ComputeID(), qt.Equals, o2.ComputeID())
	c.Assert(atomic.LoadInt32(&l.calls), qt.Equals, int32(2))

	// the next poll yields the same intents again
	in, err = s.Search(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(in.ComputeID(), qt.Equals, o1.ComputeID())

	// and the deduplicated searcher skips them until the context expires
	d := Deduplicated(s, time.Minute)
	in, err = d.Search(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(in.ComputeID(), qt.Equals, o2.ComputeID())
	in, err = d.Search(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(in.ComputeID(), qt.Equals, o1.ComputeID())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.Search(ctx)
	c.Assert(errors.Is(err, context.DeadlineExceeded), qt.IsTrue)
}

func TestDedupTTL(t *testing.T) {
	c := qt.New(t)
	signer := test.GenSigners(c, 1)[0]
	id := test.GenRequest(c, signer, test.RequestOpts{Start: 1000, End: 1060}).ComputeID()

	now := time.Unix(1000, 0)
	d := NewDedup(time.Minute)
	d.now = func() time.Time { return now }
	c.Assert(d.Seen(id), qt.IsFalse)
	c.Assert(d.Seen(id), qt.IsTrue)
	c.Assert(d.Len(), qt.Equals, 1)

	now = now.Add(2 * time.Minute)
	c.Assert(d.Seen(id), qt.IsFalse)
	c.Assert(d.Len(), qt.Equals, 1)
}
