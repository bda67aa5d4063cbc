package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/taralli-labs/taralli-node/codec"
	"github.com/taralli-labs/taralli-node/db"
	"github.com/taralli-labs/taralli-node/metrics"
	"github.com/taralli-labs/taralli-node/subscription"
	"github.com/taralli-labs/taralli-node/systems"
	"github.com/taralli-labs/taralli-node/tracker"
	"github.com/taralli-labs/taralli-node/types"
	"go.vocdoni.io/dvote/log"
)

// maxBodySize bounds the size of a posted intent, after decompression
const maxBodySize = 32 << 20

func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if c.GetHeader("Content-Encoding") == codec.ContentEncoding {
		body, err = codec.DecompressLimit(body, maxBodySize)
		if err != nil {
			return nil, err
		}
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("intent larger than %d bytes", maxBodySize)
	}
	return body, nil
}

// validate runs types.Validate bounded by the validation timeout
func (a *API) validate(ctx context.Context, in types.Intent) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type result struct {
		latest uint64
		err    error
	}
	done := make(chan result, 1)
	go func() {
		latest, err := a.chain.LatestTimestamp(ctx)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{latest, types.Validate(latest, in, a.cfg)}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() != nil {
			return 0, ErrValidationTimeout
		}
		return res.latest, res.err
	case <-ctx.Done():
		return 0, ErrValidationTimeout
	}
}

func (a *API) postIntent(c *gin.Context) {
	kind, err := types.ParseKind(c.Param("kind"))
	if err != nil {
		returnErr(c, err)
		return
	}
	body, err := readBody(c)
	if err != nil {
		returnErr(c, err)
		return
	}
	in, err := types.DecodeIntent(kind, body)
	if err != nil {
		metrics.IntentsReceived.WithLabelValues(string(kind), "rejected").Inc()
		returnErr(c, err)
		return
	}

	latest, err := a.validate(c.Request.Context(), in)
	if errors.Is(err, ErrValidationTimeout) {
		metrics.IntentsReceived.WithLabelValues(string(kind), "timeout").Inc()
		returnErrCode(c, http.StatusRequestTimeout, err)
		return
	}
	if err != nil {
		metrics.IntentsReceived.WithLabelValues(string(kind), "rejected").Inc()
		returnErr(c, err)
		return
	}

	if err := a.db.StoreIntent(in); err != nil {
		metrics.IntentsReceived.WithLabelValues(string(kind), "rejected").Inc()
		returnErr(c, err)
		return
	}

	id := in.ComputeID()
	delivered, bErr := a.subs.Broadcast(in)
	a.startTracking(in, latest, delivered)

	if errors.Is(bErr, subscription.ErrNoProvidersAvailable) {
		metrics.IntentsReceived.WithLabelValues(string(kind), "no_providers").Inc()
		returnErrCode(c, http.StatusServiceUnavailable, bErr)
		return
	}
	if bErr != nil {
		log.Warnw("intent broadcast failed", "id", id.Hex(), "err", bErr)
	}
	metrics.IntentsReceived.WithLabelValues(string(kind), "accepted").Inc()
	c.JSON(http.StatusOK, PostIntentResponse{ID: id, Delivered: delivered})
}

// startTracking tracks the auction of the stored intent until its end,
// storing its outcome
func (a *API) startTracking(in types.Intent, latest uint64, eligible int) {
	id := in.ComputeID()
	end := in.Terms().EndAuctionTimestamp
	timeout := time.Duration(0)
	if end > latest {
		timeout = time.Duration(end-latest) * time.Second
	}
	if err := a.db.StoreAuctionOutcome(db.Outcome{IntentID: id,
		State: tracker.StateOpen.String(), Eligible: eligible}); err != nil {
		log.Errorf("storing auction of %s: %s", id.Hex(), err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		e, err := a.auctions.TrackAuction(a.ctx, id, timeout, tracker.WithEligible(eligible))
		if err != nil {
			log.Warnw("auction tracking stopped", "id", id.Hex(), "err", err)
			return
		}
		o := db.Outcome{IntentID: id, State: tracker.StateTimedOut.String(), Eligible: eligible}
		if e != nil {
			o.State = tracker.StateWon.String()
			o.Winner = &e.Sender
			o.Amount = e.Amount
			o.EthBlockNum = e.BlockNumber
			o.TxHash = &e.TxHash
		}
		if err := a.db.StoreAuctionOutcome(o); err != nil {
			log.Errorf("storing auction outcome of %s: %s", id.Hex(), err)
		}
	}()
}

func acceptsZstd(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept-Encoding"), codec.ContentEncoding)
}

func (a *API) listIntents(c *gin.Context) {
	kind, err := types.ParseKind(c.Param("kind"))
	if err != nil {
		returnErr(c, err)
		return
	}
	var system systems.ID
	if s := c.Query("system"); s != "" {
		system, err = systems.ParseID(s)
		if err != nil {
			returnErr(c, err)
			return
		}
	}
	latest, err := a.chain.LatestTimestamp(c.Request.Context())
	if err != nil {
		returnErr(c, err)
		return
	}
	intents, err := a.db.ListActiveIntents(kind, system, latest)
	if err != nil {
		returnErr(c, err)
		return
	}
	if intents == nil {
		intents = []types.Intent{}
	}
	if !acceptsZstd(c) {
		c.JSON(http.StatusOK, intents)
		return
	}
	c.Render(http.StatusOK, zstdJSON{intents})
}

func (a *API) getIntent(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		returnErr(c, err)
		return
	}
	in, err := a.db.GetIntent(id)
	if errors.Is(err, db.ErrIntentNotFound) {
		returnErrCode(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		returnErr(c, err)
		return
	}
	c.JSON(http.StatusOK, IntentMessage{Kind: in.Kind(), Intent: in})
}

func (a *API) getAuction(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		returnErr(c, err)
		return
	}
	if r, ok := a.auctions.Record(id); ok {
		c.JSON(http.StatusOK, AuctionStatus{Record: &r})
		return
	}
	o, err := a.db.GetAuctionOutcome(id)
	if errors.Is(err, db.ErrOutcomeNotFound) {
		returnErrCode(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		returnErr(c, err)
		return
	}
	c.JSON(http.StatusOK, AuctionStatus{Outcome: o})
}

// Sweep marks the ended intents as expired and forgets the tracker
// records finished before keep
func (a *API) Sweep(ctx context.Context, keep time.Time) error {
	latest, err := a.chain.LatestTimestamp(ctx)
	if err != nil {
		return err
	}
	n, err := a.db.ExpireIntents(latest)
	if err != nil {
		return err
	}
	pruned := a.auctions.Prune(keep)
	if n > 0 || pruned > 0 {
		log.Debugf("[api] %d intents expired, %d auction records pruned", n, pruned)
	}
	return nil
}
