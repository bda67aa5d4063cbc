// Package api implements the HTTP API of the marketplace server, where
// requesters and providers post intents and providers subscribe to them,
// and its client
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/taralli-labs/taralli-node/db"
	"github.com/taralli-labs/taralli-node/eth"
	"github.com/taralli-labs/taralli-node/metrics"
	"github.com/taralli-labs/taralli-node/subscription"
	"github.com/taralli-labs/taralli-node/tracker"
	"github.com/taralli-labs/taralli-node/types"
	"go.vocdoni.io/dvote/log"
	"golang.org/x/time/rate"
)

// ErrValidationTimeout is returned when the validation of a posted intent
// does not finish in time
var ErrValidationTimeout = errors.New("intent validation timeout")

// Options configures the API
type Options struct {
	DB    *db.SQLite
	Chain eth.ChainClient
	// Validation is the config posted intents are validated against
	Validation types.ValidationConfig
	// ValidationTimeout bounds the validation of a posted intent
	ValidationTimeout time.Duration
	// Policy is the auction tracking policy
	Policy tracker.Policy
	// RateLimit is the number of posted intents per second accepted by the
	// server, with a burst of RateBurst. Zero disables the limit.
	RateLimit float64
	RateBurst int
}

// API allows external requests to the Node
type API struct {
	r        *gin.Engine
	db       *db.SQLite
	chain    eth.ChainClient
	subs     *subscription.Manager
	auctions *tracker.AuctionTracker
	cfg      types.ValidationConfig
	timeout  time.Duration
	limiter  *rate.Limiter

	// ctx bounds the auction trackings started by the API
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a new API with the endpoints, without starting to listen
func New(opts Options) (*API, error) {
	if opts.DB == nil || opts.Chain == nil {
		return nil, fmt.Errorf("Can not create the API, a db and a chain client" +
			" are required")
	}
	if opts.ValidationTimeout <= 0 {
		opts.ValidationTimeout = 5 * time.Second
	}

	a := &API{
		db:       opts.DB,
		chain:    opts.Chain,
		subs:     subscription.NewManager(),
		auctions: tracker.NewAuctionTracker(opts.Chain, opts.Policy),
		cfg:      opts.Validation,
		timeout:  opts.ValidationTimeout,
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	r := gin.Default()
	r.Use(countRequests)

	r.POST("/intents/:kind", a.rateLimit, a.postIntent)
	r.GET("/intents/:kind", a.listIntents)
	r.GET("/intent/:id", a.getIntent)
	r.GET("/auction/:id", a.getAuction)
	r.GET("/subscribe", a.subscribe)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.r = r

	return a, nil
}

// Serve serves the API at the given port
func (a *API) Serve(port string) error {
	return a.r.Run(":" + port)
}

// Handler returns the http.Handler of the API
func (a *API) Handler() http.Handler {
	return a.r
}

// Subscriptions returns the subscription manager of the API
func (a *API) Subscriptions() *subscription.Manager {
	return a.subs
}

// Close stops the running auction trackings and waits for them
func (a *API) Close() {
	a.cancel()
	a.wg.Wait()
}

type errorMsg struct {
	Message string `json:"message"`
}

func returnErr(c *gin.Context, err error) {
	log.Warnw("HTTP API Bad request error", "err", err)
	c.JSON(http.StatusBadRequest, errorMsg{
		Message: err.Error(),
	})
}

func returnErrCode(c *gin.Context, code int, err error) {
	log.Warnw("HTTP API error", "code", code, "err", err)
	c.JSON(code, errorMsg{
		Message: err.Error(),
	})
}

func countRequests(c *gin.Context) {
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unknown"
	}
	metrics.APIRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
}

func (a *API) rateLimit(c *gin.Context) {
	if a.limiter != nil && !a.limiter.Allow() {
		returnErrCode(c, http.StatusTooManyRequests, fmt.Errorf("rate limit exceeded"))
		c.Abort()
		return
	}
	c.Next()
}

func parseID(c *gin.Context) (common.Hash, error) {
	s := c.Param("id")
	b := common.FromHex(s)
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid intent id %q", s)
	}
	return common.BytesToHash(b), nil
}
