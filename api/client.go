package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/taralli-labs/taralli-node/codec"
	"github.com/taralli-labs/taralli-node/subscription"
	"github.com/taralli-labs/taralli-node/systems"
	"github.com/taralli-labs/taralli-node/types"
)

// ErrRateLimited is returned when the server rejected a request by rate
// limiting
var ErrRateLimited = errors.New("rate limited")

// Client implements the http client of the server API
type Client struct {
	url string
	c   *http.Client
	// Compress enables the zstd compression of the posted intents
	Compress bool
}

// NewClient returns a new Client for the given serverURL
func NewClient(serverURL string) *Client {
	return &Client{
		url:      strings.TrimSuffix(serverURL, "/"),
		c:        &http.Client{},
		Compress: true,
	}
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.Header.Get("Content-Encoding") == codec.ContentEncoding {
		body, err = codec.Decompress(body)
		if err != nil {
			return nil, err
		}
	}
	if resp.StatusCode == http.StatusOK {
		return body, nil
	}

	var errMsg errorMsg
	if err := json.Unmarshal(body, &errMsg); err != nil {
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, body)
	}
	switch resp.StatusCode {
	case http.StatusRequestTimeout:
		return nil, ErrValidationTimeout
	case http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: %s", subscription.ErrNoProvidersAvailable, errMsg.Message)
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	}
	return nil, errors.New(errMsg.Message)
}

// PostIntent posts the given signed intent to the server
func (c *Client) PostIntent(ctx context.Context, in types.Intent) (*PostIntentResponse, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	if c.Compress {
		b = codec.Compress(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.url+"/intents/"+string(in.Kind()), bytes.NewBuffer(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Compress {
		req.Header.Set("Content-Encoding", codec.ContentEncoding)
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var res PostIntentResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListIntents returns the active intents of the given kind and system
func (c *Client) ListIntents(ctx context.Context, kind types.Kind,
	system systems.ID) ([]types.Intent, error) {
	u := c.url + "/intents/" + string(kind)
	if system != "" {
		u += "?system=" + url.QueryEscape(string(system))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", codec.ContentEncoding)
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, err
	}
	intents := make([]types.Intent, 0, len(raws))
	for _, raw := range raws {
		in, err := types.DecodeIntent(kind, raw)
		if err != nil {
			return nil, err
		}
		intents = append(intents, in)
	}
	return intents, nil
}

// GetIntent returns the intent with the given id
func (c *Client) GetIntent(ctx context.Context, id common.Hash) (types.Intent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/intent/"+id.Hex(), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var m IntentMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	return m.Intent, nil
}

// GetAuction returns the status of the auction of the given intent
func (c *Client) GetAuction(ctx context.Context, id common.Hash) (*AuctionStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/auction/"+id.Hex(), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var s AuctionStatus
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Stream is an open websocket subscription to the server
type Stream struct {
	conn *websocket.Conn
}

// Subscribe opens a websocket subscription to the intents of the given
// systems
func (c *Client) Subscribe(ctx context.Context, ids []systems.ID) (*Stream, error) {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	u := c.url + "/subscribe?systems=" + url.QueryEscape(strings.Join(names, ","))
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("subscribe: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &Stream{conn: conn}, nil
}

// Next blocks until the next intent is received. The stream is closed when
// ctx is done.
func (s *Stream) Next(ctx context.Context) (types.Intent, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-done:
		}
	}()

	var m IntentMessage
	if err := s.conn.ReadJSON(&m); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return m.Intent, nil
}

// Close closes the stream
func (s *Stream) Close() error {
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}
