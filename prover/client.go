package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/taralli-labs/taralli-node/systems"
	"go.vocdoni.io/dvote/log"
)

// DefaultPollInterval is the interval between two GetProof requests of
// Generate
const DefaultPollInterval = 2 * time.Second

// ErrBusy is returned by the prover-server while it is generating another
// proof
var ErrBusy = errors.New("prover busy")

// Client implements the prover http client, used to make requests to the
// prover server
type Client struct {
	url string
	c   *http.Client
	// PollInterval is the interval between two GetProof requests of
	// Generate
	PollInterval time.Duration
}

// NewClient returns a new Client for the given proverURL
func NewClient(proverURL string) *Client {
	httpClient := &http.Client{}
	return &Client{
		url:          proverURL,
		c:            httpClient,
		PollInterval: DefaultPollInterval,
	}
}

type errorMsg struct {
	Message string `json:"message"`
}

// Job is the state of a proof generation in the prover-server
type Job struct {
	ID       string    `json:"id"`
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Artifact *Artifact `json:"artifact,omitempty"`
}

// Job statuses
const (
	JobPending = "pending"
	JobDone    = "done"
	JobFailed  = "failed"
)

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.c.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	if resp.StatusCode == http.StatusBadRequest {
		var errMsg errorMsg
		if err = json.Unmarshal(body, &errMsg); err != nil {
			return 0, nil, err
		}
		return resp.StatusCode, nil, errors.New(errMsg.Message)
	}
	if resp.StatusCode == http.StatusLocked {
		return resp.StatusCode, nil, ErrBusy
	}
	return resp.StatusCode, body, nil
}

// GenProof sends the given system params to the prover-server to trigger
// the proof generation. It returns the id of the generation job.
func (c *Client) GenProof(ctx context.Context, s systems.System) (string, error) {
	b, err := json.Marshal(systems.Envelope{ID: s.ID(), System: s})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/proof",
		bytes.NewBuffer(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	_, body, err := c.do(req)
	if err != nil {
		return "", err
	}

	// body.id contains the id to use to retrieve the proof later
	var m map[string]string
	if err := json.Unmarshal(body, &m); err != nil {
		return "", err
	}
	return m["id"], nil
}

// GetProof returns the job of the given id
func (c *Client) GetProof(ctx context.Context, id string) (*Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/proof/"+id, nil)
	if err != nil {
		return nil, err
	}
	_, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Generate triggers the proof generation of s and polls the prover-server
// until the artifact is ready
func (c *Client) Generate(ctx context.Context, s systems.System) (*Artifact, error) {
	id, err := c.GenProof(ctx, s)
	if err != nil {
		return nil, err
	}
	log.Debugf("[prover] job %s started for %s", id, s.ID())

	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()
	for {
		job, err := c.GetProof(ctx, id)
		if err != nil {
			return nil, err
		}
		switch job.Status {
		case JobDone:
			if job.Artifact == nil {
				return nil, fmt.Errorf("%w: job %s without artifact", ErrProofFailed, id)
			}
			return job.Artifact, nil
		case JobFailed:
			return nil, fmt.Errorf("%w: %s", ErrProofFailed, job.Error)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
