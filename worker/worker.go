// Package worker runs the proof generation of the intents a provider
// decided to fulfill, bounding the number of concurrent generations
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/taralli-labs/taralli-node/metrics"
	"github.com/taralli-labs/taralli-node/prover"
	"github.com/taralli-labs/taralli-node/systems"
	"github.com/taralli-labs/taralli-node/types"
	"go.vocdoni.io/dvote/log"
)

var (
	// ErrParams is returned when no worker can execute the intent
	ErrParams = errors.New("invalid worker params")
	// ErrExecutionFailed is returned when the proof generation failed, or
	// produced a submission that does not fit the verifier details
	ErrExecutionFailed = errors.New("execution failed")
	// ErrBusy is returned by a FailFast Manager with no free slot
	ErrBusy = errors.New("all workers busy")
)

// Backend generates the proof artifact of a system, implemented by
// prover.Client and prover.Exec
type Backend interface {
	Generate(ctx context.Context, s systems.System) (*prover.Artifact, error)
}

// Admission is the policy applied when all the slots are busy
type Admission int

const (
	// Block waits for a free slot or for the context
	Block Admission = iota
	// FailFast returns ErrBusy
	FailFast
)

// ParseAdmission parses the name of an Admission policy
func ParseAdmission(s string) (Admission, error) {
	switch s {
	case "block", "":
		return Block, nil
	case "fail-fast":
		return FailFast, nil
	}
	return Block, fmt.Errorf("unknown admission policy %q", s)
}

// Result is the outcome of a successful execution
type Result struct {
	OpaqueSubmission  []byte
	PartialCommitment common.Hash
}

// Worker generates and formats the proofs of one system
type Worker struct {
	System  systems.ID
	Backend Backend
	Format  Formatter
}

// NewWorker returns a Worker for the given system, using the submission
// format of the system
func NewWorker(id systems.ID, backend Backend) (*Worker, error) {
	format, err := FormatterFor(id)
	if err != nil {
		return nil, err
	}
	return &Worker{System: id, Backend: backend, Format: format}, nil
}

// Options configures a Manager
type Options struct {
	// Slots is the maximum number of concurrent generations
	Slots     int
	Admission Admission
}

// Manager dispatches the executions to the Worker of each system
type Manager struct {
	workers   map[systems.ID]*Worker
	slots     chan struct{}
	admission Admission
}

// NewManager returns a Manager with the given workers
func NewManager(opts Options, workers ...*Worker) *Manager {
	n := opts.Slots
	if n <= 0 {
		n = 1
	}
	m := &Manager{
		workers:   make(map[systems.ID]*Worker, len(workers)),
		slots:     make(chan struct{}, n),
		admission: opts.Admission,
	}
	for _, w := range workers {
		m.workers[w.System] = w
	}
	return m
}

// Systems returns the systems the Manager has a worker for
func (m *Manager) Systems() []systems.ID {
	ids := make([]systems.ID, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// InUse returns the number of busy slots
func (m *Manager) InUse() int { return len(m.slots) }

func (m *Manager) acquire(ctx context.Context) error {
	if m.admission == FailFast {
		select {
		case m.slots <- struct{}{}:
			return nil
		default:
			return ErrBusy
		}
	}
	select {
	case m.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type outcome struct {
	res *Result
	err error
}

// Execute generates the proof of the intent and returns the submission
// for its verifier
func (m *Manager) Execute(ctx context.Context, in types.Intent) (*Result, error) {
	s := in.System()
	if s == nil {
		return nil, fmt.Errorf("%w: intent without system params", ErrParams)
	}
	w, ok := m.workers[in.SystemID()]
	if !ok {
		return nil, fmt.Errorf("%w: no worker for system %s", ErrParams, in.SystemID())
	}
	if s.ID() != w.System {
		return nil, fmt.Errorf("%w: %s params for the %s worker", ErrParams, s.ID(), w.System)
	}
	if err := s.ValidateInputs(); err != nil {
		return nil, err
	}
	details, err := in.VerifierDetails()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParams, err)
	}

	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	metrics.WorkerSlotsInUse.Inc()

	done := make(chan outcome, 1)
	go func() {
		// the slot is released when the generation returns, also when the
		// caller is gone
		defer func() {
			<-m.slots
			metrics.WorkerSlotsInUse.Dec()
		}()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		res, err := w.run(ctx, s, *details)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) run(ctx context.Context, s systems.System,
	details systems.VerifierDetails) (*Result, error) {
	start := time.Now()
	artifact, err := w.Backend.Generate(ctx, s)
	metrics.ProofGeneration.WithLabelValues(string(w.System), metrics.Result(err)).
		Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	log.Debugf("[worker] %s proof generated in %s", w.System, time.Since(start))

	submission, err := w.Format(s, artifact)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	if err := details.CheckSubmission(submission); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	return &Result{
		OpaqueSubmission:  submission,
		PartialCommitment: artifact.PartialCommitment,
	}, nil
}
