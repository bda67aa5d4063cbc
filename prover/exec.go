package prover

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/taralli-labs/taralli-node/systems"
	"github.com/zeebo/blake3"
	"go.vocdoni.io/dvote/log"
)

const (
	inputFile  = "input.json"
	outputFile = "output.json"
	// DefaultCacheSize is the number of artifacts kept by Exec
	DefaultCacheSize = 64
)

// ExecOptions configures Exec
type ExecOptions struct {
	// Commands is the prover command of each system. The paths of the
	// input and output files are appended to its arguments.
	Commands map[systems.ID][]string
	// Dir is where the job directories are created, the os temp dir when
	// empty
	Dir       string
	CacheSize int
}

// Exec generates proofs running an external prover command per system.
// The command reads the system params from the input file and writes the
// Artifact JSON to the output file.
type Exec struct {
	commands map[systems.ID][]string
	dir      string
	cache    *lru.Cache[[32]byte, *Artifact]
}

// NewExec returns a new Exec
func NewExec(opts ExecOptions) *Exec {
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	// lru.New only fails on a non positive size
	cache, _ := lru.New[[32]byte, *Artifact](size)
	return &Exec{
		commands: opts.Commands,
		dir:      opts.Dir,
		cache:    cache,
	}
}

// Supports returns true if a command is configured for the system
func (e *Exec) Supports(id systems.ID) bool {
	cmd, ok := e.commands[id]
	return ok && len(cmd) > 0
}

// Systems returns the systems with a configured command
func (e *Exec) Systems() []systems.ID {
	var ids []systems.ID
	for id := range e.commands {
		if e.Supports(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Generate runs the prover command of the system of s. Artifacts are
// cached by the hash of the system params.
func (e *Exec) Generate(ctx context.Context, s systems.System) (*Artifact, error) {
	command, ok := e.commands[s.ID()]
	if !ok || len(command) == 0 {
		return nil, fmt.Errorf("%w: no prover command for %s", ErrProofFailed, s.ID())
	}
	input, err := json.Marshal(systems.Envelope{ID: s.ID(), System: s})
	if err != nil {
		return nil, err
	}
	key := blake3.Sum256(input)
	if a, ok := e.cache.Get(key); ok {
		log.Debugf("[prover] cached artifact %x for %s", key[:8], s.ID())
		return a, nil
	}

	jobDir, err := os.MkdirTemp(e.dir, "job-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(jobDir) //nolint:errcheck

	inputPath := filepath.Join(jobDir, inputFile)
	outputPath := filepath.Join(jobDir, outputFile)
	if err := os.WriteFile(inputPath, input, 0600); err != nil {
		return nil, err
	}

	args := append(append([]string{}, command[1:]...), inputPath, outputPath)
	cmd := exec.CommandContext(ctx, command[0], args...) //nolint:gosec
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Errorf("prover command for %s: %s", s.ID(), out)
		return nil, fmt.Errorf("%w: %s: %w", ErrProofFailed, command[0], err)
	}
	log.Debugf("[prover] %s output: %s", s.ID(), out)

	b, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading artifact: %w", ErrProofFailed, err)
	}
	var a Artifact
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("%w: decoding artifact: %w", ErrProofFailed, err)
	}
	a.System = s.ID()
	e.cache.Add(key, &a)
	return &a, nil
}
