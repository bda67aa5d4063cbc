package prover

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/taralli-labs/taralli-node/systems"
)

func TestExecGenerate(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	counter := filepath.Join(dir, "runs")

	// the fake prover counts its runs and writes a fixed artifact
	script := fmt.Sprintf(`echo run >> %s; grep -q risc0 "$1" || exit 3; `+
		`printf '{"seal":"0x0102","imageId":"0x%s"}' > "$2"`,
		counter, strings.Repeat("0a", 32))
	e := NewExec(ExecOptions{
		Commands: map[systems.ID][]string{systems.Risc0: {"sh", "-c", script, "prover"}},
		Dir:      dir,
	})
	c.Assert(e.Supports(systems.Risc0), qt.IsTrue)
	c.Assert(e.Supports(systems.SP1), qt.IsFalse)
	c.Assert(e.Systems(), qt.DeepEquals, []systems.ID{systems.Risc0})

	a, err := e.Generate(context.Background(), risc0())
	c.Assert(err, qt.IsNil)
	c.Assert(a.System, qt.Equals, systems.Risc0)
	c.Assert([]byte(a.Seal), qt.DeepEquals, []byte{1, 2})
	c.Assert(a.ImageID[0], qt.Equals, byte(0x0a))

	// the same params are served from the cache
	_, err = e.Generate(context.Background(), risc0())
	c.Assert(err, qt.IsNil)
	runs, err := os.ReadFile(counter)
	c.Assert(err, qt.IsNil)
	c.Assert(strings.Count(string(runs), "run"), qt.Equals, 1)

	// other params run the command again
	other := risc0()
	other.Input = []byte("other inputs")
	_, err = e.Generate(context.Background(), other)
	c.Assert(err, qt.IsNil)
	runs, err = os.ReadFile(counter)
	c.Assert(err, qt.IsNil)
	c.Assert(strings.Count(string(runs), "run"), qt.Equals, 2)

	// job directories are removed
	entries, err := filepath.Glob(filepath.Join(dir, "job-*"))
	c.Assert(err, qt.IsNil)
	c.Assert(len(entries), qt.Equals, 0)
}

func TestExecFailures(t *testing.T) {
	c := qt.New(t)
	e := NewExec(ExecOptions{
		Commands: map[systems.ID][]string{
			systems.Risc0: {"sh", "-c", "exit 1", "prover"},
			systems.SP1:   {"sh", "-c", "true", "prover"},
		},
		Dir: c.TempDir(),
	})

	_, err := e.Generate(context.Background(), risc0())
	c.Assert(errors.Is(err, ErrProofFailed), qt.IsTrue)

	// no output file
	sp1 := &systems.SP1Params{Settings: systems.SP1Config{Mode: "groth16"},
		ELF: []byte("elf"), Input: []byte("inputs")}
	_, err = e.Generate(context.Background(), sp1)
	c.Assert(err, qt.ErrorMatches, ".*reading artifact.*")

	_, err = e.Generate(context.Background(), &systems.ArkworksParams{})
	c.Assert(err, qt.ErrorMatches, ".*no prover command for arkworks")
}
