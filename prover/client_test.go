package prover

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/gin-gonic/gin"
	"github.com/taralli-labs/taralli-node/systems"
)

func risc0() *systems.Risc0Params {
	return &systems.Risc0Params{ELF: []byte("elf"), Input: []byte("inputs")}
}

func TestGenProof(t *testing.T) {
	c := qt.New(t)

	r := gin.Default()
	r.POST("/proof", mockGenProof)

	ts := httptest.NewServer(r)
	defer ts.Close()

	p := NewClient(ts.URL)
	pID, err := p.GenProof(context.Background(), risc0())
	c.Assert(err, qt.IsNil)
	c.Assert(pID, qt.Equals, "job-42")

	// now with handler that returns error
	r = gin.Default()
	r.POST("/proof", mockGenProofErr)
	ts = httptest.NewServer(r)
	defer ts.Close()

	p = NewClient(ts.URL)
	_, err = p.GenProof(context.Background(), risc0())
	c.Assert(err, qt.Not(qt.IsNil))
	c.Assert(err.Error(), qt.Equals, "expected error msg")

	// and with a busy prover
	r = gin.Default()
	r.POST("/proof", func(ctx *gin.Context) {
		ctx.JSON(http.StatusLocked, gin.H{"status": "prover busy"})
	})
	ts = httptest.NewServer(r)
	defer ts.Close()

	p = NewClient(ts.URL)
	_, err = p.GenProof(context.Background(), risc0())
	c.Assert(err, qt.Equals, ErrBusy)
}

func TestGenerate(t *testing.T) {
	c := qt.New(t)

	var polls int32
	r := gin.Default()
	r.POST("/proof", mockGenProof)
	r.GET("/proof/:id", func(ctx *gin.Context) {
		if ctx.Param("id") != "job-42" {
			ctx.JSON(http.StatusBadRequest, errorMsg{Message: "unknown job"})
			return
		}
		if atomic.AddInt32(&polls, 1) < 3 {
			ctx.JSON(http.StatusOK, Job{ID: "job-42", Status: JobPending})
			return
		}
		ctx.JSON(http.StatusOK, Job{ID: "job-42", Status: JobDone, Artifact: &Artifact{
			System: systems.Risc0,
			Seal:   []byte{1, 2, 3},
		}})
	})
	ts := httptest.NewServer(r)
	defer ts.Close()

	p := NewClient(ts.URL)
	p.PollInterval = 10 * time.Millisecond
	a, err := p.Generate(context.Background(), risc0())
	c.Assert(err, qt.IsNil)
	c.Assert(a.System, qt.Equals, systems.Risc0)
	c.Assert([]byte(a.Seal), qt.DeepEquals, []byte{1, 2, 3})
	c.Assert(atomic.LoadInt32(&polls), qt.Equals, int32(3))

	_, err = p.GetProof(context.Background(), "job-0")
	c.Assert(err, qt.ErrorMatches, "unknown job")
}

func TestGenerateFailed(t *testing.T) {
	c := qt.New(t)

	r := gin.Default()
	r.POST("/proof", mockGenProof)
	r.GET("/proof/:id", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, Job{ID: "job-42", Status: JobFailed, Error: "witness generation"})
	})
	ts := httptest.NewServer(r)
	defer ts.Close()

	p := NewClient(ts.URL)
	_, err := p.Generate(context.Background(), risc0())
	c.Assert(errors.Is(err, ErrProofFailed), qt.IsTrue)
	c.Assert(err, qt.ErrorMatches, ".*witness generation")
}

func TestGenerateCancelled(t *testing.T) {
	c := qt.New(t)

	r := gin.Default()
	r.POST("/proof", mockGenProof)
	r.GET("/proof/:id", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, Job{ID: "job-42", Status: JobPending})
	})
	ts := httptest.NewServer(r)
	defer ts.Close()

	p := NewClient(ts.URL)
	p.PollInterval = 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Generate(ctx, risc0())
	c.Assert(err, qt.Not(qt.IsNil))
}

func mockGenProof(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"id": "job-42",
	})
}

func mockGenProofErr(c *gin.Context) {
	c.JSON(http.StatusBadRequest, errorMsg{
		Message: "expected error msg",
	})
}
