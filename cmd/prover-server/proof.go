package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/taralli-labs/taralli-node/prover"
	"github.com/taralli-labs/taralli-node/systems"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/log"
)

var dbPrefixJob = []byte("job/")

func jobKey(id string) []byte {
	return append(append([]byte{}, dbPrefixJob...), id...)
}

func (a *api) putJob(job prover.Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	wTx := a.db.WriteTx()
	defer wTx.Discard()
	if err := wTx.Set(jobKey(job.ID), b); err != nil {
		return err
	}
	return wTx.Commit()
}

func (a *api) job(id string) (*prover.Job, error) {
	rTx := a.db.ReadTx()
	defer rTx.Discard()
	b, err := rTx.Get(jobKey(id))
	if err == db.ErrKeyNotFound {
		return nil, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	var job prover.Job
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (a *api) genProof(c *gin.Context) {
	var env systems.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		returnErr(c, err)
		return
	}
	if env.System == nil {
		returnErr(c, fmt.Errorf("no system params"))
		return
	}
	if !a.gen.Supports(env.ID) {
		returnErr(c, fmt.Errorf("system %s not supported", env.ID))
		return
	}
	if err := env.System.ValidateInputs(); err != nil {
		returnErr(c, err)
		return
	}

	if !a.TryLock() {
		c.JSON(http.StatusLocked, gin.H{
			"status": "prover busy",
		})
		return
	}
	job := prover.Job{ID: uuid.NewString(), Status: prover.JobPending}
	if err := a.putJob(job); err != nil {
		a.Unlock()
		returnErr(c, err)
		return
	}

	a.wg.Add(1)
	go a.generate(job, env.System)

	// return the id, so the client knows which id to use to
	// retrieve the proof later
	c.JSON(http.StatusOK, gin.H{
		"id": job.ID,
	})
}

// generate runs the proof generation of the job, holding the lock
func (a *api) generate(job prover.Job, s systems.System) {
	defer a.wg.Done()
	defer a.Unlock()

	start := time.Now()
	artifact, err := a.gen.Generate(a.ctx, s)
	if err != nil {
		log.Errorf("job %s: %s", job.ID, err)
		job.Status, job.Error = prover.JobFailed, err.Error()
	} else {
		log.Infof("job %s: %s proof generated in %s", job.ID, s.ID(), time.Since(start))
		job.Status, job.Artifact = prover.JobDone, artifact
	}
	if err := a.putJob(job); err != nil {
		log.Error(err)
	}
}

func (a *api) getProof(c *gin.Context) {
	job, err := a.job(c.Param("id"))
	if err != nil {
		returnErr(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
