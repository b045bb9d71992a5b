package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"math"
	"sync"
)

// RespawnFunc starts a replacement for the process with the given id.
type RespawnFunc func(id int) (*ModelProcess, error)

// Pool hands model processes to concurrent callers, one caller per process.
// A process that timed out or lost its pipe is replaced before it is handed
// out again when a RespawnFunc is set.
type Pool struct {
	procs   chan *ModelProcess
	respawn RespawnFunc
	log     *slog.Logger

	mu  sync.Mutex
	all []*ModelProcess
}

// NewPool wraps already started processes.
func NewPool(procs []*ModelProcess) *Pool {
	p := &Pool{procs: make(chan *ModelProcess, len(procs)), all: procs}
	for _, proc := range procs {
		p.procs <- proc
	}
	return p
}

// WithRespawn makes the pool restart broken processes with fn.
func (p *Pool) WithRespawn(fn RespawnFunc, logger *slog.Logger) *Pool {
	p.respawn = fn
	p.log = logger
	return p
}

// Do runs fn with an idle process, waiting for one if all are busy.
func (p *Pool) Do(ctx context.Context, fn func(*ModelProcess) error) error {
	var proc *ModelProcess
	select {
	case proc = <-p.procs:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { p.procs <- proc }()

	proc, err := p.revive(proc)
	if err != nil {
		return err
	}
	return fn(proc)
}

// revive swaps a broken process for a fresh one. If the restart fails the
// broken process is kept so the next caller tries again.
func (p *Pool) revive(proc *ModelProcess) (*ModelProcess, error) {
	cause := proc.Err()
	if cause == nil || p.respawn == nil {
		return proc, nil
	}

	fresh, err := p.respawn(proc.ID)
	if err != nil {
		return proc, fmt.Errorf("worker %d restart failed: %w (after %v)", proc.ID, err, cause)
	}
	proc.Close()

	p.mu.Lock()
	for i, old := range p.all {
		if old == proc {
			p.all[i] = fresh
		}
	}
	p.mu.Unlock()

	if p.log != nil {
		p.log.Warn("model worker restarted", "worker", proc.ID, "cause", cause)
	}
	return fresh, nil
}

// Close closes every process in the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, proc := range p.all {
		proc.Close()
	}
}

// Embedder extracts appearance embeddings through a pool of model processes.
//
// Response body after the status byte: [uint32 dim][dim x float32]. A dim of zero
// means the model has no confident feature for this crop yet.
type Embedder struct {
	pool *Pool
}

// NewEmbedder returns an embedder backed by pool.
func NewEmbedder(pool *Pool) *Embedder {
	return &Embedder{pool: pool}
}

// Extract implements reid.Extractor.
func (e *Embedder) Extract(ctx context.Context, img image.Image) ([]float64, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}

	var vec []float64
	err := e.pool.Do(ctx, func(proc *ModelProcess) error {
		body, err := proc.Communicate(buf.Bytes())
		if err != nil {
			return err
		}
		vec, err = ParseEmbedding(body)
		return err
	})
	return vec, err
}

// ParseEmbedding decodes an embedding response body (status byte already removed).
func ParseEmbedding(body []byte) ([]float64, error) {
	r := bytes.NewReader(body)
	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("failed to read embedding size: %w", err)
	}
	if dim == 0 {
		return nil, nil
	}
	if int(dim)*4 != r.Len() {
		return nil, fmt.Errorf("embedding declares %d values but carries %d bytes", dim, r.Len())
	}

	raw := make([]float32, dim)
	if err := binary.Read(r, binary.BigEndian, raw); err != nil {
		return nil, fmt.Errorf("failed to read embedding: %w", err)
	}
	vec := make([]float64, dim)
	for i, v := range raw {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("embedding value %d is not finite", i)
		}
		vec[i] = f
	}
	return vec, nil
}
