// Package reid decides whether a detection belongs to a person already in the gallery.
package reid

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/types"
)

// ErrEmptyEmbedding is returned for a nil or zero-length feature vector.
var ErrEmptyEmbedding = errors.New("empty embedding")

// Extractor turns an image region into a feature vector.
// It returns a nil vector and no error when it has no confident feature yet.
type Extractor interface {
	Extract(ctx context.Context, img image.Image) ([]float64, error)
}

// Options tunes the matching decision.
type Options struct {
	SimilarityThreshold float64
	MaxGalleryPerPerson int
}

// Engine owns the gallery and the event log. Match may be called concurrently;
// scoring and the mutation that follows it run under one lock.
type Engine struct {
	opts      Options
	extractor Extractor
	log       *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	gallery *Gallery
	events  []types.ReIdEvent
}

// NewEngine builds an engine. extractor may be nil, in which case every frame
// uses the mean-color descriptor.
func NewEngine(opts Options, extractor Extractor, logger *slog.Logger) *Engine {
	return &Engine{
		opts:      opts,
		extractor: extractor,
		log:       logger,
		now:       time.Now,
		gallery:   NewGallery(opts.MaxGalleryPerPerson),
	}
}

// Match extracts a feature from img and matches it. On error the gallery and the
// event log are left untouched.
func (e *Engine) Match(ctx context.Context, img image.Image, port int) (types.Decision, error) {
	vec, err := e.extract(ctx, img)
	if err != nil {
		return types.Decision{}, fmt.Errorf("feature extraction: %w", err)
	}
	return e.MatchEmbedding(vec, port)
}

func (e *Engine) extract(ctx context.Context, img image.Image) (vec []float64, err error) {
	if e.extractor != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("extractor panicked: %v", r)
				}
			}()
			vec, err = e.extractor.Extract(ctx, img)
		}()
		if err != nil {
			return nil, err
		}
	}
	if len(vec) == 0 {
		vec = MeanColor(img)
		e.log.Debug("used fallback feature extraction")
	}
	return vec, nil
}

// MatchEmbedding matches a ready feature vector arriving from source port.
func (e *Engine) MatchEmbedding(vec []float64, port int) (types.Decision, error) {
	if len(vec) == 0 {
		return types.Decision{}, ErrEmptyEmbedding
	}
	for _, v := range vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return types.Decision{}, fmt.Errorf("embedding contains non-finite values")
		}
	}
	vec = append([]float64(nil), vec...)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var d types.Decision

	id, score, err := e.gallery.nearest(vec)
	if err != nil {
		return types.Decision{}, err
	}
	switch {
	case id == -1:
		p := e.gallery.create(vec, now)
		d = types.Decision{Kind: types.CreatedNew, PersonID: p.id, Appearances: p.appearances}
	case score < e.opts.SimilarityThreshold:
		p := e.gallery.people[id]
		p.observe(vec, e.gallery.capacity, now)
		d = types.Decision{Kind: types.MatchedExisting, PersonID: id, Score: score, Appearances: p.appearances}
	default:
		p := e.gallery.create(vec, now)
		d = types.Decision{Kind: types.CreatedNew, PersonID: p.id, Score: score, Appearances: p.appearances}
	}

	e.events = append(e.events, types.ReIdEvent{
		PersonID:    d.PersonID,
		SourcePort:  port,
		Appearances: d.Appearances,
		At:          now,
	})

	if d.Kind == types.MatchedExisting {
		e.log.Info("matched existing person", "id", d.PersonID, "score", d.Score, "port", port)
	} else {
		e.log.Info("new person registered", "id", d.PersonID, "best_score", d.Score, "port", port)
	}
	return d, nil
}

// Events returns a copy of the event log.
func (e *Engine) Events() []types.ReIdEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.ReIdEvent(nil), e.events...)
}

// Snapshot copies the gallery, ordered by id.
func (e *Engine) Snapshot() []PersonSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gallery.snapshot()
}

// Stats returns gallery size, next id and event count under one lock.
func (e *Engine) Stats() (people, nextID, events int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gallery.Len(), e.gallery.NextID(), len(e.events)
}
