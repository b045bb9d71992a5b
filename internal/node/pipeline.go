// Package node runs the camera side: detect and crop on one goroutine, transmit
// on another, joined by a bounded FIFO queue.
package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/control"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/types"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/wire"
)

// Source yields decoded frames at the source's native rate.
// It returns io.EOF when the stream ends.
type Source interface {
	Next() (image.Image, error)
	Close() error
}

// Detector finds objects in a frame.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]types.Detection, error)
}

// Options configures one pipeline.
type Options struct {
	Name          types.NodeIdentity
	FrameFreq     int     // run detection on every Nth frame
	ConfThreshold float64 // keep boxes strictly above this confidence
	QueueDepth    int
	JPEGQuality   int
}

// item is one queued crop; last marks the sentinel that stops the consumer.
type item struct {
	msg  types.FrameMessage
	last bool
}

// Stats counts pipeline activity.
type Stats struct {
	Frames   int64
	Sampled  int64
	Enqueued int64
	Sent     int64
	Failed   int64
}

// Pipeline is the producer/consumer pair of one node.
type Pipeline struct {
	opts     Options
	state    *control.State
	source   Source
	detector Detector
	sender   wire.Sender
	log      *slog.Logger

	queue chan item
	quit  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	producer  sync.WaitGroup
	consumer  sync.WaitGroup

	frames, sampled, enqueued, sent, failed atomic.Int64
}

// NewPipeline wires the collaborators. The pipeline owns source and sender;
// the detector stays with the caller, which may share it with warmup.
func NewPipeline(opts Options, state *control.State, source Source, detector Detector, sender wire.Sender, logger *slog.Logger) *Pipeline {
	if opts.FrameFreq < 1 {
		opts.FrameFreq = 1
	}
	if opts.QueueDepth < 1 {
		opts.QueueDepth = 1
	}
	if opts.JPEGQuality == 0 {
		opts.JPEGQuality = jpeg.DefaultQuality
	}
	return &Pipeline{
		opts:     opts,
		state:    state,
		source:   source,
		detector: detector,
		sender:   sender,
		log:      logger,
		queue:    make(chan item, opts.QueueDepth),
		quit:     make(chan struct{}),
	}
}

// Start launches the producer and the consumer. Later calls do nothing.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.started.Store(true)
		p.producer.Add(1)
		go func() {
			defer p.producer.Done()
			p.produce(ctx)
		}()
		p.consumer.Add(1)
		go func() {
			defer p.consumer.Done()
			p.consume()
		}()
		p.log.Info("pipeline started", "frame_freq", p.opts.FrameFreq, "conf", p.opts.ConfThreshold)
	})
}

// Stop halts the producer, queues the sentinel behind every pending crop and
// waits for both goroutines. Resources are released even if Start never ran.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		if p.started.Load() {
			p.producer.Wait()
			p.queue <- item{last: true}
			p.consumer.Wait()
		} else {
			p.source.Close()
		}
		if err := p.sender.Close(); err != nil {
			p.log.Warn("failed to close sender", "error", err)
		}
		st := p.Stats()
		p.log.Info("pipeline stopped", "frames", st.Frames, "sampled", st.Sampled,
			"enqueued", st.Enqueued, "sent", st.Sent, "failed", st.Failed)
	})
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:   p.frames.Load(),
		Sampled:  p.sampled.Load(),
		Enqueued: p.enqueued.Load(),
		Sent:     p.sent.Load(),
		Failed:   p.failed.Load(),
	}
}

func (p *Pipeline) stopping() bool {
	select {
	case <-p.quit:
		return true
	default:
		return p.state.Load() != types.StateRunning
	}
}

func (p *Pipeline) produce(ctx context.Context) {
	defer func() {
		p.source.Close()
		p.log.Info("capture finished")
	}()

	count := 0
	for !p.stopping() {
		img, err := p.source.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Warn("video source failed", "error", err)
			}
			return
		}
		count++
		p.frames.Add(1)
		if count%p.opts.FrameFreq != 0 {
			continue
		}
		p.sampled.Add(1)

		dets, err := p.detector.Detect(ctx, img)
		if err != nil {
			p.log.Warn("detection failed", "error", err)
			continue
		}
		for _, det := range dets {
			if det.Confidence <= p.opts.ConfThreshold {
				continue
			}
			crop, err := CropJPEG(img, det.Box, p.opts.JPEGQuality)
			if err != nil {
				p.log.Debug("crop skipped", "box", det.Box.String(), "error", err)
				continue
			}
			select {
			case p.queue <- item{msg: types.FrameMessage{Source: p.opts.Name, Payload: crop}}:
				p.enqueued.Add(1)
			case <-p.quit:
				return
			}
		}
	}
}

func (p *Pipeline) consume() {
	for it := range p.queue {
		if it.last {
			return
		}
		if err := p.sender.Send(it.msg); err != nil {
			p.failed.Add(1)
			p.log.Error("failed to transmit crop", "bytes", len(it.msg.Payload), "error", err)
			continue
		}
		p.sent.Add(1)
	}
}

// CropJPEG encodes the part of img inside box. Boxes are clipped to the frame.
func CropJPEG(img image.Image, box image.Rectangle, quality int) ([]byte, error) {
	r := box.Canon().Intersect(img.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("box %v is outside the frame", box)
	}

	var crop image.Image
	if s, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		crop = s.SubImage(r)
	} else {
		dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
		draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
		crop = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, crop, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
