package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/control"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/types"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/wire"
)

// Factory builds the collaborators of an instance on demand. The source and
// sender are only created on the first start; the detector on the first
// start or warmup, whichever comes first.
type Factory struct {
	OpenSource  func(ctx context.Context) (Source, error)
	NewDetector func(ctx context.Context) (Detector, error)
	NewSender   func() (wire.Sender, error)
}

// InstanceConfig describes one camera node.
type InstanceConfig struct {
	Options
	CommandAddr  string // where the node listens for commands
	WarmupCycles int
	Progress     io.Writer // warmup progress bar; os.Stderr when nil
}

// Instance is a node process: one command listener driving one pipeline.
// The control loop in Run is the only writer of the instance's state.
type Instance struct {
	cfg      InstanceConfig
	factory  Factory
	log      *slog.Logger
	state    *control.State
	listener *control.Listener

	detector Detector
	pipeline *Pipeline
}

// NewInstance binds the command socket so the address is known before Run.
func NewInstance(cfg InstanceConfig, factory Factory, logger *slog.Logger) (*Instance, error) {
	if err := cfg.Name.Validate(); err != nil {
		return nil, err
	}
	if cfg.WarmupCycles == 0 {
		cfg.WarmupCycles = WarmupCycles
	}
	if cfg.Progress == nil {
		cfg.Progress = os.Stderr
	}
	logger = logger.With("node", string(cfg.Name))
	ln, err := control.Listen(cfg.CommandAddr, logger)
	if err != nil {
		return nil, err
	}
	return &Instance{
		cfg:      cfg,
		factory:  factory,
		log:      logger,
		state:    control.NewState(),
		listener: ln,
	}, nil
}

// Addr is the bound command address.
func (in *Instance) Addr() net.Addr {
	return in.listener.Addr()
}

// State reports the current control state.
func (in *Instance) State() types.ControlState {
	return in.state.Load()
}

// Run waits for commands until exit is received or ctx is cancelled, then
// stops the pipeline and releases every resource.
func (in *Instance) Run(ctx context.Context) error {
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer in.shutdown()

	cmds := make(chan types.Command)
	done := make(chan error, 1)
	go func() {
		done <- in.listener.Run(lctx, cmds)
	}()

	in.log.Info("waiting for commands", "addr", in.Addr().String())
	for {
		select {
		case cmd := <-cmds:
			if err := in.handle(ctx, cmd); err != nil {
				return err
			}
			if in.state.Load() == types.StateExiting {
				return nil
			}
		case err := <-done:
			in.state.Store(types.StateExiting)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}
	}
}

func (in *Instance) handle(ctx context.Context, cmd types.Command) error {
	if cmd == types.CommandWarmup {
		det, err := in.ensureDetector(ctx)
		if err != nil {
			in.log.Error("warmup skipped", "error", err)
			return nil
		}
		n, err := Warmup(ctx, det, in.cfg.WarmupCycles, WarmupPace, in.cfg.Progress)
		if err != nil {
			in.log.Warn("warmup interrupted", "cycles", n, "error", err)
			return nil
		}
		in.log.Info("warmup completed", "cycles", n)
		return nil
	}

	next, changed := in.state.Apply(cmd)
	if !changed {
		in.log.Info("command ignored", "command", string(cmd), "state", next.String())
		return nil
	}
	in.log.Info("state changed", "state", next.String())

	if next == types.StateRunning {
		if in.pipeline == nil {
			p, err := in.buildPipeline(ctx)
			if err != nil {
				return fmt.Errorf("node %s failed to start: %w", in.cfg.Name, err)
			}
			in.pipeline = p
		}
		in.pipeline.Start(ctx)
	}
	return nil
}

func (in *Instance) ensureDetector(ctx context.Context) (Detector, error) {
	if in.detector != nil {
		return in.detector, nil
	}
	det, err := in.factory.NewDetector(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load detector: %w", err)
	}
	in.detector = det
	return det, nil
}

func (in *Instance) buildPipeline(ctx context.Context) (*Pipeline, error) {
	det, err := in.ensureDetector(ctx)
	if err != nil {
		return nil, err
	}
	src, err := in.factory.OpenSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open video source: %w", err)
	}
	sender, err := in.factory.NewSender()
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}
	return NewPipeline(in.cfg.Options, in.state, src, det, sender, in.log), nil
}

func (in *Instance) shutdown() {
	if in.pipeline != nil {
		in.pipeline.Stop()
	}
	if c, ok := in.detector.(io.Closer); ok {
		if err := c.Close(); err != nil {
			in.log.Warn("failed to close detector", "error", err)
		}
	}
	in.listener.Close()
	in.log.Info("node stopped")
}
