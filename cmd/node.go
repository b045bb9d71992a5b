package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/config"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/node"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/types"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/utils"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/vision"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/wire"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/worker"
)

var nodeOnly []string

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run every configured camera node and wait for server commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNodes(cmd.Context())
	},
}

func init() {
	nodeCmd.Flags().StringSliceVar(&nodeOnly, "only", nil, "Run only the named instances")
	rootCmd.AddCommand(nodeCmd)
}

func runNodes(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		utils.ShowError("Invalid configuration", err, nil)
		return err
	}
	if err := cfg.ValidateNode(); err != nil {
		utils.ShowError("Invalid node configuration", err, nil)
		return err
	}

	instances, err := selectInstances(cfg.Instances, nodeOnly)
	if err != nil {
		return err
	}

	// Bind every command socket before any node runs so a bad port fails fast.
	nodes := make([]*node.Instance, 0, len(instances))
	for _, ic := range instances {
		in, err := newInstance(cfg, ic)
		if err != nil {
			utils.ShowError(fmt.Sprintf("Node %s failed to initialize", ic.Name), err, nil)
			return err
		}
		nodes = append(nodes, in)
	}

	fmt.Fprintf(os.Stderr, "📷 %d nodes waiting for commands (server %s)\n", len(nodes), cfg.Server.Addr())
	g, gctx := errgroup.WithContext(ctx)
	for _, in := range nodes {
		g.Go(func() error {
			return in.Run(gctx)
		})
	}
	return g.Wait()
}

func selectInstances(all []config.InstanceConfig, only []string) ([]config.InstanceConfig, error) {
	if len(only) == 0 {
		return all, nil
	}
	byName := make(map[string]config.InstanceConfig, len(all))
	for _, ic := range all {
		byName[ic.Name] = ic
	}
	out := make([]config.InstanceConfig, 0, len(only))
	for _, name := range only {
		ic, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("instance %q is not configured", name)
		}
		out = append(out, ic)
	}
	return out, nil
}

func newInstance(cfg *config.Config, ic config.InstanceConfig) (*node.Instance, error) {
	serverAddr := serverTarget(cfg)
	factory := node.Factory{
		OpenSource: func(ctx context.Context) (node.Source, error) {
			if ic.Source == "ffmpeg" {
				if fps, err := utils.GetVideoFPS(ctx, ic.Video); err == nil {
					logger.Info("video source", "node", ic.Name, "fps", fps, "sampled_fps", fps/float64(cfg.Model.FrameFreq))
				} else {
					logger.Debug("ffprobe unavailable", "node", ic.Name, "error", err)
				}
				return node.OpenFFmpeg(ctx, ic.Video)
			}
			return vision.OpenCapture(ic.Video)
		},
		NewDetector: func(ctx context.Context) (node.Detector, error) {
			return newDetector(ctx, cfg.Model)
		},
		NewSender: func() (wire.Sender, error) {
			return wire.NewSender(cfg.Protocol, serverAddr)
		},
	}

	return node.NewInstance(node.InstanceConfig{
		Options: node.Options{
			Name:          types.NodeIdentity(ic.Name),
			FrameFreq:     cfg.Model.FrameFreq,
			ConfThreshold: cfg.Model.Confidence(),
			QueueDepth:    cfg.Model.QueueDepth,
		},
		CommandAddr: ic.Transmission.Addr(),
	}, factory, logger)
}

// serverTarget is where nodes send frames. A wildcard bind address is not
// dialable, so it is replaced by loopback.
func serverTarget(cfg *config.Config) string {
	s := cfg.Server
	if s.Host == "0.0.0.0" || s.Host == "" || s.Host == "::" {
		s.Host = "127.0.0.1"
	}
	return s.Addr()
}

func newDetector(ctx context.Context, m config.ModelConfig) (node.Detector, error) {
	if m.Backend == "gocv" {
		d, err := vision.NewDNNDetector(m.Path, m.Config, m.InputSize, m.Classes, m.Confidence())
		if err != nil {
			return nil, err
		}
		logger.Info("detector loaded", "backend", "gocv", "model", m.Path, "elapsed", d.LoadTime().String())
		return d, nil
	}

	proc, err := worker.Start(ctx, 0, m.Command, m.Timeout)
	if err != nil {
		return nil, err
	}
	logger.Info("detector loaded", "backend", "worker", "command", m.Command)
	pool := worker.NewPool([]*worker.ModelProcess{proc}).WithRespawn(func(id int) (*worker.ModelProcess, error) {
		return worker.Start(ctx, id, m.Command, m.Timeout)
	}, logger.With("component", "detector"))
	return worker.NewDetector(pool), nil
}
