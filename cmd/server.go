package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/config"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/httpapi"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/reid"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/server"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/utils"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/worker"
)

var (
	serverHTTPAddr string
	serverPersist  bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the ReID server and its operator console",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func init() {
	serverCmd.Flags().StringVar(&serverHTTPAddr, "http-addr", "", "Serve GET /status and /healthz on this address (disabled when empty)")
	serverCmd.Flags().BoolVar(&serverPersist, "persist", false, "Store the session, events and identities in PostgreSQL on exit")
	rootCmd.AddCommand(serverCmd)
}

func runServer(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		utils.ShowError("Invalid configuration", err, nil)
		return err
	}

	extractor, pool, err := startExtractor(ctx, cfg.ReID.Extractor)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	engine := reid.NewEngine(reid.Options{
		SimilarityThreshold: cfg.ReID.SimilarityThreshold,
		MaxGalleryPerPerson: cfg.ReID.MaxGalleryPerPerson,
	}, extractor, logger.With("component", "reid"))

	var recorder server.Recorder
	if serverPersist {
		db, err := openStore(ctx)
		if err != nil {
			return err
		}
		// Use Background here because the main context might be cancelled already (due to Ctrl+C)
		defer db.Close(context.Background())
		recorder = db
	}

	sess, err := server.NewSession(cfg, engine, recorder, logger)
	if err != nil {
		utils.ShowError("Server failed to initialize", err, nil)
		return err
	}

	if serverHTTPAddr != "" {
		go func() {
			if err := httpapi.Serve(ctx, serverHTTPAddr, sess.Status, logger.With("component", "http")); err != nil {
				logger.Error("status endpoint failed", "error", err)
			}
		}()
	}

	fmt.Fprintf(os.Stderr, "🛰️  ReID server on %s (%s), %d nodes configured\n", sess.Addr(), cfg.Protocol, len(cfg.Instances))
	fmt.Fprintf(os.Stderr, "🆔 Session %s\n", sess.ID())
	return server.NewConsole(sess).Run(ctx, os.Stdin, os.Stdout)
}

// startExtractor launches the embedding model processes. With no extractor
// configured the engine falls back to the color descriptor.
func startExtractor(ctx context.Context, ec *config.ExtractorConfig) (reid.Extractor, *worker.Pool, error) {
	if ec == nil {
		logger.Info("no extractor configured, using color descriptor")
		return nil, nil, nil
	}

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Embedding Engines...\n", ec.Engines)
	start := time.Now()
	// Engines outlive Ctrl+C so in-flight matches can finish during shutdown.
	pctx := context.WithoutCancel(ctx)
	procs := make([]*worker.ModelProcess, 0, ec.Engines)
	for i := 0; i < ec.Engines; i++ {
		p, err := worker.Start(pctx, i, ec.Command, ec.Timeout)
		if err != nil {
			for _, started := range procs {
				started.Close()
			}
			utils.ShowError("Embedding engine startup failed", err, nil)
			return nil, nil, err
		}
		procs = append(procs, p)
	}
	logger.Info("embedding engines ready", "engines", len(procs), "elapsed", time.Since(start).String())

	pool := worker.NewPool(procs).WithRespawn(func(id int) (*worker.ModelProcess, error) {
		return worker.Start(pctx, id, ec.Command, ec.Timeout)
	}, logger.With("component", "embedder"))
	return worker.NewEmbedder(pool), pool, nil
}
