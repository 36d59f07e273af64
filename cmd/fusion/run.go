package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/banshee-data/obstacle-fusion/internal/config"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/monitor"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/pipeline"
	"github.com/banshee-data/obstacle-fusion/internal/fusion/storage/sqlite"
	"github.com/banshee-data/obstacle-fusion/internal/monitoring"
	"github.com/banshee-data/obstacle-fusion/internal/telemetry"
)

type runOptions struct {
	*rootOptions
	Replay       string
	Output       string
	ObstaclesLog string
	Fast         bool
	DB           string
	Listen       string
	DebugLog     string
	OTLPEndpoint string
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay a topic log through the fusion stage",
		Long: `Replay a JSON lines topic log ({"topic","tick","ts","data"} per line,
data base64) through the fusion node and write one JSON object per cycle.

Examples:
  fusion run --replay drive.jsonl --fast
  fusion run --replay drive.jsonl --db fusion.db --listen :8090
  fusion demo | fusion run --replay - --fast`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFusion(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Replay, "replay", "", "topic log to replay, - for stdin (required)")
	_ = cmd.MarkFlagRequired("replay")
	cmd.Flags().StringVar(&opts.Output, "output", "-", "JSON lines output, - for stdout")
	cmd.Flags().StringVar(&opts.ObstaclesLog, "obstacles-log", "", "also write the obstacles topic as a topic log")
	cmd.Flags().BoolVar(&opts.Fast, "fast", false, "ignore recorded timing and process every batch")
	cmd.Flags().StringVar(&opts.DB, "db", "", "record every cycle to this SQLite database")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "serve the debug monitor on this address and keep running")
	cmd.Flags().StringVar(&opts.DebugLog, "debug-log", "", "write diag and trace streams to this file")
	cmd.Flags().StringVar(&opts.OTLPEndpoint, "otlp-endpoint", "", "export traces to this OTLP gRPC collector")
	return cmd
}

func openOutput(path string, stdio io.Writer) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return stdio, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func runFusion(cmd *cobra.Command, opts *runOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	// Logging: ops to stderr, diag/trace to the debug log when requested.
	var diag io.Writer
	if opts.DebugLog != "" {
		f, err := os.OpenFile(opts.DebugLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open debug log: %w", err)
		}
		defer f.Close()
		diag = f
	}
	pipeline.SetLogWriters(cmd.ErrOrStderr(), diag, diag)
	monitoring.SetWriter(cmd.ErrOrStderr())

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		Enabled:  opts.OTLPEndpoint != "",
		Endpoint: opts.OTLPEndpoint,
		Insecure: true,
	})
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	metrics := telemetry.NewMetrics()
	stageID := uuid.NewString()

	out, closeOut, err := openOutput(opts.Output, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer closeOut()
	latest := &pipeline.LatestSink{}
	sinks := []pipeline.ObstacleSink{pipeline.NewJSONLinesSink(out), latest}

	if opts.ObstaclesLog != "" {
		f, err := os.Create(opts.ObstaclesLog)
		if err != nil {
			return err
		}
		defer f.Close()
		w := pipeline.NewReplayWriter(f)
		sinks = append(sinks, pipeline.NewTopicSink(func(_ context.Context, msg pipeline.Message) error {
			return w.Write(msg)
		}))
	}

	var db *sqlite.DB
	var recorder *sqlite.Recorder
	if opts.DB != "" {
		db, err = sqlite.Open(opts.DB)
		if err != nil {
			return fmt.Errorf("open recorder database: %w", err)
		}
		defer db.Close()
		recorder, err = sqlite.NewRecorder(ctx, db, stageID, cfg)
		if err != nil {
			return err
		}
		defer recorder.Close(context.Background())
		sinks = append(sinks, recorder)
		log.Printf("recording run %s to %s", recorder.RunID(), opts.DB)
	}

	stageCfg := pipeline.StageConfigFromTuning(cfg)
	stageCfg.ID = stageID
	stageCfg.Sinks = sinks
	stageCfg.Metrics = metrics
	stage, err := pipeline.NewFusionStage(stageCfg)
	if err != nil {
		return err
	}
	node, err := pipeline.NewNode(pipeline.NodeConfig{
		Stage:       stage,
		MailboxSize: cfg.GetMailboxSize(),
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	defer func() {
		stop()
		wg.Wait()
	}()

	if opts.ConfigPath != "" {
		watcher, err := config.NewWatcher(opts.ConfigPath, func(c *config.FusionConfig) {
			stage.ApplyTuning(c)
			metrics.RecordConfigReload("ok")
		})
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = watcher.Run(ctx)
		}()
	}

	if opts.Listen != "" {
		srv, err := monitor.NewServer(monitor.Config{
			Address: opts.Listen,
			Stage:   stage,
			Latest:  latest,
			Node:    node,
			Metrics: metrics,
			DB:      db,
		})
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil {
				log.Printf("monitor: %v", err)
			}
		}()
	}

	in := io.Reader(cmd.InOrStdin())
	if opts.Replay != "-" {
		f, err := os.Open(opts.Replay)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	stats, err := replay(ctx, in, node, opts.Fast)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	created, lost := stage.Aggregator().Totals()
	log.Printf("replay done: %s dropped=%d tracks_created=%d tracks_lost=%d",
		stats, node.Dropped(), created, lost)

	if opts.Listen != "" && ctx.Err() == nil {
		log.Printf("monitor still serving on %s; interrupt to exit", opts.Listen)
		<-ctx.Done()
	}
	return nil
}

// replay feeds the log through the node. In fast mode every batch is
// processed inline; otherwise the node runs concurrently at recorded pace
// and drops the oldest batches when it falls behind.
func replay(ctx context.Context, in io.Reader, node *pipeline.Node, fast bool) (pipeline.ReplayStats, error) {
	if fast {
		stats, err := pipeline.Replay(ctx, in, node, pipeline.ReplayOptions{Synchronous: true})
		stats.Cycles += drain(ctx, node)
		return stats, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = node.Run(runCtx)
	}()

	stats, err := pipeline.Replay(ctx, in, node, pipeline.ReplayOptions{Paced: true})
	cancel()
	<-done
	processed := int(node.Processed())
	stats.Cycles = processed + drain(ctx, node)
	return stats, err
}

// drain runs the batches still queued in the node. It is detached from
// ctx's cancellation so batches accepted before an interrupt still reach
// every sink, including the recorder's transaction.
func drain(ctx context.Context, node *pipeline.Node) int {
	return node.ProcessPending(context.WithoutCancel(ctx))
}
