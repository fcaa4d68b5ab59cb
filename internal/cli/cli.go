// Package cli builds the Cobra command tree for the analysis runner,
// adapted from the teacher's internal/cli package: a root command with a
// persistent --config flag, a run subcommand that wires every ambient
// subsystem together and blocks until shutdown, and a status subcommand
// that reports the loaded configuration.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/analysis-runner/internal/analysis"
	"github.com/ChuLiYu/analysis-runner/internal/announcer"
	"github.com/ChuLiYu/analysis-runner/internal/config"
	"github.com/ChuLiYu/analysis-runner/internal/eventlog"
	"github.com/ChuLiYu/analysis-runner/internal/measurements"
	"github.com/ChuLiYu/analysis-runner/internal/metrics"
	"github.com/ChuLiYu/analysis-runner/internal/pipeline"
	"github.com/ChuLiYu/analysis-runner/internal/statusexport"
	"github.com/ChuLiYu/analysis-runner/internal/worker"
	"github.com/ChuLiYu/analysis-runner/pkg/events"
)

var log = slog.Default()

var configFile string

// BuildCLI constructs the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "analysis-runner",
		Short:   "Distributed analysis runner: dispatches image-analysis jobs to worker processes",
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var measurementsPath string
	var workerCmd string
	var imageProviderEndpoint string
	var grouping bool
	var imageSetCount int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start one analysis run and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalysis(runOpts{
				measurementsPath:      measurementsPath,
				workerCmd:             workerCmd,
				imageProviderEndpoint: imageProviderEndpoint,
				grouping:              grouping,
				imageSetCount:         imageSetCount,
			})
		},
	}

	cmd.Flags().StringVar(&measurementsPath, "measurements", "./data/measurements.json", "measurements store path")
	cmd.Flags().StringVar(&workerCmd, "worker-cmd", "", "path to the worker process executable")
	cmd.Flags().StringVar(&imageProviderEndpoint, "image-provider", "", "image-provider subservice endpoint (already running)")
	cmd.Flags().BoolVar(&grouping, "grouping", false, "treat the pipeline as declaring Group_Number/Group_Index")
	cmd.Flags().IntVar(&imageSetCount, "image-sets", 0, "number of image sets to seed a fresh measurements store with")
	cmd.MarkFlagRequired("worker-cmd")

	return cmd
}

type runOpts struct {
	measurementsPath      string
	workerCmd             string
	imageProviderEndpoint string
	grouping              bool
	imageSetCount         int
}

func runAnalysis(opts runOpts) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	store, err := openOrSeedStore(opts.measurementsPath, opts.imageSetCount)
	if err != nil {
		return fmt.Errorf("cli: measurements store: %w", err)
	}

	collector := metrics.NewCollector()
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	elog, err := eventlog.Open(fmt.Sprintf("%s/events.jsonl", cfg.EventLog.Dir), cfg.EventLog.BufferSize, cfg.EventLog.FlushInterval)
	if err != nil {
		return fmt.Errorf("cli: event log: %w", err)
	}
	defer elog.Close()

	exporter := statusexport.New(fmt.Sprintf("%s/status.json", cfg.StatusExport.Dir))

	queue := announcer.NewQueue(64)
	hub := announcer.NewHub()
	go hub.Run(queue)

	announceListener, announceEndpoint, err := listenHTTP(cfg.Announcer.BindAddress, hub)
	if err != nil {
		return fmt.Errorf("cli: announcer listener: %w", err)
	}
	defer announceListener.Close()

	factory := execWorkerFactory(opts.workerCmd)
	supervisor := worker.NewSupervisor(factory, cfg.Worker.ShutdownGrace)

	p := pipeline.NewNoop(opts.grouping)
	a := analysis.New(p, store, supervisor, queue, announceEndpoint, opts.imageProviderEndpoint, analysis.Deps{
		Metrics:  collector,
		Exporter: exporter,
	})

	sink := events.SinkFunc(func(e events.Event) {
		logEvent(e)
		recordMetrics(collector, e)
		if err := elog.Append(e.RunID, e.Kind.String(), e.Payload); err != nil {
			log.Error("event log append failed", "error", err)
		}
	})

	runID, err := a.Start(sink, analysis.Options{
		ImageSetStart: 0,
		ImageSetEnd:   0,
		JobServerBind: cfg.Boundary.BindAddress,
		WorkerCount:   cfg.Worker.Count,
	})
	if err != nil {
		return fmt.Errorf("cli: start analysis: %w", err)
	}
	log.Info("analysis started", "run_id", runID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sig:
			log.Info("shutdown signal received, cancelling run", "run_id", runID)
			_ = a.Cancel()
		case <-ticker.C:
			collector.SetWorkersAlive(supervisor.Alive())
			if !a.Check() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownGrace+time.Second)
				if err := supervisor.Shutdown(ctx); err != nil {
					log.Error("worker supervisor shutdown failed", "error", err)
				}
				cancel()
				log.Info("analysis finished", "run_id", runID)
				return nil
			}
		}
	}
}

// listenHTTP binds addr, serves h on it in a background goroutine, and
// returns the listener (so the caller can close it on shutdown) plus the
// concrete "host:port" endpoint workers should subscribe to — resolving
// a ":0" bind to whatever port the kernel actually picked.
func listenHTTP(addr string, h http.Handler) (net.Listener, string, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", err
	}
	go func() {
		if err := http.Serve(lis, h); err != nil {
			log.Info("announce listener stopped", "error", err)
		}
	}()
	return lis, lis.Addr().String(), nil
}

func execWorkerFactory(path string) worker.CommandFactory {
	return func(index int, announceEndpoint, imageProviderEndpoint string) *exec.Cmd {
		cmd := exec.Command(path,
			"--announce-endpoint", announceEndpoint,
			"--image-provider-endpoint", imageProviderEndpoint,
			"--worker-index", fmt.Sprintf("%d", index),
		)
		cmd.Stderr = os.Stderr
		return cmd
	}
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the loaded configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

func showStatus() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	fmt.Printf("Config file:        %s\n", configFile)
	fmt.Printf("Worker count:       %d (0 = auto)\n", cfg.Worker.Count)
	fmt.Printf("Worker shutdown:    %s\n", cfg.Worker.ShutdownGrace)
	fmt.Printf("Boundary bind:      %s\n", cfg.Boundary.BindAddress)
	fmt.Printf("Announcer bind:     %s\n", cfg.Announcer.BindAddress)
	fmt.Printf("Metrics:            enabled=%v port=%d\n", cfg.Metrics.Enabled, cfg.Metrics.Port)
	fmt.Printf("Event log dir:      %s\n", cfg.EventLog.Dir)
	fmt.Printf("Status export dir:  %s\n", cfg.StatusExport.Dir)
	return nil
}

func openOrSeedStore(path string, imageSetCount int) (measurements.Store, error) {
	if _, err := os.Stat(path); err == nil {
		return measurements.OpenFileStore(path)
	}
	store := measurements.NewFileStore(path)
	for i := 1; i <= imageSetCount; i++ {
		store.Write("Image", "FileName", i, fmt.Sprintf("image_%04d.tif", i))
	}
	if err := store.Flush(); err != nil {
		return nil, err
	}
	return store, nil
}

func logEvent(e events.Event) {
	log.Info("lifecycle event", "kind", e.Kind.String(), "run_id", e.RunID, "counts", e.Counts, "cancelled", e.Cancelled)
	if e.Reply != nil {
		// Interaction/Display/Exception requests from workers have no
		// front-end UI wired in this CLI; acknowledge immediately so the
		// worker never blocks indefinitely on a reply that will never come.
		e.Reply(map[string]string{}, nil)
	}
}

func recordMetrics(c *metrics.Collector, e events.Event) {
	switch e.Kind {
	case events.AnalysisStarted:
		c.RecordStarted()
	case events.AnalysisFinished:
		c.RecordFinished()
	case events.AnalysisCancelled:
		c.RecordCancelled()
	case events.AnalysisProgress:
		c.SetImageSetCounts(e.Counts.Unprocessed, e.Counts.InProcess, e.Counts.Done)
	}
}
