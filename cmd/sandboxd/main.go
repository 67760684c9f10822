// sandboxd executes untrusted WASM plugins under graduated security
// policies from the command line: single runs, bounded-concurrency
// batches, and policy inspection.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"wasm-plugin-sandbox/internal/api"
	"wasm-plugin-sandbox/internal/config"
	"wasm-plugin-sandbox/internal/engine"
	"wasm-plugin-sandbox/internal/monitor"
	"wasm-plugin-sandbox/internal/policy"
	"wasm-plugin-sandbox/internal/sandbox"
	"wasm-plugin-sandbox/internal/service"
	"wasm-plugin-sandbox/internal/storage"
)

var version = "dev"

var (
	configPath    string
	phaseName     string
	isolationName string
	inputJSON     string
	memoryMB      int64
	timeLimit     time.Duration
	metricsAddr   string
	maxConcurrent int
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	root := &cobra.Command{
		Use:   "sandboxd",
		Short: "Graduated-policy sandbox for untrusted WASM plugins",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	root.PersistentFlags().StringVar(&phaseName, "phase", "", "Security phase (basic, enhanced, monitoring, zero_trust)")
	root.PersistentFlags().StringVar(&isolationName, "isolation", "", "Isolation level (strict, moderate, permissive)")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	runCmd := &cobra.Command{
		Use:   "run [module.wasm]",
		Short: "Execute one plugin module",
		Args:  cobra.ExactArgs(1),
		RunE:  runOne,
	}
	runCmd.Flags().StringVar(&inputJSON, "input", "{}", "JSON input passed to the plugin")
	runCmd.Flags().Int64Var(&memoryMB, "memory", 0, "Memory ceiling override in MB (tighten only)")
	runCmd.Flags().DurationVar(&timeLimit, "timeout", 0, "Time ceiling override (tighten only)")
	root.AddCommand(runCmd)

	batchCmd := &cobra.Command{
		Use:   "batch [module.wasm...]",
		Short: "Execute many plugin modules with bounded concurrency",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runBatch,
	}
	batchCmd.Flags().StringVar(&inputJSON, "input", "{}", "JSON input passed to every plugin")
	batchCmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "Concurrent execution cap")
	batchCmd.Flags().DurationVar(&timeLimit, "timeout", 0, "Hard per-plugin deadline")
	root.AddCommand(batchCmd)

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP execution API",
		RunE:  runServe,
	})

	root.AddCommand(&cobra.Command{
		Use:   "policies",
		Short: "Print the built-in phase policies",
		RunE:  runPolicies,
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("sandboxd", version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	if _, err := os.Stat("configs/config.yaml"); err == nil {
		return config.Load("configs/config.yaml")
	}
	log.Info().Msg("no config file found, using defaults")
	return config.DefaultConfig(), nil
}

// newService assembles the fully wired service from config and flags.
// The returned cleanup flushes audit records and releases the engine.
func newService(ctx context.Context, cfg *config.Config) (*service.Service, *monitor.Metrics, *storage.DB, func(), error) {
	overrides, err := cfg.PolicyOverrides()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	registry, err := policy.NewRegistryWithOverrides(overrides)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	metrics := monitor.NewMetrics()

	var db *storage.DB
	var audit *storage.AuditWriter
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			audit = storage.NewAuditWriter(db, cfg.Database.AuditBuffer)
			audit.Start()
		}
	}

	if _, err := sandbox.CleanupOrphaned(cfg.Engine.WorkDir, time.Hour); err != nil {
		log.Warn().Err(err).Msg("orphaned staging sweep failed")
	}

	eng := engine.NewWazero()

	svc, err := service.New(service.Options{
		Engine:       eng,
		Registry:     registry,
		Metrics:      metrics,
		Audit:        audit,
		WorkRoot:     cfg.Engine.WorkDir,
		MaxCodeBytes: cfg.Sandbox.MaxCodeBytes,
		MaxFuel:      cfg.Engine.MaxFuel,
	})
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, nil, nil, nil, err
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("engine close error")
		}
		if audit != nil {
			audit.Flush(10 * time.Second)
		}
		if db != nil {
			db.Close()
		}
	}
	return svc, metrics, db, cleanup, nil
}

func execConfig(cfg *config.Config) (service.ExecConfig, error) {
	ph := cfg.DefaultPhase()
	if phaseName != "" {
		var err error
		ph, err = policy.PhaseFor(phaseName)
		if err != nil {
			return service.ExecConfig{}, err
		}
	}

	level := cfg.DefaultIsolation()
	if isolationName != "" {
		var err error
		level, err = sandbox.IsolationFor(isolationName)
		if err != nil {
			return service.ExecConfig{}, err
		}
	}

	return service.ExecConfig{
		Phase:     ph,
		Isolation: level,
		Overrides: sandbox.Overrides{
			MemoryLimitMB: memoryMB,
			TimeLimit:     timeLimit,
		},
	}, nil
}

func loadRequest(path string, execCfg service.ExecConfig) (service.Request, error) {
	binary, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return service.Request{}, fmt.Errorf("reading module: %w", err)
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		return service.Request{}, fmt.Errorf("parsing --input: %w", err)
	}

	moduleID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return service.Request{
		ModuleID: moduleID,
		Binary:   binary,
		Input:    input,
		Config:   execCfg,
	}, nil
}

func runOne(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, metrics, _, cleanup, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	serveMetrics(metrics)

	execCfg, err := execConfig(cfg)
	if err != nil {
		return err
	}
	req, err := loadRequest(args[0], execCfg)
	if err != nil {
		return err
	}

	result := svc.ExecutePlugin(ctx, req)
	printJSON(result)

	if result.Status != service.StatusSuccess {
		os.Exit(1)
	}
	return nil
}

func runBatch(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, metrics, _, cleanup, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	serveMetrics(metrics)

	execCfg, err := execConfig(cfg)
	if err != nil {
		return err
	}

	requests := make([]service.Request, 0, len(args))
	for _, path := range args {
		req, err := loadRequest(path, execCfg)
		if err != nil {
			return err
		}
		requests = append(requests, req)
	}

	concurrent := cfg.Batch.MaxConcurrent
	if maxConcurrent > 0 {
		concurrent = maxConcurrent
	}
	deadline := cfg.Batch.TaskTimeout
	if timeLimit > 0 {
		deadline = timeLimit
	}

	results := svc.ExecuteBatch(ctx, service.BatchRequest{
		Requests:      requests,
		MaxConcurrent: concurrent,
		Timeout:       deadline,
	})
	printJSON(results)

	for _, r := range results {
		if r.Status != service.StatusSuccess {
			os.Exit(1)
		}
	}
	return nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, metrics, db, cleanup, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	emitHostProfile(cfg)

	server := api.NewServer(cfg, svc, db, metrics)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Msg("sandboxd serving")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}

func runPolicies(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	overrides, err := cfg.PolicyOverrides()
	if err != nil {
		return err
	}
	registry, err := policy.NewRegistryWithOverrides(overrides)
	if err != nil {
		return err
	}

	records := make([]policy.Record, 0, len(policy.Phases()))
	for _, ph := range policy.Phases() {
		records = append(records, registry.PolicyFor(ph))
	}
	printJSON(records)
	return nil
}

// emitHostProfile writes the zero-trust syscall whitelist as an OCI
// seccomp profile next to the staging root, so the daemon process
// itself can be confined to the same surface its strictest sandboxes
// get (systemd SystemCallFilter, container runtime --security-opt).
func emitHostProfile(cfg *config.Config) {
	registry, err := policy.NewRegistry()
	if err != nil {
		log.Warn().Err(err).Msg("host seccomp profile skipped")
		return
	}
	desc := sandbox.BuildDescriptor(sandbox.IsolationStrict,
		registry.PolicyFor(policy.PhaseZeroTrust), sandbox.Overrides{})

	path, err := sandbox.WriteHostProfile(cfg.Engine.WorkDir, desc)
	if err != nil {
		log.Warn().Err(err).Msg("host seccomp profile not written")
		return
	}
	log.Info().Str("path", path).Msg("host seccomp profile written")
}

// serveMetrics exposes the Prometheus registry on a side listener when
// --metrics-addr is set. Useful for long batch runs.
func serveMetrics(m *monitor.Metrics) {
	if metricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Error().Err(err).Str("addr", metricsAddr).Msg("metrics listener failed")
		}
	}()
	log.Info().Str("addr", metricsAddr).Msg("metrics listening")
}

func printJSON(v any) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("encoding result")
		return
	}
	fmt.Println(string(formatted))
}
