package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rtplan/internal/logging"
	"rtplan/pkg/config"
	"rtplan/pkg/planner"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "rtplan.yaml", "YAML configuration file")
	initConfig := flag.Bool("init-config", false, "Write the default configuration to -config and exit")
	name := flag.String("name", "phantom", "Plan name in the store")
	levels := flag.Int("levels", 0, "Number of pyramid levels (overrides the config)")
	beams := flag.Int("beams", 0, "Number of beams (overrides the config)")
	method := flag.String("method", "", "Optimizer: cg, bfgs, lbfgs or gradient-descent (overrides the config)")
	iterations := flag.Int("iterations", 0, "Maximum iterations per level (overrides the config)")
	source := flag.String("source", "", "Pencil beams: cylinder, engine or library (overrides the config)")
	libraryDir := flag.String("library", "", "Directory of precomputed pencil beams for -source library")
	kernelPath := flag.String("kernel", "", "Kernel data file (overrides the config)")
	outputDir := flag.String("output", "", "Directory for dose images and DVH tables (overrides the config)")
	backend := flag.String("store", "", "Plan store: memory or sqlite (overrides the config)")
	dbPath := flag.String("db", "", "SQLite database file (overrides the config)")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address")
	numCores := flag.Int("cores", 0, "Number of CPU cores for dose superposition (overrides the config)")
	verbose := flag.Bool("verbose", false, "Log every optimizer iteration")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, flagOverrides{
		levels: *levels, beams: *beams, method: *method, iterations: *iterations,
		source: *source, kernel: *kernelPath, output: *outputDir, backend: *backend,
		library: *libraryDir, db: *dbPath, metrics: *metricsAddr, cores: *numCores, verbose: *verbose,
	})

	level := slog.LevelInfo
	if cfg.Output.Verbose {
		level = slog.LevelDebug
	}
	logging.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		serveMetrics(cfg.Metrics.Address)
	}

	fmt.Println("================================")
	fmt.Println("MULTI-SCALE INVERSE PLANNING ON A WATER PHANTOM")
	fmt.Println("================================")

	p := planner.NewPlanner(&planner.Params{Name: *name, Config: cfg})
	startTime := time.Now()
	if err := p.Process(ctx); err != nil {
		logging.Logger().Error("planning failed", "error", err)
		os.Exit(1)
	}
	printReport(p.Report(), time.Since(startTime))
}

type flagOverrides struct {
	levels, beams, iterations, cores        int
	method, source, kernel, output, backend string
	library, db, metrics                    string
	verbose                                 bool
}

// applyFlags copies the flags that were set over the file configuration
func applyFlags(cfg *config.Config, f flagOverrides) {
	if f.levels > 0 {
		cfg.Pyramid.Levels = f.levels
	}
	if f.beams > 0 {
		cfg.Pyramid.Beams = f.beams
	}
	if f.method != "" {
		cfg.Optimizer.Method = f.method
	}
	if f.iterations > 0 {
		cfg.Optimizer.MaxIterations = f.iterations
	}
	if f.source != "" {
		cfg.Pyramid.Source = f.source
	}
	if f.library != "" {
		cfg.Pyramid.LibraryDir = f.library
	}
	if f.kernel != "" {
		cfg.Kernel.Path = f.kernel
	}
	if f.output != "" {
		cfg.Output.Dir = f.output
	}
	if f.backend != "" {
		cfg.Storage.Backend = f.backend
	}
	if f.db != "" {
		cfg.Storage.Path = f.db
	}
	if f.metrics != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = f.metrics
	}
	if f.cores > 0 {
		cfg.Dose.NumCores = f.cores
	}
	if f.verbose {
		cfg.Output.Verbose = true
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Logger().Warn("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	logging.Logger().Info("serving metrics", "addr", addr)
}

func printReport(rep planner.Report, elapsed time.Duration) {
	fmt.Printf("\nPlanning completed in %.2f seconds\n", elapsed.Seconds())
	fmt.Printf("Plan %q: %d beams, %d levels, %d beamlets (run %s)\n\n",
		rep.Plan, rep.Beams, rep.Levels, rep.Beamlets, rep.RunID)

	fmt.Println("Beams:")
	for _, b := range rep.BeamInfo {
		fmt.Printf("- %s: gantry %.1f°, source (%.1f, %.1f, %.1f) mm, %d blocks\n",
			b.Name, b.Gantry*180/math.Pi, b.Source[0], b.Source[1], b.Source[2], b.Blocks)
	}
	fmt.Printf("Open field energy: incident %.4g, released %.4g, exit %.4g, imbalance %.2g\n\n",
		rep.Energy.Incident, rep.Energy.Released, rep.Energy.Exit, rep.Energy.Imbalance)

	if rep.Result != nil {
		fmt.Println("Optimisation:")
		for _, l := range rep.Result.Levels {
			fmt.Printf("- level %d: %d iterations, cost %.6f, %s, %.2fs\n",
				l.Level, l.Iterations, l.Cost, l.Status, l.Duration.Seconds())
		}
		fmt.Printf("- final cost %.6f after %d iterations\n\n", rep.Result.FinalCost, rep.Result.TotalIterations)
	}

	fmt.Println("Dose statistics:")
	fmt.Printf("%-8s %10s %8s %8s %8s %8s %8s\n", "region", "volume", "mean", "std", "D95", "D5", "max")
	for _, s := range rep.Structures {
		fmt.Printf("%-8s %10.0f %8.4f %8.4f %8.4f %8.4f %8.4f\n",
			s.Name, s.Volume, s.Stats.Mean, s.Stats.StdDev, s.Stats.D95, s.Stats.D5, s.Stats.Max)
	}
	if rep.OutputDir != "" {
		fmt.Printf("\nDose images and dvh.csv saved to: %s\n", rep.OutputDir)
	}
}
