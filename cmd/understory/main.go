package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/jward/understory"
	"github.com/jward/understory/internal/config"
	"github.com/jward/understory/internal/store"
	"github.com/jward/understory/scripts"
)

var (
	flagConfig     string
	flagFormat     string
	flagDB         string
	flagManifest   string
	flagScriptsDir string
	flagWorkers    int
	flagLogLevel   string
	flagTrace      bool
)

// errorHandled is set by outputError so main() doesn't double-print.
var errorHandled bool

// Set by PersistentPreRunE.
var (
	cfg      *config.Config
	logger   *zap.Logger
	shutdown func(context.Context) error
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errorHandled {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "understory",
	Short:         "Incremental macro expansion over compilation units",
	Long:          "Understory builds per-unit definition maps in dependency order and expands macro calls with Risor scripts, caching every expansion in a registry that survives edits and restarts.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := validateFormat(flagFormat); err != nil {
			return err
		}
		return setup(cmd)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return teardown()
	},
	// No Run, so bare invocation prints help.
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "config file (default: ./understory.yaml if present)")
	pf.StringVar(&flagFormat, "format", "json", "output format: json|text")
	pf.StringVar(&flagDB, "db", "", "database path")
	pf.StringVar(&flagManifest, "manifest", "", "manifest path")
	pf.StringVar(&flagScriptsDir, "scripts-dir", "", "load scripts from disk path instead of embedded")
	pf.IntVar(&flagWorkers, "workers", 0, "build and expansion concurrency")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level: debug|info|warn|error")
	pf.BoolVar(&flagTrace, "trace", false, "print trace spans to stderr")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(watchCmd)
}

// setup loads configuration, builds the logger and installs tracing.
func setup(cmd *cobra.Command) error {
	v := config.New()
	for key, flag := range map[string]string{
		"db":          "db",
		"manifest":    "manifest",
		"scripts_dir": "scripts-dir",
		"workers":     "workers",
		"log.level":   "log-level",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	c, err := config.Load(v, flagConfig)
	if err != nil {
		return err
	}
	l, err := c.Log.BuildLogger()
	if err != nil {
		return err
	}
	cfg, logger = c, l

	shutdown = func(context.Context) error { return nil }
	if flagTrace {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		otel.SetTracerProvider(tp)
		shutdown = tp.Shutdown
	}
	return nil
}

func teardown() error {
	var err error
	if shutdown != nil {
		err = shutdown(context.Background())
	}
	if logger != nil {
		_ = logger.Sync()
	}
	return err
}

// openEngine creates an Engine from the loaded configuration.
func openEngine() (*understory.Engine, error) {
	dbPath, err := filepath.Abs(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", cfg.DB, err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", filepath.Dir(dbPath), err)
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	opts := []understory.Option{
		understory.WithLogger(logger),
		understory.WithWorkers(cfg.Workers),
		understory.WithRecursionLimit(cfg.RecursionLimit),
		understory.WithMissingDependencies(policy),
		understory.WithMaxOutput(cfg.MaxOutput),
		understory.WithExpandTimeout(cfg.ExpandTimeout),
		understory.WithAttrsDir(cfg.AttrsDir),
	}
	// Script source: scripts_dir overrides embedded FS.
	if cfg.ScriptsDir == "" {
		opts = append(opts, understory.WithScriptsFS(scripts.FS))
	}
	engine, err := understory.New(dbPath, cfg.ScriptsDir, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	return engine, nil
}

// session is an engine brought up to date with the manifest: the saved
// registry is loaded when compatible, then units are built and expanded.
type session struct {
	engine *understory.Engine
	build  *understory.BuildResult
	expand *understory.ExpandResult
}

func openSession(ctx context.Context) (*session, error) {
	engine, err := openEngine()
	if err != nil {
		return nil, err
	}
	s := &session{engine: engine}

	n, err := engine.Load(ctx)
	switch {
	case err == nil:
		logger.Debug("loaded registry", zap.Int("units", n))
	case errors.Is(err, store.ErrNoRegistry), errors.Is(err, store.ErrVersionMismatch):
		logger.Info("starting with an empty registry", zap.Error(err))
	default:
		engine.Close()
		return nil, err
	}

	if err := s.refresh(ctx); err != nil {
		engine.Close()
		return nil, err
	}
	return s, nil
}

// refresh rebuilds and re-expands.
func (s *session) refresh(ctx context.Context) error {
	br, err := s.engine.Build(ctx, cfg.Manifest)
	if err != nil {
		return fmt.Errorf("building: %w", err)
	}
	er, err := s.engine.Expand(ctx)
	if err != nil {
		return fmt.Errorf("expanding: %w", err)
	}
	s.build, s.expand = br, er
	return nil
}

func (s *session) Close() error {
	return s.engine.Close()
}
