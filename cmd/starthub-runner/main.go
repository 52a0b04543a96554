// Command starthub-runner is a thin front-end over the execution engine: it
// resolves an action reference, runs it with the supplied inputs, and prints
// the final outputs as JSON on stdout. Progress goes to stderr via slog.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/starthubhq/runner/internal/artifact"
	"github.com/starthubhq/runner/internal/config"
	"github.com/starthubhq/runner/internal/ctxlog"
	"github.com/starthubhq/runner/internal/engine"
	"github.com/starthubhq/runner/internal/sandbox"
)

var (
	inputFlags []string
	inputsFile string
	logLevel   string
	logFormat  string
	endpoint   string
	cacheDir   string
)

var rootCmd = &cobra.Command{
	Use:   "starthub-runner",
	Short: "Composition runner: execute composite actions as a DAG of atomic steps",
}

var runCmd = &cobra.Command{
	Use:   "run <namespace/name:version>",
	Short: "Run an action with the given inputs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(args[0])
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringArrayVarP(&inputFlags, "input", "i", nil,
		"Input binding name=value; the value is parsed as JSON, falling back to a plain string (repeatable)")
	runCmd.Flags().StringVar(&inputsFile, "inputs-file", "",
		"Path to a JSON file holding the full input map")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	runCmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	runCmd.Flags().StringVar(&endpoint, "endpoint", "", "Override the artifact endpoint")
	runCmd.Flags().StringVar(&cacheDir, "cache-dir", "", "Override the local artifact cache directory")
}

func runAction(action string) error {
	logger := slog.New(newLogHandler(os.Stderr))
	ctx := ctxlog.WithLogger(context.Background(), logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if cacheDir != "" {
		cfg.CacheDir = cacheDir
	}

	inputs, err := collectInputs()
	if err != nil {
		return err
	}

	containers := sandbox.NewContainerRunner()
	store := artifact.New(cfg, artifact.WithPuller(containers))
	eng := engine.New(store, engine.WithContainerSandbox(containers))

	sink := engine.SinkFunc(func(e engine.Event) {
		switch e.Type {
		case engine.EventArtifactResolved:
			logger.Debug("Artifact resolved.", "uses", e.Uses)
		case engine.EventStepStarted:
			logger.Info("Step started.", "node", e.NodeID, "name", e.OriginalName, "uses", e.Uses)
		case engine.EventStepCompleted:
			logger.Info("Step completed.", "node", e.NodeID)
		case engine.EventStepFailed:
			logger.Error("Step failed.", "node", e.NodeID, "reason", e.Reason, "stderr", e.StderrTail)
		}
	})

	result, err := eng.Run(ctx, action, inputs, sink)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result.Outputs)
}

// newLogHandler builds the slog handler selected by the --log-level and
// --log-format flags. An unrecognised level falls back to info.
func newLogHandler(w io.Writer) slog.Handler {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if logFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// collectInputs merges --inputs-file with repeated --input flags; flags win.
func collectInputs() (map[string]any, error) {
	inputs := make(map[string]any)

	if inputsFile != "" {
		data, err := os.ReadFile(inputsFile)
		if err != nil {
			return nil, fmt.Errorf("reading inputs file: %w", err)
		}
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("parsing inputs file %s: %w", inputsFile, err)
		}
	}

	for _, binding := range inputFlags {
		name, raw, ok := strings.Cut(binding, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --input %q, expected name=value", binding)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		inputs[name] = value
	}
	return inputs, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
