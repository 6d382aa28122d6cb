// Command quill is a dictation pipeline: capture speech, transcribe it with
// a local whisper.cpp engine, optionally clean it up through a remote AI
// provider, and print the result.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quillvoice/quill/internal/bus"
	"github.com/quillvoice/quill/internal/capture"
	"github.com/quillvoice/quill/internal/config"
	"github.com/quillvoice/quill/internal/engine"
	"github.com/quillvoice/quill/internal/enhance"
	"github.com/quillvoice/quill/internal/focus"
	"github.com/quillvoice/quill/internal/history"
	"github.com/quillvoice/quill/internal/logging"
	"github.com/quillvoice/quill/internal/pipeline"
	"github.com/quillvoice/quill/internal/profile"
	"github.com/quillvoice/quill/internal/prompts"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "quill",
		Short:         "Dictation pipeline: local transcription with optional AI cleanup",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(runCmd(), transcribeCmd(), historyCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app bundles the wired components for one invocation.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	eventBus *bus.EventBus
	engines  *engine.Manager
	orch     *pipeline.Orchestrator
	store    *history.Store
}

// wire builds the pipeline from configuration. recorder overrides the
// configured capture command when non-nil (one-shot file runs).
func wire(recorder capture.Recorder) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(&logging.Config{
		LogDir:  filepath.Join(must(config.Dir()), "logs"),
		Level:   logging.LogLevel(cfg.Logging.Level),
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	eventBus := bus.NewEventBus()

	eng := engine.NewWhisperCpp(&engine.WhisperCppConfig{
		ExecutablePath: cfg.Engine.ExecutablePath,
		NumThreads:     cfg.Engine.NumThreads,
		Language:       cfg.Engine.Language,
		EnableGPU:      cfg.Engine.EnableGPU,
	}, logger.Zerolog())

	modelDir := cfg.Engine.ModelDir
	engines := engine.NewManager(eng,
		engine.ManagerConfig{IdleUnload: cfg.Engine.IdleUnload},
		func(model string) string {
			return filepath.Join(modelDir, fmt.Sprintf("ggml-%s.bin", model))
		},
		eventBus, logger.Zerolog())

	enhancer := enhance.NewClient(enhance.ClientConfig{
		RequestTimeout: cfg.Enhance.RequestTimeout,
		MaxAttempts:    cfg.Enhance.MaxAttempts,
		MaxDelay:       cfg.Enhance.MaxDelay,
		MinInterval:    cfg.Enhance.MinInterval,
	}, logger.Zerolog())
	registerProviders(enhancer, cfg.Enhance.Providers)

	if recorder == nil {
		recorder = capture.NewCommandRecorder(capture.CommandConfig{
			Command:    cfg.Capture.Command,
			SampleRate: cfg.Capture.SampleRate,
			Channels:   cfg.Capture.Channels,
			BitDepth:   cfg.Capture.BitDepth,
		}, logger.Zerolog())
	}

	var sink pipeline.Sink
	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(cfg.History.DBPath)
		if err != nil {
			zl := logger.Zerolog()
			zl.Warn().Err(err).Msg("History unavailable, continuing without it")
		} else {
			sink = history.NewSessionSink(store)
		}
	}

	orch := pipeline.New(
		pipeline.Config{Model: cfg.Engine.Model},
		pipeline.Deps{
			Recorder: recorder,
			Engines:  engines,
			Resolver: profile.NewResolver(cfg.Profiles),
			Enhancer: enhancer,
			Prompts:  prompts.Load(filepath.Join(must(config.Dir()), "prompts.yaml")),
			Source:   focusSource(),
			Sink:     sink,
			Bus:      eventBus,
		},
		logger.Zerolog())

	return &app{cfg: cfg, logger: logger, eventBus: eventBus, engines: engines, orch: orch, store: store}, nil
}

func (a *app) close() {
	a.engines.Shutdown()
	if a.store != nil {
		a.store.Close()
	}
	a.logger.Close()
}

// registerProviders wires every configured enhancement provider.
func registerProviders(client *enhance.Client, cfgs map[string]config.ProviderConfig) {
	for name, pc := range cfgs {
		cfg := enhance.ProviderConfig{APIKey: pc.APIKey, Endpoint: pc.Endpoint, Model: pc.Model}
		switch name {
		case "openai":
			client.Register(enhance.NewOpenAI(cfg))
		case "groq":
			client.Register(enhance.NewGroq(cfg))
		case "anthropic":
			client.Register(enhance.NewAnthropic(cfg))
		case "ollama":
			client.Register(enhance.NewOllama(cfg))
		}
	}
}

// focusSource picks the context source: QUILL_FOCUS_CMD names an external
// detector; otherwise the default profile applies everywhere.
func focusSource() focus.Source {
	if cmd := os.Getenv("QUILL_FOCUS_CMD"); cmd != "" {
		parts := strings.Fields(cmd)
		return focus.Command{Path: parts[0], Args: parts[1:]}
	}
	return focus.Static{}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Interactive session loop: start, stop, cancel, quit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wire(nil)
			if err != nil {
				return err
			}
			defer a.close()

			a.eventBus.Subscribe(bus.EventTypeStageChanged, func(e bus.Event) {
				fmt.Printf("  [%s] %s -> %s\n", e.Data["session_id"], e.Data["old_stage"], e.Data["new_stage"])
			})

			config.Watch(func(cfg *config.Config) {
				zl := a.logger.Zerolog()
				zl.Info().Msg("Configuration reloaded")
				a.eventBus.Publish(bus.Event{Type: bus.EventTypeConfigReloaded})
			})

			fmt.Println("quill ready. Commands: start | stop | cancel | quit")
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				switch strings.TrimSpace(scanner.Text()) {
				case "start":
					if _, err := a.orch.Start(cmd.Context()); err != nil {
						fmt.Println("error:", err)
					}
				case "stop":
					sess, err := a.orch.StopAndTranscribe(cmd.Context())
					switch {
					case errors.Is(err, pipeline.ErrCancelled):
						fmt.Println("cancelled")
					case err != nil:
						fmt.Println("error:", err)
					default:
						fmt.Println(sess.FinalText())
					}
				case "cancel":
					if err := a.orch.Cancel(); err != nil {
						fmt.Println("error:", err)
					}
				case "quit", "exit":
					return nil
				case "":
				default:
					fmt.Println("commands: start | stop | cancel | quit")
				}
			}
			return scanner.Err()
		},
	}
}

func transcribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transcribe <audio.wav>",
		Short: "Run one file through the full pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := capture.LoadWAVFile(args[0])
			if err != nil {
				return err
			}

			a, err := wire(capture.NewStaticRecorder(buf))
			if err != nil {
				return err
			}
			defer a.close()

			ctx := context.Background()
			if _, err := a.orch.Start(ctx); err != nil {
				return err
			}
			sess, err := a.orch.StopAndTranscribe(ctx)
			if err != nil {
				return err
			}
			fmt.Println(sess.FinalText())
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := history.Open(cfg.History.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.Recent(limit)
			if err != nil {
				return err
			}
			for _, r := range records {
				text := r.EnhancedText
				if text == "" {
					text = r.RawText
				}
				fmt.Printf("%s  %-9s  %s\n", r.StartedAt.Format("2006-01-02 15:04"), r.Stage, text)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("quill", version)
		},
	}
}

func must(s string, err error) string {
	if err != nil {
		return "."
	}
	return s
}
