package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mux-ai/mux/internal/bgprocess"
	"github.com/mux-ai/mux/internal/config"
	"github.com/mux-ai/mux/internal/engine"
	"github.com/mux-ai/mux/internal/event"
	"github.com/mux-ai/mux/internal/history"
	"github.com/mux-ai/mux/internal/logging"
	"github.com/mux-ai/mux/internal/provider"
	"github.com/mux-ai/mux/internal/runtime"
	"github.com/mux-ai/mux/internal/server"
	"github.com/mux-ai/mux/internal/tool"
	"github.com/mux-ai/mux/pkg/types"
)

var (
	servePort      int
	serveHost      string
	serveDirectory string
	serveSSH       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mux HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Server port (default 8080)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind address")
	serveCmd.Flags().StringVarP(&serveDirectory, "directory", "d", "", "Working directory for the default workspace")
	serveCmd.Flags().StringVar(&serveSSH, "ssh", "", "Run the default workspace over SSH (user@host)")
}

func runServe(cmd *cobra.Command, args []string) error {
	dir, err := workDir(serveDirectory)
	if err != nil {
		return err
	}

	if err := config.GetPaths().EnsurePaths(); err != nil {
		return fmt.Errorf("create data directories: %w", err)
	}

	bus := event.NewBus()
	defer bus.Close()

	watcher, err := config.Watch(dir, bus)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer watcher.Close()
	cfg := watcher.Current()

	initLogging(cfg)
	log := logging.ForComponent("muxd")
	log.Info().Str("version", Version).Str("directory", dir).Msg("starting")

	hist := history.New(cfg.StorageDir())
	procs := bgprocess.NewManager(bus, processOptions(cfg)...)
	providers := buildProviders(cmd.Context(), cfg)
	tools := buildTools(cfg)

	eng := engine.NewManager(providers, tools, hist, procs, bus, engineConfig(cfg))
	tools.RegisterTaskTool(eng)

	rt := defaultRuntime()
	eng.RegisterWorkspace(engine.Workspace{
		ID:      types.WorkspaceID("default"),
		Runtime: rt,
		WorkDir: dir,
	})

	if err := eng.Recover(cmd.Context()); err != nil {
		log.Warn().Err(err).Msg("partial recovery failed")
	}

	srvCfg := server.DefaultConfig()
	if cfg.Server.Host != "" {
		srvCfg.Host = cfg.Server.Host
	}
	if cfg.Server.Port > 0 {
		srvCfg.Port = cfg.Server.Port
	}
	if serveHost != "" {
		srvCfg.Host = serveHost
	}
	if servePort > 0 {
		srvCfg.Port = servePort
	}

	srv := server.New(srvCfg, cfg, eng, hist, procs, providers, bus)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("host", srvCfg.Host).Int("port", srvCfg.Port).Msg("listening")
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("shutdown incomplete")
		}
		procs.TerminateAll(types.WorkspaceID("default"))
	}
	return nil
}

func initLogging(cfg *config.Config) {
	level := logLevel
	if cfg.Log.Level != "" && !rootCmd.PersistentFlags().Changed("log-level") {
		level = cfg.Log.Level
	}
	out := os.Stderr
	target := logFile
	if target == "" {
		target = cfg.Log.File
	}
	if target != "" {
		if f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			out = f
		}
	}
	logging.Init(logging.Config{
		Level:  logging.ParseLevel(level),
		Output: out,
		Pretty: cfg.Log.Pretty,
	})
}

func defaultRuntime() runtime.Runtime {
	if serveSSH == "" {
		return runtime.NewLocal()
	}
	return runtime.NewSSH(serveSSH)
}

func processOptions(cfg *config.Config) []bgprocess.Option {
	var opts []bgprocess.Option
	if cfg.Process.BufferLines > 0 {
		opts = append(opts, bgprocess.WithBufferLines(cfg.Process.BufferLines))
	}
	return opts
}

func engineConfig(cfg *config.Config) engine.Config {
	ec := engine.Config{
		FlushBytes:       cfg.Stream.FlushBytes,
		MaxSteps:         cfg.Stream.MaxSteps,
		MaxContextTokens: cfg.Stream.MaxContextTokens,
		RepetitionModels: cfg.Stream.RepetitionModels,
	}
	if cfg.Stream.FlushIntervalMs > 0 {
		ec.FlushInterval = time.Duration(cfg.Stream.FlushIntervalMs) * time.Millisecond
	}
	return ec
}

func buildTools(cfg *config.Config) *tool.Registry {
	all := tool.DefaultRegistry()
	if cfg.Tools == nil {
		return all
	}
	filtered := tool.NewRegistry()
	for _, t := range all.List() {
		if enabled, ok := cfg.Tools[t.ID()]; ok && !enabled {
			continue
		}
		filtered.Register(t)
	}
	return filtered
}

// buildProviders registers every provider the config carries credentials
// for.
func buildProviders(ctx context.Context, cfg *config.Config) *provider.Registry {
	registry := provider.NewRegistry(cfg.Model)
	log := logging.ForComponent("provider")

	if pc, ok := cfg.Provider["anthropic"]; ok && pc.APIKey != "" && !pc.Disabled {
		p, err := provider.NewAnthropicProvider(ctx, &provider.AnthropicConfig{
			APIKey:    pc.APIKey,
			BaseURL:   pc.BaseURL,
			Model:     pc.Model,
			MaxTokens: 8192,
		})
		if err != nil {
			log.Warn().Err(err).Msg("anthropic init failed")
		} else {
			registry.Register(p)
		}
	}

	if pc, ok := cfg.Provider["openai"]; ok && pc.APIKey != "" && !pc.Disabled {
		p, err := provider.NewOpenAIProvider(ctx, &provider.OpenAIConfig{
			APIKey:    pc.APIKey,
			BaseURL:   pc.BaseURL,
			Model:     pc.Model,
			MaxTokens: 4096,
		})
		if err != nil {
			log.Warn().Err(err).Msg("openai init failed")
		} else {
			registry.Register(p)
		}
	}

	if pc, ok := cfg.Provider["ark"]; ok && pc.APIKey != "" && !pc.Disabled {
		p, err := provider.NewArkProvider(ctx, &provider.ArkConfig{
			APIKey:    pc.APIKey,
			BaseURL:   pc.BaseURL,
			Model:     pc.Model,
			MaxTokens: 4096,
		})
		if err != nil {
			log.Warn().Err(err).Msg("ark init failed")
		} else {
			registry.Register(p)
		}
	}

	return registry
}
