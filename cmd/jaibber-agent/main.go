// ABOUTME: Entry point for the jaibber-agent daemon
// ABOUTME: Connects one LLM-backed agent to its Jaibber projects

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/jaibber/agent-sdk/internal/agent"
	"github.com/jaibber/agent-sdk/internal/archive"
	"github.com/jaibber/agent-sdk/internal/config"
	"github.com/jaibber/agent-sdk/internal/llm"
	"github.com/jaibber/agent-sdk/internal/restapi"
	"github.com/jaibber/agent-sdk/internal/transport"
)

// Version is set by goreleaser at build time.
var version = "dev"

const stopTimeout = 10 * time.Second

type flags struct {
	configPath   string
	server       string
	username     string
	password     string
	agentName    string
	instructions string
	machineName  string
	projects     []string
	anthropicKey string
	archivePath  string
	logLevel     string
	showVersion  bool
}

func parseFlags() *flags {
	f := &flags{}
	pflag.StringVar(&f.configPath, "config", "", "path to YAML config file")
	pflag.StringVar(&f.server, "server", "", "Jaibber server URL")
	pflag.StringVar(&f.username, "username", "", "account username")
	pflag.StringVar(&f.password, "password", "", "account password (or JAIBBER_PASSWORD)")
	pflag.StringVar(&f.agentName, "agent-name", "", "display name the agent answers to")
	pflag.StringVar(&f.instructions, "instructions", "", "system prompt for the agent")
	pflag.StringVar(&f.machineName, "machine-name", "", "machine label shown in presence")
	pflag.StringSliceVar(&f.projects, "projects", nil, "restrict to these project names or ids")
	pflag.StringVar(&f.anthropicKey, "anthropic-key", "", "Anthropic API key (or ANTHROPIC_API_KEY)")
	pflag.StringVar(&f.archivePath, "archive", "", "path to the local SQLite message archive")
	pflag.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pflag.BoolVar(&f.showVersion, "version", false, "print version and exit")
	pflag.Parse()
	return f
}

// buildConfig merges the optional config file, environment fallbacks,
// and CLI flags. Flags win over the file; the environment fills gaps.
func buildConfig(f *flags) (*config.Config, error) {
	cfg := &config.Config{}
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if f.server != "" {
		cfg.Server.URL = f.server
	}
	if f.username != "" {
		cfg.Server.Username = f.username
	}
	if f.password != "" {
		cfg.Server.Password = f.password
	}
	if cfg.Server.Password == "" {
		cfg.Server.Password = os.Getenv("JAIBBER_PASSWORD")
	}

	if f.agentName != "" {
		cfg.Agent.Name = f.agentName
	}
	if f.instructions != "" {
		cfg.Agent.Instructions = f.instructions
	}
	if f.machineName != "" {
		cfg.Agent.MachineName = f.machineName
	}
	if len(f.projects) > 0 {
		cfg.Agent.Projects = f.projects
	}

	if f.anthropicKey != "" {
		cfg.Anthropic.APIKey = f.anthropicKey
	}
	if cfg.Anthropic.APIKey == "" {
		cfg.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	if f.archivePath != "" {
		cfg.Archive.Enabled = true
		cfg.Archive.Path = f.archivePath
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Server.Password == "" {
		return nil, fmt.Errorf("password is required (--password or JAIBBER_PASSWORD)")
	}
	if cfg.Anthropic.APIKey == "" {
		return nil, fmt.Errorf("anthropic key is required (--anthropic-key or ANTHROPIC_API_KEY)")
	}
	return cfg, nil
}

func main() {
	f := parseFlags()
	if f.showVersion {
		fmt.Printf("jaibber-agent %s\n", version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, f); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f *flags) error {
	cfg, err := buildConfig(f)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	green.Print("▶ ")
	fmt.Printf("Agent:     ")
	cyan.Println(cfg.Agent.Name)
	green.Print("▶ ")
	fmt.Printf("Server:    %s\n", cfg.Server.URL)
	if len(cfg.Agent.Projects) > 0 {
		green.Print("▶ ")
		fmt.Printf("Projects:  %s\n", strings.Join(cfg.Agent.Projects, ", "))
	}
	fmt.Println()

	api := restapi.NewClient(cfg.Server.URL, logger)
	if err := api.Login(ctx, cfg.Server.Username, cfg.Server.Password); err != nil {
		return err
	}

	tc, err := transport.NewAblyClient(api.UserID(), api.TransportTokenRequest, logger)
	if err != nil {
		return err
	}

	provider := llm.NewAnthropic(llm.AnthropicOptions{
		APIKey:    cfg.Anthropic.APIKey,
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
	})

	var arc *archive.Archive
	if cfg.Archive.Enabled {
		arc, err = archive.Open(cfg.Archive.Path, logger)
		if err != nil {
			return err
		}
		defer arc.Close()
	}

	rt, err := agent.New(api, tc, provider, arc, agent.Options{
		Username:          cfg.Server.Username,
		Password:          cfg.Server.Password,
		AgentName:         cfg.Agent.Name,
		Instructions:      cfg.Agent.Instructions,
		MachineName:       cfg.Agent.MachineName,
		Projects:          cfg.Agent.Projects,
		MaxResponseDepth:  cfg.Tuning.MaxResponseDepth,
		ContextWindow:     cfg.Tuning.ContextWindow,
		FlushWindow:       cfg.Tuning.ChunkWindow,
		GenerationTimeout: cfg.Tuning.GenerationTimeout,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	if err := rt.Start(ctx); err != nil {
		return err
	}

	green.Print("▶ ")
	fmt.Printf("Listening on %d project(s). Press Ctrl-C to stop.\n", len(rt.Projects()))

	<-ctx.Done()
	fmt.Println()
	logger.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	rt.Stop(stopCtx)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
