package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"parley/internal/infra/config"
	"parley/internal/infra/logger"
	"parley/internal/infra/tracer"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "send":
		if err := runSend(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			os.Exit(1)
		}
	case "watch":
		if err := runWatch(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "watch: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'parley --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`parley - multi-agent conversation runtime

USAGE:
    parley [COMMAND] [FLAGS]

COMMANDS:
    send        Post a message into a topic
                parley send --topic ID --from ID [--mention AGENT]... TEXT
    watch       Follow topics of a running process live (redis transport)
                parley watch --topic ID [--topic ID]...
    doctor      Run health checks on your setup

    (no command) - Run the agent runtime with existing config

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: PARLEY_* variables override config

EXAMPLES:
    parley                                       # Run with config.yaml
    parley --config /etc/parley/config.yaml      # Run with custom config
    parley send --topic t1 --from u1 hello       # Talk to the agents of t1
    parley watch --topic t1                      # Follow t1 in the terminal
    parley doctor                                # Check system health`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("PARLEY_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 3. LLM collaborators
	llmComp, err := initLLM(cfg, log)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	// 4. Store, transport, topic bus, tools, engine, actors
	rt, cleanup, err := initRuntime(ctx, cfg, llmComp, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := cleanup(shutdownCtx); err != nil {
			log.Error("runtime cleanup error", "error", err)
		}
	}()

	// 5. Seed agents and topics, activate agent participants
	if err := seed(ctx, cfg, rt, log); err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	// 6. Ops server
	errCh := make(chan error, 1)
	if rt.Gateway != nil {
		go func() {
			if err := rt.Gateway.Start(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	log.Info("parley starting",
		"store", cfg.Store.Driver,
		"transport", cfg.Bus.Transport,
		"providers", llmComp.Registry.List(),
		"tools", len(rt.Catalog.Names()),
		"agents", len(cfg.Agents),
		"topics", len(cfg.Topics),
	)

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
		return nil
	case err := <-errCh:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}
