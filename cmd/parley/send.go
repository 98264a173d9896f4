package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"parley/internal/adapter/store"
	"parley/internal/domain"
	"parley/internal/infra/config"
	"parley/internal/infra/logger"
	"parley/internal/usecase/topic"
)

// sendArgs are the parsed arguments of `parley send`.
type sendArgs struct {
	TopicID    string
	SenderID   string
	SenderType domain.SenderType
	Mentions   []string
	Content    string
}

// parseSendArgs parses --topic, --from, --as and repeated --mention flags;
// everything else is joined into the message text.
func parseSendArgs(args []string) (sendArgs, error) {
	out := sendArgs{SenderType: domain.SenderUser}
	var words []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--topic", "--from", "--as", "--mention":
			if !hasValue {
				if i+1 >= len(args) {
					return sendArgs{}, fmt.Errorf("%s needs a value", name)
				}
				i++
				value = args[i]
			}
			switch name {
			case "--topic":
				out.TopicID = value
			case "--from":
				out.SenderID = value
			case "--as":
				out.SenderType = domain.SenderType(value)
			case "--mention":
				out.Mentions = append(out.Mentions, value)
			}
		case "--config":
			if !hasValue {
				i++
			}
		default:
			words = append(words, arg)
		}
	}
	out.Content = strings.Join(words, " ")

	if out.TopicID == "" || out.SenderID == "" {
		return sendArgs{}, fmt.Errorf("--topic and --from are required")
	}
	if out.Content == "" {
		return sendArgs{}, fmt.Errorf("message text is required")
	}
	switch out.SenderType {
	case domain.SenderUser, domain.SenderAgent, domain.SenderSystem:
	default:
		return sendArgs{}, fmt.Errorf("--as must be user, agent or system")
	}
	return out, nil
}

// runSend persists a message and publishes it so a running parley process
// sharing the store and a redis transport picks it up.
func runSend(args []string) error {
	sa, err := parseSendArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	if cfg.Store.Driver == "memory" {
		return fmt.Errorf("store driver %q is private to one process; use sqlite", cfg.Store.Driver)
	}
	if cfg.Bus.Transport != "redis" {
		fmt.Fprintln(os.Stderr, "warning: bus transport is not redis; the message is stored but no running process will see it")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	transport, err := openTransport(ctx, cfg.Bus, log)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer transport.Close()

	bus := topic.NewBus(transport, st, nil, log)
	msg, err := bus.SendMessage(ctx, topic.SendRequest{
		TopicID:    sa.TopicID,
		SenderID:   sa.SenderID,
		SenderType: sa.SenderType,
		Content:    sa.Content,
		Mentions:   sa.Mentions,
	})
	if err != nil {
		return err
	}
	fmt.Printf("sent %s to %s\n", msg.ID, msg.TopicID)
	return nil
}
