package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"parley/internal/adapter/tui/watch"
	"parley/internal/domain"
	"parley/internal/infra/config"
	"parley/internal/usecase/topic"
)

// parseWatchArgs collects repeated --topic flags.
func parseWatchArgs(args []string) ([]string, error) {
	var topics []string
	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		switch name {
		case "--topic":
			if !hasValue {
				if i+1 >= len(args) {
					return nil, fmt.Errorf("--topic needs a value")
				}
				i++
				value = args[i]
			}
			topics = append(topics, value)
		case "--config":
			if !hasValue {
				i++
			}
		default:
			return nil, fmt.Errorf("unexpected argument %q", args[i])
		}
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("at least one --topic is required")
	}
	return topics, nil
}

// runWatch subscribes to the topic channels of a running parley process
// over redis and renders the live feed.
func runWatch(args []string) error {
	topics, err := parseWatchArgs(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Bus.Transport != "redis" {
		return fmt.Errorf("bus transport %q is private to one process; watch needs redis", cfg.Bus.Transport)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The TUI owns the terminal, so transport logs are discarded.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	transport, err := openTransport(ctx, cfg.Bus, quiet)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer transport.Close()

	channels := make([]string, len(topics))
	for i, id := range topics {
		channels[i] = topic.ChannelName(id)
	}
	if err := transport.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	p := tea.NewProgram(watch.New(topics), tea.WithAltScreen(), tea.WithMouseCellMotion())
	go forwardEnvelopes(ctx, transport.Messages(), p.Send)

	_, err = p.Run()
	return err
}

func forwardEnvelopes(ctx context.Context, in <-chan domain.TransportMessage, send func(tea.Msg)) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				send(watch.ClosedMsg{})
				return
			}
			send(decodeForWatch(m))
		}
	}
}

func decodeForWatch(m domain.TransportMessage) tea.Msg {
	topicID, ok := topic.TopicIDFromChannel(m.Channel)
	if !ok {
		return watch.ErrMsg{Err: fmt.Errorf("unexpected channel %q", m.Channel)}
	}
	env, err := domain.DecodeEnvelope(m.Payload)
	if err != nil {
		return watch.ErrMsg{Err: fmt.Errorf("%s: %w", topicID, err)}
	}
	return watch.EnvelopeMsg{TopicID: topicID, Envelope: env}
}
