// Package delivery routes a finished run's output by its delivery mode:
// announce on a channel, publish to an event stream, or nothing at all.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ironsail-llc/robothor/pkg/agent"
	"github.com/ironsail-llc/robothor/pkg/channels"
	"github.com/ironsail-llc/robothor/pkg/eventlog"
)

const (
	OutputEventType   = "agent.output"
	DefaultStream     = "agent:output"
	DefaultChannel    = "log"
	defaultStreamSize = 10000
)

// Publisher appends events to a stream. eventlog.Log satisfies it.
type Publisher interface {
	Publish(ctx context.Context, stream string, ev eventlog.Event, maxLen int64) (string, error)
}

// Config configures a Router.
type Config struct {
	Channels       *channels.Registry
	Publisher      Publisher // optional; publish mode fails without it
	DefaultChannel string
	DefaultStream  string
	StreamMaxLen   int64
	AlertChannel   string
	AlertTo        string
	Logger         zerolog.Logger
	Now            func() time.Time
}

// Router delivers run output.
type Router struct {
	channels       *channels.Registry
	publisher      Publisher
	defaultChannel string
	defaultStream  string
	streamMaxLen   int64
	alertChannel   string
	alertTo        string
	logger         zerolog.Logger
	now            func() time.Time
}

// New creates a Router.
func New(cfg Config) (*Router, error) {
	if cfg.Channels == nil {
		return nil, fmt.Errorf("channel registry is required")
	}
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = DefaultChannel
	}
	if cfg.DefaultStream == "" {
		cfg.DefaultStream = DefaultStream
	}
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = defaultStreamSize
	}
	if cfg.AlertChannel == "" {
		cfg.AlertChannel = cfg.DefaultChannel
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Router{
		channels:       cfg.Channels,
		publisher:      cfg.Publisher,
		defaultChannel: cfg.DefaultChannel,
		defaultStream:  cfg.DefaultStream,
		streamMaxLen:   cfg.StreamMaxLen,
		alertChannel:   cfg.AlertChannel,
		alertTo:        cfg.AlertTo,
		logger:         cfg.Logger.With().Str("component", "delivery").Logger(),
		now:            cfg.Now,
	}, nil
}

// Deliver sends run's output according to its delivery mode. Silent runs
// and runs with nothing to say are dropped.
func (r *Router) Deliver(ctx context.Context, cfg agent.AgentConfig, run *agent.AgentRun) error {
	mode := run.DeliveryMode
	if mode == "" {
		mode = cfg.Delivery.Mode
	}
	if mode == "" {
		mode = agent.DeliveryAnnounce
	}

	switch mode {
	case agent.DeliverySilent:
		return nil
	case agent.DeliveryPublish:
		return r.publish(ctx, cfg, run)
	case agent.DeliveryAnnounce:
		return r.announce(ctx, cfg, run)
	default:
		return fmt.Errorf("unknown delivery mode %q", mode)
	}
}

func (r *Router) announce(ctx context.Context, cfg agent.AgentConfig, run *agent.AgentRun) error {
	text := announcement(run)
	if text == "" {
		r.logger.Debug().Str("run_id", run.ID).Msg("Nothing to announce")
		return nil
	}
	channel := cfg.Delivery.Channel
	if channel == "" {
		channel = r.defaultChannel
	}
	return r.channels.Send(ctx, channel, channels.Message{
		AgentID: run.AgentID,
		RunID:   run.ID,
		To:      cfg.Delivery.To,
		Text:    text,
		SentAt:  r.now(),
	})
}

func (r *Router) publish(ctx context.Context, cfg agent.AgentConfig, run *agent.AgentRun) error {
	if r.publisher == nil {
		return fmt.Errorf("publish delivery for %s: no event log configured", run.AgentID)
	}
	stream := cfg.Delivery.Stream
	if stream == "" {
		stream = r.defaultStream
	}
	payload := map[string]any{
		"run_id":  run.ID,
		"status":  string(run.Status),
		"output":  run.Output,
		"trigger": string(run.Trigger.Kind),
	}
	if run.Error != "" {
		payload["error"] = run.Error
	}
	_, err := r.publisher.Publish(ctx, stream, eventlog.Event{
		Type:          OutputEventType,
		Source:        run.AgentID,
		Payload:       payload,
		CorrelationID: run.Trigger.CorrelationID,
		Timestamp:     r.now(),
	}, r.streamMaxLen)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	return nil
}

// Alert sends an operator alert about agentID on the alert channel.
func (r *Router) Alert(ctx context.Context, agentID, text string) error {
	return r.channels.Send(ctx, r.alertChannel, channels.Message{
		AgentID: agentID,
		To:      r.alertTo,
		Text:    text,
		Alert:   true,
		SentAt:  r.now(),
	})
}

func announcement(run *agent.AgentRun) string {
	if run.Succeeded() {
		return strings.TrimSpace(run.Output)
	}
	msg := fmt.Sprintf("[%s] run %s", run.AgentID, run.Status)
	if run.Error != "" {
		msg += ": " + run.Error
	}
	return msg
}
