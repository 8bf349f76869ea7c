// Package events delivers run lifecycle notifications. A single instance
// publishes straight into its websocket hub; a fleet publishes to NATS and
// every instance bridges the subject back into its own hub.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ehr/patientflow/internal/platform/websocket"
)

const (
	RunStarted   = "run.started"
	RunCompleted = "run.completed"
	RunFailed    = "run.failed"

	// SubjectPrefix is prepended to the event type to form the NATS subject.
	SubjectPrefix = "patientflow."
	subjectAll    = SubjectPrefix + "run.>"
)

// Publisher delivers one event.
type Publisher interface {
	Publish(ctx context.Context, event websocket.Event) error
}

// Subject maps an event type to its NATS subject.
func Subject(eventType string) string {
	return SubjectPrefix + eventType
}

// Fanout publishes to several publishers and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event websocket.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, websocket.Event) error { return nil }

// NATSConfig holds connection settings.
type NATSConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NATS publishes events as JSON on patientflow.run.* subjects.
type NATS struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// ConnectNATS dials the server and logs connection state changes.
func ConnectNATS(cfg NATSConfig, logger zerolog.Logger) (*NATS, error) {
	if cfg.Name == "" {
		cfg.Name = "patientflow"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 60
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATS{conn: conn, log: logger}, nil
}

func (n *NATS) Publish(ctx context.Context, event websocket.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.conn.Publish(Subject(event.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

// Bridge subscribes to every run subject and forwards each event to sink,
// typically the local websocket hub.
func (n *NATS) Bridge(sink Publisher) (*nats.Subscription, error) {
	sub, err := n.conn.Subscribe(subjectAll, func(msg *nats.Msg) {
		forward(msg, sink, n.log)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subjectAll, err)
	}
	return sub, nil
}

func forward(msg *nats.Msg, sink Publisher, logger zerolog.Logger) {
	var event websocket.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		logger.Warn().Err(err).Str("subject", msg.Subject).Msg("drop malformed run event")
		return
	}
	if event.Type == "" {
		event.Type = strings.TrimPrefix(msg.Subject, SubjectPrefix)
	}
	if err := sink.Publish(context.Background(), event); err != nil {
		logger.Warn().Err(err).Str("type", event.Type).Msg("forward run event")
	}
}

// Close drains pending publishes and closes the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}

// New builds a run event addressed to the run's own topic.
func New(eventType, runID string, data interface{}) (websocket.Event, error) {
	event := websocket.Event{
		Type:      eventType,
		Topic:     websocket.RunTopic(runID),
		RunID:     runID,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return event, fmt.Errorf("marshal event data: %w", err)
		}
		event.Data = raw
	}
	return event, nil
}

// Emit publishes event on its run topic and on the "runs" topic.
func Emit(ctx context.Context, p Publisher, event websocket.Event) error {
	perRun := event
	all := event
	all.Topic = websocket.TopicRuns
	return errors.Join(p.Publish(ctx, perRun), p.Publish(ctx, all))
}
