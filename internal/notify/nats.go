// Package notify announces finished builds on NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"busindex/internal/index"
)

// BuildEvent is the message published after a manifest is written.
type BuildEvent struct {
	BuildID          string    `json:"buildId"`
	Prefix           string    `json:"prefix"`
	Manifest         string    `json:"manifest"`
	FeedLastModified string    `json:"feedLastModified,omitempty"`
	CompletedAt      time.Time `json:"completedAt"`
	TripPartitions   int       `json:"tripPartitions"`
	StopPartitions   int       `json:"stopPartitions"`
	Pairs            int       `json:"pairs"`
	Fingerprint      string    `json:"fingerprint"`
}

// NewBuildEvent describes a published manifest.
func NewBuildEvent(prefix string, m index.Manifest) BuildEvent {
	return BuildEvent{
		BuildID:          m.BuildID,
		Prefix:           prefix,
		Manifest:         index.ManifestKey(prefix),
		FeedLastModified: m.FeedLastModified,
		CompletedAt:      m.CompletedAt,
		TripPartitions:   m.TripPartitions,
		StopPartitions:   m.StopPartitions,
		Pairs:            m.Pairs,
		Fingerprint:      m.Fingerprint,
	}
}

type NATSNotifier struct {
	nc      *nats.Conn
	subject string
	prefix  string
	logger  *slog.Logger
}

func NewNATSNotifier(url, subject, prefix string, logger *slog.Logger) (*NATSNotifier, error) {
	if err := validSubject(subject); err != nil {
		return nil, err
	}
	nc, err := nats.Connect(url,
		nats.Name("busindex"),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Debug("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return &NATSNotifier{nc: nc, subject: subject, prefix: prefix, logger: logger}, nil
}

// NotifyBuild publishes a BuildEvent and waits for the server to accept it.
func (n *NATSNotifier) NotifyBuild(ctx context.Context, m index.Manifest) error {
	b, err := json.Marshal(NewBuildEvent(n.prefix, m))
	if err != nil {
		return err
	}
	if err := n.nc.Publish(n.subject, b); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	if err := n.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", n.subject, err)
	}
	n.logger.Info("build announced", "subject", n.subject, "build_id", m.BuildID)
	return nil
}

func (n *NATSNotifier) Close() {
	if n.nc != nil {
		n.nc.Drain()
		n.nc.Close()
	}
}

// validSubject rejects subjects a publisher may not use: empty tokens,
// whitespace and wildcards.
func validSubject(s string) error {
	if s == "" || strings.ContainsAny(s, " \t\r\n*>") {
		return fmt.Errorf("invalid nats subject %q", s)
	}
	for _, tok := range strings.Split(s, ".") {
		if tok == "" {
			return fmt.Errorf("invalid nats subject %q", s)
		}
	}
	return nil
}
