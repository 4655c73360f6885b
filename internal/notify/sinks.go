package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"pcpline/internal/config"
	"pcpline/internal/logger"
)

// LogSink writes each notice to the structured log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(_ context.Context, n Notification) error {
	logger.Info("notification",
		zap.String("delivery_id", n.DeliveryID),
		zap.String("collaborator_id", n.CollaboratorID),
		zap.String("kind", n.Kind),
		zap.Any("payload", n.Payload))
	return nil
}

// WebhookSink posts notices as JSON to an HTTP endpoint.
type WebhookSink struct {
	Hook   config.Webhook
	Client *http.Client
	filter eventFilter
}

func NewWebhookSink(hook config.Webhook, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookSink{Hook: hook, Client: client, filter: newEventFilter(hook.Events)}
}

func (s *WebhookSink) Name() string {
	if s.Hook.Name != "" {
		return "webhook:" + s.Hook.Name
	}
	return "webhook"
}

func (s *WebhookSink) Send(ctx context.Context, n Notification) error {
	if !s.filter.match(n.Kind) {
		return nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pcp-Event", n.Kind)
	req.Header.Set("X-Pcp-Delivery", n.DeliveryID)
	if strings.TrimSpace(s.Hook.Secret) != "" {
		req.Header.Set("X-Pcp-Secret", s.Hook.Secret)
	}
	res, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Publisher is the subset of *nats.Conn the NATS sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes notices on <prefix>.<kind>.
type NATSSink struct {
	Conn   Publisher
	Prefix string
}

// DialNATS connects to url and returns a sink plus the connection to close on
// shutdown. An unreachable server is retried in the background; publishes are
// buffered until the first connect succeeds.
func DialNATS(url, prefix string) (*NATSSink, *nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("pcp-notify"),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(c *nats.Conn) {
			logger.Info("nats connected", zap.String("url", c.ConnectedUrl()))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.String("url", url), zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSSink{Conn: conn, Prefix: prefix}, conn, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Subject(kind string) string {
	prefix := strings.TrimSuffix(s.Prefix, ".")
	if prefix == "" {
		return kind
	}
	return prefix + "." + kind
}

func (s *NATSSink) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.Conn.Publish(s.Subject(n.Kind), data)
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(kinds []string) eventFilter {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}

// SinksFromConfig builds the configured sinks. The returned close function
// releases any connections the sinks hold.
func SinksFromConfig(cfg config.Notifications) ([]Sink, func(), error) {
	var sinks []Sink
	closeFn := func() {}
	if cfg.Log {
		sinks = append(sinks, LogSink{})
	}
	client := &http.Client{Timeout: cfg.Timeout()}
	for _, hook := range cfg.Webhooks {
		sinks = append(sinks, NewWebhookSink(hook, client))
	}
	if cfg.NATS.URL != "" {
		sink, conn, err := DialNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return nil, closeFn, err
		}
		sinks = append(sinks, sink)
		closeFn = func() {
			if err := conn.Drain(); err != nil {
				conn.Close()
			}
		}
	}
	return sinks, closeFn, nil
}
