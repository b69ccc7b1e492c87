package telemetry

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"
)

const auditSchemaVersion = 2

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// AuditEmitter publishes operational dispatch events (dead letters, broker
// nacks and returns, debug probes) as AuditEnvelope JSON. Each envelope is
// routed to <routingKey>.<level> so consumers can bind on severity.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	instance    string
	log         *slog.Logger
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	Instance      string       `json:"instance,omitempty"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, log *slog.Logger) *AuditEmitter {
	host, _ := os.Hostname()
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  strings.TrimSuffix(routingKey, "."),
		service:     service,
		environment: environment,
		instance:    host,
		log:         log,
	}
}

func normalizeLevel(level string) string {
	switch l := strings.ToLower(strings.TrimSpace(level)); l {
	case "debug", "info", "warn", "error":
		return l
	case "warning":
		return "warn"
	default:
		return "info"
	}
}

// Emit never fails the caller; publish errors are logged.
func (e *AuditEmitter) Emit(ctx context.Context, level, text, requestID string, userID *string) {
	if e == nil || e.publisher == nil {
		return
	}

	level = normalizeLevel(level)
	routingKey := e.routingKey + "." + level
	envelope := AuditEnvelope{
		SchemaVersion: auditSchemaVersion,
		EventType:     "dispatch_audit",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		Instance:      e.instance,
		RequestID:     requestID,
		UserID:        userID,
		Payload:       AuditPayload{Level: level, Text: text},
	}

	if err := e.publisher.Publish(ctx, routingKey, envelope); err != nil {
		e.log.Warn("audit publish failed", "routing_key", routingKey, "request_id", requestID, "error", err)
		return
	}
	e.log.Debug("audit emitted", "routing_key", routingKey, "request_id", requestID)
}
