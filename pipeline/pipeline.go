// Package pipeline turns raw broker messages into stored sensor records.
//
// Every message goes through decode, optional transform, schema validation,
// enrichment and persistence. The first failing stage decides the outcome
// and nothing after it runs. No error escapes Process.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eddielth/flowguard-bridge/logger"
	"github.com/eddielth/flowguard-bridge/metrics"
	"github.com/eddielth/flowguard-bridge/storage"
	"github.com/eddielth/flowguard-bridge/validator"
)

// RawMessage is one delivery from the broker.
type RawMessage struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Persister inserts one document.
type Persister interface {
	Store(ctx context.Context, doc storage.Document) error
}

// Transformer rewrites a decoded payload before validation.
type Transformer interface {
	Transform(payload map[string]interface{}) (map[string]interface{}, error)
}

// Pipeline processes messages one at a time per caller. It holds no
// per-message state and may be shared.
type Pipeline struct {
	store       Persister
	validator   validator.Validator
	enricher    *Enricher
	transformer Transformer
	log         *zap.SugaredLogger
	newID       func() string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTransformer inserts t between decoding and validation.
func WithTransformer(t Transformer) Option {
	return func(p *Pipeline) { p.transformer = t }
}

// WithLogger replaces the component logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithClock sets the clock used for the ingestion timestamp.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.enricher = NewEnricher(now) }
}

// WithValidator replaces the default required-keys validator.
func WithValidator(v validator.Validator) Option {
	return func(p *Pipeline) { p.validator = v }
}

// New creates a pipeline writing to store.
func New(store Persister, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		validator: validator.NewSchemaValidator(),
		enricher:  NewEnricher(nil),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Named("pipeline")
	}
	return p
}

// Process runs msg through every stage and logs exactly one event for the
// outcome. The store write is not cancelled by ctx so a shutdown never
// aborts an insert half way.
func (p *Pipeline) Process(ctx context.Context, msg RawMessage) (out Outcome) {
	start := time.Now()
	id := p.newID()

	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Kind: ProcessingFailed, Err: fmt.Errorf("panic: %v", r)}
			p.log.Debugw("recovered panic", "ingest_id", id, "stack", string(debug.Stack()))
		}
		elapsed := time.Since(start)
		metrics.ObserveOutcome(out.Kind.String(), elapsed)
		p.report(id, msg, out, elapsed)
	}()

	p.log.Debugw("message received", "ingest_id", id, "topic", msg.Topic, "bytes", len(msg.Payload))

	return p.run(ctx, msg)
}

func (p *Pipeline) run(ctx context.Context, msg RawMessage) Outcome {
	payload, err := Decode(msg.Payload)
	if err != nil {
		return malformed(err)
	}

	if p.transformer != nil {
		payload, err = p.transformer.Transform(payload)
		if err != nil {
			return malformed(&DecodeError{Reason: "payload transform failed", Err: err})
		}
	}

	rec, err := p.validator.Validate(payload)
	if err != nil {
		var schemaErr *validator.SchemaError
		if errors.As(err, &schemaErr) {
			return Outcome{Kind: SchemaRejected, PresentKeys: schemaErr.Present, MissingKeys: schemaErr.Missing, Err: err}
		}
		return Outcome{Kind: ProcessingFailed, Err: err}
	}

	doc := p.enricher.Enrich(rec)

	if err := p.store.Store(context.WithoutCancel(ctx), doc); err != nil {
		return Outcome{Kind: PersistenceFailed, Err: err}
	}

	return Outcome{Kind: Accepted, Document: doc}
}

func malformed(err error) Outcome {
	return Outcome{Kind: Malformed, Reason: err.Error(), Err: err}
}

func (p *Pipeline) report(id string, msg RawMessage, out Outcome, elapsed time.Duration) {
	fields := []interface{}{
		"ingest_id", id,
		"topic", msg.Topic,
		"outcome", out.Kind.String(),
		"duration_ms", float64(elapsed) / float64(time.Millisecond),
	}

	switch out.Kind {
	case Accepted:
		doc := out.Document
		p.log.Infow("message stored", append(fields,
			"device_id", doc["device_id"],
			"depth", doc["depth"],
			"rain", doc["rain"],
			"blockage", doc["blockage"],
			"status", doc["status"],
		)...)
	case Malformed:
		p.log.Warnw("security alert: malformed payload ignored", append(fields, "reason", out.Reason)...)
	case SchemaRejected:
		p.log.Warnw("security alert: schema mismatch, message rejected", append(fields,
			"present_keys", out.PresentKeys,
			"missing_keys", out.MissingKeys,
		)...)
	case PersistenceFailed:
		p.log.Errorw("failed to persist message", append(fields, "error", out.Err)...)
	default:
		p.log.Errorw("message processing failed", append(fields, "error", out.Err)...)
	}
}
