package pipeline

import (
	"time"

	"github.com/eddielth/flowguard-bridge/storage"
	"github.com/eddielth/flowguard-bridge/validator"
)

// Enricher stamps validated records with the ingestion time.
type Enricher struct {
	now func() time.Time
}

// NewEnricher uses now as the clock; nil means time.Now.
func NewEnricher(now func() time.Time) *Enricher {
	if now == nil {
		now = time.Now
	}
	return &Enricher{now: now}
}

// Enrich returns a new document holding rec's fields plus timestamp in UTC.
// A device-supplied timestamp is overwritten.
func (e *Enricher) Enrich(rec validator.Record) storage.Document {
	doc := storage.Document(rec.Fields())
	doc[storage.TimestampKey] = e.now().UTC()
	return doc
}
