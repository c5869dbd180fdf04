package pipeline

import (
	"github.com/eddielth/flowguard-bridge/storage"
)

// OutcomeKind classifies what happened to one message.
type OutcomeKind int

const (
	Accepted OutcomeKind = iota
	Malformed
	SchemaRejected
	PersistenceFailed
	// ProcessingFailed covers anything unexpected, such as a recovered panic.
	ProcessingFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Malformed:
		return "malformed"
	case SchemaRejected:
		return "schema_rejected"
	case PersistenceFailed:
		return "persistence_failed"
	case ProcessingFailed:
		return "processing_failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of processing one message. Which fields are set
// depends on Kind.
type Outcome struct {
	Kind OutcomeKind
	// Document is the stored record (Accepted).
	Document storage.Document
	// Reason describes why decoding failed (Malformed).
	Reason string
	// PresentKeys and MissingKeys describe a SchemaRejected payload.
	PresentKeys []string
	MissingKeys []string
	// Err is the underlying cause for every non-Accepted kind.
	Err error
}
