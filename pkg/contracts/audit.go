package contracts

import "time"

// Actor identifies who caused an audit event.
type Actor string

const (
	ActorSystem Actor = "system"
	ActorUser   Actor = "user"
)

// Lifecycle event types recorded in the audit ledger.
const (
	EventImported                = "imported"
	EventVerifiedAccepted        = "verified.accepted"
	EventVerifiedRejected        = "verified.rejected"
	EventReconstructionCompleted = "reconstruction.completed"
	EventArchived                = "archived"
	EventExportedAudit           = "exported.audit"
	EventExportedProof           = "exported.proof"
)

// EventRefs is the closed, versioned set of hash and identifier
// references an audit event may carry. A closed struct (rather than an
// open map) keeps the event-hash preimage deterministic across
// implementations.
type EventRefs struct {
	SchemaVersion      string        `json:"schema_version,omitempty"`
	EnvelopeHash       string        `json:"envelope_hash,omitempty"`
	CapsuleHash        string        `json:"capsule_hash,omitempty"`
	ReconstructionHash string        `json:"reconstruction_hash,omitempty"`
	AuditHeadHash      string        `json:"audit_head_hash,omitempty"`
	ExportHash         string        `json:"export_hash,omitempty"`
	BundleHash         string        `json:"bundle_hash,omitempty"`
	ArchiveRecordID    string        `json:"archive_record_id,omitempty"`
	RejectionCode      RejectionCode `json:"rejection_code,omitempty"`
}

// IsZero reports whether the refs carry no references at all.
func (r EventRefs) IsZero() bool {
	return r == EventRefs{}
}

// AuditEvent is one immutable, hash-chained lifecycle record for a
// message. Events are never modified or deleted after creation.
//
// PrevEventHash is empty for the first event of a message; every later
// event links to its predecessor's EventHash. EventHash is the canonical
// hash over all other fields.
type AuditEvent struct {
	EventID       string    `json:"event_id"`
	MessageID     string    `json:"message_id"`
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	Actor         Actor     `json:"actor"`
	Summary       string    `json:"summary"`
	Refs          EventRefs `json:"refs"`
	PrevEventHash string    `json:"prev_event_hash"`
	EventHash     string    `json:"event_hash"`
}

// AuditChain is a derived view over a message's events. It is never
// stored independently; always recomputed from the events themselves.
type AuditChain struct {
	Events      []AuditEvent `json:"events"`
	HeadHash    string       `json:"head_hash"`
	EventCount  int          `json:"event_count"`
	CreatedAt   time.Time    `json:"created_at"`
	LastEventAt time.Time    `json:"last_event_at"`
}
