package contracts

import "time"

// Folder is the lifecycle location of a message in the message store.
type Folder string

const (
	FolderInbox    Folder = "inbox"
	FolderOutbox   Folder = "outbox"
	FolderArchived Folder = "archived"
	FolderRejected Folder = "rejected"
)

// VerificationStatus is the admission state of an incoming message.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending_verification"
	VerificationAccepted VerificationStatus = "accepted"
	VerificationRejected VerificationStatus = "rejected"
)

// DeliveryStatus is the dispatch state of an outgoing message.
type DeliveryStatus string

const (
	DeliverySent       DeliveryStatus = "sent"
	DeliverySentManual DeliveryStatus = "sent_manual"
	DeliverySentChat   DeliveryStatus = "sent_chat"
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryFailed     DeliveryStatus = "failed"
)

// ReconstructionRecord is the hash-bearing summary a message keeps once
// reconstruction has completed. The full artefacts live with the
// reconstruction result; the message only references them.
type ReconstructionRecord struct {
	RecordHash  string    `json:"record_hash"`
	CompletedAt time.Time `json:"completed_at"`
}

// IncomingMessage is the boundary core's read-only view of a message
// owned by the message store. The core never stores message content.
type IncomingMessage struct {
	MessageID          string                `json:"message_id"`
	Folder             Folder                `json:"folder"`
	VerificationStatus VerificationStatus    `json:"verification_status"`
	DeliveryStatus     DeliveryStatus        `json:"delivery_status,omitempty"`
	Envelope           *BeapEnvelope         `json:"envelope,omitempty"`
	Capsule            *CapsuleMetadata      `json:"capsule,omitempty"`
	Reconstruction     *ReconstructionRecord `json:"reconstruction,omitempty"`
	RejectionReason    *RejectionReason      `json:"rejection_reason,omitempty"`
	ReceivedAt         time.Time             `json:"received_at"`
}

// ArchiveEligibility is the advisory outcome of an archive check.
type ArchiveEligibility struct {
	Eligible          bool   `json:"eligible"`
	Reason            string `json:"reason,omitempty"`
	HasReconstruction bool   `json:"has_reconstruction"`
}

// ArchiveRecord is the frozen snapshot of a message at archive time.
// Created exactly once per message, never mutated afterward.
type ArchiveRecord struct {
	RecordID           string             `json:"record_id"`
	MessageID          string             `json:"message_id"`
	Folder             Folder             `json:"folder"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	DeliveryStatus     DeliveryStatus     `json:"delivery_status,omitempty"`
	EnvelopeHash       string             `json:"envelope_hash,omitempty"`
	CapsuleHash        string             `json:"capsule_hash,omitempty"`
	ReconstructionHash string             `json:"reconstruction_hash,omitempty"`
	IngressEventIDs    []string           `json:"ingress_event_ids"`
	DispatchEventIDs   []string           `json:"dispatch_event_ids"`
	AuditHeadHash      string             `json:"audit_head_hash"`
	RejectionReason    *RejectionReason   `json:"rejection_reason,omitempty"`
	ArchivedAt         time.Time          `json:"archived_at"`
	RecordHash         string             `json:"record_hash"`
}
