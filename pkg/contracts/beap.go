// Package contracts defines the shared data model for the BEAP boundary
// core: envelopes, evaluation results, audit events, archive records,
// reconstruction artefacts, and proof bundles.
//
// Everything here is cleartext metadata. No type in this package ever
// carries decrypted capsule bytes.
package contracts

import "time"

// SignatureStatus is the declared verification state of an envelope signature.
type SignatureStatus string

const (
	SignatureValid   SignatureStatus = "valid"
	SignatureInvalid SignatureStatus = "invalid"
	SignatureMissing SignatureStatus = "missing"
	SignatureUnknown SignatureStatus = "unknown"
)

// IngressDeclaration is an envelope-declared claim about where the
// package came from.
type IngressDeclaration struct {
	Type     string `json:"type"`
	Source   string `json:"source"`
	Verified bool   `json:"verified"`
}

// EgressDeclaration is an envelope-declared claim about where the
// package's side effects may go.
type EgressDeclaration struct {
	Type     string `json:"type"`
	Target   string `json:"target"`
	Required bool   `json:"required"`
}

// Ingress declaration types with special policy meaning.
const (
	IngressTypeHandshake = "handshake"
	IngressTypeAllowlist = "allowlist"
	IngressTypePublic    = "public"
)

// EgressTypeWeb marks egress targets subject to the domain allow-list.
const EgressTypeWeb = "web"

// BeapEnvelope is the cleartext metadata wrapper around an encrypted
// capsule. Immutable once received.
type BeapEnvelope struct {
	EnvelopeID          string               `json:"envelope_id"`
	PackageID           string               `json:"package_id"`
	EnvelopeHash        string               `json:"envelope_hash"`
	SignatureStatus     SignatureStatus      `json:"signature_status"`
	SenderFingerprint   string               `json:"sender_fingerprint"`
	ReceiverFingerprint string               `json:"receiver_fingerprint"`
	IngressChannel      string               `json:"ingress_channel"`
	Provider            string               `json:"provider,omitempty"`
	IngressDeclarations []IngressDeclaration `json:"ingress_declarations"`
	EgressDeclarations  []EgressDeclaration  `json:"egress_declarations"`
	CreatedAt           time.Time            `json:"created_at"`
	ExpiresAt           *time.Time           `json:"expires_at,omitempty"`
}

// EnvelopeSummary is the safe-to-record projection of an envelope. It is
// what audit events, archive records, and exports reference instead of
// the full envelope.
type EnvelopeSummary struct {
	EnvelopeID          string     `json:"envelope_id"`
	PackageID           string     `json:"package_id"`
	EnvelopeHash        string     `json:"envelope_hash"`
	SenderFingerprint   string     `json:"sender_fingerprint"`
	ReceiverFingerprint string     `json:"receiver_fingerprint"`
	IngressChannel      string     `json:"ingress_channel"`
	IngressCount        int        `json:"ingress_count"`
	EgressCount         int        `json:"egress_count"`
	CreatedAt           time.Time  `json:"created_at"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
}

// Summary projects the envelope into its recordable form.
func (e *BeapEnvelope) Summary() *EnvelopeSummary {
	return &EnvelopeSummary{
		EnvelopeID:          e.EnvelopeID,
		PackageID:           e.PackageID,
		EnvelopeHash:        e.EnvelopeHash,
		SenderFingerprint:   e.SenderFingerprint,
		ReceiverFingerprint: e.ReceiverFingerprint,
		IngressChannel:      e.IngressChannel,
		IngressCount:        len(e.IngressDeclarations),
		EgressCount:         len(e.EgressDeclarations),
		CreatedAt:           e.CreatedAt,
		ExpiresAt:           e.ExpiresAt,
	}
}

// CapsuleMetadata is the safe-to-display shape of the encrypted payload.
// It never contains decrypted bytes.
type CapsuleMetadata struct {
	CapsuleID         string   `json:"capsule_id"`
	Title             string   `json:"title"`
	AttachmentCount   int      `json:"attachment_count"`
	AttachmentNames   []string `json:"attachment_names,omitempty"`
	SessionRefCount   int      `json:"session_ref_count"`
	ContentLengthHint int64    `json:"content_length_hint"`
}

// RejectionCode is the closed taxonomy of admission failures. Each code
// maps to exactly one failed evaluation step.
type RejectionCode string

const (
	RejectEnvelopeMissing       RejectionCode = "envelope_missing"
	RejectEnvelopeHashMissing   RejectionCode = "envelope_hash_missing"
	RejectSignatureInvalid      RejectionCode = "signature_invalid"
	RejectSignatureMissing      RejectionCode = "signature_missing"
	RejectIngressMissing        RejectionCode = "ingress_missing"
	RejectEgressMissing         RejectionCode = "egress_missing"
	RejectEnvelopeExpired       RejectionCode = "envelope_expired"
	RejectProviderNotConfigured RejectionCode = "provider_not_configured"
	RejectEgressNotAllowed      RejectionCode = "egress_not_allowed_by_wrguard"
	RejectIngressNotAllowed     RejectionCode = "ingress_not_allowed_by_wrguard"
	RejectEvaluationError       RejectionCode = "evaluation_error"
)

// Evaluation step names, used in RejectionReason.FailedStep.
const (
	StepEnvelopeVerification = "envelope_verification"
	StepBoundaryCheck        = "boundary_check"
	StepPolicyIntersection   = "policy_intersection"
)

// RejectionReason records why a package was refused. Produced exactly
// once per rejected message and is itself audit-logged.
type RejectionReason struct {
	Code         RejectionCode `json:"code"`
	HumanSummary string        `json:"human_summary"`
	Details      string        `json:"details,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
	FailedStep   string        `json:"failed_step"`
}

// StepsCompleted tracks which evaluation steps ran to completion.
type StepsCompleted struct {
	EnvelopeVerification bool `json:"envelope_verification"`
	BoundaryCheck        bool `json:"boundary_check"`
	PolicyIntersection   bool `json:"policy_intersection"`
}

// EvaluationStatus is the admission outcome of one evaluation attempt.
type EvaluationStatus string

const (
	EvaluationAccepted EvaluationStatus = "accepted"
	EvaluationRejected EvaluationStatus = "rejected"
)

// EvaluationResult is the immutable outcome of a single evaluation
// attempt. Re-evaluation produces a new result, never a mutation.
type EvaluationResult struct {
	Passed          bool             `json:"passed"`
	Status          EvaluationStatus `json:"status"`
	RejectionReason *RejectionReason `json:"rejection_reason,omitempty"`
	EnvelopeSummary *EnvelopeSummary `json:"envelope_summary,omitempty"`
	CapsuleMetadata *CapsuleMetadata `json:"capsule_metadata,omitempty"`
	StepsCompleted  StepsCompleted   `json:"steps_completed"`
	EvaluatedAt     time.Time        `json:"evaluated_at"`
}
