// Package export produces verifiable artefacts from the audit ledger:
// standalone audit-log exports and multi-file proof bundles. Every
// artefact is hash-manifested; an export either completes whole or
// fails with no partial output.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wrguard/beapcore/pkg/audit"
	"github.com/wrguard/beapcore/pkg/canonicalize"
	"github.com/wrguard/beapcore/pkg/contracts"
)

var (
	// ErrNoEvents means the message has no audit history to export.
	ErrNoEvents = errors.New("export: message has no audit events")
	// ErrChainUnverified means the chain failed independent verification
	// and must not be exported.
	ErrChainUnverified = errors.New("export: audit chain failed verification")
	// ErrMessageNotFound is returned when the message store has no such message.
	ErrMessageNotFound = errors.New("export: message not found")
)

// MessageStore is the read-only slice of the message collaborator the
// exporter needs.
type MessageStore interface {
	GetMessageByID(ctx context.Context, messageID string) (*contracts.IncomingMessage, error)
}

// ReconstructionStore hands back the full reconstruction result for a
// message, when one exists.
type ReconstructionStore interface {
	GetResult(ctx context.Context, messageID string) (*contracts.ReconstructionResult, error)
}

// AuditLogExport is a standalone, self-verifying export of one
// message's audit history.
//
// ExportHash covers everything except ExportedAt and the hash field
// itself, so exporting the same chain state twice yields the same hash.
type AuditLogExport struct {
	MessageID     string                 `json:"message_id"`
	Events        []contracts.AuditEvent `json:"events"`
	EventCount    int                    `json:"event_count"`
	ChainHeadHash string                 `json:"chain_head_hash"`
	ChainVerified bool                   `json:"chain_verified"`
	ExportedAt    time.Time              `json:"exported_at"`
	ExportHash    string                 `json:"export_hash"`
}

// NamedFile is one file of a proof bundle, in bundle order.
type NamedFile struct {
	Path string
	Data []byte
}

// ProofBundle is a fully assembled proof bundle: the manifest plus the
// files it indexes, in the order they appear in the manifest.
type ProofBundle struct {
	Manifest contracts.ProofBundleManifest
	Files    []NamedFile
}

// Service builds audit-log exports and proof bundles.
type Service struct {
	ledger          *audit.Ledger
	messages        MessageStore
	reconstructions ReconstructionStore
	clock           func() time.Time
	logger          *slog.Logger
	tracer          trace.Tracer
}

// NewService creates an export service. reconstructions may be nil when
// the deployment keeps no reconstruction results.
func NewService(ledger *audit.Ledger, messages MessageStore, reconstructions ReconstructionStore) *Service {
	return &Service{
		ledger:          ledger,
		messages:        messages,
		reconstructions: reconstructions,
		clock:           time.Now,
		logger:          slog.Default().With("component", "export"),
		tracer:          otel.Tracer("beapcore/export"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// ExportAuditLog exports the message's full audit history. The chain is
// re-verified independently here; a broken chain aborts the export. On
// success one exported.audit event is appended to the ledger.
func (s *Service) ExportAuditLog(ctx context.Context, messageID string) (*AuditLogExport, error) {
	ctx, span := s.tracer.Start(ctx, "export.audit_log")
	defer span.End()
	span.SetAttributes(attribute.String("beap.message_id", messageID))

	events, err := s.ledger.GetEvents(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("export: read events for %s: %w", messageID, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEvents, messageID)
	}

	// Do not trust the ledger's own bookkeeping: recompute the chain
	// from the raw events before letting it leave the system.
	verified, verr := audit.VerifyEvents(events)
	if !verified {
		return nil, fmt.Errorf("%w: %v", ErrChainUnverified, verr)
	}

	export := &AuditLogExport{
		MessageID:     messageID,
		Events:        events,
		EventCount:    len(events),
		ChainHeadHash: events[len(events)-1].EventHash,
		ChainVerified: true,
		ExportedAt:    s.clock().UTC(),
	}
	hash, err := exportHash(export)
	if err != nil {
		return nil, fmt.Errorf("export: hash export: %w", err)
	}
	export.ExportHash = hash

	if _, err := s.ledger.AppendEvent(ctx, messageID, contracts.EventExportedAudit,
		contracts.ActorUser, "audit log exported", contracts.EventRefs{
			ExportHash:    export.ExportHash,
			AuditHeadHash: export.ChainHeadHash,
		}); err != nil {
		return nil, fmt.Errorf("export: record export event: %w", err)
	}

	s.logger.Info("audit log exported",
		"message_id", messageID,
		"event_count", export.EventCount,
		"export_hash", export.ExportHash)
	return export, nil
}

// BuildProofBundle assembles the proof bundle for a message: every
// available artefact in fixed order, each hashed into the manifest, the
// manifest itself sealed with a bundle hash. On success one
// exported.proof event is appended.
func (s *Service) BuildProofBundle(ctx context.Context, messageID string) (*ProofBundle, error) {
	ctx, span := s.tracer.Start(ctx, "export.proof_bundle")
	defer span.End()
	span.SetAttributes(attribute.String("beap.message_id", messageID))

	msg, err := s.messages.GetMessageByID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMessageNotFound, messageID, err)
	}

	// The audit-log export is mandatory and runs first so that a broken
	// or empty chain aborts before any file is assembled.
	auditExport, err := s.ExportAuditLog(ctx, messageID)
	if err != nil {
		return nil, err
	}

	files, err := s.collectFiles(ctx, msg, auditExport)
	if err != nil {
		return nil, err
	}

	manifest := contracts.ProofBundleManifest{
		CreatedAt:      s.clock().UTC(),
		MessageID:      messageID,
		MessageSummary: messageSummary(msg),
		VerificationInstructions: "Recompute sha256 over each file and compare against its manifest " +
			"entry; recompute bundle_hash over this manifest with bundle_hash emptied; " +
			"replay events.json hashes to verify the audit chain.",
	}
	for _, f := range files {
		manifest.Files = append(manifest.Files, contracts.BundleFile{
			Path: f.Path,
			Type: fileType(f.Path),
			Hash: canonicalize.HashBytes(f.Data),
			Size: int64(len(f.Data)),
		})
	}

	hash, err := bundleHash(&manifest)
	if err != nil {
		return nil, fmt.Errorf("export: hash manifest: %w", err)
	}
	manifest.BundleHash = hash

	if _, err := s.ledger.AppendEvent(ctx, messageID, contracts.EventExportedProof,
		contracts.ActorUser, "proof bundle exported", contracts.EventRefs{
			BundleHash:    manifest.BundleHash,
			ExportHash:    auditExport.ExportHash,
			AuditHeadHash: auditExport.ChainHeadHash,
		}); err != nil {
		return nil, fmt.Errorf("export: record bundle event: %w", err)
	}

	s.logger.Info("proof bundle built",
		"message_id", messageID,
		"files", len(files),
		"bundle_hash", manifest.BundleHash)
	return &ProofBundle{Manifest: manifest, Files: files}, nil
}

// collectFiles gathers bundle content in fixed order. Optional
// artefacts are skipped when absent; a present artefact that cannot be
// serialized aborts the whole bundle.
func (s *Service) collectFiles(ctx context.Context, msg *contracts.IncomingMessage, auditExport *AuditLogExport) ([]NamedFile, error) {
	var files []NamedFile
	add := func(path string, v any) error {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("export: encode %s: %w", path, err)
		}
		files = append(files, NamedFile{Path: path, Data: data})
		return nil
	}

	if msg.Envelope != nil {
		if err := add("envelope_summary.json", msg.Envelope.Summary()); err != nil {
			return nil, err
		}
	}

	if s.reconstructions != nil && msg.Reconstruction != nil {
		result, err := s.reconstructions.GetResult(ctx, msg.MessageID)
		if err != nil {
			return nil, fmt.Errorf("export: read reconstruction for %s: %w", msg.MessageID, err)
		}
		if result != nil {
			if err := add("semantic_text.json", result.TextEntries); err != nil {
				return nil, err
			}
			if len(result.Rasters) > 0 {
				if err := add("raster_metadata.json", result.Rasters); err != nil {
					return nil, err
				}
			}
		}
	}

	if msg.RejectionReason != nil {
		if err := add("rejection_reason.json", msg.RejectionReason); err != nil {
			return nil, err
		}
	}

	if err := add("audit_log.json", auditExport); err != nil {
		return nil, err
	}
	return files, nil
}

// exportHash canonicalizes the export minus its timestamp and hash, so
// the hash is stable for a given chain state.
func exportHash(e *AuditLogExport) (string, error) {
	hashable := struct {
		MessageID     string                 `json:"message_id"`
		Events        []contracts.AuditEvent `json:"events"`
		EventCount    int                    `json:"event_count"`
		ChainHeadHash string                 `json:"chain_head_hash"`
		ChainVerified bool                   `json:"chain_verified"`
	}{
		MessageID:     e.MessageID,
		Events:        e.Events,
		EventCount:    e.EventCount,
		ChainHeadHash: e.ChainHeadHash,
		ChainVerified: e.ChainVerified,
	}
	return canonicalize.CanonicalHash(hashable)
}

// bundleHash canonicalizes the manifest with the hash field emptied.
func bundleHash(m *contracts.ProofBundleManifest) (string, error) {
	shadow := *m
	shadow.BundleHash = ""
	return canonicalize.CanonicalHash(shadow)
}

func messageSummary(msg *contracts.IncomingMessage) string {
	status := string(msg.VerificationStatus)
	if msg.Envelope != nil {
		return fmt.Sprintf("message %s (%s), envelope %s via %s",
			msg.MessageID, status, msg.Envelope.EnvelopeID, msg.Envelope.IngressChannel)
	}
	return fmt.Sprintf("message %s (%s), no envelope", msg.MessageID, status)
}

func fileType(path string) string {
	switch path {
	case "envelope_summary.json":
		return "envelope_summary"
	case "semantic_text.json":
		return "semantic_text"
	case "raster_metadata.json":
		return "raster_metadata"
	case "rejection_reason.json":
		return "rejection_reason"
	case "audit_log.json":
		return "audit_log"
	default:
		return "attachment"
	}
}
