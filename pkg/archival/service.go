// Package archival freezes messages into immutable, hash-referenced
// archive records. A message archives at most once; the eligibility
// check is advisory and always re-derived at archive time.
package archival

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wrguard/beapcore/pkg/audit"
	"github.com/wrguard/beapcore/pkg/canonicalize"
	"github.com/wrguard/beapcore/pkg/contracts"
	"github.com/wrguard/beapcore/pkg/kvstore"
)

// Namespace is the keyed-store prefix archive records persist under.
const Namespace = "beap-archive-store"

var (
	// ErrNotEligible wraps the eligibility reason when archiving is refused.
	ErrNotEligible = errors.New("archival: message not eligible")
	// ErrMessageNotFound is returned when the message store has no such message.
	ErrMessageNotFound = errors.New("archival: message not found")
)

// MessageStore is the collaborator that owns message and folder state.
// The archival service only reads message fields and requests folder
// transitions; it never stores message content.
type MessageStore interface {
	GetMessageByID(ctx context.Context, messageID string) (*contracts.IncomingMessage, error)
	MoveToFolder(ctx context.Context, messageID string, folder contracts.Folder) error
	UpdateMessageStatus(ctx context.Context, messageID string, status contracts.VerificationStatus) error
}

// Service decides archive eligibility and produces frozen records.
type Service struct {
	messages MessageStore
	ledger   *audit.Ledger
	store    kvstore.Store
	clock    func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewService creates an archival service. The keyed store holds the
// archive-record map; it is injected, never a package-level singleton.
func NewService(messages MessageStore, ledger *audit.Ledger, store kvstore.Store) *Service {
	return &Service{
		messages: messages,
		ledger:   ledger,
		store:    store,
		clock:    time.Now,
		logger:   slog.Default().With("component", "archival"),
		tracer:   otel.Tracer("beapcore/archival"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// CheckEligibility is a pure function keyed on the message's folder.
// Failures are advisory reasons, not a coded taxonomy.
func CheckEligibility(msg *contracts.IncomingMessage) contracts.ArchiveEligibility {
	if msg == nil {
		return contracts.ArchiveEligibility{Eligible: false, Reason: "message not found"}
	}

	hasReconstruction := msg.Reconstruction != nil

	switch msg.Folder {
	case contracts.FolderArchived:
		return contracts.ArchiveEligibility{
			Eligible:          false,
			Reason:            "already archived",
			HasReconstruction: hasReconstruction,
		}
	case contracts.FolderInbox:
		switch msg.VerificationStatus {
		case contracts.VerificationAccepted:
			return contracts.ArchiveEligibility{
				Eligible:          true,
				HasReconstruction: hasReconstruction,
			}
		case contracts.VerificationPending:
			return contracts.ArchiveEligibility{
				Eligible:          false,
				Reason:            "verification still pending",
				HasReconstruction: hasReconstruction,
			}
		default:
			return contracts.ArchiveEligibility{
				Eligible:          false,
				Reason:            "message was not accepted",
				HasReconstruction: hasReconstruction,
			}
		}
	case contracts.FolderOutbox:
		switch msg.DeliveryStatus {
		case contracts.DeliverySent, contracts.DeliverySentManual, contracts.DeliverySentChat:
			return contracts.ArchiveEligibility{
				Eligible:          true,
				HasReconstruction: hasReconstruction,
			}
		default:
			return contracts.ArchiveEligibility{
				Eligible:          false,
				Reason:            "message not dispatched",
				HasReconstruction: hasReconstruction,
			}
		}
	case contracts.FolderRejected:
		return contracts.ArchiveEligibility{
			Eligible:          true,
			HasReconstruction: hasReconstruction,
		}
	default:
		return contracts.ArchiveEligibility{
			Eligible: false,
			Reason:   fmt.Sprintf("folder %q cannot be archived", msg.Folder),
		}
	}
}

// Archive freezes the message. Eligibility is re-derived here, never
// trusted from an earlier check; calling Archive twice fails the second
// time with the already-archived reason.
func (s *Service) Archive(ctx context.Context, messageID string) (*contracts.ArchiveRecord, error) {
	ctx, span := s.tracer.Start(ctx, "archival.archive")
	defer span.End()
	span.SetAttributes(attribute.String("beap.message_id", messageID))

	msg, err := s.messages.GetMessageByID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMessageNotFound, messageID, err)
	}

	eligibility := CheckEligibility(msg)
	if !eligibility.Eligible {
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, eligibility.Reason)
	}

	// Second guard: a persisted record means a concurrent archive won
	// the race even if the folder move has not landed yet.
	if _, err := s.store.Get(ctx, recordKey(messageID)); err == nil {
		return nil, fmt.Errorf("%w: already archived", ErrNotEligible)
	} else if !errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil, fmt.Errorf("archival: read record for %s: %w", messageID, err)
	}

	record, err := s.buildRecord(ctx, msg)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("archival: encode record: %w", err)
	}
	if err := s.store.Set(ctx, recordKey(messageID), data); err != nil {
		return nil, fmt.Errorf("archival: persist record for %s: %w", messageID, err)
	}

	refs := contracts.EventRefs{
		EnvelopeHash:       record.EnvelopeHash,
		CapsuleHash:        record.CapsuleHash,
		ReconstructionHash: record.ReconstructionHash,
		AuditHeadHash:      record.AuditHeadHash,
		ArchiveRecordID:    record.RecordID,
	}
	if _, err := s.ledger.AppendEvent(ctx, messageID, contracts.EventArchived,
		contracts.ActorSystem, "message archived", refs); err != nil {
		return nil, fmt.Errorf("archival: record archive event: %w", err)
	}

	if err := s.messages.MoveToFolder(ctx, messageID, contracts.FolderArchived); err != nil {
		return nil, fmt.Errorf("archival: move %s to archived: %w", messageID, err)
	}

	s.logger.Info("message archived",
		"message_id", messageID,
		"record_id", record.RecordID,
		"record_hash", record.RecordHash)
	return record, nil
}

// GetRecord returns the persisted archive record for a message.
func (s *Service) GetRecord(ctx context.Context, messageID string) (*contracts.ArchiveRecord, error) {
	data, err := s.store.Get(ctx, recordKey(messageID))
	if err != nil {
		return nil, err
	}
	var record contracts.ArchiveRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("archival: decode record for %s: %w", messageID, err)
	}
	return &record, nil
}

// buildRecord deterministically assembles the frozen snapshot.
func (s *Service) buildRecord(ctx context.Context, msg *contracts.IncomingMessage) (*contracts.ArchiveRecord, error) {
	record := &contracts.ArchiveRecord{
		RecordID:           uuid.New().String(),
		MessageID:          msg.MessageID,
		Folder:             msg.Folder,
		VerificationStatus: msg.VerificationStatus,
		DeliveryStatus:     msg.DeliveryStatus,
		IngressEventIDs:    []string{},
		DispatchEventIDs:   []string{},
		RejectionReason:    msg.RejectionReason,
		ArchivedAt:         s.clock().UTC(),
	}

	if msg.Envelope != nil {
		hash, err := canonicalize.CanonicalHash(msg.Envelope.Summary())
		if err != nil {
			return nil, fmt.Errorf("archival: hash envelope summary: %w", err)
		}
		record.EnvelopeHash = hash
	}
	if msg.Capsule != nil {
		hash, err := canonicalize.CanonicalHash(msg.Capsule)
		if err != nil {
			return nil, fmt.Errorf("archival: hash capsule metadata: %w", err)
		}
		record.CapsuleHash = hash
	}
	if msg.Reconstruction != nil {
		record.ReconstructionHash = msg.Reconstruction.RecordHash
	}

	chain, err := s.ledger.GetChain(ctx, msg.MessageID)
	if err != nil {
		return nil, fmt.Errorf("archival: read chain for %s: %w", msg.MessageID, err)
	}
	record.AuditHeadHash = chain.HeadHash
	for _, event := range chain.Events {
		switch {
		case strings.HasPrefix(event.Type, "exported."):
			record.DispatchEventIDs = append(record.DispatchEventIDs, event.EventID)
		default:
			record.IngressEventIDs = append(record.IngressEventIDs, event.EventID)
		}
	}

	hash, err := recordHash(record)
	if err != nil {
		return nil, fmt.Errorf("archival: hash record: %w", err)
	}
	record.RecordHash = hash
	return record, nil
}

// recordHash canonicalizes the record minus its own hash field.
func recordHash(r *contracts.ArchiveRecord) (string, error) {
	shadow := *r
	shadow.RecordHash = ""
	return canonicalize.CanonicalHash(shadow)
}

func recordKey(messageID string) string {
	return Namespace + "/" + messageID
}
