// Package boundary orchestrates the trust boundary: it runs admission
// over incoming messages, drives post-acceptance reconstruction, and
// records every lifecycle transition in the audit ledger. The individual
// services stay independently usable; this package owns their sequencing.
package boundary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wrguard/beapcore/pkg/audit"
	"github.com/wrguard/beapcore/pkg/canonicalize"
	"github.com/wrguard/beapcore/pkg/contracts"
	"github.com/wrguard/beapcore/pkg/evaluation"
	"github.com/wrguard/beapcore/pkg/reconstruction"
)

// ErrNotAccepted is returned when reconstruction is requested for a
// message that admission did not accept.
var ErrNotAccepted = errors.New("boundary: message is not accepted")

// MessageStore is the slice of the message collaborator the core needs
// to reflect admission outcomes.
type MessageStore interface {
	UpdateMessageStatus(ctx context.Context, messageID string, status contracts.VerificationStatus) error
	MoveToFolder(ctx context.Context, messageID string, folder contracts.Folder) error
}

// Core sequences admission and reconstruction and keeps the ledger
// truthful about both.
type Core struct {
	evaluator *evaluation.Pipeline
	recon     *reconstruction.Pipeline
	ledger    *audit.Ledger
	messages  MessageStore
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewCore wires the boundary services together.
func NewCore(evaluator *evaluation.Pipeline, recon *reconstruction.Pipeline, ledger *audit.Ledger, messages MessageStore) *Core {
	return &Core{
		evaluator: evaluator,
		recon:     recon,
		ledger:    ledger,
		messages:  messages,
		logger:    slog.Default().With("component", "boundary"),
		tracer:    otel.Tracer("beapcore/boundary"),
	}
}

// Admit records arrival, evaluates the message, and reflects the
// outcome in both the ledger and the message store. The evaluation
// result is returned even when bookkeeping fails; the error reports the
// bookkeeping failure.
func (c *Core) Admit(ctx context.Context, msg *contracts.IncomingMessage) (*contracts.EvaluationResult, error) {
	ctx, span := c.tracer.Start(ctx, "boundary.admit")
	defer span.End()

	if msg == nil || msg.MessageID == "" {
		return nil, errors.New("boundary: message has no id")
	}
	span.SetAttributes(attribute.String("beap.message_id", msg.MessageID))

	importedRefs := contracts.EventRefs{}
	if msg.Envelope != nil {
		importedRefs.EnvelopeHash = msg.Envelope.EnvelopeHash
	}
	if _, err := c.ledger.AppendEvent(ctx, msg.MessageID, contracts.EventImported,
		contracts.ActorSystem, "package imported", importedRefs); err != nil {
		return nil, fmt.Errorf("boundary: record import: %w", err)
	}

	result := c.evaluator.Evaluate(ctx, msg)
	span.SetAttributes(attribute.Bool("beap.passed", result.Passed))

	if result.Passed {
		return result, c.recordAccepted(ctx, msg, result)
	}
	return result, c.recordRejected(ctx, msg, result)
}

func (c *Core) recordAccepted(ctx context.Context, msg *contracts.IncomingMessage, result *contracts.EvaluationResult) error {
	refs := contracts.EventRefs{}
	if result.EnvelopeSummary != nil {
		refs.EnvelopeHash = result.EnvelopeSummary.EnvelopeHash
	}
	if result.CapsuleMetadata != nil {
		hash, err := canonicalize.CanonicalHash(result.CapsuleMetadata)
		if err != nil {
			return fmt.Errorf("boundary: hash capsule metadata: %w", err)
		}
		refs.CapsuleHash = hash
	}
	if _, err := c.ledger.AppendEvent(ctx, msg.MessageID, contracts.EventVerifiedAccepted,
		contracts.ActorSystem, "package accepted", refs); err != nil {
		return fmt.Errorf("boundary: record acceptance: %w", err)
	}

	if err := c.messages.UpdateMessageStatus(ctx, msg.MessageID, contracts.VerificationAccepted); err != nil {
		return fmt.Errorf("boundary: mark %s accepted: %w", msg.MessageID, err)
	}
	c.logger.Info("package admitted", "message_id", msg.MessageID)
	return nil
}

func (c *Core) recordRejected(ctx context.Context, msg *contracts.IncomingMessage, result *contracts.EvaluationResult) error {
	refs := contracts.EventRefs{}
	summary := "package rejected"
	if result.RejectionReason != nil {
		refs.RejectionCode = result.RejectionReason.Code
		summary = result.RejectionReason.HumanSummary
	}
	if _, err := c.ledger.AppendEvent(ctx, msg.MessageID, contracts.EventVerifiedRejected,
		contracts.ActorSystem, summary, refs); err != nil {
		return fmt.Errorf("boundary: record rejection: %w", err)
	}

	if err := c.messages.UpdateMessageStatus(ctx, msg.MessageID, contracts.VerificationRejected); err != nil {
		return fmt.Errorf("boundary: mark %s rejected: %w", msg.MessageID, err)
	}
	if err := c.messages.MoveToFolder(ctx, msg.MessageID, contracts.FolderRejected); err != nil {
		return fmt.Errorf("boundary: move %s to rejected: %w", msg.MessageID, err)
	}
	c.logger.Warn("package refused",
		"message_id", msg.MessageID,
		"code", string(refs.RejectionCode))
	return nil
}

// Reconstruct runs the reconstruction pipeline for an accepted message
// and records completion with the result's record hash.
func (c *Core) Reconstruct(ctx context.Context, msg *contracts.IncomingMessage, attachments []contracts.ReconstructionAttachment) (*contracts.ReconstructionResult, error) {
	ctx, span := c.tracer.Start(ctx, "boundary.reconstruct")
	defer span.End()

	if msg == nil || msg.MessageID == "" {
		return nil, errors.New("boundary: message has no id")
	}
	if !reconstruction.CanReconstruct(msg.VerificationStatus) {
		return nil, fmt.Errorf("%w: %s is %s",
			ErrNotAccepted, msg.MessageID, msg.VerificationStatus)
	}

	result, err := c.recon.Run(ctx, &contracts.ReconstructionRequest{
		MessageID:   msg.MessageID,
		Attachments: attachments,
	})
	if err != nil {
		return nil, err
	}

	if _, err := c.ledger.AppendEvent(ctx, msg.MessageID, contracts.EventReconstructionCompleted,
		contracts.ActorSystem, "reconstruction completed", contracts.EventRefs{
			ReconstructionHash: result.RecordHash,
		}); err != nil {
		return nil, fmt.Errorf("boundary: record reconstruction: %w", err)
	}
	return result, nil
}
