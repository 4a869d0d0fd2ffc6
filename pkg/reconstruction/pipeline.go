// Package reconstruction materializes human-readable semantic content
// (text, page rasters) for accepted messages by invoking registered
// tools in isolation. Tools only ever receive a reference to the
// encrypted artefact plus its MIME type, never decrypted bytes.
package reconstruction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wrguard/beapcore/pkg/canonicalize"
	"github.com/wrguard/beapcore/pkg/contracts"
	"github.com/wrguard/beapcore/pkg/toolregistry"
)

// ErrToolsNotReady is the hard precondition failure: the registry has
// unverified or missing tools and the pipeline must refuse to start.
var ErrToolsNotReady = errors.New("reconstruction: tool registry is not ready")

// CanReconstruct is the caller contract: reconstruction may run only
// for messages whose evaluation accepted them.
func CanReconstruct(status contracts.VerificationStatus) bool {
	return status == contracts.VerificationAccepted
}

// toolRequest is the fixed contract passed to a tool on stdin.
type toolRequest struct {
	Op           string `json:"op"` // "extract_text" | "rasterize"
	ArtefactRef  string `json:"artefact_ref"`
	MIMEType     string `json:"mime_type"`
	ArtefactHash string `json:"artefact_hash,omitempty"`
}

// rasterOutput is the rasterizer tool's stdout contract.
type rasterOutput struct {
	Format string `json:"format"`
	Pages  []struct {
		PageNumber int    `json:"page_number"`
		DataRef    string `json:"data_ref"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		Data       []byte `json:"data,omitempty"`
	} `json:"pages"`
}

// Pipeline runs registered tools over an accepted message's
// attachments. One attachment's failure or timeout never aborts its
// siblings; it degrades to an unavailable entry.
type Pipeline struct {
	registry *toolregistry.Registry
	runner   Runner
	clock    func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewPipeline creates a reconstruction pipeline gated by the given
// registry and executing through the given runner.
func NewPipeline(registry *toolregistry.Registry, runner Runner) *Pipeline {
	return &Pipeline{
		registry: registry,
		runner:   runner,
		clock:    time.Now,
		logger:   slog.Default().With("component", "reconstruction"),
		tracer:   otel.Tracer("beapcore/reconstruction"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// Run reconstructs every attachment of the request. Overall success
// means the run completed; per-attachment unavailability is recorded,
// not escalated.
func (p *Pipeline) Run(ctx context.Context, req *contracts.ReconstructionRequest) (*contracts.ReconstructionResult, error) {
	ctx, span := p.tracer.Start(ctx, "reconstruction.run")
	defer span.End()

	if req == nil || req.MessageID == "" {
		return nil, errors.New("reconstruction: request has no message id")
	}
	if !p.registry.AreToolsReady() {
		return nil, ErrToolsNotReady
	}

	span.SetAttributes(
		attribute.String("beap.message_id", req.MessageID),
		attribute.Int("beap.attachment_count", len(req.Attachments)),
	)

	started := p.clock().UTC()
	entries := make([]contracts.SemanticTextEntry, len(req.Attachments))
	rasters := make([]*contracts.RasterRef, len(req.Attachments))

	var wg sync.WaitGroup
	for i, att := range req.Attachments {
		wg.Add(1)
		go func(i int, att contracts.ReconstructionAttachment) {
			defer wg.Done()
			entry, raster := p.processAttachment(ctx, att)
			entries[i] = entry
			rasters[i] = raster
		}(i, att)
	}
	wg.Wait()

	result := &contracts.ReconstructionResult{
		MessageID:   req.MessageID,
		Success:     true,
		TextEntries: entries,
		StartedAt:   started,
		CompletedAt: p.clock().UTC(),
	}
	for _, r := range rasters {
		if r != nil {
			result.Rasters = append(result.Rasters, *r)
		}
	}

	hash, err := recordHash(result)
	if err != nil {
		return nil, fmt.Errorf("reconstruction: record hash: %w", err)
	}
	result.RecordHash = hash

	p.logger.Info("reconstruction completed",
		"message_id", req.MessageID,
		"attachments", len(req.Attachments),
		"rasters", len(result.Rasters))
	return result, nil
}

// processAttachment handles one attachment end to end. Failures degrade
// to unavailable entries; nothing here returns an error to the batch.
func (p *Pipeline) processAttachment(ctx context.Context, att contracts.ReconstructionAttachment) (contracts.SemanticTextEntry, *contracts.RasterRef) {
	now := p.clock().UTC()

	if !p.registry.SupportsMIME(toolregistry.ToolTikaParser, att.MIMEType) {
		// Unsupported type is an expected outcome, not an error.
		return contracts.SemanticTextEntry{
			ArtefactID:  att.ArtefactID,
			Text:        "",
			Source:      contracts.TextSourceNone,
			Unavailable: true,
			TextHash:    canonicalize.HashString(""),
			MIMEType:    att.MIMEType,
			ExtractedAt: now,
		}, nil
	}

	entry := p.extractText(ctx, att)

	var raster *contracts.RasterRef
	if p.registry.SupportsMIME(toolregistry.ToolPDFiumRaster, att.MIMEType) {
		raster = p.rasterize(ctx, att)
	}
	return entry, raster
}

func (p *Pipeline) extractText(ctx context.Context, att contracts.ReconstructionAttachment) contracts.SemanticTextEntry {
	entry := contracts.SemanticTextEntry{
		ArtefactID:  att.ArtefactID,
		MIMEType:    att.MIMEType,
		ExtractedAt: p.clock().UTC(),
	}

	tool, err := p.registry.GetTool(toolregistry.ToolTikaParser)
	if err != nil {
		entry.Source = contracts.TextSourceNone
		entry.Unavailable = true
		entry.TextHash = canonicalize.HashString("")
		return entry
	}

	input, _ := json.Marshal(toolRequest{
		Op:           "extract_text",
		ArtefactRef:  att.EncryptedRef,
		MIMEType:     att.MIMEType,
		ArtefactHash: att.ContentHash,
	})

	out, err := p.runner.Run(ctx, tool, input)
	if err != nil {
		p.logger.Warn("parser tool failed",
			"artefact_id", att.ArtefactID,
			"timed_out", IsTimeout(err),
			"error", err)
		entry.Source = contracts.TextSourceNone
		entry.Unavailable = true
		entry.TimedOut = IsTimeout(err)
		entry.TextHash = canonicalize.HashString("")
		return entry
	}

	entry.Text = string(out)
	entry.Source = contracts.TextSourceTika
	entry.TextHash = canonicalize.HashBytes(out)
	return entry
}

func (p *Pipeline) rasterize(ctx context.Context, att contracts.ReconstructionAttachment) *contracts.RasterRef {
	tool, err := p.registry.GetTool(toolregistry.ToolPDFiumRaster)
	if err != nil {
		return nil
	}

	input, _ := json.Marshal(toolRequest{
		Op:           "rasterize",
		ArtefactRef:  att.EncryptedRef,
		MIMEType:     att.MIMEType,
		ArtefactHash: att.ContentHash,
	})

	out, err := p.runner.Run(ctx, tool, input)
	if err != nil {
		p.logger.Warn("rasterizer tool failed",
			"artefact_id", att.ArtefactID,
			"timed_out", IsTimeout(err),
			"error", err)
		return nil
	}

	var parsed rasterOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		p.logger.Warn("rasterizer output unreadable",
			"artefact_id", att.ArtefactID, "error", err)
		return nil
	}

	ref := &contracts.RasterRef{
		ArtefactID:   att.ArtefactID,
		Format:       parsed.Format,
		TotalPages:   len(parsed.Pages),
		RasterizedAt: p.clock().UTC(),
		OriginalHash: att.ContentHash,
	}
	for _, page := range parsed.Pages {
		imageHash := canonicalize.HashString(page.DataRef)
		if len(page.Data) > 0 {
			// Hash the page bytes, then drop them: only the reference
			// and digest are ever stored.
			imageHash = canonicalize.HashBytes(page.Data)
		}
		ref.Pages = append(ref.Pages, contracts.RasterPage{
			PageNumber: page.PageNumber,
			DataRef:    page.DataRef,
			Width:      page.Width,
			Height:     page.Height,
			ImageHash:  imageHash,
		})
	}
	return ref
}

// recordHash canonicalizes the result minus its own hash field.
func recordHash(r *contracts.ReconstructionResult) (string, error) {
	hashable := struct {
		MessageID   string                        `json:"message_id"`
		Success     bool                          `json:"success"`
		TextEntries []contracts.SemanticTextEntry `json:"text_entries"`
		Rasters     []contracts.RasterRef         `json:"rasters,omitempty"`
		StartedAt   time.Time                     `json:"started_at"`
		CompletedAt time.Time                     `json:"completed_at"`
	}{
		MessageID:   r.MessageID,
		Success:     r.Success,
		TextEntries: r.TextEntries,
		Rasters:     r.Rasters,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
	return canonicalize.CanonicalHash(hashable)
}
