package export

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrguard/beapcore/pkg/audit"
	"github.com/wrguard/beapcore/pkg/canonicalize"
	"github.com/wrguard/beapcore/pkg/contracts"
	"github.com/wrguard/beapcore/pkg/kvstore"
)

var exportNow = time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)

type fakeMessages map[string]*contracts.IncomingMessage

func (f fakeMessages) GetMessageByID(_ context.Context, id string) (*contracts.IncomingMessage, error) {
	msg, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("no message %s", id)
	}
	return msg, nil
}

type fakeReconstructions map[string]*contracts.ReconstructionResult

func (f fakeReconstructions) GetResult(_ context.Context, id string) (*contracts.ReconstructionResult, error) {
	return f[id], nil
}

func exportedMessage(id string) *contracts.IncomingMessage {
	return &contracts.IncomingMessage{
		MessageID:          id,
		Folder:             contracts.FolderInbox,
		VerificationStatus: contracts.VerificationAccepted,
		Envelope: &contracts.BeapEnvelope{
			EnvelopeID:      "env-" + id,
			PackageID:       "pkg-" + id,
			EnvelopeHash:    "sha256:abc",
			SignatureStatus: contracts.SignatureValid,
			IngressChannel:  "email",
		},
		Reconstruction: &contracts.ReconstructionRecord{
			RecordHash:  "sha256:recon",
			CompletedAt: exportNow.Add(-time.Hour),
		},
	}
}

func seededLedger(t *testing.T, store kvstore.Store, messageID string) *audit.Ledger {
	t.Helper()
	ledger := audit.NewLedger(store).WithClock(func() time.Time { return exportNow })
	for _, eventType := range []string{
		contracts.EventImported,
		contracts.EventVerifiedAccepted,
		contracts.EventReconstructionCompleted,
	} {
		_, err := ledger.AppendEvent(context.Background(), messageID, eventType,
			contracts.ActorSystem, "", contracts.EventRefs{})
		require.NoError(t, err)
	}
	return ledger
}

func TestExportAuditLog(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	ledger := seededLedger(t, store, "m1")
	svc := NewService(ledger, fakeMessages{"m1": exportedMessage("m1")}, nil).
		WithClock(func() time.Time { return exportNow })

	export, err := svc.ExportAuditLog(ctx, "m1")
	require.NoError(t, err)

	assert.Equal(t, "m1", export.MessageID)
	assert.Equal(t, 3, export.EventCount)
	assert.True(t, export.ChainVerified)
	assert.Equal(t, export.Events[2].EventHash, export.ChainHeadHash)
	assert.Contains(t, export.ExportHash, "sha256:")

	// The export itself is on the record.
	events, err := ledger.GetEvents(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, contracts.EventExportedAudit, events[3].Type)
	assert.Equal(t, export.ExportHash, events[3].Refs.ExportHash)
}

func TestExportAuditLogNoEvents(t *testing.T) {
	store := kvstore.NewMemoryStore()
	ledger := audit.NewLedger(store)
	svc := NewService(ledger, fakeMessages{}, nil)

	_, err := svc.ExportAuditLog(context.Background(), "empty")
	assert.ErrorIs(t, err, ErrNoEvents)
}

func TestExportAuditLogRefusesBrokenChain(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	ledger := seededLedger(t, store, "m1")
	svc := NewService(ledger, fakeMessages{}, nil)

	// Corrupt the stored chain behind the ledger's back.
	key := audit.Namespace + "/m1"
	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte(contracts.EventImported), []byte("rewritten"), 1)
	require.NoError(t, store.Set(ctx, key, tampered))

	_, err = svc.ExportAuditLog(ctx, "m1")
	assert.ErrorIs(t, err, ErrChainUnverified)
}

func TestExportHashIgnoresExportTime(t *testing.T) {
	ctx := context.Background()

	// Same chain state exported at two different times must produce the
	// same export hash.
	storeA := kvstore.NewMemoryStore()
	ledgerA := seededLedger(t, storeA, "m1")

	storeB := kvstore.NewMemoryStore()
	key := audit.Namespace + "/m1"
	data, err := storeA.Get(ctx, key)
	require.NoError(t, err)
	require.NoError(t, storeB.Set(ctx, key, data))
	ledgerB := audit.NewLedger(storeB)

	msgs := fakeMessages{"m1": exportedMessage("m1")}
	svcA := NewService(ledgerA, msgs, nil).
		WithClock(func() time.Time { return exportNow })
	svcB := NewService(ledgerB, msgs, nil).
		WithClock(func() time.Time { return exportNow.Add(48 * time.Hour) })

	exportA, err := svcA.ExportAuditLog(ctx, "m1")
	require.NoError(t, err)
	exportB, err := svcB.ExportAuditLog(ctx, "m1")
	require.NoError(t, err)

	assert.NotEqual(t, exportA.ExportedAt, exportB.ExportedAt)
	assert.Equal(t, exportA.ExportHash, exportB.ExportHash)
}

func TestBuildProofBundle(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	ledger := seededLedger(t, store, "m1")

	recon := fakeReconstructions{"m1": {
		MessageID: "m1",
		Success:   true,
		TextEntries: []contracts.SemanticTextEntry{
			{ArtefactID: "a1", Text: "hello", Source: contracts.TextSourceTika,
				TextHash: canonicalize.HashString("hello")},
		},
		Rasters: []contracts.RasterRef{
			{ArtefactID: "a1", Format: "png", TotalPages: 1},
		},
		RecordHash: "sha256:recon",
	}}

	svc := NewService(ledger, fakeMessages{"m1": exportedMessage("m1")}, recon).
		WithClock(func() time.Time { return exportNow })

	bundle, err := svc.BuildProofBundle(ctx, "m1")
	require.NoError(t, err)

	var paths []string
	for _, f := range bundle.Files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{
		"envelope_summary.json",
		"semantic_text.json",
		"raster_metadata.json",
		"audit_log.json",
	}, paths)

	require.Len(t, bundle.Manifest.Files, len(bundle.Files))
	for i, f := range bundle.Files {
		entry := bundle.Manifest.Files[i]
		assert.Equal(t, f.Path, entry.Path)
		assert.Equal(t, canonicalize.HashBytes(f.Data), entry.Hash)
		assert.Equal(t, int64(len(f.Data)), entry.Size)
	}
	assert.Contains(t, bundle.Manifest.BundleHash, "sha256:")

	// Both export events landed on the chain.
	events, err := ledger.GetEvents(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, contracts.EventExportedAudit, events[3].Type)
	assert.Equal(t, contracts.EventExportedProof, events[4].Type)
	assert.Equal(t, bundle.Manifest.BundleHash, events[4].Refs.BundleHash)
}

func TestBuildProofBundleIncludesRejection(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	ledger := seededLedger(t, store, "m1")

	msg := exportedMessage("m1")
	msg.VerificationStatus = contracts.VerificationRejected
	msg.Reconstruction = nil
	msg.RejectionReason = &contracts.RejectionReason{
		Code:         contracts.RejectSignatureMissing,
		HumanSummary: "the package arrived without a signature",
		FailedStep:   contracts.StepEnvelopeVerification,
		Timestamp:    exportNow,
	}

	svc := NewService(ledger, fakeMessages{"m1": msg}, nil).
		WithClock(func() time.Time { return exportNow })

	bundle, err := svc.BuildProofBundle(ctx, "m1")
	require.NoError(t, err)

	var paths []string
	for _, f := range bundle.Files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{
		"envelope_summary.json",
		"rejection_reason.json",
		"audit_log.json",
	}, paths)
}

func TestBuildProofBundleNoHistoryFails(t *testing.T) {
	store := kvstore.NewMemoryStore()
	ledger := audit.NewLedger(store)
	svc := NewService(ledger, fakeMessages{"m1": exportedMessage("m1")}, nil)

	_, err := svc.BuildProofBundle(context.Background(), "m1")
	assert.ErrorIs(t, err, ErrNoEvents)
}

func TestWriteBundleZip(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	ledger := seededLedger(t, store, "m1")
	svc := NewService(ledger, fakeMessages{"m1": exportedMessage("m1")}, nil).
		WithClock(func() time.Time { return exportNow })

	bundle, err := svc.BuildProofBundle(ctx, "m1")
	require.NoError(t, err)

	zipBytes, checksum, err := WriteBundleZip(bundle)
	require.NoError(t, err)
	assert.Len(t, checksum, 64)

	reader, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range reader.File {
		names[f.Name] = true
	}
	assert.True(t, names["manifest.json"])
	assert.True(t, names["audit_log.json"])
	assert.True(t, names["README.txt"])

	// README carries the bundle hash for offline verification.
	readme, err := reader.Open("README.txt")
	require.NoError(t, err)
	defer readme.Close()
	content, err := io.ReadAll(readme)
	require.NoError(t, err)
	assert.Contains(t, string(content), bundle.Manifest.BundleHash)
}
