package archival

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrguard/beapcore/pkg/audit"
	"github.com/wrguard/beapcore/pkg/contracts"
	"github.com/wrguard/beapcore/pkg/kvstore"
)

var archiveNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeMessages is an in-memory MessageStore.
type fakeMessages struct {
	byID      map[string]*contracts.IncomingMessage
	moveFails bool
}

func (f *fakeMessages) GetMessageByID(_ context.Context, id string) (*contracts.IncomingMessage, error) {
	msg, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("no message %s", id)
	}
	copied := *msg
	return &copied, nil
}

func (f *fakeMessages) MoveToFolder(_ context.Context, id string, folder contracts.Folder) error {
	if f.moveFails {
		return fmt.Errorf("folder move refused")
	}
	msg, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("no message %s", id)
	}
	msg.Folder = folder
	return nil
}

func (f *fakeMessages) UpdateMessageStatus(_ context.Context, id string, status contracts.VerificationStatus) error {
	msg, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("no message %s", id)
	}
	msg.VerificationStatus = status
	return nil
}

func acceptedMessage(id string) *contracts.IncomingMessage {
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
		Capsule: &contracts.CapsuleMetadata{CapsuleID: "cap-" + id, Title: "hello"},
		Reconstruction: &contracts.ReconstructionRecord{
			RecordHash:  "sha256:recon",
			CompletedAt: archiveNow.Add(-time.Hour),
		},
		ReceivedAt: archiveNow.Add(-2 * time.Hour),
	}
}

func testService(msgs *fakeMessages) (*Service, *audit.Ledger) {
	store := kvstore.NewMemoryStore()
	ledger := audit.NewLedger(store).WithClock(func() time.Time { return archiveNow })
	svc := NewService(msgs, ledger, store).WithClock(func() time.Time { return archiveNow })
	return svc, ledger
}

func TestCheckEligibilityByFolder(t *testing.T) {
	cases := []struct {
		name     string
		msg      *contracts.IncomingMessage
		eligible bool
		reason   string
	}{
		{"nil message", nil, false, "message not found"},
		{"accepted inbox", &contracts.IncomingMessage{
			Folder: contracts.FolderInbox, VerificationStatus: contracts.VerificationAccepted,
		}, true, ""},
		{"pending inbox", &contracts.IncomingMessage{
			Folder: contracts.FolderInbox, VerificationStatus: contracts.VerificationPending,
		}, false, "verification still pending"},
		{"rejected-status inbox", &contracts.IncomingMessage{
			Folder: contracts.FolderInbox, VerificationStatus: contracts.VerificationRejected,
		}, false, "message was not accepted"},
		{"sent outbox", &contracts.IncomingMessage{
			Folder: contracts.FolderOutbox, DeliveryStatus: contracts.DeliverySent,
		}, true, ""},
		{"manually sent outbox", &contracts.IncomingMessage{
			Folder: contracts.FolderOutbox, DeliveryStatus: contracts.DeliverySentManual,
		}, true, ""},
		{"chat sent outbox", &contracts.IncomingMessage{
			Folder: contracts.FolderOutbox, DeliveryStatus: contracts.DeliverySentChat,
		}, true, ""},
		{"pending outbox", &contracts.IncomingMessage{
			Folder: contracts.FolderOutbox, DeliveryStatus: contracts.DeliveryPending,
		}, false, "message not dispatched"},
		{"rejected folder", &contracts.IncomingMessage{
			Folder: contracts.FolderRejected,
		}, true, ""},
		{"already archived", &contracts.IncomingMessage{
			Folder: contracts.FolderArchived, VerificationStatus: contracts.VerificationAccepted,
		}, false, "already archived"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CheckEligibility(tc.msg)
			assert.Equal(t, tc.eligible, got.Eligible)
			if tc.reason != "" {
				assert.Equal(t, tc.reason, got.Reason)
			}
		})
	}
}

func TestCheckEligibilityReportsReconstruction(t *testing.T) {
	msg := acceptedMessage("m1")
	assert.True(t, CheckEligibility(msg).HasReconstruction)

	msg.Reconstruction = nil
	assert.False(t, CheckEligibility(msg).HasReconstruction)
}

func TestArchiveFreezesMessage(t *testing.T) {
	ctx := context.Background()
	msgs := &fakeMessages{byID: map[string]*contracts.IncomingMessage{
		"m1": acceptedMessage("m1"),
	}}
	svc, ledger := testService(msgs)

	_, err := ledger.AppendEvent(ctx, "m1", contracts.EventImported,
		contracts.ActorSystem, "", contracts.EventRefs{})
	require.NoError(t, err)
	_, err = ledger.AppendEvent(ctx, "m1", contracts.EventVerifiedAccepted,
		contracts.ActorSystem, "", contracts.EventRefs{})
	require.NoError(t, err)

	record, err := svc.Archive(ctx, "m1")
	require.NoError(t, err)

	assert.Equal(t, "m1", record.MessageID)
	assert.NotEmpty(t, record.RecordID)
	assert.Contains(t, record.RecordHash, "sha256:")
	assert.Contains(t, record.EnvelopeHash, "sha256:")
	assert.Contains(t, record.CapsuleHash, "sha256:")
	assert.Equal(t, "sha256:recon", record.ReconstructionHash)
	assert.Len(t, record.IngressEventIDs, 2)
	assert.Empty(t, record.DispatchEventIDs)
	assert.Equal(t, archiveNow, record.ArchivedAt)

	// Message moved, archived event appended after the recorded head.
	assert.Equal(t, contracts.FolderArchived, msgs.byID["m1"].Folder)
	events, err := ledger.GetEvents(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, contracts.EventArchived, events[2].Type)
	assert.Equal(t, record.AuditHeadHash, events[2].PrevEventHash)
	assert.Equal(t, record.RecordID, events[2].Refs.ArchiveRecordID)
}

func TestArchiveTwiceFails(t *testing.T) {
	ctx := context.Background()
	msgs := &fakeMessages{byID: map[string]*contracts.IncomingMessage{
		"m1": acceptedMessage("m1"),
	}}
	svc, _ := testService(msgs)

	_, err := svc.Archive(ctx, "m1")
	require.NoError(t, err)

	_, err = svc.Archive(ctx, "m1")
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestArchiveRecordGuardHoldsWithoutFolderMove(t *testing.T) {
	ctx := context.Background()
	msgs := &fakeMessages{byID: map[string]*contracts.IncomingMessage{
		"m1": acceptedMessage("m1"),
	}}
	svc, _ := testService(msgs)

	_, err := svc.Archive(ctx, "m1")
	require.NoError(t, err)

	// Even if the folder state is rolled back, the persisted record
	// still blocks a second archive.
	msgs.byID["m1"].Folder = contracts.FolderInbox
	_, err = svc.Archive(ctx, "m1")
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestArchiveIneligibleMessage(t *testing.T) {
	ctx := context.Background()
	msg := acceptedMessage("m1")
	msg.VerificationStatus = contracts.VerificationPending
	msgs := &fakeMessages{byID: map[string]*contracts.IncomingMessage{"m1": msg}}
	svc, _ := testService(msgs)

	_, err := svc.Archive(ctx, "m1")
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestArchiveUnknownMessage(t *testing.T) {
	svc, _ := testService(&fakeMessages{byID: map[string]*contracts.IncomingMessage{}})

	_, err := svc.Archive(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestGetRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	msgs := &fakeMessages{byID: map[string]*contracts.IncomingMessage{
		"m1": acceptedMessage("m1"),
	}}
	svc, _ := testService(msgs)

	created, err := svc.Archive(ctx, "m1")
	require.NoError(t, err)

	loaded, err := svc.GetRecord(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, created.RecordID, loaded.RecordID)
	assert.Equal(t, created.RecordHash, loaded.RecordHash)
}
