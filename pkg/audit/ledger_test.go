package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrguard/beapcore/pkg/contracts"
	"github.com/wrguard/beapcore/pkg/kvstore"
)

func testLedger() *Ledger {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	return NewLedger(kvstore.NewMemoryStore()).WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
}

func TestAppendEventChainsToPredecessor(t *testing.T) {
	ctx := context.Background()
	l := testLedger()

	first, err := l.AppendEvent(ctx, "m1", contracts.EventImported,
		contracts.ActorSystem, "package imported", contracts.EventRefs{})
	require.NoError(t, err)
	assert.Equal(t, "", first.PrevEventHash)
	assert.Contains(t, first.EventHash, "sha256:")

	second, err := l.AppendEvent(ctx, "m1", contracts.EventVerifiedAccepted,
		contracts.ActorSystem, "package accepted", contracts.EventRefs{
			EnvelopeHash: "sha256:abc",
		})
	require.NoError(t, err)
	assert.Equal(t, first.EventHash, second.PrevEventHash)

	third, err := l.AppendEvent(ctx, "m1", contracts.EventArchived,
		contracts.ActorUser, "message archived", contracts.EventRefs{})
	require.NoError(t, err)

	chain, err := l.GetChain(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 3, chain.EventCount)
	assert.Equal(t, third.EventHash, chain.HeadHash)
	assert.Equal(t, first.Timestamp, chain.CreatedAt)
	assert.Equal(t, third.Timestamp, chain.LastEventAt)

	ok, err := l.VerifyChainIntegrity(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAppendEventValidatesInput(t *testing.T) {
	ctx := context.Background()
	l := testLedger()

	_, err := l.AppendEvent(ctx, "", contracts.EventImported,
		contracts.ActorSystem, "", contracts.EventRefs{})
	assert.ErrorIs(t, err, ErrEmptyMessageID)

	_, err = l.AppendEvent(ctx, "m1", "",
		contracts.ActorSystem, "", contracts.EventRefs{})
	assert.ErrorIs(t, err, ErrEmptyEventType)
}

func TestAppendEventDefaultsActorToSystem(t *testing.T) {
	ctx := context.Background()
	l := testLedger()

	event, err := l.AppendEvent(ctx, "m1", contracts.EventImported,
		"", "", contracts.EventRefs{})
	require.NoError(t, err)
	assert.Equal(t, contracts.ActorSystem, event.Actor)
}

func TestChainsAreIndependentPerMessage(t *testing.T) {
	ctx := context.Background()
	l := testLedger()

	a, err := l.AppendEvent(ctx, "msg-a", contracts.EventImported,
		contracts.ActorSystem, "", contracts.EventRefs{})
	require.NoError(t, err)
	b, err := l.AppendEvent(ctx, "msg-b", contracts.EventImported,
		contracts.ActorSystem, "", contracts.EventRefs{})
	require.NoError(t, err)

	// Both are genesis events of their own chains.
	assert.Equal(t, "", a.PrevEventHash)
	assert.Equal(t, "", b.PrevEventHash)

	events, err := l.GetEvents(ctx, "msg-a")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestGetLastEventEmptyChain(t *testing.T) {
	ctx := context.Background()
	l := testLedger()

	last, err := l.GetLastEvent(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, last)

	ok, err := l.VerifyChainIntegrity(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, ok, "empty chain is vacuously valid")
}

func TestVerifyDetectsTamperedContent(t *testing.T) {
	ctx := context.Background()
	l := testLedger()

	for i := 0; i < 3; i++ {
		_, err := l.AppendEvent(ctx, "m1", contracts.EventImported,
			contracts.ActorSystem, "event", contracts.EventRefs{})
		require.NoError(t, err)
	}

	events, err := l.GetEvents(ctx, "m1")
	require.NoError(t, err)

	tampered := make([]contracts.AuditEvent, len(events))
	copy(tampered, events)
	tampered[1].Summary = "rewritten history"

	ok, err := VerifyEvents(tampered)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestVerifyDetectsBrokenLinkage(t *testing.T) {
	ctx := context.Background()
	l := testLedger()

	for i := 0; i < 3; i++ {
		_, err := l.AppendEvent(ctx, "m1", contracts.EventImported,
			contracts.ActorSystem, "event", contracts.EventRefs{})
		require.NoError(t, err)
	}

	events, err := l.GetEvents(ctx, "m1")
	require.NoError(t, err)

	// Deleting a middle event breaks the successor's prev link.
	spliced := append([]contracts.AuditEvent{events[0]}, events[2])
	ok, err := VerifyEvents(spliced)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestConcurrentAppendsNeverForkChain(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(kvstore.NewMemoryStore())

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.AppendEvent(ctx, "m1", contracts.EventImported,
				contracts.ActorSystem, "concurrent", contracts.EventRefs{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := l.GetEvents(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, events, workers)

	ok, err := VerifyEvents(events)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHandlerReceivesAppendedEvents(t *testing.T) {
	ctx := context.Background()
	l := testLedger()

	var got []contracts.AuditEvent
	l.AddHandler(func(e contracts.AuditEvent) { got = append(got, e) })

	_, err := l.AppendEvent(ctx, "m1", contracts.EventImported,
		contracts.ActorSystem, "", contracts.EventRefs{})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, contracts.EventImported, got[0].Type)
}

func TestChainIntegrityProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50

	properties := gopter.NewProperties(params)
	properties.Property("any append sequence yields a verifiable chain", prop.ForAll(
		func(summaries []string) bool {
			ctx := context.Background()
			l := testLedger()
			for _, s := range summaries {
				if _, err := l.AppendEvent(ctx, "prop-msg", contracts.EventImported,
					contracts.ActorSystem, s, contracts.EventRefs{}); err != nil {
					return false
				}
			}
			ok, err := l.VerifyChainIntegrity(ctx, "prop-msg")
			return ok && err == nil
		},
		gen.SliceOf(gen.AnyString()),
	))
	properties.TestingRun(t)
}
