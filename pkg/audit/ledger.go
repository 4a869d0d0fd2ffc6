// Package audit implements the per-message, append-only, hash-chained
// event ledger. It is the system of record for what happened to a
// message and in what order.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wrguard/beapcore/pkg/canonicalize"
	"github.com/wrguard/beapcore/pkg/contracts"
	"github.com/wrguard/beapcore/pkg/kvstore"
)

// Namespace is the keyed-store prefix the ledger persists under.
const Namespace = "beap-audit-store"

var (
	ErrEmptyMessageID = errors.New("audit: message id must not be empty")
	ErrEmptyEventType = errors.New("audit: event type must not be empty")
	// ErrChainBroken reports a prev-hash or content-hash mismatch.
	ErrChainBroken = errors.New("audit: hash chain is broken")
)

// EventHandler is notified after an event has been durably appended.
type EventHandler func(event contracts.AuditEvent)

// Ledger is an append-only audit log over a keyed store. There is no
// API to edit or delete an event.
//
// Appends for the same message are serialized through a per-key lock so
// two concurrent appends can never read the same chain head and fork
// the chain.
type Ledger struct {
	store kvstore.Store
	clock func() time.Time

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex

	handlerMu sync.RWMutex
	handlers  []EventHandler
}

// NewLedger creates a ledger persisting through the given store.
func NewLedger(store kvstore.Store) *Ledger {
	return &Ledger{
		store:    store,
		clock:    time.Now,
		keyLocks: make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// AddHandler registers a handler invoked after each successful append.
func (l *Ledger) AddHandler(h EventHandler) {
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	l.handlers = append(l.handlers, h)
}

func (l *Ledger) lockFor(messageID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.keyLocks[messageID]
	if !ok {
		lock = &sync.Mutex{}
		l.keyLocks[messageID] = lock
	}
	return lock
}

func chainKey(messageID string) string {
	return Namespace + "/" + messageID
}

// AppendEvent appends one event for messageID, linking it to the
// current chain head. An append that cannot be written to the store is
// the one unrecoverable failure class in this core.
func (l *Ledger) AppendEvent(ctx context.Context, messageID, eventType string, actor contracts.Actor, summary string, refs contracts.EventRefs) (*contracts.AuditEvent, error) {
	if messageID == "" {
		return nil, ErrEmptyMessageID
	}
	if eventType == "" {
		return nil, ErrEmptyEventType
	}
	if actor == "" {
		actor = contracts.ActorSystem
	}

	lock := l.lockFor(messageID)
	lock.Lock()
	defer lock.Unlock()

	events, err := l.loadEvents(ctx, messageID)
	if err != nil {
		return nil, err
	}

	prevHash := ""
	if len(events) > 0 {
		prevHash = events[len(events)-1].EventHash
	}

	event := contracts.AuditEvent{
		EventID:       uuid.New().String(),
		MessageID:     messageID,
		Type:          eventType,
		Timestamp:     l.clock().UTC(),
		Actor:         actor,
		Summary:       summary,
		Refs:          refs,
		PrevEventHash: prevHash,
	}

	hash, err := computeEventHash(&event)
	if err != nil {
		return nil, fmt.Errorf("audit: compute event hash: %w", err)
	}
	event.EventHash = hash

	events = append(events, event)
	if err := l.storeEvents(ctx, messageID, events); err != nil {
		return nil, fmt.Errorf("audit: persist chain for %s: %w", messageID, err)
	}

	l.handlerMu.RLock()
	handlers := l.handlers
	l.handlerMu.RUnlock()
	for _, h := range handlers {
		h(event)
	}

	return &event, nil
}

// GetEvents returns the full event sequence for a message, oldest
// first. A message with no events yields an empty slice.
func (l *Ledger) GetEvents(ctx context.Context, messageID string) ([]contracts.AuditEvent, error) {
	if messageID == "" {
		return nil, ErrEmptyMessageID
	}
	return l.loadEvents(ctx, messageID)
}

// GetLastEvent returns the chain head event, or nil for an empty chain.
func (l *Ledger) GetLastEvent(ctx context.Context, messageID string) (*contracts.AuditEvent, error) {
	events, err := l.GetEvents(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	last := events[len(events)-1]
	return &last, nil
}

// GetChain recomputes the derived chain view from the stored events.
func (l *Ledger) GetChain(ctx context.Context, messageID string) (*contracts.AuditChain, error) {
	events, err := l.GetEvents(ctx, messageID)
	if err != nil {
		return nil, err
	}

	chain := &contracts.AuditChain{
		Events:     events,
		EventCount: len(events),
	}
	if len(events) > 0 {
		chain.HeadHash = events[len(events)-1].EventHash
		chain.CreatedAt = events[0].Timestamp
		chain.LastEventAt = events[len(events)-1].Timestamp
	}
	return chain, nil
}

// VerifyChainIntegrity walks the chain and recomputes every hash. An
// empty chain is vacuously valid. The returned error describes the
// first break found; a false result always carries one.
func (l *Ledger) VerifyChainIntegrity(ctx context.Context, messageID string) (bool, error) {
	events, err := l.GetEvents(ctx, messageID)
	if err != nil {
		return false, err
	}
	return VerifyEvents(events)
}

// VerifyEvents checks linkage and content hashes over an event
// sequence. Exported so exports can verify chains they were handed
// without a ledger.
func VerifyEvents(events []contracts.AuditEvent) (bool, error) {
	expectedPrev := ""
	for i, event := range events {
		if event.PrevEventHash != expectedPrev {
			return false, fmt.Errorf("%w: event %d prev_event_hash %q, expected %q",
				ErrChainBroken, i, event.PrevEventHash, expectedPrev)
		}

		computed, err := computeEventHash(&event)
		if err != nil {
			return false, fmt.Errorf("%w: event %d hash recomputation failed: %v",
				ErrChainBroken, i, err)
		}
		if computed != event.EventHash {
			return false, fmt.Errorf("%w: event %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, event.EventHash)
		}
		expectedPrev = event.EventHash
	}
	return true, nil
}

// computeEventHash canonicalizes every field except event_hash itself.
func computeEventHash(e *contracts.AuditEvent) (string, error) {
	hashable := struct {
		EventID       string              `json:"event_id"`
		MessageID     string              `json:"message_id"`
		Type          string              `json:"type"`
		Timestamp     time.Time           `json:"timestamp"`
		Actor         contracts.Actor     `json:"actor"`
		Summary       string              `json:"summary"`
		Refs          contracts.EventRefs `json:"refs"`
		PrevEventHash string              `json:"prev_event_hash"`
	}{
		EventID:       e.EventID,
		MessageID:     e.MessageID,
		Type:          e.Type,
		Timestamp:     e.Timestamp,
		Actor:         e.Actor,
		Summary:       e.Summary,
		Refs:          e.Refs,
		PrevEventHash: e.PrevEventHash,
	}
	return canonicalize.CanonicalHash(hashable)
}

func (l *Ledger) loadEvents(ctx context.Context, messageID string) ([]contracts.AuditEvent, error) {
	data, err := l.store.Get(ctx, chainKey(messageID))
	if err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			return []contracts.AuditEvent{}, nil
		}
		return nil, fmt.Errorf("audit: load chain for %s: %w", messageID, err)
	}

	var events []contracts.AuditEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("audit: decode chain for %s: %w", messageID, err)
	}
	return events, nil
}

func (l *Ledger) storeEvents(ctx context.Context, messageID string, events []contracts.AuditEvent) error {
	data, err := json.Marshal(events)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, chainKey(messageID), data)
}
