package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrguard/beapcore/pkg/contracts"
	"github.com/wrguard/beapcore/pkg/kvstore"
)

func TestMirrorWritesAppendedEvents(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer

	l := NewLedger(kvstore.NewMemoryStore()).
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })
	l.AddHandler(NewMirrorWithWriter(&buf).Handler())

	_, err := l.AppendEvent(ctx, "m1", contracts.EventImported,
		contracts.ActorSystem, "package imported", contracts.EventRefs{})
	require.NoError(t, err)

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "AUDIT: "))

	var event contracts.AuditEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "AUDIT: ")), &event))
	assert.Equal(t, "m1", event.MessageID)
	assert.Equal(t, contracts.EventImported, event.Type)
	assert.NotEmpty(t, event.EventHash)
}

func TestMirrorNilWriterDefaultsToStdout(t *testing.T) {
	m := NewMirrorWithWriter(nil)
	assert.NotNil(t, m.writer)
}
