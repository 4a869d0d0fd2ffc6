package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/wrguard/beapcore/pkg/contracts"
)

// Mirror writes every appended event as a structured JSON line, for
// operators tailing the boundary without querying the keyed store. It
// observes the ledger; it is never the source of truth.
type Mirror struct {
	mu     sync.Mutex
	writer io.Writer
	logger *slog.Logger
}

// NewMirror creates a mirror writing to os.Stdout.
func NewMirror() *Mirror {
	return NewMirrorWithWriter(os.Stdout)
}

// NewMirrorWithWriter creates a mirror writing to the given writer.
// This allows injection for testing and custom sinks.
func NewMirrorWithWriter(w io.Writer) *Mirror {
	if w == nil {
		w = os.Stdout
	}
	return &Mirror{
		writer: w,
		logger: slog.Default().With("component", "audit"),
	}
}

// Handler returns an EventHandler suitable for Ledger.AddHandler.
func (m *Mirror) Handler() EventHandler {
	return func(event contracts.AuditEvent) {
		m.mu.Lock()
		defer m.mu.Unlock()

		line, err := json.Marshal(event)
		if err != nil {
			m.logger.Error("audit mirror encode failed",
				"message_id", event.MessageID, "error", err)
			return
		}
		// Prefix with AUDIT: for easy filtering
		if _, err := m.writer.Write(append([]byte("AUDIT: "), append(line, '\n')...)); err != nil {
			m.logger.Error("audit mirror write failed",
				"message_id", event.MessageID, "error", err)
		}
	}
}
