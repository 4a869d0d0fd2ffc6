// Package toolregistry tracks the closed set of bundled external tools
// (parser, rasterizer): version, hash, license, and installation state.
// Tools are registered once by an installer-equivalent step; at runtime
// the registry is read and verified, never extended. No tool outside
// this registry may ever execute.
package toolregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/wrguard/beapcore/pkg/contracts"
	"github.com/wrguard/beapcore/pkg/kvstore"
)

// Namespace is the keyed-store prefix the registry persists under.
const Namespace = "beap-tool-registry"

// Known tool ids. The set is closed: registration for any other id fails.
const (
	ToolTikaParser   = "tika-parser"
	ToolPDFiumRaster = "pdfium-raster"
)

var (
	ErrUnknownTool    = errors.New("toolregistry: unknown tool id")
	ErrInvalidVersion = errors.New("toolregistry: version is not valid semver")
	ErrNotLoaded      = errors.New("toolregistry: registry not loaded")
)

// knownTools is the default (not_installed) shape of the registry.
func knownTools() map[string]*contracts.BundledTool {
	return map[string]*contracts.BundledTool{
		ToolTikaParser: {
			ID:       ToolTikaParser,
			Category: contracts.ToolCategoryParser,
			License:  "Apache-2.0",
			Status:   contracts.ToolNotInstalled,
			SupportedFormats: []string{
				"text/plain",
				"text/html",
				"text/csv",
				"application/pdf",
				"application/rtf",
				"application/msword",
				"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
				"message/rfc822",
			},
		},
		ToolPDFiumRaster: {
			ID:       ToolPDFiumRaster,
			Category: contracts.ToolCategoryRasterizer,
			License:  "BSD-3-Clause",
			Status:   contracts.ToolNotInstalled,
			SupportedFormats: []string{
				"application/pdf",
			},
		},
	}
}

// placeholderHash reports whether a hash is a sentinel that must never
// pass verification.
func placeholderHash(hash string) bool {
	h := strings.ToLower(strings.TrimPrefix(hash, "sha256:"))
	if h == "" || h == "placeholder" || h == "pending" {
		return true
	}
	return strings.Trim(h, "0") == ""
}

// Registry is the injectable, persisted tool registry. It is explicitly
// constructed and loaded; there is no module-level singleton.
type Registry struct {
	store  kvstore.Store
	clock  func() time.Time
	logger *slog.Logger

	mu     sync.RWMutex
	tools  map[string]*contracts.BundledTool
	loaded bool
}

// NewRegistry creates a registry persisting through the given store.
// Call Load before use.
func NewRegistry(store kvstore.Store) *Registry {
	return &Registry{
		store:  store,
		clock:  time.Now,
		logger: slog.Default().With("component", "toolregistry"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Load reads the persisted registry, falling back to the default
// not_installed shape when nothing is stored yet. Unknown persisted ids
// are dropped: the known set is authoritative.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tools := knownTools()
	data, err := r.store.Get(ctx, Namespace)
	if err != nil && !errors.Is(err, kvstore.ErrKeyNotFound) {
		return fmt.Errorf("toolregistry: load: %w", err)
	}
	if err == nil {
		var persisted []contracts.BundledTool
		if err := json.Unmarshal(data, &persisted); err != nil {
			return fmt.Errorf("toolregistry: decode persisted registry: %w", err)
		}
		for i := range persisted {
			t := persisted[i]
			if _, known := tools[t.ID]; known {
				tools[t.ID] = &t
			} else {
				r.logger.Warn("dropping unknown persisted tool", "tool_id", t.ID)
			}
		}
	}

	r.tools = tools
	r.loaded = true
	return nil
}

// Reset restores the default not_installed shape and persists it.
func (r *Registry) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = knownTools()
	r.loaded = true
	return r.persistLocked(ctx)
}

// RegisterTool records an installed tool. It is the registry's only
// mutator besides verification, and only succeeds for a known id.
func (r *Registry) RegisterTool(ctx context.Context, id, version, hash, installPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		return ErrNotLoaded
	}

	tool, ok := r.tools[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTool, id)
	}
	if _, err := semver.NewVersion(version); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidVersion, version, err)
	}

	tool.Version = version
	tool.Hash = hash
	tool.InstallPath = installPath
	tool.Status = contracts.ToolInstalled
	tool.RegisteredAt = r.clock().UTC()

	if err := r.persistLocked(ctx); err != nil {
		return err
	}
	r.logger.Info("tool registered",
		"tool_id", id, "version", version, "hash", hash)
	return nil
}

// VerifyAllTools re-checks every registered tool's hash. A tool with a
// placeholder hash flips to error status. Returns true only when every
// installed tool verified.
func (r *Registry) VerifyAllTools(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		return false, ErrNotLoaded
	}

	allVerified := true
	for _, tool := range r.tools {
		if tool.Status == contracts.ToolNotInstalled {
			allVerified = false
			continue
		}
		if placeholderHash(tool.Hash) {
			tool.Status = contracts.ToolError
			allVerified = false
			r.logger.Error("tool failed hash verification",
				"tool_id", tool.ID, "hash", tool.Hash)
			continue
		}
		if tool.Status == contracts.ToolError {
			allVerified = false
		}
	}

	if err := r.persistLocked(ctx); err != nil {
		return false, err
	}
	return allVerified, nil
}

// AreToolsReady gates reconstruction: every known tool must be
// installed with a non-placeholder hash. A caller seeing false must
// refuse to reconstruct rather than attempt a degraded run.
func (r *Registry) AreToolsReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.loaded {
		return false
	}
	for _, tool := range r.tools {
		if tool.Status != contracts.ToolInstalled || placeholderHash(tool.Hash) {
			return false
		}
	}
	return true
}

// GetTool returns a copy of the named tool's record.
func (r *Registry) GetTool(id string) (*contracts.BundledTool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, id)
	}
	out := *tool
	return &out, nil
}

// ListTools returns copies of all tool records, sorted by id.
func (r *Registry) ListTools() []contracts.BundledTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.BundledTool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, *tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SupportsMIME reports whether the named tool handles the MIME type.
func (r *Registry) SupportsMIME(id, mimeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[id]
	if !ok {
		return false
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	for _, f := range tool.SupportedFormats {
		if f == mimeType {
			return true
		}
	}
	return false
}

// DiagnosticReport is a point-in-time snapshot of registry health.
type DiagnosticReport struct {
	GeneratedAt time.Time              `json:"generated_at"`
	Tools       []contracts.BundledTool `json:"tools"`
	AllVerified bool                   `json:"all_verified"`
	Ready       bool                   `json:"ready"`
}

// GenerateDiagnosticReport summarizes every tool's state for operators.
// An unloaded registry is never ready, matching AreToolsReady.
func (r *Registry) GenerateDiagnosticReport() *DiagnosticReport {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()

	tools := r.ListTools()
	allVerified := loaded
	ready := loaded
	for _, t := range tools {
		if t.Status != contracts.ToolInstalled || placeholderHash(t.Hash) {
			ready = false
		}
		if t.Status == contracts.ToolError || (t.Status == contracts.ToolInstalled && placeholderHash(t.Hash)) {
			allVerified = false
		}
		if t.Status == contracts.ToolNotInstalled {
			allVerified = false
		}
	}
	return &DiagnosticReport{
		GeneratedAt: r.clock().UTC(),
		Tools:       tools,
		AllVerified: allVerified,
		Ready:       ready,
	}
}

func (r *Registry) persistLocked(ctx context.Context) error {
	tools := make([]contracts.BundledTool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, *tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].ID < tools[j].ID })

	data, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("toolregistry: encode: %w", err)
	}
	if err := r.store.Set(ctx, Namespace, data); err != nil {
		return fmt.Errorf("toolregistry: persist: %w", err)
	}
	return nil
}
