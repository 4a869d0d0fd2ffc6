package contracts

import "time"

// ToolCategory classifies a bundled tool.
type ToolCategory string

const (
	ToolCategoryParser     ToolCategory = "parser"
	ToolCategoryRasterizer ToolCategory = "rasterizer"
)

// ToolStatus is the installation state of a bundled tool.
type ToolStatus string

const (
	ToolNotInstalled ToolStatus = "not_installed"
	ToolInstalled    ToolStatus = "installed"
	ToolError        ToolStatus = "error"
)

// BundledTool describes one pre-registered external tool. Only an
// installer-equivalent step registers tools; the running system reads
// and verifies this record, never downloads.
type BundledTool struct {
	ID               string       `json:"id"`
	Category         ToolCategory `json:"category"`
	Version          string       `json:"version"`
	Hash             string       `json:"hash"`
	InstallPath      string       `json:"install_path"`
	License          string       `json:"license"`
	Status           ToolStatus   `json:"status"`
	SupportedFormats []string     `json:"supported_formats,omitempty"`
	RegisteredAt     time.Time    `json:"registered_at,omitempty"`
}

// BundleFile is one hashed file inside a proof bundle.
type BundleFile struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// ProofBundleManifest is the self-describing index of a proof bundle.
// BundleHash is computed over the manifest with the hash field empty.
type ProofBundleManifest struct {
	CreatedAt                time.Time    `json:"created_at"`
	MessageID                string       `json:"message_id"`
	MessageSummary           string       `json:"message_summary"`
	Files                    []BundleFile `json:"files"`
	BundleHash               string       `json:"bundle_hash"`
	VerificationInstructions string       `json:"verification_instructions"`
}
