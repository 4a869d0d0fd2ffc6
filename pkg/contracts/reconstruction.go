package contracts

import "time"

// ReconstructionAttachment references one encrypted artefact to be
// reconstructed. EncryptedRef is an opaque locator; the pipeline never
// receives decrypted bytes.
type ReconstructionAttachment struct {
	ArtefactID   string `json:"artefact_id"`
	Name         string `json:"name,omitempty"`
	MIMEType     string `json:"mime_type"`
	EncryptedRef string `json:"encrypted_ref"`
	Size         int64  `json:"size,omitempty"`
	ContentHash  string `json:"content_hash"`
}

// ReconstructionRequest asks for semantic content of an accepted
// message's attachments.
type ReconstructionRequest struct {
	MessageID   string                     `json:"message_id"`
	Attachments []ReconstructionAttachment `json:"attachments"`
}

// TextSource identifies which tool produced a semantic text entry.
type TextSource string

const (
	TextSourceTika TextSource = "tika"
	TextSourceNone TextSource = "none"
)

// SemanticTextEntry is the extracted text of a single artefact, or an
// explicit unavailability marker.
type SemanticTextEntry struct {
	ArtefactID  string     `json:"artefact_id"`
	Text        string     `json:"text"`
	Source      TextSource `json:"source"`
	Unavailable bool       `json:"unavailable"`
	TimedOut    bool       `json:"timed_out,omitempty"`
	TextHash    string     `json:"text_hash"`
	MIMEType    string     `json:"mime_type"`
	ExtractedAt time.Time  `json:"extracted_at"`
}

// RasterPage is a single rasterized preview page.
type RasterPage struct {
	PageNumber int    `json:"page_number"`
	DataRef    string `json:"data_ref"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	ImageHash  string `json:"image_hash"`
}

// RasterRef ties a set of rasterized pages back to the hash of the
// source artefact.
type RasterRef struct {
	ArtefactID   string       `json:"artefact_id"`
	Pages        []RasterPage `json:"pages"`
	Format       string       `json:"format"`
	TotalPages   int          `json:"total_pages"`
	RasterizedAt time.Time    `json:"rasterized_at"`
	OriginalHash string       `json:"original_hash"`
}

// ReconstructionResult is the outcome of one pipeline run. Success means
// the run completed; individual attachments may still be unavailable.
type ReconstructionResult struct {
	MessageID   string              `json:"message_id"`
	Success     bool                `json:"success"`
	TextEntries []SemanticTextEntry `json:"text_entries"`
	Rasters     []RasterRef         `json:"rasters,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt time.Time           `json:"completed_at"`
	RecordHash  string              `json:"record_hash"`
}
