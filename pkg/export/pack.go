package export

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// WriteBundleZip packs a proof bundle into a zip archive: the manifest
// first, then every file in manifest order, then a human README.
// Returns the archive bytes and their sha256 checksum.
func WriteBundleZip(bundle *ProofBundle) ([]byte, string, error) {
	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	manifestJSON, err := json.MarshalIndent(bundle.Manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("export: encode manifest: %w", err)
	}
	f, err := w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	if _, err := f.Write(manifestJSON); err != nil {
		return nil, "", err
	}

	for _, file := range bundle.Files {
		f, err := w.Create(file.Path)
		if err != nil {
			return nil, "", err
		}
		if _, err := f.Write(file.Data); err != nil {
			return nil, "", err
		}
	}

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f,
		"Proof bundle for message %s\nCreated at %s\nBundle hash %s\n\n%s\n",
		bundle.Manifest.MessageID,
		bundle.Manifest.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		bundle.Manifest.BundleHash,
		bundle.Manifest.VerificationInstructions)

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(sum[:]), nil
}
