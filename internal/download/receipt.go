package download

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"hydrophone-downloader/internal/models"
)

const receiptDir = ".receipts"

// Receipt records the verified files delivered for one descriptor.
type Receipt struct {
	Key         string        `json:"key"`
	Files       []ReceiptFile `json:"files"`
	CompletedAt time.Time     `json:"completed_at"`
	// Calibration holds the records rendered into a calibration sidecar.
	Calibration []models.CalibrationRecord `json:"calibration,omitempty"`
}

// ReceiptFile is one delivered file. Path is relative to the destination root.
type ReceiptFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

func (m *Manager) receiptPath(d models.RequestDescriptor) string {
	return filepath.Join(m.root, receiptDir, d.Slug()+".json")
}

func (m *Manager) readReceipt(d models.RequestDescriptor) (Receipt, error) {
	var r Receipt
	b, err := os.ReadFile(m.receiptPath(d))
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("decode receipt: %w", err)
	}
	if r.Key != d.Key() {
		return r, errors.New("receipt belongs to a different request")
	}
	return r, nil
}

func (m *Manager) writeReceipt(d models.RequestDescriptor, files []LocalFile, calib []models.CalibrationRecord) error {
	r := Receipt{Key: d.Key(), CompletedAt: time.Now().UTC(), Files: make([]ReceiptFile, 0, len(files)), Calibration: calib}
	for _, f := range files {
		rel, err := filepath.Rel(m.root, f.Path)
		if err != nil {
			return fmt.Errorf("receipt path: %w", err)
		}
		r.Files = append(r.Files, ReceiptFile{Path: filepath.ToSlash(rel), Size: f.Size, SHA256: f.SHA256})
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	return writeAtomic(m.receiptPath(d), b)
}

// Verified reports whether a receipt for d exists and every file it lists is still present with
// the recorded size and SHA-256.
func (m *Manager) Verified(d models.RequestDescriptor) bool {
	r, err := m.readReceipt(d)
	if err != nil {
		return false
	}
	for _, f := range r.Files {
		path := filepath.Join(m.root, filepath.FromSlash(f.Path))
		dg, err := digestFile(path)
		if err != nil || dg.n != f.Size || dg.sum("sha256") != f.SHA256 {
			m.logger.Debug("receipt no longer matches disk", "key", r.Key, "path", f.Path)
			return false
		}
	}
	return true
}

// ReadReceipt returns the receipt for d, if one exists.
func (m *Manager) ReadReceipt(d models.RequestDescriptor) (Receipt, bool) {
	r, err := m.readReceipt(d)
	return r, err == nil
}

// Paths resolves the receipt's files against root.
func (r Receipt) Paths(root string) []string {
	out := make([]string, 0, len(r.Files))
	for _, f := range r.Files {
		out = append(out, filepath.Join(root, filepath.FromSlash(f.Path)))
	}
	return out
}
