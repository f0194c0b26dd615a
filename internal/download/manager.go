// Package download transfers result files to disk and guarantees that final paths only ever
// hold content that passed size and checksum verification.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"hydrophone-downloader/internal/errkind"
	"hydrophone-downloader/internal/models"
)

// Source opens the byte stream behind a manifest entry.
type Source interface {
	Open(ctx context.Context, downloadURL string) (io.ReadCloser, error)
}

// LocalFile is a verified file on disk.
type LocalFile struct {
	Name   string
	Path   string
	Size   int64
	SHA256 string
	// Transferred is false when an existing verified file was reused.
	Transferred bool
}

// PostProcessor runs once per verified file after delivery, e.g. to mirror or preview it.
type PostProcessor interface {
	Name() string
	Process(ctx context.Context, d models.RequestDescriptor, f LocalFile) error
}

// Manager downloads manifests into a destination root.
type Manager struct {
	src    Source
	root   string
	post   []PostProcessor
	logger *slog.Logger
	// onBytes observes transferred byte counts.
	onBytes func(int64)
}

type Option func(*Manager)

func WithPostProcessors(p ...PostProcessor) Option {
	return func(m *Manager) { m.post = append(m.post, p...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithByteObserver(fn func(int64)) Option {
	return func(m *Manager) { m.onBytes = fn }
}

func NewManager(src Source, root string, opts ...Option) *Manager {
	m := &Manager{src: src, root: root, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Root is the destination directory.
func (m *Manager) Root() string { return m.root }

// Dir is the directory files for d are written to.
func (m *Manager) Dir(d models.RequestDescriptor) string {
	return filepath.Join(m.root, d.Slug())
}

// Deliver downloads every manifest entry into Dir(d), runs post-processors and commits a receipt.
// It returns the number of bytes actually transferred.
func (m *Manager) Deliver(ctx context.Context, d models.RequestDescriptor, manifest models.ResultManifest) ([]LocalFile, int64, error) {
	dir := m.Dir(d)
	files := make([]LocalFile, 0, len(manifest.Entries))
	var transferred int64
	for _, e := range manifest.Entries {
		f, err := m.Download(ctx, e, dir)
		if err != nil {
			return files, transferred, err
		}
		if f.Transferred {
			transferred += f.Size
		}
		files = append(files, f)
		for _, p := range m.post {
			if err := p.Process(ctx, d, f); err != nil {
				return files, transferred, fmt.Errorf("post-process %s with %s: %w", f.Name, p.Name(), err)
			}
		}
	}
	if err := m.writeReceipt(d, files, nil); err != nil {
		return files, transferred, errkind.New(errkind.IO, "receipt", err)
	}
	return files, transferred, nil
}

// Download fetches one entry into dir. An existing file that already verifies is returned without
// a transfer. A failed transfer never leaves anything at the final path.
func (m *Manager) Download(ctx context.Context, e models.ManifestEntry, dir string) (LocalFile, error) {
	name, err := SanitizeName(e.RemoteName)
	if err != nil {
		return LocalFile{}, errkind.New(errkind.Validation, "download", err)
	}
	want, err := ParseChecksum(e.Checksum)
	if err != nil {
		m.logger.Warn("ignoring unusable checksum", "file", name, "error", err)
	}
	final := filepath.Join(dir, name)

	if dg, err := digestFile(final); err == nil && (e.ByteSize > 0 || !want.IsZero()) && dg.matches(e.ByteSize, want) == nil {
		m.logger.Debug("file already present", "file", final)
		return LocalFile{Name: name, Path: final, Size: dg.n, SHA256: dg.sum("sha256")}, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return LocalFile{}, errkind.New(errkind.IO, "download", fmt.Errorf("create dir: %w", err))
	}
	body, err := m.src.Open(ctx, e.DownloadURL)
	if err != nil {
		return LocalFile{}, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(dir, "."+name+".*.part")
	if err != nil {
		return LocalFile{}, errkind.New(errkind.IO, "download", fmt.Errorf("create temp file: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	dg := newDigester()
	if _, err := io.Copy(io.MultiWriter(tmp, dg), &ctxReader{ctx: ctx, r: body}); err != nil {
		return LocalFile{}, copyError(ctx, err)
	}
	if m.onBytes != nil {
		m.onBytes(dg.n)
	}
	if err := dg.matches(e.ByteSize, want); err != nil {
		return LocalFile{}, errkind.New(errkind.ChecksumMismatch, "download", fmt.Errorf("%s: %w", name, err))
	}
	if err := tmp.Sync(); err != nil {
		return LocalFile{}, errkind.New(errkind.IO, "download", fmt.Errorf("sync: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return LocalFile{}, errkind.New(errkind.IO, "download", fmt.Errorf("close: %w", err))
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return LocalFile{}, errkind.New(errkind.IO, "download", fmt.Errorf("rename: %w", err))
	}
	committed = true

	return LocalFile{Name: name, Path: final, Size: dg.n, SHA256: dg.sum("sha256"), Transferred: true}, nil
}

// WriteArtifact atomically writes a locally produced file into the destination root and records it
// in a receipt for d, so Verified(d) can short-circuit later runs. calib is kept in the receipt so a
// later run can report the records without fetching them again.
func (m *Manager) WriteArtifact(d models.RequestDescriptor, name string, data []byte, calib []models.CalibrationRecord) (LocalFile, error) {
	name, err := SanitizeName(name)
	if err != nil {
		return LocalFile{}, errkind.New(errkind.Validation, "artifact", err)
	}
	path := filepath.Join(m.root, name)
	if err := writeAtomic(path, data); err != nil {
		return LocalFile{}, errkind.New(errkind.IO, "artifact", err)
	}
	dg := newDigester()
	dg.Write(data)
	f := LocalFile{Name: name, Path: path, Size: dg.n, SHA256: dg.sum("sha256"), Transferred: true}
	if err := m.writeReceipt(d, []LocalFile{f}, calib); err != nil {
		return f, errkind.New(errkind.IO, "artifact", err)
	}
	return f, nil
}

// SanitizeName reduces a remote file name to a single safe path element.
func SanitizeName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(`<>:"|?*`, r) {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." || name == "/" || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("unsafe file name %q", name)
	}
	return name, nil
}

func copyError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errkind.New(errkind.Cancelled, "download", ctxErr)
	}
	var ce *errkind.Error
	if errors.As(err, &ce) {
		return err
	}
	var pe *os.PathError
	if errors.As(err, &pe) {
		return errkind.New(errkind.IO, "download", err)
	}
	return errkind.New(errkind.TransientNetwork, "download", err)
}

// ctxReader stops a copy at the next read once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
