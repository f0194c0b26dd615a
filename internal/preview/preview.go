// Package preview renders small JPEG thumbnails next to downloaded spectrogram images.
package preview

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"hydrophone-downloader/internal/download"
	"hydrophone-downloader/internal/errkind"
	"hydrophone-downloader/internal/models"
)

const (
	suffix       = ".preview.jpg"
	defaultWidth = 320
)

// Generator is a download.PostProcessor writing <name>.preview.jpg for PNG files.
type Generator struct {
	width int
}

var _ download.PostProcessor = (*Generator)(nil)

// NewGenerator returns a generator producing thumbnails width pixels wide.
func NewGenerator(width int) *Generator {
	if width <= 0 {
		width = defaultWidth
	}
	return &Generator{width: width}
}

func (g *Generator) Name() string { return "preview" }

// PathFor is where the thumbnail for f is written.
func PathFor(f download.LocalFile) string {
	return f.Path + suffix
}

func (g *Generator) Process(ctx context.Context, _ models.RequestDescriptor, f download.LocalFile) error {
	if !strings.EqualFold(filepath.Ext(f.Name), ".png") {
		return nil
	}
	out := PathFor(f)
	if !f.Transferred {
		if _, err := os.Stat(out); err == nil {
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return errkind.New(errkind.Cancelled, "preview", err)
	}

	src, err := os.Open(f.Path)
	if err != nil {
		return errkind.New(errkind.IO, "preview", err)
	}
	defer src.Close()

	img, _, err := image.Decode(src)
	if err != nil {
		return errkind.New(errkind.Validation, "preview", fmt.Errorf("decode image: %w", err))
	}
	if img.Bounds().Dx() > g.width {
		img = imaging.Resize(img, g.width, 0, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return errkind.New(errkind.IO, "preview", fmt.Errorf("encode image: %w", err))
	}
	if err := writeFile(out, buf.Bytes()); err != nil {
		return errkind.New(errkind.IO, "preview", err)
	}
	return nil
}

func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.part")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
