package transformations

import (
	"bytes"
	"context"
	"fmt"
	"image"
	// decoders of accepted upload formats
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

type ImageBuffer = []byte

// Resizer - resizes image bytes to exactly width x height and encodes result as jpeg.
// Fails on unreadable input.
type Resizer interface {
	Resize(ctx context.Context, src ImageBuffer, width, height uint) (ImageBuffer, error)
	Name() string
}

// NewResizer returns resizer by name, vips or gift
func NewResizer(name string, quality int) (Resizer, error) {
	switch name {
	case "vips", "":
		return &VipsResizer{Quality: quality}, nil
	case "gift":
		return &GiftResizer{Quality: quality}, nil
	}
	return nil, fmt.Errorf("unknown resizer '%s'", name)
}

// Probe decodes only the header of the image and returns its format and dimensions
func Probe(src ImageBuffer) (format string, width, height int, err error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return "", 0, 0, err
	}
	return format, cfg.Width, cfg.Height, nil
}

// ContentType maps decoder format name to mime type
func ContentType(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "bmp":
		return "image/bmp"
	case "tiff":
		return "image/tiff"
	}
	return "application/octet-stream"
}

// Extension maps decoder format name to file extension
func Extension(format string) string {
	switch format {
	case "jpeg":
		return "jpg"
	case "tiff":
		return "tif"
	case "":
		return "bin"
	}
	return format
}
