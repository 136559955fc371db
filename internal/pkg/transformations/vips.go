package transformations

import (
	"context"

	"gopkg.in/h2non/bimg.v1"
)

// VipsResizer - libvips backed resizer
type VipsResizer struct {
	Quality int
}

func (r *VipsResizer) Name() string { return "vips" }

// Resize - forces exact dimensions with nearest neighbour interpolation,
// converts to jpeg and strips metadata
func (r *VipsResizer) Resize(ctx context.Context, src ImageBuffer, width, height uint) (ImageBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return bimg.NewImage(src).Process(bimg.Options{
		Width:         int(width),
		Height:        int(height),
		Force:         true,
		Interpolator:  bimg.Nearest,
		Type:          bimg.JPEG,
		Quality:       r.Quality,
		StripMetadata: true,
	})
}
