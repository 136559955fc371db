package transformations

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"

	"github.com/disintegration/gift"
)

// GiftResizer - pure go resizer, used where libvips is not available
type GiftResizer struct {
	Quality int
}

func (r *GiftResizer) Name() string { return "gift" }

func (r *GiftResizer) Resize(ctx context.Context, src ImageBuffer, width, height uint) (ImageBuffer, error) {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	g := gift.New(gift.Resize(int(width), int(height), gift.NearestNeighborResampling))
	dst := image.NewRGBA(g.Bounds(img.Bounds()))
	g.Draw(dst, img)

	var buf bytes.Buffer
	quality := r.Quality
	if quality <= 0 {
		quality = jpeg.DefaultQuality
	}
	if err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
