// Package transform turns uploaded media into normalized output and a thumbnail.
// Engines are stateless and selected by media kind.
package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/sameanonim/imageboard/internal/config"
	"github.com/sameanonim/imageboard/internal/models"
)

type Output struct {
	// Normalized is nil when the original is kept as is.
	Normalized     []byte
	NormalizedType string
	NormalizedExt  string
	Width          int
	Height         int

	Thumbnail       []byte
	ThumbnailType   string
	ThumbnailWidth  int
	ThumbnailHeight int
}

type Engine interface {
	Kind() models.MediaKind
	Transform(ctx context.Context, input []byte) (*Output, error)
}

type Registry struct {
	engines map[models.MediaKind]Engine
}

func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[models.MediaKind]Engine, len(engines))}
	for _, e := range engines {
		r.engines[e.Kind()] = e
	}
	return r
}

func FromConfig(cfg config.TransformConfig) *Registry {
	thumb := ThumbnailParams{
		Width:   cfg.ThumbWidth,
		Height:  cfg.ThumbHeight,
		Crop:    cfg.ThumbCrop,
		Quality: cfg.JPEGQuality,
	}
	return NewRegistry(
		NewImageEngine(ImageParams{
			MaxDimension: cfg.MaxDimension,
			MaxPixels:    cfg.MaxPixels,
			Quality:      cfg.JPEGQuality,
			Thumbnail:    thumb,
		}),
		NewVideoEngine(VideoParams{
			FFmpegPath:  cfg.FFmpegPath,
			FFprobePath: cfg.FFprobePath,
			FrameOffset: cfg.VideoFrameOffset,
			Containers:  cfg.VideoContainers,
			Codecs:      cfg.VideoCodecs,
			Thumbnail:   thumb,
		}),
	)
}

func (r *Registry) Get(kind models.MediaKind) (Engine, error) {
	e, ok := r.engines[kind]
	if !ok {
		return nil, newError(ReasonUnsupported, kind, "no engine registered")
	}
	return e, nil
}

func (r *Registry) Transform(ctx context.Context, kind models.MediaKind, input []byte) (*Output, error) {
	e, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	return e.Transform(ctx, input)
}

type ThumbnailParams struct {
	Width   int
	Height  int
	Crop    bool
	Quality int
}

// makeThumbnail fits (or fills and crops) img into the box, flattens it onto white and encodes JPEG.
func makeThumbnail(img image.Image, p ThumbnailParams) ([]byte, int, int, error) {
	var thumb *image.NRGBA
	if p.Crop {
		thumb = imaging.Fill(img, p.Width, p.Height, imaging.Center, imaging.Lanczos)
	} else {
		thumb = imaging.Fit(img, p.Width, p.Height, imaging.Lanczos)
	}

	b := thumb.Bounds()
	flat := imaging.Overlay(imaging.New(b.Dx(), b.Dy(), color.White), thumb, image.Pt(0, 0), 1.0)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, flat, imaging.JPEG, imaging.JPEGQuality(quality(p.Quality))); err != nil {
		return nil, 0, 0, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), b.Dx(), b.Dy(), nil
}

func quality(q int) int {
	if q < 1 || q > 100 {
		return 85
	}
	return q
}
