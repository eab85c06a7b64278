package transform

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/draw"
	"image/gif"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/sameanonim/imageboard/internal/models"
)

var supportedImageFormats = map[string]bool{
	"jpeg": true,
	"png":  true,
	"gif":  true,
	"webp": true,
}

type ImageParams struct {
	MaxDimension int
	MaxPixels    int
	Quality      int
	Thumbnail    ThumbnailParams
}

type ImageEngine struct {
	params ImageParams
}

func NewImageEngine(params ImageParams) *ImageEngine {
	return &ImageEngine{params: params}
}

func (e *ImageEngine) Kind() models.MediaKind { return models.MediaKindImage }

// Transform re-encodes the image, which drops EXIF, ICC, text chunks and comments.
func (e *ImageEngine) Transform(ctx context.Context, input []byte) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Reason: ReasonTimeout, Kind: models.MediaKindImage, Err: err}
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, newError(ReasonUnsupported, models.MediaKindImage, "unrecognized image format")
		}
		return nil, newError(ReasonCorrupt, models.MediaKindImage, "read header: %v", err)
	}
	if !supportedImageFormats[format] {
		return nil, newError(ReasonUnsupported, models.MediaKindImage, "format %q not allowed", format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, newError(ReasonCorrupt, models.MediaKindImage, "invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if e.params.MaxPixels > 0 && cfg.Width*cfg.Height > e.params.MaxPixels {
		return nil, newError(ReasonUnsupported, models.MediaKindImage,
			"%dx%d exceeds the %d pixel limit", cfg.Width, cfg.Height, e.params.MaxPixels)
	}

	if format == "gif" {
		return e.transformGIF(ctx, input, cfg)
	}

	img, err := imaging.Decode(bytes.NewReader(input), imaging.AutoOrientation(true))
	if err != nil {
		return nil, newError(ReasonCorrupt, models.MediaKindImage, "decode %s: %v", format, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Reason: ReasonTimeout, Kind: models.MediaKindImage, Err: err}
	}

	img = e.bound(img)
	out := &Output{}
	if format == "jpeg" {
		out.Normalized, err = encode(img, imaging.JPEG, imaging.JPEGQuality(quality(e.params.Quality)))
		out.NormalizedType, out.NormalizedExt = "image/jpeg", "jpg"
	} else {
		out.Normalized, err = encode(img, imaging.PNG)
		out.NormalizedType, out.NormalizedExt = "image/png", "png"
	}
	if err != nil {
		return nil, newError(ReasonIOFailure, models.MediaKindImage, "encode: %v", err)
	}

	return e.finish(out, img)
}

// transformGIF keeps animation when no downscale is needed; otherwise the first frame is flattened to PNG.
func (e *ImageEngine) transformGIF(ctx context.Context, input []byte, cfg image.Config) (*Output, error) {
	g, err := gif.DecodeAll(bytes.NewReader(input))
	if err != nil {
		return nil, newError(ReasonCorrupt, models.MediaKindImage, "decode gif: %v", err)
	}
	if len(g.Image) == 0 {
		return nil, newError(ReasonCorrupt, models.MediaKindImage, "gif has no frames")
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Reason: ReasonTimeout, Kind: models.MediaKindImage, Err: err}
	}

	first := image.NewNRGBA(image.Rect(0, 0, cfg.Width, cfg.Height))
	draw.Draw(first, g.Image[0].Bounds(), g.Image[0], g.Image[0].Bounds().Min, draw.Over)

	out := &Output{}
	if len(g.Image) > 1 && !e.oversized(cfg.Width, cfg.Height) {
		var buf bytes.Buffer
		err = gif.EncodeAll(&buf, &gif.GIF{
			Image:           g.Image,
			Delay:           g.Delay,
			Disposal:        g.Disposal,
			LoopCount:       g.LoopCount,
			Config:          g.Config,
			BackgroundIndex: g.BackgroundIndex,
		})
		out.Normalized, out.NormalizedType, out.NormalizedExt = buf.Bytes(), "image/gif", "gif"
		if err != nil {
			return nil, newError(ReasonIOFailure, models.MediaKindImage, "encode gif: %v", err)
		}
		out.Width, out.Height = cfg.Width, cfg.Height
		return e.finish(out, first)
	}

	bounded := e.bound(first)
	out.Normalized, err = encode(bounded, imaging.PNG)
	out.NormalizedType, out.NormalizedExt = "image/png", "png"
	if err != nil {
		return nil, newError(ReasonIOFailure, models.MediaKindImage, "encode: %v", err)
	}
	return e.finish(out, bounded)
}

func (e *ImageEngine) finish(out *Output, img image.Image) (*Output, error) {
	if out.Width == 0 {
		b := img.Bounds()
		out.Width, out.Height = b.Dx(), b.Dy()
	}

	thumb, w, h, err := makeThumbnail(img, e.params.Thumbnail)
	if err != nil {
		return nil, newError(ReasonIOFailure, models.MediaKindImage, "%v", err)
	}
	out.Thumbnail, out.ThumbnailType = thumb, "image/jpeg"
	out.ThumbnailWidth, out.ThumbnailHeight = w, h
	return out, nil
}

func (e *ImageEngine) oversized(w, h int) bool {
	return e.params.MaxDimension > 0 && (w > e.params.MaxDimension || h > e.params.MaxDimension)
}

func (e *ImageEngine) bound(img image.Image) image.Image {
	b := img.Bounds()
	if !e.oversized(b.Dx(), b.Dy()) {
		return img
	}
	return imaging.Fit(img, e.params.MaxDimension, e.params.MaxDimension, imaging.Lanczos)
}

func encode(img image.Image, format imaging.Format, opts ...imaging.EncodeOption) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, opts...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
