package sniffer

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sameanonim/imageboard/internal/models"
)

type MediaType string

const (
	TypeJPEG      MediaType = "jpeg"
	TypePNG       MediaType = "png"
	TypeGIF       MediaType = "gif"
	TypeWEBP      MediaType = "webp"
	TypeAVIF      MediaType = "avif"
	TypeSVG       MediaType = "svg"
	TypeMP4       MediaType = "mp4"
	TypeQuickTime MediaType = "mov"
	TypeWEBM      MediaType = "webm"
	TypeMatroska  MediaType = "mkv"
)

var ErrUnknownType = errors.New("unknown media type")

type Result struct {
	Type MediaType
	MIME string
	Kind models.MediaKind
}

const HeadSize = 512

func Detect(r io.Reader) (Result, []byte, error) {
	head := make([]byte, HeadSize)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Result{}, nil, err
	}
	head = head[:n]

	result, err := DetectHead(head)
	return result, head, err
}

// DetectHead inspects magic bytes only. A valid signature says nothing about the rest of the stream.
func DetectHead(head []byte) (Result, error) {
	if len(head) == 0 {
		return Result{}, ErrUnknownType
	}
	if len(head) > HeadSize {
		head = head[:HeadSize]
	}

	switch {
	case isJPEG(head):
		return image(TypeJPEG, "image/jpeg"), nil
	case isPNG(head):
		return image(TypePNG, "image/png"), nil
	case isGIF(head):
		return image(TypeGIF, "image/gif"), nil
	case isWEBP(head):
		return image(TypeWEBP, "image/webp"), nil
	}

	if brand, ok := ftypBrand(head); ok {
		switch {
		case brand == "avif" || brand == "avis":
			return image(TypeAVIF, "image/avif"), nil
		case brand == "qt  ":
			return video(TypeQuickTime, "video/quicktime"), nil
		default:
			return video(TypeMP4, "video/mp4"), nil
		}
	}

	if isEBML(head) {
		if bytes.Contains(head, []byte("webm")) {
			return video(TypeWEBM, "video/webm"), nil
		}
		if bytes.Contains(head, []byte("matroska")) {
			return video(TypeMatroska, "video/x-matroska"), nil
		}
	}

	if isSVG(head) {
		return image(TypeSVG, "image/svg+xml"), nil
	}

	return Result{}, ErrUnknownType
}

func image(t MediaType, mime string) Result {
	return Result{Type: t, MIME: mime, Kind: models.MediaKindImage}
}

func video(t MediaType, mime string) Result {
	return Result{Type: t, MIME: mime, Kind: models.MediaKindVideo}
}

func isJPEG(head []byte) bool {
	return len(head) > 3 &&
		head[0] == 0xff &&
		head[1] == 0xd8 &&
		head[2] == 0xff
}

func isPNG(head []byte) bool {
	pngMagic := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	return len(head) >= len(pngMagic) && bytes.Equal(head[:len(pngMagic)], pngMagic)
}

func isGIF(head []byte) bool {
	return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
}

func isWEBP(head []byte) bool {
	return len(head) >= 12 &&
		bytes.Equal(head[:4], []byte("RIFF")) &&
		bytes.Equal(head[8:12], []byte("WEBP"))
}

// ftypBrand returns the major brand of an ISO base media file.
func ftypBrand(head []byte) (string, bool) {
	if len(head) < 12 || string(head[4:8]) != "ftyp" {
		return "", false
	}
	return string(head[8:12]), true
}

func isEBML(head []byte) bool {
	return len(head) >= 4 && bytes.Equal(head[:4], []byte{0x1a, 0x45, 0xdf, 0xa3})
}

func isSVG(head []byte) bool {
	trimmed := strings.TrimSpace(string(head))
	return strings.HasPrefix(trimmed, "<svg") || strings.HasPrefix(trimmed, "<?xml")
}

func MimeTypeFromHTTP(header http.Header) string {
	return NormalizeMIME(header.Get("Content-Type"))
}

// NormalizeMIME strips parameters and lowercases a content type.
func NormalizeMIME(contentType string) string {
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

var extensionKinds = map[string]models.MediaKind{
	"jpg":  models.MediaKindImage,
	"jpeg": models.MediaKindImage,
	"png":  models.MediaKindImage,
	"gif":  models.MediaKindImage,
	"webp": models.MediaKindImage,
	"avif": models.MediaKindImage,
	"svg":  models.MediaKindImage,
	"mp4":  models.MediaKindVideo,
	"m4v":  models.MediaKindVideo,
	"mov":  models.MediaKindVideo,
	"webm": models.MediaKindVideo,
	"mkv":  models.MediaKindVideo,
}

// KindForExtension maps a file extension, with or without the dot, to its media kind.
func KindForExtension(ext string) (models.MediaKind, bool) {
	kind, ok := extensionKinds[strings.ToLower(strings.TrimPrefix(ext, "."))]
	return kind, ok
}
