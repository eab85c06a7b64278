package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sameanonim/imageboard/internal/models"
)

// Runner executes an external tool and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

type VideoParams struct {
	FFmpegPath  string
	FFprobePath string
	FrameOffset time.Duration
	Containers  []string
	Codecs      []string
	Thumbnail   ThumbnailParams
	TempDir     string
}

type VideoEngine struct {
	params VideoParams
	run    Runner
}

func NewVideoEngine(params VideoParams) *VideoEngine {
	if params.FFmpegPath == "" {
		params.FFmpegPath = "ffmpeg"
	}
	if params.FFprobePath == "" {
		params.FFprobePath = "ffprobe"
	}
	return &VideoEngine{params: params, run: execRunner}
}

// WithRunner replaces the process runner.
func (e *VideoEngine) WithRunner(run Runner) *VideoEngine {
	e.run = run
	return e
}

func (e *VideoEngine) Kind() models.MediaKind { return models.MediaKindVideo }

// Transform probes the container and codec, then grabs one frame for the thumbnail.
// The original bytes are kept as is.
func (e *VideoEngine) Transform(ctx context.Context, input []byte) (*Output, error) {
	if len(input) == 0 {
		return nil, newError(ReasonCorrupt, models.MediaKindVideo, "empty input")
	}

	tmp, err := os.CreateTemp(e.params.TempDir, "video-*")
	if err != nil {
		return nil, newError(ReasonIOFailure, models.MediaKindVideo, "create temp file: %v", err)
	}
	path := tmp.Name()
	defer os.Remove(path)

	if _, err := tmp.Write(input); err != nil {
		_ = tmp.Close()
		return nil, newError(ReasonIOFailure, models.MediaKindVideo, "write temp file: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, newError(ReasonIOFailure, models.MediaKindVideo, "close temp file: %v", err)
	}

	raw, err := e.run(ctx, e.params.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, classifyToolError(ctx, "ffprobe", err)
	}

	info, err := parseProbe(raw)
	if err != nil {
		return nil, newError(ReasonCorrupt, models.MediaKindVideo, "%v", err)
	}
	if !anyAllowed(info.Containers, e.params.Containers) {
		return nil, newError(ReasonUnsupported, models.MediaKindVideo, "container %s not allowed", strings.Join(info.Containers, ","))
	}
	if info.Codec == "" {
		return nil, newError(ReasonUnsupported, models.MediaKindVideo, "no video stream")
	}
	if !anyAllowed([]string{info.Codec}, e.params.Codecs) {
		return nil, newError(ReasonUnsupported, models.MediaKindVideo, "codec %s not allowed", info.Codec)
	}

	offset := e.params.FrameOffset
	if info.Duration > 0 && offset >= info.Duration {
		offset = 0
	}

	frame, err := e.run(ctx, e.params.FFmpegPath,
		"-v", "error",
		"-ss", formatSeconds(offset),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)
	if err != nil {
		return nil, classifyToolError(ctx, "ffmpeg", err)
	}
	if len(frame) == 0 {
		return nil, newError(ReasonCorrupt, models.MediaKindVideo, "no frame at %s", formatSeconds(offset))
	}

	img, err := png.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, newError(ReasonCorrupt, models.MediaKindVideo, "decode frame: %v", err)
	}

	thumb, w, h, err := makeThumbnail(img, e.params.Thumbnail)
	if err != nil {
		return nil, newError(ReasonIOFailure, models.MediaKindVideo, "%v", err)
	}

	width, height := info.Width, info.Height
	if width == 0 || height == 0 {
		b := img.Bounds()
		width, height = b.Dx(), b.Dy()
	}

	return &Output{
		Width:           width,
		Height:          height,
		Thumbnail:       thumb,
		ThumbnailType:   "image/jpeg",
		ThumbnailWidth:  w,
		ThumbnailHeight: h,
	}, nil
}

type probeInfo struct {
	Containers []string
	Codec      string
	Width      int
	Height     int
	Duration   time.Duration
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

func parseProbe(raw []byte) (probeInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return probeInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if out.Format.FormatName == "" {
		return probeInfo{}, errors.New("ffprobe reported no container format")
	}

	info := probeInfo{Containers: strings.Split(out.Format.FormatName, ",")}
	if secs, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil && secs > 0 {
		info.Duration = time.Duration(secs * float64(time.Second))
	}
	for _, s := range out.Streams {
		if s.CodecType == "video" {
			info.Codec = s.CodecName
			info.Width, info.Height = s.Width, s.Height
			break
		}
	}
	return info, nil
}

func anyAllowed(values, allowed []string) bool {
	for _, v := range values {
		for _, a := range allowed {
			if strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(a)) {
				return true
			}
		}
	}
	return false
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// classifyToolError separates missing or crashed tools (transient) from inputs the tool rejected (permanent).
func classifyToolError(ctx context.Context, tool string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &Error{Reason: ReasonTimeout, Kind: models.MediaKindVideo, Err: fmt.Errorf("%s: %w", tool, ctxErr)}
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return &Error{Reason: ReasonToolUnavailable, Kind: models.MediaKindVideo, Err: fmt.Errorf("%s: %w", tool, err)}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if !exitErr.Exited() {
			return &Error{Reason: ReasonToolUnavailable, Kind: models.MediaKindVideo, Err: fmt.Errorf("%s crashed: %w", tool, err)}
		}
		return &Error{Reason: ReasonCorrupt, Kind: models.MediaKindVideo, Err: fmt.Errorf("%s rejected input: %w", tool, err)}
	}
	return &Error{Reason: ReasonIOFailure, Kind: models.MediaKindVideo, Err: fmt.Errorf("%s: %w", tool, err)}
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[:512]
		}
		if msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}
