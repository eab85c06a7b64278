package transform

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/sameanonim/imageboard/internal/failure"
)

const mp4Probe = `{
	"streams": [
		{"codec_type": "audio", "codec_name": "aac"},
		{"codec_type": "video", "codec_name": "h264", "width": 1280, "height": 720}
	],
	"format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "0.500000"}
}`

type fakeRunner struct {
	probe     []byte
	frame     []byte
	probeErr  error
	ffmpegErr error
	calls     [][]string
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if name == "ffprobe" {
		return f.probe, f.probeErr
	}
	return f.frame, f.ffmpegErr
}

func testVideoEngine(r *fakeRunner) *VideoEngine {
	return NewVideoEngine(VideoParams{
		FrameOffset: time.Second,
		Containers:  []string{"mp4", "webm"},
		Codecs:      []string{"h264", "vp9"},
		Thumbnail:   ThumbnailParams{Width: 200, Height: 200, Quality: 85},
	}).WithRunner(r.run)
}

func TestVideoTransformExtractsFrame(t *testing.T) {
	frame := gradient(1280, 720)
	r := &fakeRunner{probe: []byte(mp4Probe), frame: encodePNG(t, frame)}
	want := imaging.Fit(frame, 200, 200, imaging.Lanczos).Bounds()

	out, err := testVideoEngine(r).Transform(context.Background(), []byte("fake mp4"))
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if out.Normalized != nil {
		t.Fatal("video originals must not be re-encoded")
	}
	if out.Width != 1280 || out.Height != 720 {
		t.Fatalf("unexpected dimensions: %dx%d", out.Width, out.Height)
	}
	tw, th, format := decodeSize(t, out.Thumbnail)
	if tw != want.Dx() || th != want.Dy() || tw != 200 || format != "jpeg" {
		t.Fatalf("unexpected thumbnail: %dx%d %s", tw, th, format)
	}

	if len(r.calls) != 2 {
		t.Fatalf("expected probe and extract calls, got %d", len(r.calls))
	}
	extract := strings.Join(r.calls[1], " ")
	// The clip is shorter than the configured offset, so the first frame is used.
	if !strings.Contains(extract, "-ss 0.000") || !strings.Contains(extract, "-frames:v 1") {
		t.Fatalf("unexpected ffmpeg invocation: %s", extract)
	}
}

func TestVideoTransformRejectsDisallowedInput(t *testing.T) {
	tests := map[string]string{
		"container": `{"streams":[{"codec_type":"video","codec_name":"h264"}],"format":{"format_name":"avi"}}`,
		"codec":     `{"streams":[{"codec_type":"video","codec_name":"mpeg4"}],"format":{"format_name":"mov,mp4"}}`,
		"no video":  `{"streams":[{"codec_type":"audio","codec_name":"aac"}],"format":{"format_name":"mov,mp4"}}`,
	}
	for name, probe := range tests {
		t.Run(name, func(t *testing.T) {
			r := &fakeRunner{probe: []byte(probe)}
			_, err := testVideoEngine(r).Transform(context.Background(), []byte("x"))
			if reasonOf(t, err) != ReasonUnsupported {
				t.Fatalf("unexpected reason: %v", err)
			}
			if len(r.calls) != 1 {
				t.Fatalf("ffmpeg must not run for rejected input, calls=%d", len(r.calls))
			}
		})
	}
}

func TestVideoTransformClassifiesToolErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason Reason
		class  failure.Class
	}{
		{"missing binary", &exec.Error{Name: "ffprobe", Err: exec.ErrNotFound}, ReasonToolUnavailable, failure.ClassTransient},
		{"missing path", &os.PathError{Op: "fork/exec", Path: "/opt/ffprobe", Err: os.ErrNotExist}, ReasonToolUnavailable, failure.ClassTransient},
		{"other", errors.New("pipe broke"), ReasonIOFailure, failure.ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{probeErr: tt.err}
			_, err := testVideoEngine(r).Transform(context.Background(), []byte("x"))
			if reasonOf(t, err) != tt.reason {
				t.Fatalf("unexpected reason: %v", err)
			}
			if failure.ClassOf(err) != tt.class {
				t.Fatalf("unexpected class for %v", err)
			}
		})
	}
}

func TestVideoTransformCorruptFrame(t *testing.T) {
	r := &fakeRunner{probe: []byte(mp4Probe), frame: []byte("not a png")}
	_, err := testVideoEngine(r).Transform(context.Background(), []byte("x"))
	if reasonOf(t, err) != ReasonCorrupt {
		t.Fatalf("unexpected reason: %v", err)
	}

	r = &fakeRunner{probe: []byte("{}")}
	_, err = testVideoEngine(r).Transform(context.Background(), []byte("x"))
	if reasonOf(t, err) != ReasonCorrupt {
		t.Fatalf("empty probe output should be corrupt: %v", err)
	}
}

func TestParseProbe(t *testing.T) {
	info, err := parseProbe([]byte(mp4Probe))
	if err != nil {
		t.Fatalf("parseProbe: %v", err)
	}
	if info.Codec != "h264" || info.Width != 1280 || info.Duration != 500*time.Millisecond {
		t.Fatalf("unexpected probe info: %+v", info)
	}
	if len(info.Containers) != 6 || info.Containers[1] != "mp4" {
		t.Fatalf("unexpected containers: %v", info.Containers)
	}
}

// TestVideoTransformWithFFmpeg runs the real tools when they are installed.
func TestVideoTransformWithFFmpeg(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}

	src := filepath.Join(t.TempDir(), "clip.webm")
	gen := exec.Command("ffmpeg", "-v", "error", "-f", "lavfi", "-i", "testsrc=duration=2:size=320x240:rate=10",
		"-c:v", "libvpx-vp9", "-y", src)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("cannot build sample clip: %v %s", err, out)
	}
	input, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read clip: %v", err)
	}

	engine := NewVideoEngine(VideoParams{
		FrameOffset: time.Second,
		Containers:  []string{"webm", "matroska"},
		Codecs:      []string{"vp9"},
		Thumbnail:   ThumbnailParams{Width: 200, Height: 200, Quality: 85},
		TempDir:     t.TempDir(),
	})
	out, err := engine.Transform(context.Background(), input)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if out.Width != 320 || out.Height != 240 {
		t.Fatalf("unexpected dimensions: %dx%d", out.Width, out.Height)
	}
	if !bytes.HasPrefix(out.Thumbnail, []byte{0xff, 0xd8}) {
		t.Fatal("thumbnail is not a jpeg")
	}
}
