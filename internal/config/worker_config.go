package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/sameanonim/imageboard/internal/models"
)

type QueueConfig struct {
	Driver            string
	StreamPrefix      string
	Group             string
	Consumer          string
	VisibilityTimeout time.Duration
	ClaimInterval     time.Duration
	BlockTimeout      time.Duration
	PromoteBatch      int
}

type LanesConfig struct {
	Image   int
	Video   int
	Default int
}

func (l LanesConfig) Workers(lane models.Lane) int {
	switch lane {
	case models.LaneImage:
		return l.Image
	case models.LaneVideo:
		return l.Video
	default:
		return l.Default
	}
}

type PipelineConfig struct {
	MaxAttempts     int
	RetryBase       time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	SoftTimeLimit   time.Duration
	HardTimeLimit   time.Duration
	InProcess       bool
}

type IngestConfig struct {
	MaxBytes          int64
	AllowedExtensions []string
	AllowedMimeTypes  []string
}

type TransformConfig struct {
	MaxDimension     int
	MaxPixels        int
	ThumbWidth       int
	ThumbHeight      int
	ThumbCrop        bool
	JPEGQuality      int
	VideoFrameOffset time.Duration
	FFmpegPath       string
	FFprobePath      string
	VideoContainers  []string
	VideoCodecs      []string
}

type ReaperConfig struct {
	GracePeriod      time.Duration
	StaleLockTimeout time.Duration
	BatchSize        int
	Schedule         string
}

func setPipelineDefaults(v *viper.Viper) {
	v.SetDefault("queue.driver", "redis")
	v.SetDefault("queue.streamprefix", "media:lane")
	v.SetDefault("queue.group", "media-workers")
	v.SetDefault("queue.consumer", defaultConsumerName())
	v.SetDefault("queue.visibilitytimeout", "70m")
	v.SetDefault("queue.claiminterval", "30s")
	v.SetDefault("queue.blocktimeout", "5s")
	v.SetDefault("queue.promotebatch", 100)

	v.SetDefault("lanes.image", 4)
	v.SetDefault("lanes.video", 2)
	v.SetDefault("lanes.default", 1)

	v.SetDefault("pipeline.maxattempts", 3)
	v.SetDefault("pipeline.retrybase", "1m")
	v.SetDefault("pipeline.retrymax", "30m")
	v.SetDefault("pipeline.retrymultiplier", 2.0)
	v.SetDefault("pipeline.softtimelimit", "50m")
	v.SetDefault("pipeline.hardtimelimit", "60m")
	v.SetDefault("pipeline.inprocess", false)

	v.SetDefault("ingest.maxbytes", 16<<20)
	v.SetDefault("ingest.allowedextensions", []string{"png", "jpg", "jpeg", "gif", "webp", "mp4", "webm"})
	v.SetDefault("ingest.allowedmimetypes", []string{
		"image/png", "image/jpeg", "image/gif", "image/webp", "video/mp4", "video/webm",
	})

	v.SetDefault("transform.maxdimension", 4096)
	v.SetDefault("transform.maxpixels", 50_000_000)
	v.SetDefault("transform.thumbwidth", 200)
	v.SetDefault("transform.thumbheight", 200)
	v.SetDefault("transform.thumbcrop", false)
	v.SetDefault("transform.jpegquality", 85)
	v.SetDefault("transform.videoframeoffset", "1s")
	v.SetDefault("transform.ffmpegpath", "ffmpeg")
	v.SetDefault("transform.ffprobepath", "ffprobe")
	v.SetDefault("transform.videocontainers", []string{"mp4", "mov", "webm", "matroska"})
	v.SetDefault("transform.videocodecs", []string{"h264", "hevc", "vp8", "vp9", "av1"})

	v.SetDefault("reaper.graceperiod", "24h")
	v.SetDefault("reaper.stalelocktimeout", "65m")
	v.SetDefault("reaper.batchsize", 500)
	v.SetDefault("reaper.schedule", "0 */10 * * * *")
}
