package source

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"petwatch/internal/imaging"
	"petwatch/internal/pipeline"
)

// Kind selects a frame source adapter
type Kind string

const (
	KindFFmpeg    Kind = "ffmpeg"
	KindHTTP      Kind = "http"
	KindDirectory Kind = "directory"
	KindS3        Kind = "s3"
)

// Config describes where frames come from
type Config struct {
	Kind   Kind   `yaml:"kind" json:"kind" env:"KIND"`
	Device string `yaml:"device" json:"device" env:"DEVICE"` // rtsp://, http(s):// or /dev/videoN
	FPS    int    `yaml:"fps" json:"fps" env:"FPS"`
	Width  int    `yaml:"width" json:"width"`
	Height int    `yaml:"height" json:"height"`

	// Replay sources
	Directory string `yaml:"directory" json:"directory" env:"DIRECTORY"`
	Prefix    string `yaml:"prefix" json:"prefix" env:"PREFIX"`
	Loop      bool   `yaml:"loop" json:"loop"`
	Pace      bool   `yaml:"pace" json:"pace"` // Sleep between replayed frames at FPS
}

// ObjectStore lists and fetches stored frames
type ObjectStore interface {
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// New creates the configured source. store is only used by KindS3.
func New(config Config, store ObjectStore) (pipeline.FrameSource, error) {
	if config.FPS <= 0 {
		config.FPS = 5
	}

	switch config.Kind {
	case KindFFmpeg, "":
		if config.Device == "" {
			return nil, fmt.Errorf("ffmpeg source requires a device")
		}
		if IsSnapshotURL(config.Device) {
			return NewHTTPSnapshotSource(config.Device, config.FPS), nil
		}
		return NewFFmpegSource(config.Device, config.FPS, config.Width, config.Height), nil
	case KindHTTP:
		if config.Device == "" {
			return nil, fmt.Errorf("http source requires a device URL")
		}
		return NewHTTPSnapshotSource(config.Device, config.FPS), nil
	case KindDirectory:
		return NewDirectorySource(config.Directory, config.FPS, config.Loop, config.Pace)
	case KindS3:
		if store == nil {
			return nil, fmt.Errorf("s3 source requires object storage")
		}
		return NewS3Source(store, config.Prefix, config.FPS, config.Loop, config.Pace), nil
	default:
		return nil, fmt.Errorf("unknown source kind: %q", config.Kind)
	}
}

// IsSnapshotURL reports whether device is a single-image HTTP endpoint
func IsSnapshotURL(device string) bool {
	return (strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://")) &&
		(strings.Contains(device, ".jpg") || strings.Contains(device, ".jpeg") || strings.Contains(device, "image"))
}

// sequencer numbers frames from 1
type sequencer struct {
	seq atomic.Uint64
}

// frame builds a frame, reading dimensions from the JPEG header
func (s *sequencer) frame(ts time.Time, data []byte, width, height int) *pipeline.Frame {
	if w, h, err := imaging.Dimensions(data); err == nil {
		width, height = w, h
	}
	return &pipeline.Frame{
		Seq:       s.seq.Add(1),
		Timestamp: ts,
		Data:      data,
		Width:     width,
		Height:    height,
	}
}

// Last returns the most recent sequence number
func (s *sequencer) Last() uint64 {
	return s.seq.Load()
}
