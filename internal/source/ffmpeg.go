package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"

	"petwatch/internal/pipeline"
)

// FFmpegSource captures frames from a camera through ffmpeg's image2pipe
type FFmpegSource struct {
	device string
	fps    int
	width  int
	height int
	binary string

	sequencer

	startOnce sync.Once
	startErr  error
	frames    chan []byte
	done      chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	readErr   error
	cmd       *exec.Cmd
}

// NewFFmpegSource creates a source for device. ffmpeg is started on the
// first NextFrame call.
func NewFFmpegSource(device string, fps, width, height int) *FFmpegSource {
	return &FFmpegSource{
		device: device,
		fps:    fps,
		width:  width,
		height: height,
		binary: "ffmpeg",
		frames: make(chan []byte),
		done:   make(chan struct{}),
		stopCh: make(chan struct{}),
	}
}

// ffmpegArgs builds the command line for the device type
func ffmpegArgs(device string, fps, width, height int) []string {
	switch {
	case strings.HasPrefix(device, "rtsp://"):
		return []string{
			"-rtsp_transport", "tcp",
			"-i", device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", fps),
			"-q:v", "5",
			"-",
		}
	case strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://"):
		return []string{
			"-i", device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", fps),
			"-q:v", "5",
			"-",
		}
	default:
		// V4L2 device (USB camera)
		args := []string{"-f", "v4l2"}
		if width > 0 && height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", width, height))
		}
		return append(args,
			"-framerate", fmt.Sprintf("%d", fps),
			"-i", device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		)
	}
}

func (s *FFmpegSource) start() error {
	s.cmd = exec.Command(s.binary, ffmpegArgs(s.device, s.fps, s.width, s.height)...)

	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := s.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	// Consume stderr silently
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
		}
	}()

	go func() {
		defer close(s.done)
		s.readErr = readFrames(stdout, s.frames, s.stopCh)
		s.cmd.Wait()
	}()

	log.Printf("[Source] Started ffmpeg capture (device: %s, fps: %d)", s.device, s.fps)
	return nil
}

// readFrames splits a JPEG byte stream into frames. Returns nil at EOF.
func readFrames(r io.Reader, out chan<- []byte, stop <-chan struct{}) error {
	frameBuffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		n, err := r.Read(chunk)
		frameBuffer = append(frameBuffer, chunk[:n]...)

		// Extract complete JPEG frames
		for {
			frame := extractJPEGFrame(&frameBuffer)
			if frame == nil {
				break
			}
			select {
			case out <- frame:
			case <-stop:
				return nil
			}
		}

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read frame: %w", err)
		}
	}
}

// NextFrame blocks until ffmpeg produces a frame. A clean ffmpeg exit is
// reported as ErrSourceExhausted.
func (s *FFmpegSource) NextFrame(ctx context.Context) (*pipeline.Frame, error) {
	s.startOnce.Do(func() { s.startErr = s.start() })
	if s.startErr != nil {
		return nil, s.startErr
	}

	select {
	case data := <-s.frames:
		frame := s.frame(time.Now(), data, s.width, s.height)
		if frame.Seq%100 == 0 {
			log.Printf("[Source] %s: frame %d", s.device, frame.Seq)
		}
		return frame, nil
	case <-s.done:
		if s.readErr != nil {
			return nil, s.readErr
		}
		return nil, pipeline.ErrSourceExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops ffmpeg
func (s *FFmpegSource) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.cmd != nil && s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
	})
	return nil
}

// extractJPEGFrame extracts a complete JPEG frame from buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	// Find JPEG start marker (FFD8)
	startIdx := -1
	for i := 0; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return nil
	}

	// Find JPEG end marker (FFD9)
	endIdx := -1
	for i := startIdx + 2; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}

// Ensure FFmpegSource implements pipeline.FrameSource
var _ pipeline.FrameSource = (*FFmpegSource)(nil)
