package stream

import (
	"fmt"
	"log"
	"net/http"
	"sync"

	"petwatch/internal/pipeline"
)

// Preview keeps the latest processed frame and serves it annotated with
// zones, bowls and detections, as a snapshot or an MJPEG stream.
type Preview struct {
	quality int
	zones   []pipeline.Zone
	bowls   []pipeline.Bowl

	mu     sync.RWMutex
	frame  *pipeline.Frame
	result *pipeline.DetectionResult

	renderMu     sync.Mutex
	renderedSeq  uint64
	renderedData []byte

	clientsMu sync.RWMutex
	clients   map[chan struct{}]bool
}

// NewPreview creates a preview drawing the given layout
func NewPreview(zones []pipeline.Zone, bowls []pipeline.Bowl, quality int) *Preview {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &Preview{
		quality: quality,
		zones:   zones,
		bowls:   bowls,
		clients: make(map[chan struct{}]bool),
	}
}

// OnFrame stores the frame and wakes stream clients. Rendering is deferred
// to the readers.
func (p *Preview) OnFrame(frame *pipeline.Frame, result *pipeline.DetectionResult) {
	p.mu.Lock()
	p.frame = frame
	p.result = result
	p.mu.Unlock()

	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	for ch := range p.clients {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Latest returns the annotated JPEG of the newest frame, nil before the
// first frame arrives.
func (p *Preview) Latest() ([]byte, uint64) {
	p.mu.RLock()
	frame, result := p.frame, p.result
	p.mu.RUnlock()
	if frame == nil {
		return nil, 0
	}

	p.renderMu.Lock()
	defer p.renderMu.Unlock()
	if p.renderedSeq == frame.Seq && p.renderedData != nil {
		return p.renderedData, frame.Seq
	}

	overlay := Overlay{Zones: p.zones, Bowls: p.bowls}
	if result != nil {
		overlay.Detections = result.Detections
		overlay.Status = result.Status
	}
	p.renderedData = Annotate(frame.Data, overlay, p.quality)
	p.renderedSeq = frame.Seq
	return p.renderedData, frame.Seq
}

// ClientCount returns the number of connected stream clients
func (p *Preview) ClientCount() int {
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	return len(p.clients)
}

// ServeSnapshot serves a single annotated JPEG
func (p *Preview) ServeSnapshot(w http.ResponseWriter, r *http.Request) {
	frame, seq := p.Latest()
	if frame == nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame)))
	w.Header().Set("X-Frame-Seq", fmt.Sprintf("%d", seq))
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(frame)
}

// ServeHTTP streams annotated frames as multipart MJPEG
func (p *Preview) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	notify := make(chan struct{}, 1)
	p.clientsMu.Lock()
	p.clients[notify] = true
	p.clientsMu.Unlock()

	defer func() {
		p.clientsMu.Lock()
		delete(p.clients, notify)
		p.clientsMu.Unlock()
	}()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	log.Printf("[Preview] Client connected (%s)", r.RemoteAddr)

	var lastSeq uint64
	for {
		if frame, seq := p.Latest(); frame != nil && seq != lastSeq {
			lastSeq = seq
			fmt.Fprintf(w, "--frame\r\n")
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
			if _, err := w.Write(frame); err != nil {
				return
			}
			fmt.Fprintf(w, "\r\n")
			flusher.Flush()
		}

		select {
		case <-r.Context().Done():
			log.Printf("[Preview] Client disconnected (%s)", r.RemoteAddr)
			return
		case <-notify:
		}
	}
}

var _ pipeline.FrameObserver = (*Preview)(nil)
