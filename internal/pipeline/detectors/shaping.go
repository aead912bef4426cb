package detectors

import (
	"math"
	"strings"

	"petwatch/internal/detection"
	"petwatch/internal/pipeline"
)

// COCO class ids of the animals we track
const (
	cocoCat = 15
	cocoDog = 16
)

// speciesOf maps a service class to a species. The class name wins when
// present; the COCO id is the fallback.
func speciesOf(d detection.RawDetection) (pipeline.Species, bool) {
	switch strings.ToLower(strings.TrimSpace(d.Class)) {
	case "cat":
		return pipeline.SpeciesCat, true
	case "dog":
		return pipeline.SpeciesDog, true
	case "":
	default:
		return "", false
	}

	switch d.ClassID {
	case cocoCat:
		return pipeline.SpeciesCat, true
	case cocoDog:
		return pipeline.SpeciesDog, true
	}
	return "", false
}

// Shape keeps cats and dogs at or above threshold, clamps confidence to
// [0,1] and converts corner boxes to x, y, width, height.
func Shape(raw []detection.RawDetection, threshold float64) []pipeline.Detection {
	out := make([]pipeline.Detection, 0, len(raw))
	for _, d := range raw {
		species, ok := speciesOf(d)
		if !ok || len(d.BBox) < 4 {
			continue
		}

		conf := d.Confidence
		if math.IsNaN(conf) {
			continue
		}
		conf = math.Max(0, math.Min(1, conf))
		if conf < threshold {
			continue
		}

		x1, y1, x2, y2 := d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3]
		box := pipeline.BBox{
			X: math.Min(x1, x2),
			Y: math.Min(y1, y2),
			W: math.Abs(x2 - x1),
			H: math.Abs(y2 - y1),
		}
		if box.W == 0 || box.H == 0 {
			continue
		}

		out = append(out, pipeline.Detection{BBox: box, Species: species, Confidence: conf})
	}
	return out
}
