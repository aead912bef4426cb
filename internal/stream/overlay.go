package stream

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"
	"strconv"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"petwatch/internal/geometry"
	"petwatch/internal/pipeline"
)

var (
	catColor        = color.RGBA{255, 165, 0, 255} // Orange
	dogColor        = color.RGBA{30, 144, 255, 255}
	restrictedColor = color.RGBA{220, 20, 60, 255}
	feedingColor    = color.RGBA{50, 205, 50, 255}
	normalColor     = color.RGBA{200, 200, 200, 255}
	bowlColor       = color.RGBA{0, 255, 255, 255}
)

// Overlay is what gets drawn on top of a frame
type Overlay struct {
	Zones      []pipeline.Zone
	Bowls      []pipeline.Bowl
	Detections []pipeline.Detection
	Status     pipeline.DetectionStatus
}

// Annotate decodes jpegData, draws the overlay and re-encodes it. The
// original bytes are returned if the frame cannot be decoded.
func Annotate(jpegData []byte, overlay Overlay, quality int) []byte {
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return jpegData
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	for _, z := range overlay.Zones {
		c := zoneColor(z)
		drawPolygon(rgba, z.Polygon, c)
		if len(z.Polygon) > 0 {
			label := z.Name
			if label == "" {
				label = z.ID
			}
			drawLabel(rgba, int(z.Polygon[0].X), int(z.Polygon[0].Y), label, c)
		}
	}

	for _, b := range overlay.Bowls {
		drawCircle(rgba, b.Center, b.Radius, bowlColor)
	}

	for _, det := range overlay.Detections {
		c := catColor
		if det.Species == pipeline.SpeciesDog {
			c = dogColor
		}
		x, y := int(det.BBox.X), int(det.BBox.Y)
		drawBox(rgba, x, y, int(det.BBox.W), int(det.BBox.H), c, 2)
		drawLabel(rgba, x, y-15, fmt.Sprintf("%s %.0f%%", det.Species, det.Confidence*100), c)
	}

	if overlay.Status == pipeline.StatusDegraded {
		drawLabel(rgba, 4, 4, "DETECTOR DEGRADED", restrictedColor)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: quality}); err != nil {
		return jpegData
	}
	return buf.Bytes()
}

// zoneColor uses the configured "#rrggbb" color, else one per kind
func zoneColor(z pipeline.Zone) color.RGBA {
	if hex := strings.TrimPrefix(z.Color, "#"); len(hex) == 6 {
		if v, err := strconv.ParseUint(hex, 16, 32); err == nil {
			return color.RGBA{uint8(v >> 16), uint8(v >> 8), uint8(v), 255}
		}
	}
	switch z.Kind {
	case pipeline.ZoneRestricted:
		return restrictedColor
	case pipeline.ZoneFeeding:
		return feedingColor
	default:
		return normalColor
	}
}

func setPixel(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.Set(x, y, c)
	}
}

// drawBox draws a rectangle on the image
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	for t := 0; t < thickness; t++ {
		for i := x; i < x+w; i++ {
			setPixel(img, i, y+t, c)
			setPixel(img, i, y+h-t, c)
		}
		for j := y; j < y+h; j++ {
			setPixel(img, x+t, j, c)
			setPixel(img, x+w-t, j, c)
		}
	}
}

// drawLine uses Bresenham's algorithm
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		setPixel(img, x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func drawPolygon(img *image.RGBA, poly geometry.Polygon, c color.RGBA) {
	for i := range poly {
		a, b := poly[i], poly[(i+1)%len(poly)]
		drawLine(img, int(a.X), int(a.Y), int(b.X), int(b.Y), c)
	}
}

func drawCircle(img *image.RGBA, center geometry.Point, radius float64, c color.RGBA) {
	steps := max(16, int(2*math.Pi*radius))
	for i := 0; i < steps; i++ {
		angle := 2 * math.Pi * float64(i) / float64(steps)
		setPixel(img, int(center.X+radius*math.Cos(angle)), int(center.Y+radius*math.Sin(angle)), c)
	}
}

// drawLabel draws text with a dark background, top-left at (x, y)
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	x = max(x, 0)
	y = max(y, 0)

	bg := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	for dy := -2; dy < 14; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			setPixel(img, x+dx, y+dy, bg)
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
