// Package annotate renders queue zones, counts and detections onto frames.
package annotate

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	colorful "github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"

	"queueguard/internal/geometry"
	"queueguard/internal/pipeline"
)

const (
	FormatJPEG = "jpeg"
	FormatWebP = "webp"
)

// Options control how annotated frames look and are encoded
type Options struct {
	Format      string  // jpeg or webp
	Quality     int     // 1-100
	FillOpacity float64 // Zone fill blend factor
	LineWidth   float32 // Zone outline width in pixels
	DrawBoxes   bool    // Draw kept detection boxes
}

// DefaultOptions returns the dashboard defaults
func DefaultOptions() Options {
	return Options{
		Format:      FormatJPEG,
		Quality:     85,
		FillOpacity: 0.3,
		LineWidth:   3,
		DrawBoxes:   true,
	}
}

// Renderer draws annotated frames. It is stateless and safe for concurrent use.
type Renderer struct {
	opts Options
}

// NewRenderer creates a renderer, filling unset options with defaults
func NewRenderer(opts Options) *Renderer {
	def := DefaultOptions()
	if opts.Format == "" {
		opts.Format = def.Format
	}
	opts.Format = strings.ToLower(opts.Format)
	if opts.Format == "jpg" {
		opts.Format = FormatJPEG
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = def.Quality
	}
	if opts.FillOpacity <= 0 || opts.FillOpacity > 1 {
		opts.FillOpacity = def.FillOpacity
	}
	if opts.LineWidth <= 0 {
		opts.LineWidth = def.LineWidth
	}
	return &Renderer{opts: opts}
}

// Format returns the encoding used for annotated frames
func (r *Renderer) Format() string {
	return r.opts.Format
}

// Annotate draws translucent zone fills, outlines, per-zone counts and kept
// detections, then encodes the result
func (r *Renderer) Annotate(frame image.Image, zones []pipeline.Zone, counts pipeline.CountVector, points []pipeline.RepresentativePoint) ([]byte, string, error) {
	if frame == nil {
		return nil, "", errors.New("no frame to annotate")
	}

	img := r.Render(frame, zones, counts, points)

	var buf bytes.Buffer
	switch r.opts.Format {
	case FormatWebP:
		if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(r.opts.Quality)}); err != nil {
			return nil, "", fmt.Errorf("failed to encode webp: %w", err)
		}
	case FormatJPEG:
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(r.opts.Quality)); err != nil {
			return nil, "", fmt.Errorf("failed to encode jpeg: %w", err)
		}
	default:
		return nil, "", fmt.Errorf("unsupported image format: %s", r.opts.Format)
	}
	return buf.Bytes(), r.opts.Format, nil
}

// Render draws the overlay without encoding
func (r *Renderer) Render(frame image.Image, zones []pipeline.Zone, counts pipeline.CountVector, points []pipeline.RepresentativePoint) *image.NRGBA {
	base := imaging.Clone(frame)
	bounds := base.Bounds()

	// Fills go on a separate layer so they can be blended in one pass
	fills := image.NewNRGBA(bounds)
	for _, z := range zones {
		fillPolygon(fills, z.Polygon, ZoneColor(z.Index))
	}
	base = imaging.Overlay(base, fills, image.Pt(0, 0), r.opts.FillOpacity)

	for _, z := range zones {
		strokePolygon(base, z.Polygon, r.opts.LineWidth, ZoneColor(z.Index))
	}

	for _, pt := range points {
		if r.opts.DrawBoxes {
			b := pt.Box
			drawBox(base, int(b.X1), int(b.Y1), int(b.X2-b.X1), int(b.Y2-b.Y1), color.NRGBA{0, 255, 0, 255}, 2)
		}
		fillPolygon(base, diamond(pt.X, pt.Y, 5), color.NRGBA{255, 0, 0, 255})
	}

	for _, z := range zones {
		count := "?"
		if z.Index < len(counts) {
			count = fmt.Sprintf("%d", counts[z.Index])
		}
		label := fmt.Sprintf("%s: %s", z.Label(), count)
		c := z.Polygon.Centroid()
		drawLabel(base, int(c.X)-len(label)*7/2, int(c.Y)-6, label, ZoneColor(z.Index))
	}

	drawLabel(base, 8, 8, fmt.Sprintf("People: %d", counts.Total()), color.NRGBA{255, 255, 255, 255})
	return base
}

// ZoneColor returns a stable, well-separated color for a zone index
func ZoneColor(index int) color.NRGBA {
	// Golden angle steps keep neighbouring zones apart for any zone count
	hue := math.Mod(float64(index)*137.508, 360)
	r, g, b := colorful.Hsv(hue, 0.8, 0.95).RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

func fillPolygon(dst draw.Image, poly geometry.Polygon, c color.NRGBA) {
	if len(poly) < 3 {
		return
	}
	b := dst.Bounds()
	z := vector.NewRasterizer(b.Max.X, b.Max.Y)
	z.MoveTo(float32(poly[0].X), float32(poly[0].Y))
	for _, p := range poly[1:] {
		z.LineTo(float32(p.X), float32(p.Y))
	}
	z.ClosePath()
	z.Draw(dst, b, image.NewUniform(c), image.Point{})
}

// strokePolygon draws each edge as a quad of the given width
func strokePolygon(dst draw.Image, poly geometry.Polygon, width float32, c color.NRGBA) {
	if len(poly) < 2 {
		return
	}
	b := dst.Bounds()
	z := vector.NewRasterizer(b.Max.X, b.Max.Y)
	half := float64(width) / 2

	for i := range poly {
		p1 := poly[i]
		p2 := poly[(i+1)%len(poly)]
		dx, dy := p2.X-p1.X, p2.Y-p1.Y
		length := math.Hypot(dx, dy)
		if length == 0 {
			continue
		}
		nx, ny := -dy/length*half, dx/length*half

		z.MoveTo(float32(p1.X+nx), float32(p1.Y+ny))
		z.LineTo(float32(p2.X+nx), float32(p2.Y+ny))
		z.LineTo(float32(p2.X-nx), float32(p2.Y-ny))
		z.LineTo(float32(p1.X-nx), float32(p1.Y-ny))
		z.ClosePath()
	}
	z.Draw(dst, b, image.NewUniform(c), image.Point{})
}

func diamond(x, y, r float64) geometry.Polygon {
	return geometry.Polygon{{X: x, Y: y - r}, {X: x + r, Y: y}, {X: x, Y: y + r}, {X: x - r, Y: y}}
}

// drawBox draws a rectangle outline
func drawBox(img *image.NRGBA, x, y, w, h int, c color.NRGBA, thickness int) {
	for t := 0; t < thickness; t++ {
		for i := x; i <= x+w; i++ {
			setClipped(img, i, y+t, c)
			setClipped(img, i, y+h-t, c)
		}
		for j := y; j <= y+h; j++ {
			setClipped(img, x+t, j, c)
			setClipped(img, x+w-t, j, c)
		}
	}
}

// drawLabel draws text on a dark background
func drawLabel(img *image.NRGBA, x, y int, label string, c color.NRGBA) {
	bounds := img.Bounds()
	textWidth := len(label) * 7 // basicfont.Face7x13 is 7 pixels wide per character
	x = max(2, min(x, bounds.Max.X-textWidth-2))
	y = max(2, min(y, bounds.Max.Y-14))

	bg := color.NRGBA{0, 0, 0, 180}
	bgRect := image.Rect(x-2, y-2, x+textWidth+2, y+12).Intersect(bounds)
	draw.Draw(img, bgRect, image.NewUniform(bg), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}

func setClipped(img *image.NRGBA, x, y int, c color.NRGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetNRGBA(x, y, c)
	}
}

var _ pipeline.Annotator = (*Renderer)(nil)
