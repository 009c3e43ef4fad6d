package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sort"

	"reportflow/internal/train"
)

// Kind names one of the charts in a report bundle.
type Kind string

const (
	KindCoefficients      Kind = "coefficients"
	KindActualVsPredicted Kind = "actual_vs_pred"
	KindResiduals         Kind = "residuals"
)

// Order is the fixed generation order of bundle images.
var Order = []Kind{KindCoefficients, KindActualVsPredicted, KindResiduals}

// FileName is the bundle file name of the chart, which doubles as the
// content-id token name in the report document.
func (k Kind) FileName() string { return string(k) + ".png" }

// Renderer turns training output into PNG bytes.
type Renderer interface {
	Render(kind Kind, res train.Result) ([]byte, error)
}

// PNGRenderer draws simple raster charts without text.
type PNGRenderer struct {
	Width  int
	Height int
	Bins   int
}

// NewPNGRenderer returns a renderer with the report's default geometry.
func NewPNGRenderer() PNGRenderer {
	return PNGRenderer{Width: 900, Height: 600, Bins: 30}
}

var (
	background = color.RGBA{255, 255, 255, 255}
	axisColor  = color.RGBA{40, 40, 40, 255}
	barColor   = color.RGBA{31, 119, 180, 255}
	negColor   = color.RGBA{214, 39, 40, 255}
	pointColor = color.RGBA{31, 119, 180, 200}
	guideColor = color.RGBA{214, 39, 40, 255}
)

const margin = 40

func (r PNGRenderer) Render(kind Kind, res train.Result) ([]byte, error) {
	if r.Width <= 2*margin || r.Height <= 2*margin {
		r = NewPNGRenderer()
	}
	c := newCanvas(r.Width, r.Height)
	switch kind {
	case KindCoefficients:
		if res.Coefficients.Len() == 0 {
			return nil, fmt.Errorf("render %s: no coefficients", kind)
		}
		c.bars(sortedByMagnitude(res.Coefficients))
	case KindActualVsPredicted:
		if len(res.Actual) == 0 || len(res.Actual) != len(res.Predicted) {
			return nil, fmt.Errorf("render %s: %d actual vs %d predicted", kind, len(res.Actual), len(res.Predicted))
		}
		c.scatter(res.Actual, res.Predicted)
	case KindResiduals:
		resid := res.Residuals()
		if len(resid) == 0 {
			return nil, fmt.Errorf("render %s: no residuals", kind)
		}
		bins := r.Bins
		if bins <= 0 {
			bins = 30
		}
		c.bars(histogram(resid, bins))
	default:
		return nil, fmt.Errorf("unknown chart kind %q", kind)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, c.img); err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return buf.Bytes(), nil
}

func sortedByMagnitude(c train.Coefficients) []float64 {
	values := c.Values()
	sort.SliceStable(values, func(i, j int) bool { return math.Abs(values[i]) > math.Abs(values[j]) })
	return values
}

func histogram(values []float64, bins int) []float64 {
	lo, hi := bounds(values)
	counts := make([]float64, bins)
	width := (hi - lo) / float64(bins)
	for _, v := range values {
		i := bins - 1
		if width > 0 {
			i = int((v - lo) / width)
		}
		if i >= bins {
			i = bins - 1
		}
		if i < 0 {
			i = 0
		}
		counts[i]++
	}
	return counts
}

func bounds(values ...[]float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, vs := range values {
		for _, v := range vs {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if lo == hi {
		lo, hi = lo-1, hi+1
	}
	return lo, hi
}

type canvas struct {
	img  *image.RGBA
	w, h int
}

func newCanvas(w, h int) *canvas {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, background)
		}
	}
	return &canvas{img: img, w: w, h: h}
}

// bars draws one bar per value around a zero baseline.
func (c *canvas) bars(values []float64) {
	lo, hi := bounds(values, []float64{0})
	plotW := c.w - 2*margin
	slot := plotW / len(values)
	if slot < 1 {
		slot = 1
	}
	gap := slot / 5
	zero := c.mapY(0, lo, hi)
	for i, v := range values {
		x0 := margin + i*slot + gap
		x1 := margin + (i+1)*slot - gap
		y := c.mapY(v, lo, hi)
		col := barColor
		if v < 0 {
			col = negColor
		}
		c.fillRect(x0, min(y, zero), x1, max(y, zero), col)
	}
	c.line(margin, zero, c.w-margin, zero, axisColor)
	c.line(margin, margin, margin, c.h-margin, axisColor)
}

// scatter plots (x, y) points and the y = x guide.
func (c *canvas) scatter(xs, ys []float64) {
	lo, hi := bounds(xs, ys)
	for i := range xs {
		px := c.mapX(xs[i], lo, hi)
		py := c.mapY(ys[i], lo, hi)
		c.fillRect(px-2, py-2, px+2, py+2, pointColor)
	}
	c.line(c.mapX(lo, lo, hi), c.mapY(lo, lo, hi), c.mapX(hi, lo, hi), c.mapY(hi, lo, hi), guideColor)
	c.line(margin, c.h-margin, c.w-margin, c.h-margin, axisColor)
	c.line(margin, margin, margin, c.h-margin, axisColor)
}

func (c *canvas) mapX(v, lo, hi float64) int {
	return margin + int((v-lo)/(hi-lo)*float64(c.w-2*margin))
}

func (c *canvas) mapY(v, lo, hi float64) int {
	return c.h - margin - int((v-lo)/(hi-lo)*float64(c.h-2*margin))
}

func (c *canvas) fillRect(x0, y0, x1, y1 int, col color.RGBA) {
	r := image.Rect(x0, y0, x1+1, y1+1).Intersect(c.img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			c.img.SetRGBA(x, y, col)
		}
	}
}

// line draws a Bresenham line.
func (c *canvas) line(x0, y0, x1, y1 int, col color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		if image.Pt(x0, y0).In(c.img.Bounds()) {
			c.img.SetRGBA(x0, y0, col)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
