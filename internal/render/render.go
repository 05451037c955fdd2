// Package render draws detection boxes and class labels onto frames.
package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/vzahanych/view-guard-meta/detection/internal/ai"
)

var goRegular *truetype.Font

func init() {
	var err error
	goRegular, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// palette is indexed by class id
var palette = []color.RGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 207, G: 210, B: 49, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 146, G: 204, B: 23, A: 255},
	{R: 61, G: 219, B: 134, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 212, B: 187, A: 255},
	{R: 44, G: 153, B: 168, A: 255},
	{R: 0, G: 194, B: 255, A: 255},
	{R: 52, G: 69, B: 147, A: 255},
	{R: 100, G: 115, B: 255, A: 255},
	{R: 0, G: 24, B: 236, A: 255},
	{R: 132, G: 56, B: 255, A: 255},
	{R: 82, G: 0, B: 133, A: 255},
	{R: 203, G: 56, B: 255, A: 255},
	{R: 255, G: 149, B: 200, A: 255},
	{R: 255, G: 55, B: 199, A: 255},
}

// ErrNilFrame is returned when Render is given no image
var ErrNilFrame = errors.New("nil frame")

// Config controls line and label sizes
type Config struct {
	LineWidth float64
	FontSize  float64
}

// Renderer draws boxes and labels. It keeps no per-call state and is safe
// for concurrent use.
type Renderer struct {
	lineWidth float64
	fontSize  float64
}

// New creates a Renderer, filling zero sizes with defaults
func New(cfg Config) *Renderer {
	if cfg.LineWidth <= 0 {
		cfg.LineWidth = 2
	}
	if cfg.FontSize <= 0 {
		cfg.FontSize = 14
	}
	return &Renderer{lineWidth: cfg.LineWidth, fontSize: cfg.FontSize}
}

// Render returns a copy of img with objs drawn on it. The result has the
// same size as img. Objects without a bounding box are not drawn.
func (r *Renderer) Render(img image.Image, objs []ai.Object) (image.Image, error) {
	if img == nil {
		return nil, ErrNilFrame
	}

	dc := gg.NewContextForImage(img)
	if len(objs) == 0 {
		return dc.Image(), nil
	}

	dc.SetFontFace(truetype.NewFace(goRegular, &truetype.Options{Size: r.fontSize}))

	for i, obj := range objs {
		if !obj.HasBox() {
			continue
		}
		for _, v := range obj.BBox {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("object %d (%s): invalid bounding box %v", i, obj.ClassLabel, obj.BBox)
			}
		}
		r.drawObject(dc, obj)
	}

	return dc.Image(), nil
}

func (r *Renderer) drawObject(dc *gg.Context, obj ai.Object) {
	c := ColorFor(obj.ClassID)
	x1, y1, x2, y2 := obj.BBox[0], obj.BBox[1], obj.BBox[2], obj.BBox[3]

	dc.SetColor(c)
	dc.SetLineWidth(r.lineWidth)
	dc.DrawRectangle(x1, y1, x2-x1, y2-y1)
	dc.Stroke()

	text := Label(obj)
	tw, th := dc.MeasureString(text)
	pad := 2.0

	// label tag sits above the box, or inside it when the box touches the top edge
	ty := y1 - th - 2*pad
	if ty < 0 {
		ty = y1
	}
	dc.SetColor(c)
	dc.DrawRectangle(x1, ty, tw+2*pad, th+2*pad)
	dc.Fill()

	dc.SetColor(textColor(c))
	dc.DrawStringAnchored(text, x1+pad, ty+pad, 0, 1)
}

// Label is the text drawn next to a box: the class and, when reported,
// the confidence with two decimals
func Label(obj ai.Object) string {
	if obj.Confidence == nil {
		return obj.ClassLabel
	}
	return fmt.Sprintf("%s %.2f", obj.ClassLabel, *obj.Confidence)
}

// ColorFor returns the palette colour for a class id
func ColorFor(classID int) color.RGBA {
	// reduce before negating so math.MinInt cannot overflow
	idx := classID % len(palette)
	if idx < 0 {
		idx = -idx
	}
	return palette[idx]
}

func textColor(bg color.RGBA) color.Color {
	// perceived luminance
	lum := 0.299*float64(bg.R) + 0.587*float64(bg.G) + 0.114*float64(bg.B)
	if lum > 150 {
		return color.Black
	}
	return color.White
}
