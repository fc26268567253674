// Package annotate draws recognition results onto frames.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/andresmejia3/facewatch/internal/frame"
	"github.com/andresmejia3/facewatch/internal/types"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	IdentifiedColor   = color.RGBA{G: 255, A: 255}
	UnidentifiedColor = color.RGBA{R: 255, A: 255}
	labelTextColor    = color.RGBA{A: 255}
)

const (
	boxThickness = 2
	labelPadding = 2
)

var labelFace = basicfont.Face7x13

// Annotate returns a copy of f with a box for every match and a label for every identified
// match. f itself is never modified. Boxes that fall partly or fully outside the frame are
// clipped.
func Annotate(f frame.Frame, result types.Result) frame.Frame {
	out := f.Clone()
	if len(result) == 0 || out.Validate() != nil {
		return out
	}

	for _, m := range result {
		c := UnidentifiedColor
		if m.Identified {
			c = IdentifiedColor
		}
		rect := image.Rect(m.Box.Left, m.Box.Top, m.Box.Right, m.Box.Bottom)
		strokeRect(out, rect, c)
		if m.Identified {
			drawLabel(out, rect, Label(m), c)
		}
	}
	return out
}

// Label is the caption for an identified match: name, contact when known, similarity.
func Label(m types.FaceMatch) string {
	parts := []string{m.DisplayName}
	if m.Contact != "" {
		parts = append(parts, m.Contact)
	}
	parts = append(parts, fmt.Sprintf("%.2f", m.Similarity))
	return strings.Join(parts, " | ")
}

func strokeRect(f frame.Frame, r image.Rectangle, c color.RGBA) {
	t := boxThickness
	fillRect(f, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t), c)
	fillRect(f, image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y), c)
	fillRect(f, image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y), c)
	fillRect(f, image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y), c)
}

func fillRect(f frame.Frame, r image.Rectangle, c color.RGBA) {
	// Clip to frame bounds
	r = r.Intersect(f.Bounds())
	if r.Empty() {
		return
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			f.SetRGB(x, y, c)
		}
	}
}

// drawLabel renders text on a filled bar sitting on top of the box, or just inside its top
// edge when the box touches the top of the frame.
func drawLabel(f frame.Frame, box image.Rectangle, text string, bg color.RGBA) {
	metrics := labelFace.Metrics()
	w := font.MeasureString(labelFace, text).Ceil() + 2*labelPadding
	h := metrics.Height.Ceil() + 2*labelPadding

	bar := image.Rect(box.Min.X, box.Min.Y-h, box.Min.X+w, box.Min.Y)
	if bar.Min.Y < 0 {
		bar = bar.Add(image.Pt(0, h))
	}
	fillRect(f, bar, bg)

	d := font.Drawer{
		Dst:  frame.Image{F: f},
		Src:  image.NewUniform(labelTextColor),
		Face: labelFace,
		Dot:  fixed.P(bar.Min.X+labelPadding, bar.Min.Y+labelPadding+metrics.Ascent.Ceil()),
	}
	d.DrawString(text)
}
