package detection

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

// palette is indexed by class id.
var palette = []color.RGBA{
	{255, 0, 0, 255},
	{0, 255, 0, 255},
	{0, 0, 255, 255},
	{255, 255, 0, 255},
	{0, 255, 255, 255},
	{255, 0, 255, 255},
}

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// ColorFor returns the box colour for a class id.
func ColorFor(classID int) color.RGBA {
	n := len(palette)
	return palette[((classID%n)+n)%n]
}

// Label formats the text drawn above a box.
func Label(d Detection) string {
	return fmt.Sprintf("%s (%.2f)", d.Class, d.Confidence)
}

// Annotator burns boxes and labels into a copy of a frame.
type Annotator struct {
	LineWidth float64
	FontSize  float64
}

// NewAnnotator returns an annotator with 3px boxes and 16pt labels.
func NewAnnotator() *Annotator {
	return &Annotator{LineWidth: 3, FontSize: 16}
}

// Annotate returns a new image with every boxed detection drawn on it.
// img is not modified. Detections without a box are skipped.
func (a *Annotator) Annotate(img image.Image, batch Batch) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetFontFace(truetype.NewFace(labelFont, &truetype.Options{Size: a.FontSize}))

	for _, d := range batch {
		if d.BBox == nil {
			continue
		}
		c := ColorFor(d.ClassID)
		b := d.BBox

		dc.SetColor(c)
		dc.SetLineWidth(a.LineWidth)
		dc.DrawRectangle(b.X1, b.Y1, b.X2-b.X1, b.Y2-b.Y1)
		dc.Stroke()

		label := Label(d)
		tw, th := dc.MeasureString(label)
		top := b.Y1 - th - 5
		if top < 0 {
			top = b.Y1
		}
		dc.SetColor(c)
		dc.DrawRectangle(b.X1, top, tw+5, th+5)
		dc.Fill()

		dc.SetColor(color.White)
		dc.DrawString(label, b.X1+2, top+th+1)
	}
	return dc.Image()
}
