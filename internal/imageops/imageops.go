// Package imageops holds the frame transforms applied between the camera
// and the viewers: orientation fixes, crops, annotations and placeholders.
package imageops

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"

	"github.com/benmeehan/pet-feeder/internal/models"
	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	placeholderWidth  = 640
	placeholderHeight = 480
	placeholderWrap   = 30
	defaultQuality    = 85
)

var (
	boxColor   = color.NRGBA{R: 0, G: 255, B: 0, A: 255}
	labelColor = color.NRGBA{R: 0, G: 0, B: 0, A: 255}
	textColor  = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

// Orientation describes how the camera is mounted.
type Orientation struct {
	FlipHorizontal bool
	FlipVertical   bool
	Rotate180      bool
}

// IsIdentity reports whether Apply would leave the image unchanged.
func (o Orientation) IsIdentity() bool {
	return !o.FlipHorizontal && !o.FlipVertical && !o.Rotate180
}

// Apply returns img with the mount corrections applied.
func (o Orientation) Apply(img image.Image) image.Image {
	if o.FlipHorizontal {
		img = imaging.FlipH(img)
	}
	if o.FlipVertical {
		img = imaging.FlipV(img)
	}
	if o.Rotate180 {
		img = imaging.Rotate180(img)
	}
	return img
}

// Decode parses a JPEG (or any format imaging understands).
func Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

// EncodeJPEG encodes img at the given quality (1..100, 0 means default).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Crop cuts box out of img. Coordinates are clamped to the image; the
// second return is false when nothing is left.
func Crop(img image.Image, box models.BoundingBox) (image.Image, bool) {
	rect := image.Rect(box.X1, box.Y1, box.X2, box.Y2).Intersect(img.Bounds())
	if rect.Empty() {
		return nil, false
	}
	return imaging.Crop(img, rect), true
}

// DrawBoxes returns a copy of img with each box outlined and labelled with
// its confidence.
func DrawBoxes(img image.Image, boxes []models.BoundingBox) image.Image {
	if len(boxes) == 0 {
		return img
	}
	dst := imaging.Clone(img)
	face := basicfont.Face7x13
	for _, b := range boxes {
		r := image.Rect(b.X1, b.Y1, b.X2, b.Y2).Intersect(dst.Bounds())
		if r.Empty() {
			continue
		}
		outline(dst, r, 2, boxColor)

		label := fmt.Sprintf("Cat: %.2f", b.Confidence)
		if b.Class != "" && b.Class != "cat" {
			label = fmt.Sprintf("%s: %.2f", b.Class, b.Confidence)
		}
		width := font.MeasureString(face, label).Ceil()
		height := face.Metrics().Height.Ceil()
		top := r.Min.Y - height - 4
		if top < dst.Bounds().Min.Y {
			top = r.Min.Y
		}
		bg := image.Rect(r.Min.X, top, r.Min.X+width+4, top+height+4).Intersect(dst.Bounds())
		draw.Draw(dst, bg, image.NewUniform(boxColor), image.Point{}, draw.Src)
		drawText(dst, face, label, r.Min.X+2, top+face.Metrics().Ascent.Ceil()+2, labelColor)
	}
	return dst
}

// Placeholder renders a black 640x480 frame with msg centered on it, used
// while the camera has nothing to show.
func Placeholder(msg string) image.Image {
	dst := imaging.New(placeholderWidth, placeholderHeight, color.Black)
	face := basicfont.Face7x13
	lines := wrap(msg, placeholderWrap)
	lineHeight := face.Metrics().Height.Ceil() + 6
	y := (placeholderHeight-len(lines)*lineHeight)/2 + face.Metrics().Ascent.Ceil()
	for _, line := range lines {
		width := font.MeasureString(face, line).Ceil()
		drawText(dst, face, line, (placeholderWidth-width)/2, y, textColor)
		y += lineHeight
	}
	return dst
}

// PlaceholderJPEG is Placeholder encoded as JPEG.
func PlaceholderJPEG(msg string) ([]byte, error) {
	return EncodeJPEG(Placeholder(msg), defaultQuality)
}

func drawText(dst draw.Image, face font.Face, s string, x, y int, c color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func outline(dst draw.Image, r image.Rectangle, thickness int, c color.Color) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}

// wrap splits msg into lines shorter than width, breaking on spaces.
func wrap(msg string, width int) []string {
	words := strings.Fields(msg)
	if len(words) == 0 {
		return []string{""}
	}
	var lines []string
	current := ""
	for _, w := range words {
		switch {
		case current == "":
			current = w
		case len(current)+1+len(w) < width:
			current += " " + w
		default:
			lines = append(lines, current)
			current = w
		}
	}
	return append(lines, current)
}
