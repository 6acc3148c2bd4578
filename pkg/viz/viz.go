package viz

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/fogleman/gg"

	"github.com/astromechza/linesync/pkg/lines"
)

// Render draws the collection, which must be in normalized space, onto a width x height white canvas.
func Render(c lines.Collection, width, height int) (image.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid canvas size %dx%d", width, height)
	}
	canvas := lines.NewRect(0, 0, float64(width), float64(height))

	dc := gg.NewContext(width, height)
	dc.SetColor(color.White)
	dc.Clear()
	dc.SetLineCapRound()
	dc.SetLineJoinRound()

	for _, id := range c.IDs() {
		l := c[id].Transformed(canvas, lines.ToCanvas)
		if len(l.Points) == 0 {
			continue
		}
		dc.SetColor(color.NRGBA{R: l.Stroke.R, G: l.Stroke.G, B: l.Stroke.B, A: l.Stroke.A})
		dc.SetLineWidth(l.Stroke.Width)
		if len(l.Points) == 1 {
			dc.DrawPoint(l.Points[0].X, l.Points[0].Y, l.Stroke.Width/2)
			dc.Fill()
			continue
		}
		dc.MoveTo(l.Points[0].X, l.Points[0].Y)
		for _, p := range l.Points[1:] {
			dc.LineTo(p.X, p.Y)
		}
		dc.Stroke()
	}
	return dc.Image(), nil
}

func EncodePNG(w io.Writer, c lines.Collection, width, height int) error {
	img, err := Render(c, width, height)
	if err != nil {
		return err
	}
	dc := gg.NewContextForImage(img)
	if err := dc.EncodePNG(w); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return nil
}

func RenderToFile(c lines.Collection, width, height int, outputPath string) error {
	img, err := Render(c, width, height)
	if err != nil {
		return err
	}
	if err := gg.SavePNG(outputPath, img); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

func RenderToTemp(c lines.Collection, width, height int) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.png", time.Now().UnixNano(), rand.Int()))
	if err := RenderToFile(c, width, height, tf); err != nil {
		return "", err
	}
	return tf, nil
}
