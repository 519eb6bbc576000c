// Package censor obscures rectangular regions of images.
package censor

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/duynhne/imagegen-service/internal/core/domain"
)

// Imaging implements domain.Censor with github.com/disintegration/imaging.
type Imaging struct {
	// BlurSigma is the gaussian sigma for the blur method.
	BlurSigma float64
	// PixelBlocks is how many pixelation cells span the shorter side of the image.
	PixelBlocks int
	// FillColor paints regions for the fill method.
	FillColor color.Color
}

// New returns a censor with the default strength for every method.
func New() *Imaging {
	return &Imaging{
		BlurSigma:   24,
		PixelBlocks: 32,
		FillColor:   color.Black,
	}
}

// Apply returns a copy of img with every box obscured. Boxes are in img's
// coordinate space and are clipped to its bounds; pixels outside the boxes are
// copied unchanged. Fill and pixelate are idempotent: applying them again with
// the same boxes leaves the output unchanged. Blur is not.
func (c *Imaging) Apply(img image.Image, boxes []image.Rectangle, method domain.CensorMethod) (image.Image, error) {
	switch method {
	case domain.CensorBlur, domain.CensorPixelate, domain.CensorFill:
	default:
		return nil, fmt.Errorf("unknown censor method %q", method)
	}

	origin := img.Bounds().Min
	out := imaging.Clone(img)

	regions := make([]image.Rectangle, 0, len(boxes))
	for _, box := range boxes {
		if r := box.Sub(origin).Intersect(out.Bounds()); !r.Empty() {
			regions = append(regions, r)
		}
	}

	switch method {
	case domain.CensorPixelate:
		c.pixelate(out, regions)
	case domain.CensorBlur:
		for _, r := range regions {
			out = imaging.Paste(out, imaging.Blur(imaging.Crop(out, r), c.BlurSigma), r.Min)
		}
	case domain.CensorFill:
		for _, r := range regions {
			out = imaging.Paste(out, imaging.New(r.Dx(), r.Dy(), c.FillColor), r.Min)
		}
	}
	return out, nil
}

// pixelate lays one grid over the whole image, anchored at the origin, and
// replaces the pixels of each cell that fall inside any region with their
// mean color. Cells are shared by overlapping regions, so a second pass finds
// every cell already uniform.
func (c *Imaging) pixelate(img *image.NRGBA, regions []image.Rectangle) {
	if len(regions) == 0 {
		return
	}
	bounds := img.Bounds()
	cell := max(min(bounds.Dx(), bounds.Dy())/max(c.PixelBlocks, 1), 1)

	var area image.Rectangle
	for _, r := range regions {
		area = area.Union(r)
	}
	inside := func(x, y int) bool {
		p := image.Pt(x, y)
		for _, r := range regions {
			if p.In(r) {
				return true
			}
		}
		return false
	}

	for y0 := area.Min.Y / cell * cell; y0 < area.Max.Y; y0 += cell {
		for x0 := area.Min.X / cell * cell; x0 < area.Max.X; x0 += cell {
			cr := image.Rect(x0, y0, x0+cell, y0+cell).Intersect(area)
			fillMean(img, cr, inside)
		}
	}
}

// fillMean paints the pixels of r selected by keep with their mean color.
func fillMean(img *image.NRGBA, r image.Rectangle, keep func(x, y int) bool) {
	var sum [4]int
	n := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if !keep(x, y) {
				continue
			}
			i := img.PixOffset(x, y)
			for k := 0; k < 4; k++ {
				sum[k] += int(img.Pix[i+k])
			}
			n++
		}
	}
	if n == 0 {
		return
	}
	var mean [4]uint8
	for k := 0; k < 4; k++ {
		mean[k] = uint8(sum[k] / n)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if keep(x, y) {
				i := img.PixOffset(x, y)
				copy(img.Pix[i:i+4], mean[:])
			}
		}
	}
}
