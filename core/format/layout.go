package format

import "fmt"

// Plane describes one memory plane of an image. Width and Height are in plane
// pixels; a plane pixel of an interleaved chroma plane is one Cb/Cr pair.
type Plane struct {
	Offset        int
	Stride        int
	Width         int
	Height        int
	BytesPerPixel int
}

func (p Plane) Size() int {
	return p.Stride * p.Height
}

type Layout struct {
	Planes []Plane
	Size   int
}

// LayoutOf computes the tightly packed plane layout of a width x height image.
// Tiled images are laid out linearly; only their alignment differs.
func LayoutOf(f Format, width int, height int) (Layout, error) {
	if width <= 0 || height <= 0 {
		return Layout{}, fmt.Errorf("%w: image %dx%d", ErrInvalidGeometry, width, height)
	}
	class, err := ClassOf(f)
	if err != nil {
		return Layout{}, err
	}
	var layout Layout
	add := func(w, h, bpp int) {
		plane := Plane{
			Offset:        layout.Size,
			Stride:        w * bpp,
			Width:         w,
			Height:        h,
			BytesPerPixel: bpp,
		}
		layout.Planes = append(layout.Planes, plane)
		layout.Size += plane.Size()
	}

	switch c := class.(type) {
	case Rgb:
		add(width, height, c.BytesPerPixel)
	case YuvSemiPlanar:
		fx, fy := ChromaFactors(c)
		add(width, height, 1)
		add(ceilDiv(width, fx), ceilDiv(height, fy), 2)
	case YuvPlanar:
		fx, fy := ChromaFactors(c)
		add(width, height, 1)
		add(ceilDiv(width, fx), ceilDiv(height, fy), 1)
		add(ceilDiv(width, fx), ceilDiv(height, fy), 1)
	}
	return layout, nil
}

func ceilDiv(value int, divisor int) int {
	return (value + divisor - 1) / divisor
}
