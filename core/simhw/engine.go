package simhw

import (
	"fmt"
	"image"
	"image/color"

	"github.com/davidahmann/rotator/core/format"
	"github.com/davidahmann/rotator/core/hw"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// planeImage exposes one memory plane of up to eight bytes per pixel as an
// RGBA64 image: byte pairs are packed into the four 16-bit channels, so
// nearest-neighbour Src operations move pixel bytes unchanged.
type planeImage struct {
	pix    []byte
	stride int
	bpp    int
	rect   image.Rectangle
}

func (p *planeImage) ColorModel() color.Model { return color.RGBA64Model }

func (p *planeImage) Bounds() image.Rectangle { return p.rect }

func (p *planeImage) RGBA64At(x, y int) color.RGBA64 {
	if !(image.Point{X: x, Y: y}).In(p.rect) {
		return color.RGBA64{}
	}
	var raw [8]byte
	offset := y*p.stride + x*p.bpp
	copy(raw[:p.bpp], p.pix[offset:offset+p.bpp])
	return color.RGBA64{
		R: uint16(raw[0])<<8 | uint16(raw[1]),
		G: uint16(raw[2])<<8 | uint16(raw[3]),
		B: uint16(raw[4])<<8 | uint16(raw[5]),
		A: uint16(raw[6])<<8 | uint16(raw[7]),
	}
}

func (p *planeImage) At(x, y int) color.Color {
	return p.RGBA64At(x, y)
}

func (p *planeImage) SetRGBA64(x, y int, c color.RGBA64) {
	if !(image.Point{X: x, Y: y}).In(p.rect) {
		return
	}
	raw := [8]byte{
		byte(c.R >> 8), byte(c.R),
		byte(c.G >> 8), byte(c.G),
		byte(c.B >> 8), byte(c.B),
		byte(c.A >> 8), byte(c.A),
	}
	offset := y*p.stride + x*p.bpp
	copy(p.pix[offset:offset+p.bpp], raw[:p.bpp])
}

func (p *planeImage) Set(x, y int, c color.Color) {
	r, g, b, a := c.RGBA()
	p.SetRGBA64(x, y, color.RGBA64{R: uint16(r), G: uint16(g), B: uint16(b), A: uint16(a)})
}

// chromaPair reads two one-byte chroma planes as one interleaved plane.
type chromaPair struct {
	first  *planeImage
	second *planeImage
}

func (c chromaPair) ColorModel() color.Model { return color.RGBA64Model }

func (c chromaPair) Bounds() image.Rectangle { return c.first.rect }

func (c chromaPair) RGBA64At(x, y int) color.RGBA64 {
	first := c.first.RGBA64At(x, y)
	second := c.second.RGBA64At(x, y)
	return color.RGBA64{R: first.R&0xff00 | second.R>>8}
}

func (c chromaPair) At(x, y int) color.Color {
	return c.RGBA64At(x, y)
}

// component is one plane of a surface together with its subsampling factors.
type component struct {
	src    image.Image
	fx, fy int
}

type target struct {
	dst    draw.Image
	fx, fy int
}

func (d *Device) planeView(addr hw.Addr, plane format.Plane, stride int) (*planeImage, error) {
	if stride < plane.Width*plane.BytesPerPixel {
		return nil, fmt.Errorf("stride %d shorter than plane row of %d bytes", stride, plane.Width*plane.BytesPerPixel)
	}
	size := stride*(plane.Height-1) + plane.Width*plane.BytesPerPixel
	pix, err := d.memory.slice(addr, size)
	if err != nil {
		return nil, err
	}
	return &planeImage{
		pix:    pix,
		stride: stride,
		bpp:    plane.BytesPerPixel,
		rect:   image.Rect(0, 0, plane.Width, plane.Height),
	}, nil
}

func (d *Device) surfaceViews(surface hw.Surface) ([]*planeImage, format.Class, error) {
	class, err := format.ClassOf(surface.Format)
	if err != nil {
		return nil, nil, err
	}
	layout, err := format.LayoutOf(surface.Format, surface.Width, surface.Height)
	if err != nil {
		return nil, nil, err
	}
	views := make([]*planeImage, 0, len(layout.Planes))
	for index, plane := range layout.Planes {
		view, err := d.planeView(surface.Planes[index].Addr, plane, surface.Planes[index].Stride)
		if err != nil {
			return nil, nil, fmt.Errorf("%s plane %d: %w", surface.Format, index, err)
		}
		views = append(views, view)
	}
	return views, class, nil
}

func (d *Device) sources(surface hw.Surface, dstCrCb bool) ([]component, error) {
	views, class, err := d.surfaceViews(surface)
	if err != nil {
		return nil, err
	}
	fx, fy := format.ChromaFactors(class)
	switch c := class.(type) {
	case format.Rgb:
		return []component{{src: views[0], fx: 1, fy: 1}}, nil
	case format.YuvSemiPlanar:
		if c.CrCb != dstCrCb {
			return nil, fmt.Errorf("chroma order conversion from %s is not supported", surface.Format)
		}
		return []component{{src: views[0], fx: 1, fy: 1}, {src: views[1], fx: fx, fy: fy}}, nil
	case format.YuvPlanar:
		pair := chromaPair{first: views[1], second: views[2]}
		if c.CrCb != dstCrCb {
			pair = chromaPair{first: views[2], second: views[1]}
		}
		return []component{{src: views[0], fx: 1, fy: 1}, {src: pair, fx: fx, fy: fy}}, nil
	}
	return nil, fmt.Errorf("%w: %s", format.ErrUnsupportedFormat, surface.Format)
}

func (d *Device) targets(surface hw.Surface) ([]target, bool, error) {
	views, class, err := d.surfaceViews(surface)
	if err != nil {
		return nil, false, err
	}
	fx, fy := format.ChromaFactors(class)
	switch c := class.(type) {
	case format.Rgb:
		return []target{{dst: views[0], fx: 1, fy: 1}}, false, nil
	case format.YuvSemiPlanar:
		return []target{{dst: views[0], fx: 1, fy: 1}, {dst: views[1], fx: fx, fy: fy}}, c.CrCb, nil
	}
	return nil, false, fmt.Errorf("%w: %s is not a destination format", format.ErrUnsupportedFormat, surface.Format)
}

// execute runs one decoded pass against memory.
func (d *Device) execute(pass hw.Pass) error {
	dsts, dstCrCb, err := d.targets(pass.Dst)
	if err != nil {
		return err
	}
	srcs, err := d.sources(pass.Src, dstCrCb)
	if err != nil {
		return err
	}
	if len(srcs) != len(dsts) {
		return fmt.Errorf("cannot convert %s to %s", pass.Src.Format, pass.Dst.Format)
	}
	for index := range srcs {
		src, dst := srcs[index], dsts[index]
		sr := image.Rect(
			pass.SrcRect.Min.X/src.fx, pass.SrcRect.Min.Y/src.fy,
			pass.SrcRect.Max.X/src.fx, pass.SrcRect.Max.Y/src.fy,
		)
		origin := image.Pt(pass.DstOrigin.X/dst.fx, pass.DstOrigin.Y/dst.fy)
		transformPlane(dst.dst, origin, src.src, sr, pass.Rotation, pass.Downscale)
	}
	return nil
}

func transformPlane(dst draw.Image, origin image.Point, src image.Image, sr image.Rectangle, rotation format.Rotation, downscale int) {
	scaled := image.Pt(sr.Dx()>>downscale, sr.Dy()>>downscale)
	if rotation == 0 {
		draw.NearestNeighbor.Scale(dst, image.Rectangle{Min: origin, Max: origin.Add(scaled)}, src, sr, draw.Src, nil)
		return
	}
	if downscale > 0 {
		bpp := 2
		if plane, ok := src.(*planeImage); ok {
			bpp = plane.bpp
		}
		intermediate := &planeImage{
			pix:    make([]byte, scaled.X*scaled.Y*bpp),
			stride: scaled.X * bpp,
			bpp:    bpp,
			rect:   image.Rectangle{Max: scaled},
		}
		draw.NearestNeighbor.Scale(intermediate, intermediate.rect, src, sr, draw.Src, nil)
		src, sr = intermediate, intermediate.rect
	}
	draw.NearestNeighbor.Transform(dst, sourceToDest(sr, origin, rotation), src, sr, draw.Src, nil)
}

// sourceToDest maps the source rectangle onto the destination: flips in
// source space first, then the clockwise quarter turn, then the offset.
func sourceToDest(sr image.Rectangle, origin image.Point, rotation format.Rotation) f64.Aff3 {
	w, h := float64(sr.Dx()), float64(sr.Dy())
	m := f64.Aff3{1, 0, -float64(sr.Min.X), 0, 1, -float64(sr.Min.Y)}
	if rotation&format.FlipLR != 0 {
		m = compose(f64.Aff3{-1, 0, w, 0, 1, 0}, m)
	}
	if rotation&format.FlipUD != 0 {
		m = compose(f64.Aff3{1, 0, 0, 0, -1, h}, m)
	}
	if rotation&format.Rot90 != 0 {
		m = compose(f64.Aff3{0, -1, h, 1, 0, 0}, m)
	}
	return compose(f64.Aff3{1, 0, float64(origin.X), 0, 1, float64(origin.Y)}, m)
}

// compose returns a after b.
func compose(a, b f64.Aff3) f64.Aff3 {
	return f64.Aff3{
		a[0]*b[0] + a[1]*b[3],
		a[0]*b[1] + a[1]*b[4],
		a[0]*b[2] + a[1]*b[5] + a[2],
		a[3]*b[0] + a[4]*b[3],
		a[3]*b[1] + a[4]*b[4],
		a[3]*b[2] + a[4]*b[5] + a[5],
	}
}
