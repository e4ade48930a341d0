package hw

import (
	"fmt"
	"image"

	"github.com/davidahmann/rotator/core/format"
)

// Image is a whole image in device memory: format, size and base address.
type Image struct {
	Format format.Format
	Width  int
	Height int
	Addr   Addr
}

// PassConfig is the logical configuration of one pass before it is turned
// into registers.
type PassConfig struct {
	Src       Image
	SrcRect   image.Rectangle
	Dst       Image
	DstOrigin image.Point
	Rotation  format.Rotation
	Downscale int
	Imem      bool
	Tag       uint32
}

// FormatProgrammer translates a pass into device configuration.
type FormatProgrammer interface {
	Program(device Device, config PassConfig) error
}

// RegisterProgrammer computes plane addresses from the format class and
// writes the sealed register block to the device.
type RegisterProgrammer struct{}

func (RegisterProgrammer) Program(device Device, config PassConfig) error {
	src, err := SurfaceOf(config.Src)
	if err != nil {
		return fmt.Errorf("program source: %w", err)
	}
	dst, err := SurfaceOf(config.Dst)
	if err != nil {
		return fmt.Errorf("program destination: %w", err)
	}
	pass := Pass{
		Src:       src,
		SrcRect:   config.SrcRect,
		Dst:       dst,
		DstOrigin: config.DstOrigin,
		Rotation:  config.Rotation,
		Downscale: config.Downscale,
		Imem:      config.Imem,
		Tag:       config.Tag,
	}
	return device.WriteRegisters(pass.Encode())
}

// SurfaceOf places the planes of img in device memory.
func SurfaceOf(img Image) (Surface, error) {
	layout, err := format.LayoutOf(img.Format, img.Width, img.Height)
	if err != nil {
		return Surface{}, err
	}
	class, err := format.ClassOf(img.Format)
	if err != nil {
		return Surface{}, err
	}
	surface := Surface{Format: img.Format, Width: img.Width, Height: img.Height}
	var planes int
	switch class.(type) {
	case format.Rgb:
		planes = 1
	case format.YuvSemiPlanar:
		planes = 2
	case format.YuvPlanar:
		planes = 3
	default:
		return Surface{}, fmt.Errorf("%w: %s", format.ErrUnsupportedFormat, img.Format)
	}
	for index := 0; index < planes; index++ {
		plane := layout.Planes[index]
		surface.Planes[index] = PlaneAddr{Addr: img.Addr + Addr(plane.Offset), Stride: plane.Stride}
	}
	return surface, nil
}
