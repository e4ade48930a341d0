package format

import (
	"errors"
	"fmt"
	"image"
	"strings"
)

type Format uint8

const (
	FormatUnknown Format = iota
	RGB565
	RGB888
	ARGB8888
	RGBA8888
	XRGB8888
	BGRA8888
	RGBX8888
	YCbCrH2V2 // NV12
	YCrCbH2V2 // NV21
	YCbCrH2V1 // NV16
	YCrCbH2V1 // NV61
	YCbCrH1V2
	YCrCbH1V2
	YV12
	YCbCrH2V2Tile
	formatCount
)

var formatNames = [formatCount]string{
	FormatUnknown: "unknown",
	RGB565:        "rgb565",
	RGB888:        "rgb888",
	ARGB8888:      "argb8888",
	RGBA8888:      "rgba8888",
	XRGB8888:      "xrgb8888",
	BGRA8888:      "bgra8888",
	RGBX8888:      "rgbx8888",
	YCbCrH2V2:     "nv12",
	YCrCbH2V2:     "nv21",
	YCbCrH2V1:     "nv16",
	YCrCbH2V1:     "nv61",
	YCbCrH1V2:     "ycbcr_h1v2",
	YCrCbH1V2:     "ycrcb_h1v2",
	YV12:          "yv12",
	YCbCrH2V2Tile: "nv12_tile",
}

var (
	ErrUnsupportedFormat = errors.New("unsupported pixel format")
	ErrInvalidGeometry   = errors.New("invalid geometry")
)

func (f Format) String() string {
	if f >= formatCount {
		return fmt.Sprintf("format(%d)", uint8(f))
	}
	return formatNames[f]
}

func (f Format) Valid() bool {
	return f > FormatUnknown && f < formatCount
}

func ParseFormat(name string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for index, candidate := range formatNames {
		if index == int(FormatUnknown) {
			continue
		}
		if candidate == normalized {
			return Format(index), nil
		}
	}
	return FormatUnknown, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// Class is the hardware-relevant shape of a pixel format. The concrete types
// are Rgb, YuvSemiPlanar and YuvPlanar.
type Class interface {
	Planes() int
	isClass()
}

type Rgb struct {
	BytesPerPixel int
}

// YuvSemiPlanar is a luma plane followed by one interleaved chroma plane.
type YuvSemiPlanar struct {
	Subsample image.YCbCrSubsampleRatio
	CrCb      bool
	Tiled     bool
}

// YuvPlanar is a luma plane followed by two separate chroma planes. With CrCb
// set the Cr plane comes first, as in YV12.
type YuvPlanar struct {
	Subsample image.YCbCrSubsampleRatio
	CrCb      bool
}

func (Rgb) Planes() int           { return 1 }
func (YuvSemiPlanar) Planes() int { return 2 }
func (YuvPlanar) Planes() int     { return 3 }

func (Rgb) isClass()           {}
func (YuvSemiPlanar) isClass() {}
func (YuvPlanar) isClass()     {}

func ClassOf(f Format) (Class, error) {
	switch f {
	case RGB565:
		return Rgb{BytesPerPixel: 2}, nil
	case RGB888:
		return Rgb{BytesPerPixel: 3}, nil
	case ARGB8888, RGBA8888, XRGB8888, BGRA8888, RGBX8888:
		return Rgb{BytesPerPixel: 4}, nil
	case YCbCrH2V2:
		return YuvSemiPlanar{Subsample: image.YCbCrSubsampleRatio420}, nil
	case YCrCbH2V2:
		return YuvSemiPlanar{Subsample: image.YCbCrSubsampleRatio420, CrCb: true}, nil
	case YCbCrH2V1:
		return YuvSemiPlanar{Subsample: image.YCbCrSubsampleRatio422}, nil
	case YCrCbH2V1:
		return YuvSemiPlanar{Subsample: image.YCbCrSubsampleRatio422, CrCb: true}, nil
	case YCbCrH1V2:
		return YuvSemiPlanar{Subsample: image.YCbCrSubsampleRatio440}, nil
	case YCrCbH1V2:
		return YuvSemiPlanar{Subsample: image.YCbCrSubsampleRatio440, CrCb: true}, nil
	case YV12:
		return YuvPlanar{Subsample: image.YCbCrSubsampleRatio420, CrCb: true}, nil
	case YCbCrH2V2Tile:
		return YuvSemiPlanar{Subsample: image.YCbCrSubsampleRatio420, Tiled: true}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
}

// ChromaFactors returns the horizontal and vertical chroma subsampling
// divisors of a class; RGB classes report 1, 1.
func ChromaFactors(class Class) (int, int) {
	var ratio image.YCbCrSubsampleRatio
	switch c := class.(type) {
	case YuvSemiPlanar:
		ratio = c.Subsample
	case YuvPlanar:
		ratio = c.Subsample
	default:
		return 1, 1
	}
	switch ratio {
	case image.YCbCrSubsampleRatio420:
		return 2, 2
	case image.YCbCrSubsampleRatio422:
		return 2, 1
	case image.YCbCrSubsampleRatio440:
		return 1, 2
	}
	return 1, 1
}

// DeriveDstFormat returns the format the hardware writes for a source format
// under the given rotation. Rotating by 90 degrees swaps the chroma
// subsampling axes; planar and tiled inputs are written pseudo-planar.
func DeriveDstFormat(src Format, rotation Rotation) (Format, error) {
	if _, err := ClassOf(src); err != nil {
		return FormatUnknown, err
	}
	rot90 := rotation&Rot90 != 0
	switch src {
	case YCbCrH2V1:
		if rot90 {
			return YCbCrH1V2, nil
		}
	case YCrCbH2V1:
		if rot90 {
			return YCrCbH1V2, nil
		}
	case YCbCrH1V2:
		if rot90 {
			return YCbCrH2V1, nil
		}
	case YCrCbH1V2:
		if rot90 {
			return YCrCbH2V1, nil
		}
	case YV12:
		return YCrCbH2V2, nil
	case YCbCrH2V2Tile:
		return YCbCrH2V2, nil
	}
	return src, nil
}
