package format

import (
	"fmt"
	"image"
	"strings"
)

// Rotation is a set of transform flags. Flips are applied in source space
// before the 90 degree clockwise rotation.
type Rotation uint8

const (
	Rot90 Rotation = 1 << iota
	FlipLR
	FlipUD

	RotationMask = Rot90 | FlipLR | FlipUD
)

const MaxDownscale = 3

// MaxImageDimension is the widest edge the register block can describe: a
// row at four bytes per pixel still fits the 16-bit stride field.
const MaxImageDimension = 0xffff / 4

func (r Rotation) String() string {
	if r == 0 {
		return "none"
	}
	parts := make([]string, 0, 3)
	if r&FlipLR != 0 {
		parts = append(parts, "flip_lr")
	}
	if r&FlipUD != 0 {
		parts = append(parts, "flip_ud")
	}
	if r&Rot90 != 0 {
		parts = append(parts, "rot90")
	}
	if r&^RotationMask != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint8(r&^RotationMask)))
	}
	return strings.Join(parts, "|")
}

// RotationOf converts a clockwise angle plus optional flips into flags.
func RotationOf(degrees int, flipLR bool, flipUD bool) (Rotation, error) {
	var rotation Rotation
	if flipLR {
		rotation |= FlipLR
	}
	if flipUD {
		rotation |= FlipUD
	}
	switch degrees {
	case 0:
	case 90:
		rotation |= Rot90
	case 180:
		rotation ^= FlipLR | FlipUD
	case 270:
		rotation ^= FlipLR | FlipUD
		rotation |= Rot90
	default:
		return 0, fmt.Errorf("%w: rotation %d is not a multiple of 90 in [0, 270]", ErrInvalidGeometry, degrees)
	}
	return rotation, nil
}

type Geometry struct {
	SrcWidth  int
	SrcHeight int
	SrcFormat Format
	// SrcRect selects the processed region; the zero rectangle means the
	// whole source image.
	SrcRect image.Rectangle
	// DstWidth and DstHeight size the destination image; zero derives them
	// from the destination rectangle and offset.
	DstWidth  int
	DstHeight int
	DstX      int
	DstY      int
	Rotation  Rotation
	Downscale int
}

type Limits struct {
	MaxDimension int
	Revision     int
}

type Derived struct {
	SrcClass  Class
	SrcRect   image.Rectangle
	DstFormat Format
	DstClass  Class
	DstWidth  int
	DstHeight int
	DstRect   image.Rectangle
	// Scaled is the post-downscale, pre-rotation size of the source rectangle.
	Scaled image.Point
	// IntermediateFormat is the format of the scratch image between the two
	// passes of a two-pass job.
	IntermediateFormat Format
	FastPath           bool
	TwoPass            bool
}

func invalidGeometry(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidGeometry, fmt.Sprintf(format, args...))
}

// Evaluate validates a session geometry against the hardware limits and
// derives destination geometry and the fast/two-pass capability flags.
func Evaluate(g Geometry, limits Limits) (Derived, error) {
	srcClass, err := ClassOf(g.SrcFormat)
	if err != nil {
		return Derived{}, err
	}
	if g.Rotation&^RotationMask != 0 {
		return Derived{}, invalidGeometry("rotation flags %s out of range", g.Rotation)
	}
	maxDimension := min(limits.MaxDimension, MaxImageDimension)
	if g.SrcWidth <= 0 || g.SrcHeight <= 0 || g.SrcWidth > maxDimension || g.SrcHeight > maxDimension {
		return Derived{}, invalidGeometry("source %dx%d outside 1..%d", g.SrcWidth, g.SrcHeight, maxDimension)
	}
	if g.Downscale < 0 || g.Downscale > MaxDownscale {
		return Derived{}, invalidGeometry("downscale ratio %d outside 0..%d", g.Downscale, MaxDownscale)
	}
	if g.Downscale > 0 && limits.Revision < 2 {
		return Derived{}, invalidGeometry("downscale requires hardware revision 2, have %d", limits.Revision)
	}

	bounds := image.Rect(0, 0, g.SrcWidth, g.SrcHeight)
	rect := g.SrcRect
	if rect.Empty() {
		rect = bounds
	}
	if !rect.In(bounds) {
		return Derived{}, invalidGeometry("source rectangle %v outside image %v", rect, bounds)
	}
	if semi, ok := srcClass.(YuvSemiPlanar); ok && semi.Tiled {
		if g.SrcWidth%64 != 0 || g.SrcHeight%32 != 0 {
			return Derived{}, invalidGeometry("tiled source %dx%d is not 64x32 aligned", g.SrcWidth, g.SrcHeight)
		}
	}

	fx, fy := ChromaFactors(srcClass)
	if rect.Min.X%fx != 0 || rect.Min.Y%fy != 0 {
		return Derived{}, invalidGeometry("source offset %v not aligned to chroma subsampling", rect.Min)
	}
	alignX, alignY := fx<<g.Downscale, fy<<g.Downscale
	if rect.Dx()%alignX != 0 || rect.Dy()%alignY != 0 {
		return Derived{}, invalidGeometry("source rectangle %dx%d not a multiple of %dx%d", rect.Dx(), rect.Dy(), alignX, alignY)
	}
	scaled := image.Pt(rect.Dx()>>g.Downscale, rect.Dy()>>g.Downscale)

	dstFormat, err := DeriveDstFormat(g.SrcFormat, g.Rotation)
	if err != nil {
		return Derived{}, err
	}
	dstClass, err := ClassOf(dstFormat)
	if err != nil {
		return Derived{}, err
	}
	size := scaled
	if g.Rotation&Rot90 != 0 {
		size = image.Pt(scaled.Y, scaled.X)
	}
	if g.DstX < 0 || g.DstY < 0 || g.DstX > maxDimension || g.DstY > maxDimension {
		return Derived{}, invalidGeometry("destination offset (%d,%d) outside 0..%d", g.DstX, g.DstY, maxDimension)
	}
	dstRect := image.Rectangle{Min: image.Pt(g.DstX, g.DstY), Max: image.Pt(g.DstX+size.X, g.DstY+size.Y)}
	dstWidth, dstHeight := g.DstWidth, g.DstHeight
	if dstWidth == 0 {
		dstWidth = dstRect.Max.X
	}
	if dstHeight == 0 {
		dstHeight = dstRect.Max.Y
	}
	if dstWidth > maxDimension || dstHeight > maxDimension || dstWidth < 0 || dstHeight < 0 {
		return Derived{}, invalidGeometry("destination %dx%d outside 1..%d", dstWidth, dstHeight, maxDimension)
	}
	if dstRect.Empty() || dstRect.Max.X > dstWidth || dstRect.Max.Y > dstHeight {
		return Derived{}, invalidGeometry("destination rectangle %v outside image %dx%d", dstRect, dstWidth, dstHeight)
	}
	dfx, dfy := ChromaFactors(dstClass)
	if dstRect.Min.X%dfx != 0 || dstRect.Min.Y%dfy != 0 || dstRect.Dx()%dfx != 0 || dstRect.Dy()%dfy != 0 {
		return Derived{}, invalidGeometry("destination rectangle %v not aligned to chroma subsampling", dstRect)
	}

	intermediate, err := DeriveDstFormat(g.SrcFormat, 0)
	if err != nil {
		return Derived{}, err
	}
	derived := Derived{
		SrcClass:           srcClass,
		SrcRect:            rect,
		DstFormat:          dstFormat,
		DstClass:           dstClass,
		DstWidth:           dstWidth,
		DstHeight:          dstHeight,
		DstRect:            dstRect,
		Scaled:             scaled,
		IntermediateFormat: intermediate,
	}
	derived.FastPath = fastPathApplies(srcClass, rect, g.Downscale, limits.Revision)
	derived.TwoPass = derived.FastPath && g.Rotation&Rot90 != 0 && g.Downscale > 0
	return derived, nil
}

func fastPathApplies(class Class, rect image.Rectangle, downscale int, revision int) bool {
	if revision < 2 {
		return false
	}
	var ratio image.YCbCrSubsampleRatio
	switch c := class.(type) {
	case YuvSemiPlanar:
		if c.Tiled {
			return false
		}
		ratio = c.Subsample
	case YuvPlanar:
		ratio = c.Subsample
	default:
		return false
	}
	if ratio != image.YCbCrSubsampleRatio420 {
		return false
	}
	align := 2
	if downscale > 0 {
		align = 4
	}
	return rect.Dx()%align == 0 && rect.Dy()%align == 0
}
