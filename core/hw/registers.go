package hw

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"

	"github.com/davidahmann/rotator/core/format"
	"github.com/sigurn/crc8"
)

// Register word indexes of a rotator register block.
const (
	RegControl = iota
	RegFormat
	RegSrcSize
	RegSrcRectOrigin
	RegSrcRectSize
	RegDstSize
	RegDstOrigin
	RegSrcPlane0
	RegSrcPlane1
	RegSrcPlane2
	RegSrcStride01
	RegSrcStride2
	RegDstPlane0
	RegDstPlane1
	RegDstPlane2
	RegDstStride01
	RegDstStride2
	RegTag

	RegisterCount
)

const (
	controlRotationMask  = 0x7
	controlDownscaleBits = 4
	controlDownscaleMask = 0x3 << controlDownscaleBits
	controlImem          = 1 << 8
)

var ErrRegisterCRC = errors.New("register block crc mismatch")

var registerCRC = crc8.MakeTable(crc8.CRC8)

// RegisterBlock is the full configuration of one hardware pass plus an
// integrity byte computed over the little-endian register words.
type RegisterBlock struct {
	Words [RegisterCount]uint32
	CRC   uint8
}

func (b *RegisterBlock) checksum() uint8 {
	raw := make([]byte, 4*RegisterCount)
	for index, word := range b.Words {
		binary.LittleEndian.PutUint32(raw[4*index:], word)
	}
	return crc8.Checksum(raw, registerCRC)
}

func (b *RegisterBlock) Seal() {
	b.CRC = b.checksum()
}

func (b *RegisterBlock) Verify() error {
	if got := b.checksum(); got != b.CRC {
		return fmt.Errorf("%w: have 0x%02x, computed 0x%02x", ErrRegisterCRC, b.CRC, got)
	}
	return nil
}

type PlaneAddr struct {
	Addr   Addr
	Stride int
}

// Surface is an image as the device sees it.
type Surface struct {
	Format format.Format
	Width  int
	Height int
	Planes [3]PlaneAddr
}

// Pass is one hardware pass: read SrcRect of Src, downscale, flip and rotate
// it, and write the result into Dst at DstOrigin.
type Pass struct {
	Src       Surface
	SrcRect   image.Rectangle
	Dst       Surface
	DstOrigin image.Point
	Rotation  format.Rotation
	Downscale int
	Imem      bool
	Tag       uint32
}

func pack16(hi int, lo int) uint32 {
	return uint32(hi&0xffff)<<16 | uint32(lo&0xffff)
}

func unpack16(word uint32) (int, int) {
	return int(word >> 16), int(word & 0xffff)
}

// Encode lays the pass out in register words and seals the block.
func (p Pass) Encode() RegisterBlock {
	var block RegisterBlock
	control := uint32(p.Rotation) & controlRotationMask
	control |= uint32(p.Downscale<<controlDownscaleBits) & controlDownscaleMask
	if p.Imem {
		control |= controlImem
	}
	block.Words[RegControl] = control
	block.Words[RegFormat] = uint32(p.Src.Format) | uint32(p.Dst.Format)<<8
	block.Words[RegSrcSize] = pack16(p.Src.Width, p.Src.Height)
	block.Words[RegSrcRectOrigin] = pack16(p.SrcRect.Min.X, p.SrcRect.Min.Y)
	block.Words[RegSrcRectSize] = pack16(p.SrcRect.Dx(), p.SrcRect.Dy())
	block.Words[RegDstSize] = pack16(p.Dst.Width, p.Dst.Height)
	block.Words[RegDstOrigin] = pack16(p.DstOrigin.X, p.DstOrigin.Y)
	for index := 0; index < 3; index++ {
		block.Words[RegSrcPlane0+index] = uint32(p.Src.Planes[index].Addr)
		block.Words[RegDstPlane0+index] = uint32(p.Dst.Planes[index].Addr)
	}
	block.Words[RegSrcStride01] = pack16(p.Src.Planes[0].Stride, p.Src.Planes[1].Stride)
	block.Words[RegSrcStride2] = uint32(p.Src.Planes[2].Stride)
	block.Words[RegDstStride01] = pack16(p.Dst.Planes[0].Stride, p.Dst.Planes[1].Stride)
	block.Words[RegDstStride2] = uint32(p.Dst.Planes[2].Stride)
	block.Words[RegTag] = p.Tag
	block.Seal()
	return block
}

// DecodePass is the inverse of Pass.Encode. It rejects blocks whose integrity
// byte does not match.
func DecodePass(block RegisterBlock) (Pass, error) {
	if err := block.Verify(); err != nil {
		return Pass{}, err
	}
	words := block.Words
	var pass Pass
	pass.Rotation = format.Rotation(words[RegControl] & controlRotationMask)
	pass.Downscale = int(words[RegControl]&controlDownscaleMask) >> controlDownscaleBits
	pass.Imem = words[RegControl]&controlImem != 0
	pass.Src.Format = format.Format(words[RegFormat] & 0xff)
	pass.Dst.Format = format.Format(words[RegFormat] >> 8 & 0xff)
	pass.Src.Width, pass.Src.Height = unpack16(words[RegSrcSize])
	x, y := unpack16(words[RegSrcRectOrigin])
	w, h := unpack16(words[RegSrcRectSize])
	pass.SrcRect = image.Rect(x, y, x+w, y+h)
	pass.Dst.Width, pass.Dst.Height = unpack16(words[RegDstSize])
	pass.DstOrigin.X, pass.DstOrigin.Y = unpack16(words[RegDstOrigin])
	for index := 0; index < 3; index++ {
		pass.Src.Planes[index].Addr = Addr(words[RegSrcPlane0+index])
		pass.Dst.Planes[index].Addr = Addr(words[RegDstPlane0+index])
	}
	pass.Src.Planes[0].Stride, pass.Src.Planes[1].Stride = unpack16(words[RegSrcStride01])
	pass.Src.Planes[2].Stride = int(words[RegSrcStride2])
	pass.Dst.Planes[0].Stride, pass.Dst.Planes[1].Stride = unpack16(words[RegDstStride01])
	pass.Dst.Planes[2].Stride = int(words[RegDstStride2])
	pass.Tag = words[RegTag]
	return pass, nil
}
