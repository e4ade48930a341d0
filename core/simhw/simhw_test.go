package simhw

import (
	"errors"
	"image"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/davidahmann/rotator/core/format"
	"github.com/davidahmann/rotator/core/hw"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type rig struct {
	memory *Memory
	device *Device
}

func newRig(t *testing.T) rig {
	t.Helper()
	memory := NewMemory()
	device := NewDevice(memory, DeviceOptions{Revision: 2, Logger: quietLogger()})
	device.SetClock(hw.DomainCore, true)
	device.SetClock(hw.DomainImem, true)
	return rig{memory: memory, device: device}
}

// image allocates and pins a buffer holding a whole image and returns its
// handle, bytes and device address.
func (r rig) image(t *testing.T, f format.Format, width int, height int) (hw.MemoryHandle, []byte, hw.Addr) {
	t.Helper()
	layout, err := format.LayoutOf(f, width, height)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	handle, err := r.memory.Alloc(layout.Size, false)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	mapping, err := r.memory.Resolve(handle, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	data, err := r.memory.Bytes(handle)
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	return handle, data, mapping.Addr
}

func (r rig) run(t *testing.T, config hw.PassConfig) hw.Status {
	t.Helper()
	if err := (hw.RegisterProgrammer{}).Program(r.device, config); err != nil {
		t.Fatalf("program: %v", err)
	}
	if err := r.device.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-r.device.Completion():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	return r.device.Status()
}

func rgbPixel(x, y int) [2]byte {
	b := byte(y*16 + x)
	return [2]byte{b, ^b}
}

func TestRgbTransforms(t *testing.T) {
	const w, h = 3, 2
	tests := []struct {
		name     string
		rotation format.Rotation
		at       func(x, y int) (int, int)
	}{
		{"none", 0, func(x, y int) (int, int) { return x, y }},
		{"flip_lr", format.FlipLR, func(x, y int) (int, int) { return w - 1 - x, y }},
		{"flip_ud", format.FlipUD, func(x, y int) (int, int) { return x, h - 1 - y }},
		{"rot90", format.Rot90, func(x, y int) (int, int) { return y, h - 1 - x }},
		{"rot90_flip_lr", format.Rot90 | format.FlipLR, func(x, y int) (int, int) { return w - 1 - y, h - 1 - x }},
		{"rot270", format.Rot90 | format.FlipLR | format.FlipUD, func(x, y int) (int, int) { return w - 1 - y, x }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := newRig(t)
			_, src, srcAddr := r.image(t, format.RGB565, w, h)
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					pixel := rgbPixel(x, y)
					copy(src[(y*w+x)*2:], pixel[:])
				}
			}
			dw, dh := w, h
			if test.rotation&format.Rot90 != 0 {
				dw, dh = h, w
			}
			_, dst, dstAddr := r.image(t, format.RGB565, dw, dh)
			status := r.run(t, hw.PassConfig{
				Src:      hw.Image{Format: format.RGB565, Width: w, Height: h, Addr: srcAddr},
				SrcRect:  image.Rect(0, 0, w, h),
				Dst:      hw.Image{Format: format.RGB565, Width: dw, Height: dh, Addr: dstAddr},
				Rotation: test.rotation,
			})
			if status != hw.StatusDone {
				t.Fatalf("unexpected status %s", status)
			}
			for y := 0; y < dh; y++ {
				for x := 0; x < dw; x++ {
					sx, sy := test.at(x, y)
					want := rgbPixel(sx, sy)
					got := [2]byte{dst[(y*dw+x)*2], dst[(y*dw+x)*2+1]}
					if got != want {
						t.Fatalf("dst(%d,%d): expected src(%d,%d)=%v, got %v", x, y, sx, sy, want, got)
					}
				}
			}
		})
	}
}

func TestDownscaleSamplesPixelCentres(t *testing.T) {
	r := newRig(t)
	_, src, srcAddr := r.image(t, format.RGB565, 4, 4)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			pixel := rgbPixel(x, y)
			copy(src[(y*4+x)*2:], pixel[:])
		}
	}
	_, dst, dstAddr := r.image(t, format.RGB565, 4, 4)
	status := r.run(t, hw.PassConfig{
		Src:       hw.Image{Format: format.RGB565, Width: 4, Height: 4, Addr: srcAddr},
		SrcRect:   image.Rect(0, 0, 4, 4),
		Dst:       hw.Image{Format: format.RGB565, Width: 4, Height: 4, Addr: dstAddr},
		DstOrigin: image.Pt(2, 2),
		Rotation:  format.Rot90,
		Downscale: 1,
	})
	if status != hw.StatusDone {
		t.Fatalf("unexpected status %s", status)
	}
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			// scaled(x, y) = src(2x+1, 2y+1), then rotated into the lower right quadrant.
			want := rgbPixel(2*y+1, 2*(1-x)+1)
			offset := ((y+2)*4 + x + 2) * 2
			got := [2]byte{dst[offset], dst[offset+1]}
			if got != want {
				t.Fatalf("dst(%d,%d): expected %v, got %v", x+2, y+2, want, got)
			}
		}
	}
	for offset := 0; offset < 2*4*2; offset++ {
		if dst[offset] != 0 {
			t.Fatalf("pass wrote outside its destination rectangle at byte %d", offset)
		}
	}
}

func TestNV12RotateMovesChromaPairs(t *testing.T) {
	r := newRig(t)
	_, src, srcAddr := r.image(t, format.YCbCrH2V2, 4, 2)
	for i := 0; i < 8; i++ {
		src[i] = byte(i + 1)
	}
	src[8], src[9], src[10], src[11] = 100, 200, 101, 201
	_, dst, dstAddr := r.image(t, format.YCbCrH2V2, 2, 4)
	status := r.run(t, hw.PassConfig{
		Src:      hw.Image{Format: format.YCbCrH2V2, Width: 4, Height: 2, Addr: srcAddr},
		SrcRect:  image.Rect(0, 0, 4, 2),
		Dst:      hw.Image{Format: format.YCbCrH2V2, Width: 2, Height: 4, Addr: dstAddr},
		Rotation: format.Rot90,
	})
	if status != hw.StatusDone {
		t.Fatalf("unexpected status %s", status)
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 2; x++ {
			want := src[(1-x)*4+y]
			if got := dst[y*2+x]; got != want {
				t.Fatalf("luma dst(%d,%d): expected %d, got %d", x, y, want, got)
			}
		}
	}
	chroma := dst[8:12]
	if chroma[0] != 100 || chroma[1] != 200 || chroma[2] != 101 || chroma[3] != 201 {
		t.Fatalf("unexpected chroma %v", chroma)
	}
}

func TestYV12ScalePassWritesNV21(t *testing.T) {
	r := newRig(t)
	_, src, srcAddr := r.image(t, format.YV12, 4, 4)
	for i := 0; i < 16; i++ {
		src[i] = byte(i)
	}
	for i := 0; i < 4; i++ {
		src[16+i] = byte(50 + i) // Cr
		src[20+i] = byte(80 + i) // Cb
	}
	_, dst, dstAddr := r.image(t, format.YCrCbH2V2, 2, 2)
	status := r.run(t, hw.PassConfig{
		Src:       hw.Image{Format: format.YV12, Width: 4, Height: 4, Addr: srcAddr},
		SrcRect:   image.Rect(0, 0, 4, 4),
		Dst:       hw.Image{Format: format.YCrCbH2V2, Width: 2, Height: 2, Addr: dstAddr},
		Downscale: 1,
	})
	if status != hw.StatusDone {
		t.Fatalf("unexpected status %s", status)
	}
	wantLuma := []byte{5, 7, 13, 15}
	for i, want := range wantLuma {
		if dst[i] != want {
			t.Fatalf("luma %d: expected %d, got %d", i, want, dst[i])
		}
	}
	if dst[4] != 53 || dst[5] != 83 {
		t.Fatalf("expected cr/cb 53/83, got %d/%d", dst[4], dst[5])
	}
}

func TestInjectedBusErrorSkipsMemory(t *testing.T) {
	r := newRig(t)
	_, _, srcAddr := r.image(t, format.RGB565, 2, 2)
	_, dst, dstAddr := r.image(t, format.RGB565, 2, 2)
	dst[0] = 0xee
	r.device.InjectBusErrors(1)
	config := hw.PassConfig{
		Src:     hw.Image{Format: format.RGB565, Width: 2, Height: 2, Addr: srcAddr},
		SrcRect: image.Rect(0, 0, 2, 2),
		Dst:     hw.Image{Format: format.RGB565, Width: 2, Height: 2, Addr: dstAddr},
	}
	status := r.run(t, config)
	if !status.BusError() || status&hw.StatusBusErrorWrite == 0 {
		t.Fatalf("expected write bus error, got %s", status)
	}
	if dst[0] != 0xee {
		t.Fatal("faulted pass must not write memory")
	}
	r.device.SoftReset()
	if status := r.run(t, config); status != hw.StatusDone {
		t.Fatalf("expected clean pass after reset, got %s", status)
	}
	if stats := r.device.Stats(); stats.SoftResets != 1 || stats.Completed != 2 {
		t.Fatalf("unexpected stats %#v", stats)
	}
}

func TestCorruptRegisterBlockReportsReadBusError(t *testing.T) {
	r := newRig(t)
	block := hw.Pass{Src: hw.Surface{Format: format.RGB565, Width: 2, Height: 2}, Tag: 7}.Encode()
	block.Words[hw.RegSrcSize]++
	if err := r.device.WriteRegisters(block); err != nil {
		t.Fatalf("write registers: %v", err)
	}
	if err := r.device.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-r.device.Completion()
	if status := r.device.Status(); status&hw.StatusBusErrorRead == 0 {
		t.Fatalf("expected read bus error, got %s", status)
	}
}

func TestUnmappedAddressReportsBusError(t *testing.T) {
	r := newRig(t)
	_, _, srcAddr := r.image(t, format.RGB565, 2, 2)
	status := r.run(t, hw.PassConfig{
		Src:     hw.Image{Format: format.RGB565, Width: 2, Height: 2, Addr: srcAddr},
		SrcRect: image.Rect(0, 0, 2, 2),
		Dst:     hw.Image{Format: format.RGB565, Width: 2, Height: 2, Addr: 0x7fff0000},
	})
	if status&hw.StatusBusErrorRead == 0 {
		t.Fatalf("expected bus error for unmapped destination, got %s", status)
	}
}

func TestGatedRegisterAccessIsCounted(t *testing.T) {
	memory := NewMemory()
	device := NewDevice(memory, DeviceOptions{Logger: quietLogger()})
	_ = device.Status()
	device.SoftReset()
	if got := device.Stats().GatedAccesses; got != 2 {
		t.Fatalf("expected two gated accesses, got %d", got)
	}
	device.SetClock(hw.DomainCore, true)
	_ = device.Status()
	if got := device.Stats().GatedAccesses; got != 2 {
		t.Fatalf("expected no new gated access, got %d", got)
	}
}

func TestStallHoldsCompletion(t *testing.T) {
	r := newRig(t)
	_, _, srcAddr := r.image(t, format.RGB565, 2, 2)
	_, _, dstAddr := r.image(t, format.RGB565, 2, 2)
	r.device.Stall()
	err := (hw.RegisterProgrammer{}).Program(r.device, hw.PassConfig{
		Src:     hw.Image{Format: format.RGB565, Width: 2, Height: 2, Addr: srcAddr},
		SrcRect: image.Rect(0, 0, 2, 2),
		Dst:     hw.Image{Format: format.RGB565, Width: 2, Height: 2, Addr: dstAddr},
	})
	if err != nil {
		t.Fatalf("program: %v", err)
	}
	if err := r.device.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.device.Start(); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("expected busy device, got %v", err)
	}
	select {
	case <-r.device.Completion():
		t.Fatal("stalled pass must not complete")
	case <-time.After(20 * time.Millisecond):
	}
	r.device.Unstall()
	select {
	case <-r.device.Completion():
	case <-time.After(2 * time.Second):
		t.Fatal("expected completion after unstall")
	}
	r.device.Wait()
}

func TestMemoryPinsOutliveFree(t *testing.T) {
	memory := NewMemory()
	handle, err := memory.AllocScratch(64, true)
	if err != nil {
		t.Fatalf("alloc scratch: %v", err)
	}
	if _, err := memory.Resolve(handle, true); err != nil {
		t.Fatalf("resolve secure: %v", err)
	}
	plain, err := memory.Alloc(64, false)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if _, err := memory.Resolve(plain, true); !errors.Is(err, ErrSecureMismatch) {
		t.Fatalf("expected secure mismatch, got %v", err)
	}
	mapping, err := memory.Resolve(handle, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if memory.ScratchBuffers() != 1 {
		t.Fatalf("expected one scratch buffer, got %d", memory.ScratchBuffers())
	}
	if err := memory.FreeScratch(handle); err != nil {
		t.Fatalf("free scratch: %v", err)
	}
	if memory.ScratchBuffers() != 0 {
		t.Fatalf("expected no scratch buffers, got %d", memory.ScratchBuffers())
	}
	if _, err := memory.Resolve(handle, false); !errors.Is(err, hw.ErrUnknownHandle) {
		t.Fatalf("expected freed handle to be unknown, got %v", err)
	}
	if _, err := memory.slice(mapping.Addr, 64); err != nil {
		t.Fatalf("pinned memory must stay addressable: %v", err)
	}
	if memory.Pinned() != 2 {
		t.Fatalf("expected two pins, got %d", memory.Pinned())
	}
	if err := memory.Release(mapping.Token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := memory.Release(mapping.Token); err == nil {
		t.Fatal("expected double release to fail")
	}
	if err := memory.FreeScratch(handle); !errors.Is(err, hw.ErrUnknownHandle) {
		t.Fatalf("expected double free to fail, got %v", err)
	}
}
