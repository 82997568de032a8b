package gpu

import (
	"fmt"
	"image"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine"
)

// Software is a system-memory backend: frames are decoded to RGBA in
// system memory and copied into RGBA surfaces the host uploads itself.
type Software struct{}

// NewSoftware returns the software backend.
func NewSoftware() *Software { return &Software{} }

// Name implements Backend.
func (*Software) Name() string { return "software" }

// CreateDevice implements Backend.
func (*Software) CreateDevice() (Device, error) {
	return &softwareDevice{handle: newHandle()}, nil
}

type softwareDevice struct {
	handle uintptr
}

func (d *softwareDevice) ContextType() string { return "" }

func (d *softwareDevice) Handle() any { return d.handle }

func (d *softwareDevice) VideoChain() VideoChain {
	return VideoChain{
		Depayloader: "rtph264depay",
		Parser:      "h264parse",
		Decoder:     "avdec_h264",
		Converter:   "videoconvert",
		SinkCaps:    "video/x-raw,format=RGBA",
	}
}

func (d *softwareDevice) NewSurface(width, height int) (Surface, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("gpu: invalid surface size %dx%d", width, height)
	}
	return &SoftwareSurface{
		KeyedMutex: NewKeyedMutex(),
		handle:     newHandle(),
		img:        image.NewRGBA(image.Rect(0, 0, width, height)),
	}, nil
}

func (d *softwareDevice) NewConverter(format engine.VideoFormat) (Converter, error) {
	switch format.Format {
	case "RGBA", "RGBx", "BGRA", "BGRx":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format.Format)
	}
	if format.Width <= 0 || format.Height <= 0 {
		return nil, fmt.Errorf("gpu: invalid frame size %dx%d", format.Width, format.Height)
	}
	return &softwareConverter{format: format}, nil
}

func (d *softwareDevice) Close() error { return nil }

// SoftwareSurface is an RGBA image guarded by a KeyedMutex.
type SoftwareSurface struct {
	*KeyedMutex
	handle uintptr
	img    *image.RGBA
}

// AcquireForRead implements Surface.
func (s *SoftwareSurface) AcquireForRead() error { return s.Acquire(OwnerRender) }

// AcquireForWrite implements Surface.
func (s *SoftwareSurface) AcquireForWrite() error { return s.Acquire(OwnerConvert) }

// Handle implements Surface.
func (s *SoftwareSurface) Handle() uintptr { return s.handle }

// Size implements Surface.
func (s *SoftwareSurface) Size() (int, int) {
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

// Close implements Surface.
func (s *SoftwareSurface) Close() error {
	s.KeyedMutex.Close()
	return nil
}

// Image returns the backing image. Callers must hold the surface.
func (s *SoftwareSurface) Image() *image.RGBA { return s.img }

type softwareConverter struct {
	format engine.VideoFormat
}

func (c *softwareConverter) Format() engine.VideoFormat { return c.format }

func (c *softwareConverter) Close() error { return nil }

// Convert copies the frame into dst, scaling nearest-neighbour when sizes
// differ and swizzling BGR orders to RGBA.
func (c *softwareConverter) Convert(sample *engine.Sample, dst Surface) error {
	surf, ok := dst.(*SoftwareSurface)
	if !ok {
		return fmt.Errorf("gpu: software converter cannot write to %T", dst)
	}
	if sample == nil || len(sample.Data) == 0 {
		return fmt.Errorf("gpu: empty sample")
	}

	sw, sh := c.format.Width, c.format.Height
	if len(sample.Data) < sw*sh*4 {
		return fmt.Errorf("gpu: short frame: %d bytes for %dx%d", len(sample.Data), sw, sh)
	}

	if err := surf.AcquireForWrite(); err != nil {
		return err
	}
	defer surf.Release()

	bgr := c.format.Format == "BGRA" || c.format.Format == "BGRx"
	opaque := c.format.Format == "RGBx" || c.format.Format == "BGRx"

	dw, dh := surf.Size()
	pix := surf.img.Pix
	stride := surf.img.Stride
	src := sample.Data

	for y := 0; y < dh; y++ {
		sy := y * sh / dh
		row := pix[y*stride : y*stride+dw*4]
		for x := 0; x < dw; x++ {
			sx := x * sw / dw
			si := (sy*sw + sx) * 4
			di := x * 4
			if bgr {
				row[di], row[di+1], row[di+2] = src[si+2], src[si+1], src[si]
			} else {
				row[di], row[di+1], row[di+2] = src[si], src[si+1], src[si+2]
			}
			if opaque {
				row[di+3] = 0xff
			} else {
				row[di+3] = src[si+3]
			}
		}
	}
	return nil
}
