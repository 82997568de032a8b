// Package gpu abstracts the graphics backend the AV pipeline decodes into.
//
// The orchestration in avpipeline is written once against Backend; a
// backend supplies the device shared with the host renderer, the element
// names of the decode chain, shared surfaces and frame converters.
//
// Surfaces follow keyed-mutex semantics: exactly one side (render or
// convert) owns a surface at a time. The render side owns it by default;
// the convert side takes it only for the duration of a blit.
package gpu

import (
	"errors"
	"fmt"
	"strings"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine"
)

var (
	// ErrSurfaceClosed is returned when acquiring a released surface.
	ErrSurfaceClosed = errors.New("gpu: surface closed")
	// ErrNotOwned is returned by Release on a surface nobody holds.
	ErrNotOwned = errors.New("gpu: surface not owned")
	// ErrUnsupportedFormat is returned by converters for formats they cannot read.
	ErrUnsupportedFormat = errors.New("gpu: unsupported format")
	// ErrUnknownBackend is returned by Lookup.
	ErrUnknownBackend = errors.New("gpu: unknown backend")
)

// VideoChain names the elements of the decode chain for a backend and the
// caps its frame sink accepts.
type VideoChain struct {
	Depayloader string
	Parser      string
	Decoder     string
	Converter   string
	SinkCaps    string
}

// Backend creates devices.
type Backend interface {
	Name() string
	CreateDevice() (Device, error)
}

// Device is the GPU device shared by the host renderer and the decoder.
type Device interface {
	// ContextType is the need-context type the device answers ("" if the
	// pipeline never asks for one).
	ContextType() string
	// Handle is the native device handle given to the pipeline.
	Handle() any

	VideoChain() VideoChain

	// NewSurface allocates a texture shareable between both sides.
	NewSurface(width, height int) (Surface, error)

	// NewConverter creates a conversion context for frames of the given format.
	NewConverter(format engine.VideoFormat) (Converter, error)

	Close() error
}

// Surface is a texture shared between the render and convert sides.
type Surface interface {
	// AcquireForRead takes the surface for the render side. Blocks until free.
	AcquireForRead() error
	// AcquireForWrite takes the surface for the convert side. Blocks until free.
	AcquireForWrite() error
	// Release gives up whichever ownership is held.
	Release() error

	Handle() uintptr
	Size() (width, height int)

	// Close frees the surface and wakes any waiter with ErrSurfaceClosed.
	Close() error
}

// Converter copies a frame into a surface.
type Converter interface {
	Format() engine.VideoFormat
	// Convert writes the sample into dst. It acquires dst for write and
	// releases it before returning.
	Convert(sample *engine.Sample, dst Surface) error
	Close() error
}

// Lookup returns the backend registered under name.
func Lookup(name string) (Backend, error) {
	switch strings.ToLower(name) {
	case "", "software", "cpu":
		return NewSoftware(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
}
