// Package framebridge hands decoded frames from engine streaming threads to
// the render thread.
//
// One Slot exists per render target. The producer (frame sink callback)
// publishes, replacing and releasing any frame the render thread has not
// taken yet. The render thread takes the pending frame (leaving the slot
// empty) and converts it outside the lock, so a slow render never blocks
// frame arrival. Frames may be dropped; the producer is never blocked.
package framebridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/gpu"
)

// ErrSlotClosed is returned by Publish after Close.
var ErrSlotClosed = errors.New("framebridge: slot closed")

// cadenceWindow is how many consumed-frame timestamps a slot keeps.
const cadenceWindow = 120

// Target identifies a render target.
type Target int

const (
	TargetLeft Target = iota
	TargetRight
)

// String returns a human-readable target name
func (t Target) String() string {
	if t == TargetLeft {
		return "left"
	}
	return "right"
}

// ConverterFactory creates a conversion context for a frame format.
type ConverterFactory func(format engine.VideoFormat) (gpu.Converter, error)

// Frame is a frame taken from a slot. The taker must call Slot.Done.
type Frame struct {
	Sample    *engine.Sample
	Format    engine.VideoFormat
	Converter gpu.Converter
	Seq       uint64
	TraceID   string
	Published time.Time
}

// Stats is a snapshot of slot activity.
type Stats struct {
	Target               string
	Published            uint64
	Consumed             uint64
	Dropped              uint64 // replaced before being taken
	ConsecutiveDrops     uint64
	ConverterRecreations uint64
	Format               string
	Pending              bool
	LastPublishedAt      time.Time
	LastConsumedAt       time.Time
	Cadence              CadenceStats
}

// Slot is the per-target frame handoff.
type Slot struct {
	target     Target
	newConvert ConverterFactory

	mu        sync.Mutex // guards everything below
	pending   *Frame
	format    engine.VideoFormat
	converter gpu.Converter
	inFlight  int             // frames taken and not Done yet
	retired   []gpu.Converter // converters replaced while in flight
	closed    bool

	seq                  uint64
	published            uint64
	consumed             uint64
	dropped              uint64
	consecutiveDrops     uint64
	converterRecreations uint64
	lastPublishedAt      time.Time
	lastConsumedAt       time.Time
	consumedTimes        []time.Time
}

// NewSlot creates an empty slot. newConvert is called under the slot lock
// whenever the frame format changes.
func NewSlot(target Target, newConvert ConverterFactory) *Slot {
	return &Slot{
		target:        target,
		newConvert:    newConvert,
		consumedTimes: make([]time.Time, 0, cadenceWindow),
	}
}

// Target returns the slot's render target.
func (s *Slot) Target() Target { return s.target }

// Publish stores sample as the pending frame (latest wins). The previous
// pending frame, if any, is released unobserved. The converter is
// (re)created first when the format differs from the last one.
//
// On error the sample is released.
func (s *Slot) Publish(sample *engine.Sample, format engine.VideoFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		sample.Release()
		return ErrSlotClosed
	}

	if s.converter == nil || s.format != format {
		if err := s.replaceConverterLocked(format); err != nil {
			sample.Release()
			return err
		}
	}

	if s.pending != nil {
		s.pending.Sample.Release()
		s.dropped++
		s.consecutiveDrops++
	}

	s.seq++
	now := time.Now()
	s.pending = &Frame{
		Sample:    sample,
		Format:    format,
		Converter: s.converter,
		Seq:       s.seq,
		TraceID:   uuid.New().String(),
		Published: now,
	}
	s.published++
	s.lastPublishedAt = now
	return nil
}

// replaceConverterLocked swaps in a converter for format. A converter that
// a taken frame may still be using is closed on Done instead of here.
func (s *Slot) replaceConverterLocked(format engine.VideoFormat) error {
	if s.newConvert == nil {
		return fmt.Errorf("framebridge: no converter factory")
	}
	conv, err := s.newConvert(format)
	if err != nil {
		return fmt.Errorf("framebridge: failed to create converter for %s: %w", format, err)
	}
	s.retireLocked(s.converter)
	if !s.format.IsZero() {
		s.converterRecreations++
	}
	s.converter = conv
	s.format = format
	return nil
}

func (s *Slot) retireLocked(c gpu.Converter) {
	if c == nil {
		return
	}
	if s.inFlight > 0 {
		s.retired = append(s.retired, c)
		return
	}
	c.Close()
}

// Take steals the pending frame. ok is false when nothing new arrived since
// the last Take; that is the expected case when rendering outpaces decoding.
func (s *Slot) Take() (frame *Frame, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return nil, false
	}
	frame = s.pending
	s.pending = nil
	s.inFlight++

	now := time.Now()
	s.consumed++
	s.consecutiveDrops = 0
	s.lastConsumedAt = now
	if len(s.consumedTimes) == cadenceWindow {
		copy(s.consumedTimes, s.consumedTimes[1:])
		s.consumedTimes = s.consumedTimes[:cadenceWindow-1]
	}
	s.consumedTimes = append(s.consumedTimes, now)
	return frame, true
}

// Done releases a taken frame's sample and closes converters retired while
// it was in flight.
func (s *Slot) Done(frame *Frame) {
	if frame == nil {
		return
	}
	frame.Sample.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	if s.inFlight == 0 {
		for _, c := range s.retired {
			c.Close()
		}
		s.retired = nil
	}
}

// Reset drops the pending frame, the cached format and the converter.
func (s *Slot) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Slot) resetLocked() {
	if s.pending != nil {
		s.pending.Sample.Release()
		s.pending = nil
	}
	s.retireLocked(s.converter)
	s.converter = nil
	s.format = engine.VideoFormat{}
}

// Close resets the slot and rejects further publishes.
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.closed = true
}

// Stats returns a snapshot of the slot.
func (s *Slot) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Target:               s.target.String(),
		Published:            s.published,
		Consumed:             s.consumed,
		Dropped:              s.dropped,
		ConsecutiveDrops:     s.consecutiveDrops,
		ConverterRecreations: s.converterRecreations,
		Pending:              s.pending != nil,
		LastPublishedAt:      s.lastPublishedAt,
		LastConsumedAt:       s.lastConsumedAt,
	}
	if !s.format.IsZero() {
		st.Format = s.format.String()
	}
	if n := len(s.consumedTimes); n > 1 {
		st.Cadence = CalculateCadence(s.consumedTimes, s.consumedTimes[n-1].Sub(s.consumedTimes[0]))
	}
	return st
}
