package gpu

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine"
)

func TestKeyedMutex_SingleOwner(t *testing.T) {
	k := NewKeyedMutex()

	if err := k.Acquire(OwnerRender); err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		k.Acquire(OwnerConvert)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("convert side acquired while render side held the surface")
	case <-time.After(50 * time.Millisecond):
	}

	if err := k.Release(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("convert side never acquired after release")
	}
	if k.Owner() != OwnerConvert {
		t.Errorf("owner = %s, want convert", k.Owner())
	}
	t.Logf("✅ ownership alternated render → convert")
}

func TestKeyedMutex_ReleaseUnowned(t *testing.T) {
	k := NewKeyedMutex()
	if err := k.Release(); !errors.Is(err, ErrNotOwned) {
		t.Errorf("Release = %v, want ErrNotOwned", err)
	}
	if err := k.Acquire(OwnerNone); err == nil {
		t.Error("Acquire(OwnerNone) should fail")
	}
}

func TestKeyedMutex_CloseWakesWaiters(t *testing.T) {
	k := NewKeyedMutex()
	k.Acquire(OwnerRender)

	errc := make(chan error, 1)
	go func() { errc <- k.Acquire(OwnerConvert) }()

	time.Sleep(20 * time.Millisecond)
	k.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrSurfaceClosed) {
			t.Errorf("Acquire after close = %v, want ErrSurfaceClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}
}

func TestKeyedMutex_NeverTwoOwners(t *testing.T) {
	k := NewKeyedMutex()
	var holders atomic.Int32
	var violations atomic.Int32

	worker := func(side Owner, done chan<- struct{}) {
		for i := 0; i < 500; i++ {
			k.Acquire(side)
			if holders.Add(1) != 1 {
				violations.Add(1)
			}
			holders.Add(-1)
			k.Release()
		}
		done <- struct{}{}
	}

	done := make(chan struct{}, 2)
	go worker(OwnerRender, done)
	go worker(OwnerConvert, done)
	<-done
	<-done

	if v := violations.Load(); v != 0 {
		t.Fatalf("%d concurrent ownerships observed", v)
	}
}

func TestSoftware_ConvertScalesAndSwizzles(t *testing.T) {
	dev, err := NewSoftware().CreateDevice()
	if err != nil {
		t.Fatal(err)
	}
	surface, err := dev.NewSurface(4, 4)
	if err != nil {
		t.Fatal(err)
	}

	// 2x2 BGRA source, each pixel a distinct blue value
	format := engine.VideoFormat{Media: "video/x-raw", Format: "BGRA", Width: 2, Height: 2}
	conv, err := dev.NewConverter(format)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte{
		10, 0, 0, 255, 20, 0, 0, 255,
		30, 0, 0, 255, 40, 0, 0, 255,
	}

	if err := conv.Convert(engine.NewSample("", data, 0, nil), surface); err != nil {
		t.Fatalf("Convert: %v", err)
	}

	img := surface.(*SoftwareSurface).Image()
	tests := []struct {
		x, y int
		blue uint8
	}{
		{0, 0, 10}, {1, 1, 10}, {3, 0, 20}, {0, 3, 30}, {3, 3, 40},
	}
	for _, tt := range tests {
		c := img.RGBAAt(tt.x, tt.y)
		if c.B != tt.blue || c.R != 0 || c.A != 255 {
			t.Errorf("pixel (%d,%d) = %+v, want blue=%d", tt.x, tt.y, c, tt.blue)
		}
	}

	if surface.(*SoftwareSurface).Owner() != OwnerNone {
		t.Error("converter left the surface owned")
	}
}

func TestSoftware_ConverterRejects(t *testing.T) {
	dev, _ := NewSoftware().CreateDevice()

	if _, err := dev.NewConverter(engine.VideoFormat{Format: "NV12", Width: 2, Height: 2}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("NV12 converter = %v, want ErrUnsupportedFormat", err)
	}

	conv, _ := dev.NewConverter(engine.VideoFormat{Format: "RGBA", Width: 4, Height: 4})
	surface, _ := dev.NewSurface(4, 4)
	if err := conv.Convert(engine.NewSample("", []byte{1, 2, 3}, 0, nil), surface); err == nil {
		t.Error("short frame should fail")
	}
	if _, err := dev.NewSurface(0, 4); err == nil {
		t.Error("zero-size surface should fail")
	}
}

func TestLookup(t *testing.T) {
	if b, err := Lookup("software"); err != nil || b.Name() != "software" {
		t.Errorf("Lookup(software) = %v, %v", b, err)
	}
	if _, err := Lookup("vulkan"); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("Lookup(vulkan) = %v, want ErrUnknownBackend", err)
	}
}
