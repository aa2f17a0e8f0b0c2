// Package camera opens V4L2 video devices and produces frames for
// enrollment and verification. It owns device probing, infrared
// emitter activation and the averaged and HDR capture modes.
package camera

import (
	"errors"
	"fmt"
	"os/exec"
	"time"

	"gocv.io/x/gocv"

	"github.com/camgate/camgate/pkg/config"
	"github.com/camgate/camgate/pkg/logging"
)

// ErrNoFrame is returned when a device delivers no usable frame.
var ErrNoFrame = errors.New("no frame captured")

const (
	openRetries    = 3
	openRetryDelay = time.Second

	// Frames discarded after opening so auto exposure and gain settle.
	warmupFrames = 10
	warmupDelay  = 100 * time.Millisecond

	emitterSettle = 750 * time.Millisecond

	exposureSettle     = 100 * time.Millisecond
	exposureWarmup     = 3
	hdrFallbackFrames  = 5
	autoExposureManual = 1
	autoExposureAuto   = 3
)

// hdrExposures are the absolute exposure values bracketed for fusion.
var hdrExposures = []float64{50, 150, 400}

// Camera is one opened capture device.
type Camera struct {
	Def config.CameraDefinition

	vc          *gocv.VideoCapture
	emitterPath string

	manualExposure      bool
	manualExposureKnown bool
}

// Open opens the device with the V4L2 backend, retrying while another
// process holds it. Infrared cameras get their emitter activated right
// after opening, followed by a settle delay so the first frames are
// already illuminated.
func Open(def config.CameraDefinition, emitterPath string) (*Camera, error) {
	var vc *gocv.VideoCapture
	var err error
	for attempt := 1; attempt <= openRetries; attempt++ {
		vc, err = gocv.OpenVideoCaptureWithAPI(def.Path, gocv.VideoCaptureV4L2)
		if err == nil && vc.IsOpened() {
			break
		}
		if vc != nil {
			vc.Close()
			vc = nil
		}
		logging.Warnf("Camera %s busy or unavailable (attempt %d/%d)", def.Path, attempt, openRetries)
		if attempt < openRetries {
			time.Sleep(openRetryDelay)
		}
	}
	if vc == nil || !vc.IsOpened() {
		return nil, fmt.Errorf("open camera %s: %w", def.Path, err)
	}

	cam := &Camera{Def: def, vc: vc, emitterPath: emitterPath}

	if def.Type == "ir" && emitterPath != "" {
		cam.activateEmitter()
	}

	return cam, nil
}

// Close releases the device.
func (c *Camera) Close() error {
	if c.vc == nil {
		return nil
	}
	err := c.vc.Close()
	c.vc = nil
	return err
}

// activateEmitter runs the emitter tool after the device is open, since
// the tool configures the UVC unit of the already-streaming camera.
func (c *Camera) activateEmitter() {
	cmd := exec.Command(c.emitterPath, "run")
	if out, err := cmd.CombinedOutput(); err != nil {
		logging.Warnf("IR emitter activation failed: %v (%s)", err, string(out))
		return
	}
	logging.Debugf("IR emitter activated for %s", c.Def.Path)
	time.Sleep(emitterSettle)
}

func (c *Camera) discard(n int) {
	frame := gocv.NewMat()
	defer frame.Close()
	for i := 0; i < n; i++ {
		c.vc.Read(&frame)
	}
}

// Capture grabs a single frame after the warmup discard.
func (c *Camera) Capture() (gocv.Mat, error) {
	c.discard(warmupFrames)
	time.Sleep(warmupDelay)

	frame := gocv.NewMat()
	if !c.vc.Read(&frame) || frame.Empty() {
		frame.Close()
		return gocv.Mat{}, fmt.Errorf("%w from %s", ErrNoFrame, c.Def.Path)
	}
	return frame, nil
}

// CaptureAveraged grabs count frames and returns their per-pixel mean,
// suppressing sensor noise. Frames whose size differs from the first
// kept frame are dropped.
func (c *Camera) CaptureAveraged(count int) (gocv.Mat, error) {
	if count < 1 {
		count = 1
	}
	c.discard(warmupFrames)

	acc := gocv.NewMat()
	defer acc.Close()
	kept := 0

	frame := gocv.NewMat()
	defer frame.Close()
	for i := 0; i < count; i++ {
		if !c.vc.Read(&frame) || frame.Empty() {
			continue
		}
		if kept == 0 {
			frame.ConvertTo(&acc, floatTypeFor(frame))
			kept = 1
			continue
		}
		if frame.Rows() != acc.Rows() || frame.Cols() != acc.Cols() {
			continue
		}
		tmp := gocv.NewMat()
		frame.ConvertTo(&tmp, floatTypeFor(frame))
		gocv.Add(acc, tmp, &acc)
		tmp.Close()
		kept++
	}

	if kept == 0 {
		return gocv.Mat{}, fmt.Errorf("%w from %s", ErrNoFrame, c.Def.Path)
	}

	out := gocv.NewMat()
	acc.ConvertToWithParams(&out, byteTypeFor(acc), 1.0/float32(kept), 0)
	logging.Debugf("Averaged %d/%d frames from %s", kept, count, c.Def.Path)
	return out, nil
}

// SupportsManualExposure reports whether the device exposes an absolute
// exposure control. The probe result is cached per camera.
func (c *Camera) SupportsManualExposure() bool {
	if !c.manualExposureKnown {
		c.manualExposure = queryControl(c.Def.Path, CIDExposureAbsolute)
		c.manualExposureKnown = true
	}
	return c.manualExposure
}

// CaptureHDR brackets three exposures and fuses them with Mertens
// exposure fusion. Devices without manual exposure degrade to averaged
// capture; fewer than two usable brackets degrade to the last raw
// frame.
func (c *Camera) CaptureHDR() (gocv.Mat, error) {
	if !c.SupportsManualExposure() {
		logging.Debugf("Camera %s has no manual exposure, using averaged capture", c.Def.Path)
		return c.CaptureAveraged(hdrFallbackFrames)
	}

	savedAuto := c.vc.Get(gocv.VideoCaptureAutoExposure)
	c.vc.Set(gocv.VideoCaptureAutoExposure, autoExposureManual)
	defer func() {
		if savedAuto > 0 {
			c.vc.Set(gocv.VideoCaptureAutoExposure, savedAuto)
		} else {
			c.vc.Set(gocv.VideoCaptureAutoExposure, autoExposureAuto)
		}
	}()

	var brackets []gocv.Mat
	defer func() {
		for i := range brackets {
			brackets[i].Close()
		}
	}()

	for _, exposure := range hdrExposures {
		c.vc.Set(gocv.VideoCaptureExposure, exposure)
		time.Sleep(exposureSettle)
		c.discard(exposureWarmup)

		frame := gocv.NewMat()
		if !c.vc.Read(&frame) || frame.Empty() {
			frame.Close()
			logging.Warnf("No frame at exposure %.0f from %s", exposure, c.Def.Path)
			continue
		}
		brackets = append(brackets, frame)
	}

	if len(brackets) == 0 {
		return gocv.Mat{}, fmt.Errorf("%w from %s", ErrNoFrame, c.Def.Path)
	}
	if len(brackets) < 2 {
		logging.Warnf("Only %d exposure bracket(s) from %s, skipping fusion", len(brackets), c.Def.Path)
		return brackets[len(brackets)-1].Clone(), nil
	}

	merge := gocv.NewMergeMertens()
	defer merge.Close()

	fusion := gocv.NewMat()
	defer fusion.Close()
	merge.Process(brackets, &fusion)
	if fusion.Empty() {
		return brackets[len(brackets)-1].Clone(), nil
	}

	out := gocv.NewMat()
	fusion.ConvertToWithParams(&out, byteTypeFor(fusion), 255, 0)
	logging.Debugf("Fused %d exposure brackets from %s", len(brackets), c.Def.Path)
	return out, nil
}

func floatTypeFor(m gocv.Mat) gocv.MatType {
	if m.Channels() >= 3 {
		return gocv.MatTypeCV32FC3
	}
	return gocv.MatTypeCV32F
}

func byteTypeFor(m gocv.Mat) gocv.MatType {
	if m.Channels() >= 3 {
		return gocv.MatTypeCV8UC3
	}
	return gocv.MatTypeCV8U
}
