package engine

import (
	"errors"

	"gocv.io/x/gocv"
)

// testFrame returns a small frame filled with the given intensity so
// brightness checks behave predictably.
func testFrame(val float64) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(val, val, val, 0), 4, 4, gocv.MatTypeCV8U)
}

type mockSource struct {
	captureFunc func() (gocv.Mat, error)
	manual      bool

	captureCalls  int
	averagedCalls int
	closed        bool
}

func (m *mockSource) capture() (gocv.Mat, error) {
	m.captureCalls++
	if m.captureFunc != nil {
		return m.captureFunc()
	}
	return testFrame(200), nil
}

func (m *mockSource) Capture() (gocv.Mat, error) { return m.capture() }

func (m *mockSource) CaptureAveraged(int) (gocv.Mat, error) {
	m.averagedCalls++
	return m.capture()
}
func (m *mockSource) CaptureHDR() (gocv.Mat, error) { return m.capture() }
func (m *mockSource) SupportsManualExposure() bool  { return m.manual }
func (m *mockSource) Close() error                  { m.closed = true; return nil }

func failingCapture() (gocv.Mat, error) {
	return gocv.Mat{}, errors.New("device gone")
}

type mockVision struct {
	loadFunc     func() error
	countFunc    func(gocv.Mat) (int, error)
	featureFunc  func(gocv.Mat) ([]float32, error)
	featuresFunc func(gocv.Mat) ([][]float32, error)

	loaded   bool
	unloaded bool
}

func (m *mockVision) Load() error {
	if m.loadFunc != nil {
		return m.loadFunc()
	}
	m.loaded = true
	return nil
}

func (m *mockVision) Unload()              { m.loaded = false; m.unloaded = true }
func (m *mockVision) Loaded() bool         { return m.loaded }
func (m *mockVision) Backend() string      { return "CPU" }
func (m *mockVision) ModelVersion() string { return "sface_2021dec" }

func (m *mockVision) CountFaces(img gocv.Mat) (int, error) {
	if m.countFunc != nil {
		return m.countFunc(img)
	}
	return 1, nil
}

func (m *mockVision) ExtractFeature(img gocv.Mat) ([]float32, error) {
	if m.featureFunc != nil {
		return m.featureFunc(img)
	}
	return []float32{1, 0}, nil
}

func (m *mockVision) ExtractFeatures(img gocv.Mat) ([][]float32, error) {
	if m.featuresFunc != nil {
		return m.featuresFunc(img)
	}
	return [][]float32{{1, 0}}, nil
}
