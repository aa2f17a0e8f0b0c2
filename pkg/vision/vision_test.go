package vision

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gocv.io/x/gocv"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"scale invariant", []float32{2, 0}, []float32{10, 0}, 1},
		{"dimension mismatch", []float32{1, 0, 0}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineSimilarity = %f, want %f", got, tt.want)
			}
			if math.IsNaN(got) {
				t.Error("CosineSimilarity must never return NaN")
			}
		})
	}
}

func TestCosineSimilaritySymmetric(t *testing.T) {
	a := []float32{0.3, -0.2, 0.9, 0.1}
	b := []float32{-0.1, 0.5, 0.4, 0.7}
	if got, rev := CosineSimilarity(a, b), CosineSimilarity(b, a); got != rev {
		t.Errorf("similarity not symmetric: %f vs %f", got, rev)
	}
}

func TestModelVersionFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/etc/camgate/models/face_recognition_sface_2021dec.onnx", "sface_2021dec"},
		{"face_recognition_sface_2021dec_int8.onnx", "sface_2021dec_int8"},
		{"/models/custom.onnx", "custom"},
	}
	for _, tt := range tests {
		if got := modelVersionFromPath(tt.path); got != tt.want {
			t.Errorf("modelVersionFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestLoadRecoversFromConstructorPanic(t *testing.T) {
	dir := t.TempDir()
	det := filepath.Join(dir, "face_detection_yunet_2022mar.onnx")
	rec := filepath.Join(dir, "face_recognition_sface_2021dec.onnx")
	for _, path := range []string{det, rec} {
		if err := os.WriteFile(path, []byte("model"), 0644); err != nil {
			t.Fatalf("write model stub: %v", err)
		}
	}

	m := New(det, rec, 0.9, []string{"CPU"})
	m.newDetector = func(Backend) gocv.FaceDetectorYN { return gocv.FaceDetectorYN{} }
	m.newRecognizer = func(Backend) gocv.FaceRecognizerSF { panic("backend rejected the model") }

	err := m.Load()
	if err == nil {
		t.Fatal("Load must fail when a model constructor panics")
	}
	if !strings.Contains(err.Error(), "CPU") {
		t.Errorf("error = %v, want the backend named", err)
	}
	if m.Loaded() {
		t.Error("failed load must leave the models unloaded")
	}

	// Once the constructors behave, the same Models loads cleanly.
	m.newRecognizer = func(Backend) gocv.FaceRecognizerSF { return gocv.FaceRecognizerSF{} }
	if err := m.Load(); err != nil {
		t.Fatalf("Load after recovery: %v", err)
	}
	if !m.Loaded() {
		t.Error("models must load once the constructors succeed")
	}
}

func TestSelectBackend(t *testing.T) {
	all := func(v bool) probes {
		f := func() bool { return v }
		return probes{cuda: f, openvino: f, opencl: f}
	}

	t.Run("first available wins", func(t *testing.T) {
		p := all(false)
		p.cuda = func() bool { return true }
		b := selectBackend([]string{"OpenCL", "CUDA", "CPU"}, p)
		if b.Name != BackendCUDA {
			t.Errorf("backend = %s, want CUDA", b.Name)
		}
	})

	t.Run("priority order respected", func(t *testing.T) {
		b := selectBackend([]string{"OpenCL", "CUDA", "CPU"}, all(true))
		if b.Name != BackendOpenCL {
			t.Errorf("backend = %s, want OpenCL", b.Name)
		}
	})

	t.Run("cpu when nothing available", func(t *testing.T) {
		b := selectBackend([]string{"CUDA", "OpenVINO", "OpenCL"}, all(false))
		if b.Name != BackendCPU {
			t.Errorf("backend = %s, want CPU", b.Name)
		}
	})

	t.Run("cpu terminates search early", func(t *testing.T) {
		b := selectBackend([]string{"CPU", "CUDA"}, all(true))
		if b.Name != BackendCPU {
			t.Errorf("backend = %s, want CPU", b.Name)
		}
	})

	t.Run("unknown names skipped", func(t *testing.T) {
		b := selectBackend([]string{"TPU", "CPU"}, all(true))
		if b.Name != BackendCPU {
			t.Errorf("backend = %s, want CPU", b.Name)
		}
	})

	t.Run("case insensitive", func(t *testing.T) {
		p := all(false)
		p.opencl = func() bool { return true }
		b := selectBackend([]string{"opencl"}, p)
		if b.Name != BackendOpenCL {
			t.Errorf("backend = %s, want OpenCL", b.Name)
		}
	})

	t.Run("empty priority falls back to cpu", func(t *testing.T) {
		b := selectBackend(nil, all(true))
		if b.Name != BackendCPU {
			t.Errorf("backend = %s, want CPU", b.Name)
		}
	})
}
