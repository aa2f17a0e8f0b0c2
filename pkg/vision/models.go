// Package vision loads the face detection and recognition models and
// runs inference. Models are loaded lazily on the chosen acceleration
// backend and can be unloaded between requests to release memory.
package vision

import (
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"github.com/camgate/camgate/pkg/logging"
)

// ErrNoFace is returned when no face above the confidence gate is
// found in a frame.
var ErrNoFace = errors.New("no face detected")

// ErrModelMissing is returned when a model file is absent.
var ErrModelMissing = errors.New("model file missing")

// ErrNotLoaded is returned when inference is attempted on unloaded models.
var ErrNotLoaded = errors.New("models not loaded")

const (
	detectorNMSThreshold = 0.3
	detectorTopK         = 5000
)

// Models owns the detector and recognizer pair and their lifecycle.
type Models struct {
	detectionPath      string
	recognitionPath    string
	detectionThreshold float32
	priority           []string

	mu         sync.Mutex
	loaded     bool
	backend    Backend
	detector   gocv.FaceDetectorYN
	recognizer gocv.FaceRecognizerSF

	// Constructor seams, swapped out by tests.
	newDetector   func(Backend) gocv.FaceDetectorYN
	newRecognizer func(Backend) gocv.FaceRecognizerSF
}

// New creates an unloaded Models.
func New(detectionPath, recognitionPath string, detectionThreshold float64, priority []string) *Models {
	m := &Models{
		detectionPath:      detectionPath,
		recognitionPath:    recognitionPath,
		detectionThreshold: float32(detectionThreshold),
		priority:           priority,
	}
	m.newDetector = func(b Backend) gocv.FaceDetectorYN {
		return gocv.NewFaceDetectorYNWithParams(
			m.detectionPath, "", image.Pt(320, 320),
			m.detectionThreshold, detectorNMSThreshold, detectorTopK,
			b.backendID, b.targetID,
		)
	}
	m.newRecognizer = func(b Backend) gocv.FaceRecognizerSF {
		return gocv.NewFaceRecognizerSFWithParams(m.recognitionPath, "", b.backendID, b.targetID)
	}
	return m
}

// ModelVersion identifies the recognition model for stored embeddings,
// derived from the model filename.
func (m *Models) ModelVersion() string {
	return modelVersionFromPath(m.recognitionPath)
}

func modelVersionFromPath(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return strings.TrimPrefix(name, "face_recognition_")
}

// Load loads both models on the best available backend. Loading twice
// is a no-op. A failure on an accelerated backend falls back to CPU
// before giving up.
func (m *Models) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return nil
	}

	for _, path := range []string{m.detectionPath, m.recognitionPath} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%w: %s", ErrModelMissing, path)
		}
	}

	backend := SelectBackend(m.priority)
	if err := m.loadOn(backend); err != nil {
		if backend.Name == BackendCPU {
			return err
		}
		logging.Warnf("Loading models on %s failed (%v), falling back to CPU", backend.Name, err)
		if err := m.loadOn(cpuBackend()); err != nil {
			return err
		}
	}

	m.loaded = true
	logging.Infof("Models loaded on %s backend (version %s)", m.backend.Name, m.ModelVersion())
	return nil
}

// FallbackToCPU discards the current handles and reloads both models on
// the CPU backend, recovering from a bad accelerated backend choice.
func (m *Models) FallbackToCPU() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unloadLocked()
	if err := m.loadOn(cpuBackend()); err != nil {
		return err
	}
	m.loaded = true
	logging.Info("Models reloaded on CPU backend")
	return nil
}

func (m *Models) loadOn(backend Backend) (err error) {
	var (
		detector      gocv.FaceDetectorYN
		detectorReady bool
	)
	defer func() {
		if r := recover(); r != nil {
			if detectorReady {
				detector.Close()
			}
			err = fmt.Errorf("load models on %s: %v", backend.Name, r)
		}
	}()

	detector = m.newDetector(backend)
	detectorReady = true
	recognizer := m.newRecognizer(backend)

	m.detector = detector
	m.recognizer = recognizer
	m.backend = backend
	return nil
}

// Unload releases the models. Safe to call when not loaded.
func (m *Models) Unload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unloadLocked()
}

func (m *Models) unloadLocked() {
	if !m.loaded {
		return
	}
	m.detector.Close()
	m.recognizer.Close()
	m.loaded = false
	logging.Info("Models unloaded")
}

// Loaded reports whether the models are resident.
func (m *Models) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// Backend names the backend the models are loaded on, or empty when
// unloaded.
func (m *Models) Backend() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return ""
	}
	return m.backend.Name
}

// detect runs the face detector. Caller holds the lock and owns the
// returned Mat.
func (m *Models) detect(bgr gocv.Mat) gocv.Mat {
	faces := gocv.NewMat()
	m.detector.SetInputSize(image.Pt(bgr.Cols(), bgr.Rows()))
	m.detector.Detect(bgr, &faces)
	return faces
}

// CountFaces returns the number of faces at or above the confidence
// gate. Enrollment requires exactly one.
func (m *Models) CountFaces(img gocv.Mat) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		return 0, ErrNotLoaded
	}

	bgr, owned := ensureBGR(img)
	if owned {
		defer bgr.Close()
	}

	faces := m.detect(bgr)
	defer faces.Close()

	count := 0
	for i := 0; i < faces.Rows(); i++ {
		if faceScore(faces, i) >= m.detectionThreshold {
			count++
		}
	}
	return count, nil
}

// ExtractFeature returns the embedding of the most confident face.
func (m *Models) ExtractFeature(img gocv.Mat) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		return nil, ErrNotLoaded
	}

	bgr, owned := ensureBGR(img)
	if owned {
		defer bgr.Close()
	}

	faces := m.detect(bgr)
	defer faces.Close()

	best := -1
	bestScore := m.detectionThreshold
	for i := 0; i < faces.Rows(); i++ {
		if score := faceScore(faces, i); score >= bestScore {
			best = i
			bestScore = score
		}
	}
	if best < 0 {
		return nil, ErrNoFace
	}
	return m.featureOf(bgr, faces, best)
}

// ExtractFeatures returns embeddings for every face at or above the
// confidence gate, in detector order.
func (m *Models) ExtractFeatures(img gocv.Mat) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		return nil, ErrNotLoaded
	}

	bgr, owned := ensureBGR(img)
	if owned {
		defer bgr.Close()
	}

	faces := m.detect(bgr)
	defer faces.Close()

	var features [][]float32
	for i := 0; i < faces.Rows(); i++ {
		if faceScore(faces, i) < m.detectionThreshold {
			continue
		}
		vec, err := m.featureOf(bgr, faces, i)
		if err != nil {
			continue
		}
		features = append(features, vec)
	}
	if len(features) == 0 {
		return nil, ErrNoFace
	}
	return features, nil
}

func (m *Models) featureOf(bgr, faces gocv.Mat, row int) ([]float32, error) {
	faceRow := faces.RowRange(row, row+1)
	defer faceRow.Close()

	aligned := gocv.NewMat()
	defer aligned.Close()
	m.recognizer.AlignCrop(bgr, faceRow, &aligned)
	if aligned.Empty() {
		return nil, ErrNoFace
	}

	feature := gocv.NewMat()
	defer feature.Close()
	m.recognizer.Feature(aligned, &feature)

	vec := make([]float32, feature.Cols())
	for i := range vec {
		vec[i] = feature.GetFloatAt(0, i)
	}
	return vec, nil
}

// faceScore reads the detector confidence from the last column of a
// detection row.
func faceScore(faces gocv.Mat, row int) float32 {
	return faces.GetFloatAt(row, faces.Cols()-1)
}

// ensureBGR converts single-channel frames to the three-channel input
// the models expect. The bool reports whether the caller owns the
// returned Mat.
func ensureBGR(img gocv.Mat) (gocv.Mat, bool) {
	if img.Channels() != 1 {
		return img, false
	}
	bgr := gocv.NewMat()
	gocv.CvtColor(img, &bgr, gocv.ColorGrayToBGR)
	return bgr, true
}

// CosineSimilarity compares two embeddings. Vectors of different
// dimensionality, empty vectors and zero vectors compare as 0 so that
// embeddings from a different model version are skipped rather than
// poisoning a decision.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
