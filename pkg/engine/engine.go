// Package engine implements the authentication decision logic on top
// of the camera, vision and store layers. One Engine value is shared by
// all requests; requests are serialized by the server.
package engine

import (
	"fmt"
	"path/filepath"
	"time"

	"gocv.io/x/gocv"

	"github.com/camgate/camgate/pkg/camera"
	"github.com/camgate/camgate/pkg/config"
	"github.com/camgate/camgate/pkg/logging"
	"github.com/camgate/camgate/pkg/store"
	"github.com/camgate/camgate/pkg/vision"
)

// FrameSource is one opened camera as the engine sees it.
type FrameSource interface {
	Capture() (gocv.Mat, error)
	CaptureAveraged(count int) (gocv.Mat, error)
	CaptureHDR() (gocv.Mat, error)
	SupportsManualExposure() bool
	Close() error
}

// Vision is the model lifecycle and inference surface the engine uses.
type Vision interface {
	Load() error
	Unload()
	Loaded() bool
	Backend() string
	ModelVersion() string
	CountFaces(img gocv.Mat) (int, error)
	ExtractFeature(img gocv.Mat) ([]float32, error)
	ExtractFeatures(img gocv.Mat) ([][]float32, error)
}

// ActiveCamera pairs a camera definition with its opened device.
// Source is nil while the device could not be opened; each EnsureLoaded
// retries it.
type ActiveCamera struct {
	Def    config.CameraDefinition
	Source FrameSource
}

// Result carries the outcome of a detailed verification.
type Result struct {
	Success   bool
	Reason    string
	BestScore float64
}

// Engine is the authentication policy engine.
type Engine struct {
	cfg    *config.Config
	store  *store.Store
	vision Vision

	// openCamera is swapped out by tests.
	openCamera func(def config.CameraDefinition) (FrameSource, error)

	cameras      []ActiveCamera
	camerasBuilt bool
	lastActivity time.Time
}

// New creates an Engine over the given store and vision layers.
// Cameras are opened lazily on first use.
func New(cfg *config.Config, st *store.Store, vis Vision) *Engine {
	e := &Engine{cfg: cfg, store: st, vision: vis}
	e.openCamera = func(def config.CameraDefinition) (FrameSource, error) {
		return camera.Open(def, cfg.Paths.IREmitterPath)
	}
	return e
}

// EnsureLoaded brings models and cameras up, loading lazily on the
// first request and transparently after an idle unload.
func (e *Engine) EnsureLoaded() error {
	e.lastActivity = time.Now()

	if err := e.vision.Load(); err != nil {
		return fmt.Errorf("load models: %w", err)
	}

	if !e.camerasBuilt {
		defs := e.cfg.Cameras
		if len(defs) == 0 {
			defs = camera.AutoDetect()
		}
		e.cameras = e.cameras[:0]
		for _, def := range defs {
			e.cameras = append(e.cameras, ActiveCamera{Def: def})
		}
		e.camerasBuilt = true
	}

	for i := range e.cameras {
		if e.cameras[i].Source != nil {
			continue
		}
		src, err := e.openCamera(e.cameras[i].Def)
		if err != nil {
			logging.WithError(err).Warnf("Camera %s unavailable", e.cameras[i].Def.ID)
			continue
		}
		e.cameras[i].Source = src
	}

	return nil
}

// PerformMaintenance unloads models and releases cameras after the
// configured idle window. Called by the server between requests, never
// on the request path.
func (e *Engine) PerformMaintenance() {
	keepAlive := time.Duration(e.cfg.Performance.ModelKeepAliveSec) * time.Second
	if keepAlive <= 0 {
		return
	}
	if !e.vision.Loaded() || time.Since(e.lastActivity) <= keepAlive {
		return
	}
	logging.Debug("Idle timeout reached, releasing models and cameras")
	e.vision.Unload()
	e.releaseCameras()
}

// Close releases all resources.
func (e *Engine) Close() {
	e.vision.Unload()
	e.releaseCameras()
}

func (e *Engine) releaseCameras() {
	for i := range e.cameras {
		if e.cameras[i].Source != nil {
			e.cameras[i].Source.Close()
			e.cameras[i].Source = nil
		}
	}
}

// Version reports the recognition model version in use.
func (e *Engine) Version() string {
	return e.vision.ModelVersion()
}

// verifyCapture grabs a frame for verification from one camera.
func (e *Engine) verifyCapture(src FrameSource) (gocv.Mat, error) {
	if e.cfg.Capture.VerifyAveraging {
		return src.CaptureAveraged(e.cfg.Capture.VerifyAverageFrames)
	}
	return src.Capture()
}

// enrollCapture grabs a frame for enrollment, honoring per-camera
// overrides of the global capture settings.
func (e *Engine) enrollCapture(cam ActiveCamera) (gocv.Mat, error) {
	hdr := cam.Def.EnrollHDR
	if hdr == "" {
		hdr = e.cfg.Capture.EnrollHDR
	}
	if hdr == "on" || (hdr == "auto" && cam.Source.SupportsManualExposure()) {
		return cam.Source.CaptureHDR()
	}

	averaging := e.cfg.Capture.EnrollAveraging
	switch cam.Def.EnrollAveraging {
	case "on":
		averaging = true
	case "off":
		averaging = false
	}
	if averaging {
		frames := cam.Def.EnrollAverageFrames
		if frames <= 0 {
			frames = e.cfg.Capture.EnrollAverageFrames
		}
		return cam.Source.CaptureAveraged(frames)
	}
	return cam.Source.Capture()
}

// brightness returns the mean pixel intensity across channels.
func brightness(m gocv.Mat) float64 {
	mean := m.Mean()
	if m.Channels() >= 3 {
		return (mean.Val1 + mean.Val2 + mean.Val3) / 3
	}
	return mean.Val1
}

// A capture failure aborts the whole decision under strict policy or
// for an adaptive mandatory camera; everything else just takes the
// camera out of the participant set.
func (e *Engine) abortsOnFailure(def config.CameraDefinition) bool {
	switch e.cfg.Auth.Policy {
	case config.PolicyStrict:
		return true
	case config.PolicyAdaptive:
		return def.Mandatory
	default:
		return false
	}
}

// VerifyUser runs the authentication decision for a user.
func (e *Engine) VerifyUser(username string) bool {
	return e.VerifyUserDetailed(username).Success
}

// VerifyUserDetailed runs the authentication decision and reports why
// it failed.
func (e *Engine) VerifyUserDetailed(username string) Result {
	if !store.ValidIdentifier(username) {
		return Result{Reason: "Invalid username"}
	}
	if !e.store.Exists(username) {
		logging.Warnf("Authentication for unenrolled user %q", username)
		return Result{Reason: "User not enrolled"}
	}
	if err := e.EnsureLoaded(); err != nil {
		logging.WithError(err).Error("Engine initialization failed")
		return Result{Reason: "Engine initialization failed"}
	}

	rec, err := e.store.Load(username)
	if err != nil {
		logging.WithError(err).Errorf("Loading user %q failed", username)
		return Result{Reason: "Authentication failed"}
	}

	var (
		participants, successes, failures int
		bestScore                         float64
		faceSeen                          bool
	)

	for _, cam := range e.cameras {
		frame, err := e.cameraFrame(cam)
		if err != nil {
			logging.WithError(err).Warnf("Camera %s produced no frame", cam.Def.ID)
			if e.abortsOnFailure(cam.Def) {
				return Result{Reason: "Authentication failed", BestScore: bestScore}
			}
			continue
		}

		if cam.Def.MinBrightness > 0 {
			if b := brightness(frame); b < float64(cam.Def.MinBrightness) {
				logging.Debugf("Camera %s too dark (%.1f < %d), skipping", cam.Def.ID, b, cam.Def.MinBrightness)
				frame.Close()
				// A dark frame means the camera cannot see, not that the
				// user mismatched: only an adaptive mandatory camera
				// aborts, every other camera just sits out.
				if e.cfg.Auth.Policy == config.PolicyAdaptive && cam.Def.Mandatory {
					return Result{Reason: "Authentication failed", BestScore: bestScore}
				}
				continue
			}
		}

		participants++

		entries := rec.EntriesFor(cam.Def.Type)
		if len(entries) == 0 {
			logging.Debugf("No embeddings for camera type %s", cam.Def.Type)
			frame.Close()
			failures++
			continue
		}

		features, err := e.vision.ExtractFeatures(frame)
		if err != nil || len(features) == 0 {
			e.snapshot(frame, username, false)
			frame.Close()
			failures++
			continue
		}
		faceSeen = true

		score := bestMatch(features, entries)
		if score > bestScore {
			bestScore = score
		}

		if score >= e.cfg.Auth.Threshold {
			logging.Infof("Camera %s matched %q (score %.3f)", cam.Def.ID, username, score)
			e.snapshot(frame, username, true)
			successes++
		} else {
			logging.Infof("Camera %s did not match %q (score %.3f)", cam.Def.ID, username, score)
			e.snapshot(frame, username, false)
			failures++
		}
		frame.Close()
	}

	if participants == 0 {
		return Result{Reason: "No cameras participated"}
	}

	var success bool
	switch e.cfg.Auth.Policy {
	case config.PolicyLenient:
		success = successes > 0
	default: // strict and adaptive both demand a clean sweep
		success = failures == 0
	}

	if success {
		return Result{Success: true, BestScore: bestScore}
	}
	return Result{Reason: failureReason(faceSeen, bestScore), BestScore: bestScore}
}

func (e *Engine) cameraFrame(cam ActiveCamera) (gocv.Mat, error) {
	if cam.Source == nil {
		return gocv.Mat{}, fmt.Errorf("camera %s not open", cam.Def.ID)
	}
	return e.verifyCapture(cam.Source)
}

func bestMatch(features [][]float32, entries []store.EmbeddingEntry) float64 {
	var best float64
	for _, feat := range features {
		for _, entry := range entries {
			if score := vision.CosineSimilarity(feat, entry.Data); score > best {
				best = score
			}
		}
	}
	return best
}

func failureReason(faceSeen bool, bestScore float64) string {
	switch {
	case !faceSeen:
		return "No face detected"
	case bestScore > 0:
		return fmt.Sprintf("Face mismatch (score: %.2f)", bestScore)
	default:
		return "Authentication failed"
	}
}

// snapshot writes the frame to the image log directory when configured.
func (e *Engine) snapshot(frame gocv.Mat, username string, success bool) {
	if success && !e.cfg.Storage.SaveSuccessImages {
		return
	}
	if !success && !e.cfg.Storage.SaveFailImages {
		return
	}
	outcome := "fail"
	if success {
		outcome = "success"
	}
	name := fmt.Sprintf("%s_%s_%d.jpg", username, outcome, time.Now().UnixNano())
	path := filepath.Join(e.cfg.Storage.LogDir, name)
	if ok := gocv.IMWrite(path, frame); !ok {
		logging.Warnf("Writing snapshot %s failed", path)
	}
}

// EnrollUser captures an enrollment frame from every camera and stages
// the resulting embeddings as pending. Any capture or detection problem
// aborts the whole enrollment. Committing under a label is a separate
// step.
func (e *Engine) EnrollUser(username string) (bool, string) {
	if !store.ValidIdentifier(username) {
		return false, "Invalid username"
	}
	if err := e.EnsureLoaded(); err != nil {
		logging.WithError(err).Error("Engine initialization failed")
		return false, "Engine initialization failed"
	}

	pending := make(map[string][]float32)
	for _, cam := range e.cameras {
		if cam.Source == nil {
			return false, fmt.Sprintf("Camera %s unavailable", cam.Def.ID)
		}
		frame, err := e.enrollCapture(cam)
		if err != nil {
			logging.WithError(err).Errorf("Enrollment capture from %s failed", cam.Def.ID)
			return false, "Camera capture failed"
		}

		count, err := e.vision.CountFaces(frame)
		if err != nil {
			frame.Close()
			return false, "Face detection failed"
		}
		if count != 1 {
			frame.Close()
			return false, fmt.Sprintf("Expected exactly one face, found %d", count)
		}

		feature, err := e.vision.ExtractFeature(frame)
		frame.Close()
		if err != nil {
			return false, "Feature extraction failed"
		}
		pending[cam.Def.Type] = feature
	}

	if len(pending) == 0 {
		return false, "No cameras available"
	}

	if err := e.store.AddPending(username, pending); err != nil {
		logging.WithError(err).Errorf("Staging enrollment for %q failed", username)
		return false, "Failed to save enrollment"
	}
	logging.Infof("Enrolled %q on %d camera(s), awaiting label", username, len(pending))
	return true, ""
}

// TrainUser captures one frame per camera and updates the user's
// embeddings. With createNew a fresh labeled entry is appended per
// camera type (an empty label becomes trained_<timestamp>); otherwise
// the captures refine the existing entries under the label. Cameras
// that fail or see other than one face are skipped.
func (e *Engine) TrainUser(username, label string, createNew bool) bool {
	if !store.ValidIdentifier(username) {
		return false
	}
	if !e.store.Exists(username) {
		logging.Warnf("Training unknown user %q", username)
		return false
	}
	if err := e.EnsureLoaded(); err != nil {
		logging.WithError(err).Error("Engine initialization failed")
		return false
	}

	if label == "" {
		if createNew {
			label = fmt.Sprintf("trained_%d", time.Now().Unix())
		} else {
			label = store.LegacyLabel
		}
	}

	vectors := make(map[string][]float32)
	for _, cam := range e.cameras {
		if cam.Source == nil {
			continue
		}
		// Training always works from one plain frame, regardless of the
		// verification averaging settings.
		frame, err := cam.Source.Capture()
		if err != nil {
			logging.WithError(err).Warnf("Training capture from %s failed", cam.Def.ID)
			continue
		}
		count, err := e.vision.CountFaces(frame)
		if err != nil || count != 1 {
			logging.Warnf("Camera %s saw %d face(s), skipping", cam.Def.ID, count)
			frame.Close()
			continue
		}
		feature, err := e.vision.ExtractFeature(frame)
		frame.Close()
		if err != nil {
			continue
		}
		vectors[cam.Def.Type] = feature
	}

	if len(vectors) == 0 {
		return false
	}

	var (
		updated bool
		err     error
	)
	if createNew {
		updated, err = e.store.TrainAppend(username, label, vectors)
	} else {
		updated, err = e.store.TrainRefine(username, label, vectors)
	}
	if err != nil {
		logging.WithError(err).Errorf("Training %q failed", username)
		return false
	}
	return updated
}

// TestCameras reports whether at least one camera delivers frames.
func (e *Engine) TestCameras() bool {
	if err := e.EnsureLoaded(); err != nil {
		logging.WithError(err).Error("Engine initialization failed")
		return false
	}
	working := 0
	for _, cam := range e.cameras {
		if cam.Source == nil {
			continue
		}
		frame, err := cam.Source.Capture()
		if err != nil {
			logging.Warnf("Camera %s produced no frame", cam.Def.ID)
			continue
		}
		frame.Close()
		working++
	}
	logging.Infof("%d of %d camera(s) working", working, len(e.cameras))
	return working > 0
}

// TestAuth runs hardware diagnostics plus an optional verification.
func (e *Engine) TestAuth(username string) Result {
	return e.VerifyUserDetailed(username)
}
