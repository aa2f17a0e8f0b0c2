package vision

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"

	"github.com/camgate/camgate/pkg/logging"
)

// Backend names accepted in hardware.provider_priority.
const (
	BackendCUDA     = "CUDA"
	BackendOpenVINO = "OpenVINO"
	BackendOpenCL   = "OpenCL"
	BackendCPU      = "CPU"
)

// Backend is a resolved inference backend and target pair.
type Backend struct {
	Name      string
	backendID gocv.NetBackendType
	targetID  gocv.NetTargetType
}

func cpuBackend() Backend {
	return Backend{Name: BackendCPU, backendID: gocv.NetBackendDefault, targetID: gocv.NetTargetCPU}
}

type probes struct {
	cuda     func() bool
	openvino func() bool
	opencl   func() bool
}

func systemProbes() probes {
	return probes{
		cuda:     probeCUDA,
		openvino: probeOpenVINO,
		opencl:   probeOpenCL,
	}
}

// SelectBackend walks the priority list and returns the first backend
// whose runtime is present. CPU always matches.
func SelectBackend(priority []string) Backend {
	return selectBackend(priority, systemProbes())
}

func selectBackend(priority []string, p probes) Backend {
	for _, name := range priority {
		switch strings.ToUpper(name) {
		case "CUDA":
			if p.cuda() {
				logging.Info("Using CUDA inference backend")
				return Backend{Name: BackendCUDA, backendID: gocv.NetBackendCUDA, targetID: gocv.NetTargetCUDA}
			}
		case "OPENVINO":
			if p.openvino() {
				logging.Info("Using OpenVINO inference backend")
				return Backend{Name: BackendOpenVINO, backendID: gocv.NetBackendOpenVINO, targetID: gocv.NetTargetCPU}
			}
		case "OPENCL":
			if p.opencl() {
				logging.Info("Using OpenCL inference backend")
				return Backend{Name: BackendOpenCL, backendID: gocv.NetBackendOpenCV, targetID: gocv.NetTargetFP32}
			}
		case "CPU":
			logging.Info("Using CPU inference backend")
			return cpuBackend()
		default:
			logging.Warnf("Unknown inference backend %q, skipping", name)
		}
	}
	logging.Info("No accelerated backend available, using CPU")
	return cpuBackend()
}

// probeCUDA checks for a working NVIDIA driver.
func probeCUDA() bool {
	path, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return false
	}
	return exec.Command(path, "-L").Run() == nil
}

// probeOpenVINO checks for an OpenVINO installation.
func probeOpenVINO() bool {
	if os.Getenv("INTEL_OPENVINO_DIR") != "" {
		return true
	}
	for _, dir := range []string{"/opt/intel/openvino", "/opt/intel/openvino_2024", "/usr/local/openvino"} {
		if _, err := os.Stat(dir); err == nil {
			return true
		}
	}
	return false
}

// probeOpenCL checks for installed OpenCL ICD loaders.
func probeOpenCL() bool {
	icds, err := filepath.Glob("/etc/OpenCL/vendors/*.icd")
	if err != nil {
		return false
	}
	return len(icds) > 0
}
