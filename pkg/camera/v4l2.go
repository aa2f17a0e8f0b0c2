package camera

import (
	"fmt"
	"path/filepath"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/camgate/camgate/pkg/config"
	"github.com/camgate/camgate/pkg/logging"
)

// V4L2 ioctl numbers and flags. OpenCV offers no format or control
// enumeration, so probing talks to the video device directly.
const (
	vidiocQuerycap  = 0x80685600 // VIDIOC_QUERYCAP, read, 104-byte struct
	vidiocEnumFmt   = 0xc0405602 // VIDIOC_ENUM_FMT, read-write, 64-byte struct
	vidiocQueryctrl = 0xc0445624 // VIDIOC_QUERYCTRL, read-write, 68-byte struct

	capVideoCapture  = 0x00000001
	ctrlFlagDisabled = 0x00000001

	// CIDExposureAbsolute is the manual exposure control probed before
	// attempting HDR capture.
	CIDExposureAbsolute = 0x009a0902
)

type v4l2Capability struct {
	Driver       [16]byte
	Card         [32]byte
	BusInfo      [32]byte
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
	Reserved     [3]uint32
}

type v4l2FmtDesc struct {
	Index       uint32
	Type        uint32
	Flags       uint32
	Description [32]byte
	PixelFormat uint32
	MbusCode    uint32
	Reserved    [3]uint32
}

type v4l2QueryCtrl struct {
	ID           uint32
	Type         uint32
	Name         [32]byte
	Minimum      int32
	Maximum      int32
	Step         int32
	DefaultValue int32
	Flags        uint32
	Reserved     [2]uint32
}

func fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// Pixel formats relevant to classification.
var (
	fmtGrey = fourcc('G', 'R', 'E', 'Y')
	fmtY10  = fourcc('Y', '1', '0', ' ')
	fmtY12  = fourcc('Y', '1', '2', ' ')
	fmtY16  = fourcc('Y', '1', '6', ' ')
	fmtMJPG = fourcc('M', 'J', 'P', 'G')
	fmtYUYV = fourcc('Y', 'U', 'Y', 'V')
	fmtRGB3 = fourcc('R', 'G', 'B', '3')
	fmtBGR3 = fourcc('B', 'G', 'R', '3')
)

func ioctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// DetectedCamera describes one capture-capable video device found
// during probing.
type DetectedCamera struct {
	Path    string
	Card    string
	Type    string // ir | rgb | generic
	Formats []uint32
}

// classifyFormats maps a device's pixel formats to a camera type.
// Grey-only sensors are infrared; anything advertising a color format
// is rgb even when grey formats are also present.
func classifyFormats(formats []uint32) string {
	grey := false
	color := false
	for _, f := range formats {
		switch f {
		case fmtGrey, fmtY10, fmtY12, fmtY16:
			grey = true
		case fmtMJPG, fmtYUYV, fmtRGB3, fmtBGR3:
			color = true
		}
	}
	switch {
	case color:
		return "rgb"
	case grey:
		return "ir"
	default:
		return "generic"
	}
}

func probeDevice(path string) (*DetectedCamera, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	var cap v4l2Capability
	if err := ioctl(fd, vidiocQuerycap, unsafe.Pointer(&cap)); err != nil {
		return nil, fmt.Errorf("query capabilities of %s: %w", path, err)
	}
	caps := cap.Capabilities
	if cap.DeviceCaps != 0 {
		caps = cap.DeviceCaps
	}
	if caps&capVideoCapture == 0 {
		return nil, nil // metadata node or output device
	}

	var formats []uint32
	for index := uint32(0); ; index++ {
		desc := v4l2FmtDesc{Index: index, Type: 1} // V4L2_BUF_TYPE_VIDEO_CAPTURE
		if err := ioctl(fd, vidiocEnumFmt, unsafe.Pointer(&desc)); err != nil {
			break
		}
		formats = append(formats, desc.PixelFormat)
	}
	if len(formats) == 0 {
		return nil, nil
	}

	return &DetectedCamera{
		Path:    path,
		Card:    cString(cap.Card[:]),
		Type:    classifyFormats(formats),
		Formats: formats,
	}, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Enumerate probes /dev/video* and returns the capture-capable devices
// sorted by path.
func Enumerate() []DetectedCamera {
	paths, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil
	}
	sort.Strings(paths)

	var cams []DetectedCamera
	for _, path := range paths {
		cam, err := probeDevice(path)
		if err != nil {
			logging.Debugf("Probe %s: %v", path, err)
			continue
		}
		if cam == nil {
			continue
		}
		logging.Debugf("Detected %s camera at %s (%s)", cam.Type, cam.Path, cam.Card)
		cams = append(cams, *cam)
	}
	return cams
}

// AutoDetect builds camera definitions when none are configured.
// An infrared and a color device pair up into a dual setup with the
// infrared camera mandatory; otherwise the best single device is used.
func AutoDetect() []config.CameraDefinition {
	detected := Enumerate()
	return pairDetected(detected)
}

func pairDetected(detected []DetectedCamera) []config.CameraDefinition {
	var ir, rgb, generic *DetectedCamera
	for i := range detected {
		switch detected[i].Type {
		case "ir":
			if ir == nil {
				ir = &detected[i]
			}
		case "rgb":
			if rgb == nil {
				rgb = &detected[i]
			}
		default:
			if generic == nil {
				generic = &detected[i]
			}
		}
	}

	color := rgb
	if color == nil {
		color = generic
	}

	switch {
	case ir != nil && color != nil:
		logging.Infof("Auto-detected dual camera setup: ir=%s rgb=%s", ir.Path, color.Path)
		return []config.CameraDefinition{
			{ID: "ir", Path: ir.Path, Type: "ir", Mandatory: true},
			{ID: "rgb", Path: color.Path, Type: "rgb", MinBrightness: 40},
		}
	case color != nil:
		logging.Infof("Auto-detected single rgb camera: %s", color.Path)
		return []config.CameraDefinition{
			{ID: "rgb", Path: color.Path, Type: "rgb", MinBrightness: 40},
		}
	case ir != nil:
		logging.Infof("Auto-detected single ir camera: %s", ir.Path)
		return []config.CameraDefinition{
			{ID: "ir", Path: ir.Path, Type: "ir", Mandatory: true},
		}
	case len(detected) > 0:
		logging.Infof("Auto-detected camera: %s", detected[0].Path)
		return []config.CameraDefinition{
			{ID: "cam0", Path: detected[0].Path, Type: "generic"},
		}
	default:
		logging.Error("No usable cameras found. Check that /dev/video* devices exist and are readable.")
		return nil
	}
}

// queryControl asks the device whether a control exists and is enabled.
func queryControl(path string, id uint32) bool {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)

	ctrl := v4l2QueryCtrl{ID: id}
	if err := ioctl(fd, vidiocQueryctrl, unsafe.Pointer(&ctrl)); err != nil {
		return false
	}
	return ctrl.Flags&ctrlFlagDisabled == 0
}
