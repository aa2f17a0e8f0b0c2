package camera

import "testing"

func TestFourcc(t *testing.T) {
	tests := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"GREY", fmtGrey, 0x59455247},
		{"Y10", fmtY10, 0x20303159},
		{"Y16", fmtY16, 0x20363159},
		{"MJPG", fmtMJPG, 0x47504A4D},
		{"YUYV", fmtYUYV, 0x56595559},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("fourcc = %#x, want %#x", tt.got, tt.want)
			}
		})
	}
}

func TestClassifyFormats(t *testing.T) {
	tests := []struct {
		name    string
		formats []uint32
		want    string
	}{
		{"grey only", []uint32{fmtGrey}, "ir"},
		{"ten bit grey", []uint32{fmtY10, fmtGrey}, "ir"},
		{"color only", []uint32{fmtMJPG, fmtYUYV}, "rgb"},
		{"mixed prefers color", []uint32{fmtGrey, fmtYUYV}, "rgb"},
		{"bgr", []uint32{fmtBGR3}, "rgb"},
		{"unknown formats", []uint32{0x12345678}, "generic"},
		{"empty", nil, "generic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyFormats(tt.formats); got != tt.want {
				t.Errorf("classifyFormats(%v) = %q, want %q", tt.formats, got, tt.want)
			}
		})
	}
}

func TestPairDetected(t *testing.T) {
	ir := DetectedCamera{Path: "/dev/video2", Type: "ir"}
	rgb := DetectedCamera{Path: "/dev/video0", Type: "rgb"}
	generic := DetectedCamera{Path: "/dev/video4", Type: "generic"}

	t.Run("dual setup", func(t *testing.T) {
		defs := pairDetected([]DetectedCamera{rgb, ir})
		if len(defs) != 2 {
			t.Fatalf("definitions = %d, want 2", len(defs))
		}
		if defs[0].Type != "ir" || !defs[0].Mandatory {
			t.Errorf("infrared camera must come first and be mandatory, got %+v", defs[0])
		}
		if defs[1].Type != "rgb" || defs[1].MinBrightness != 40 {
			t.Errorf("rgb camera = %+v, want brightness floor 40", defs[1])
		}
	})

	t.Run("generic pairs with ir", func(t *testing.T) {
		defs := pairDetected([]DetectedCamera{ir, generic})
		if len(defs) != 2 {
			t.Fatalf("definitions = %d, want 2", len(defs))
		}
		if defs[1].Path != generic.Path {
			t.Errorf("second camera path = %s, want %s", defs[1].Path, generic.Path)
		}
	})

	t.Run("single rgb", func(t *testing.T) {
		defs := pairDetected([]DetectedCamera{rgb})
		if len(defs) != 1 || defs[0].Type != "rgb" || defs[0].Mandatory {
			t.Errorf("definitions = %+v, want one optional rgb camera", defs)
		}
	})

	t.Run("single ir", func(t *testing.T) {
		defs := pairDetected([]DetectedCamera{ir})
		if len(defs) != 1 || defs[0].Type != "ir" || !defs[0].Mandatory {
			t.Errorf("definitions = %+v, want one mandatory ir camera", defs)
		}
	})

	t.Run("generic fallback", func(t *testing.T) {
		defs := pairDetected([]DetectedCamera{generic})
		if len(defs) != 1 || defs[0].ID != "cam0" {
			t.Errorf("definitions = %+v, want single cam0", defs)
		}
	})

	t.Run("nothing found", func(t *testing.T) {
		if defs := pairDetected(nil); defs != nil {
			t.Errorf("definitions = %+v, want nil", defs)
		}
	})
}

func TestCString(t *testing.T) {
	if got := cString([]byte{'c', 'a', 'm', 0, 'x'}); got != "cam" {
		t.Errorf("cString = %q, want cam", got)
	}
	if got := cString([]byte{'a', 'b'}); got != "ab" {
		t.Errorf("cString without terminator = %q, want ab", got)
	}
}
