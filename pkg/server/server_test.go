package server

import (
	"errors"
	"strings"
	"testing"

	"github.com/camgate/camgate/pkg/engine"
)

type mockEngine struct {
	verifyFunc func(string) bool
	enrollFunc func(string) (bool, string)
	trainFunc  func(string, string, bool) bool
	testFunc   func() bool

	maintenanceCalls int
}

func (m *mockEngine) VerifyUser(username string) bool {
	if m.verifyFunc != nil {
		return m.verifyFunc(username)
	}
	return false
}

func (m *mockEngine) EnrollUser(username string) (bool, string) {
	if m.enrollFunc != nil {
		return m.enrollFunc(username)
	}
	return false, "Enrollment failed"
}

func (m *mockEngine) TrainUser(username, label string, createNew bool) bool {
	if m.trainFunc != nil {
		return m.trainFunc(username, label, createNew)
	}
	return false
}

func (m *mockEngine) TestCameras() bool {
	if m.testFunc != nil {
		return m.testFunc()
	}
	return true
}

func (m *mockEngine) TestAuth(username string) engine.Result {
	if m.verifyFunc != nil && m.verifyFunc(username) {
		return engine.Result{Success: true}
	}
	return engine.Result{Reason: "Face mismatch (score: 0.21)"}
}

func (m *mockEngine) PerformMaintenance() { m.maintenanceCalls++ }
func (m *mockEngine) Version() string     { return "sface_2021dec" }

type mockStore struct {
	commitFunc func(string, string, string) (bool, error)
	listFunc   func(string) ([]string, error)
	removeFunc func(string, string) (bool, error)
}

func (m *mockStore) CommitLabel(username, label, modelVersion string) (bool, error) {
	if m.commitFunc != nil {
		return m.commitFunc(username, label, modelVersion)
	}
	return false, nil
}

func (m *mockStore) ListLabels(username string) ([]string, error) {
	if m.listFunc != nil {
		return m.listFunc(username)
	}
	return nil, errors.New("user not found")
}

func (m *mockStore) RemoveLabel(username, label string) (bool, error) {
	if m.removeFunc != nil {
		return m.removeFunc(username, label)
	}
	return false, nil
}

func TestHandle(t *testing.T) {
	eng := &mockEngine{
		verifyFunc: func(user string) bool { return user == "alice" },
		enrollFunc: func(user string) (bool, string) {
			if user == "alice" {
				return true, ""
			}
			return false, "Expected exactly one face, found 0"
		},
		trainFunc: func(user, label string, createNew bool) bool { return user == "alice" },
	}
	st := &mockStore{
		commitFunc: func(user, label, version string) (bool, error) {
			return user == "alice" && label == "glasses", nil
		},
		listFunc: func(user string) ([]string, error) {
			if user == "alice" {
				return []string{"default", "glasses"}, nil
			}
			return nil, errors.New("user not found")
		},
		removeFunc: func(user, label string) (bool, error) {
			return label == "glasses", nil
		},
	}
	srv := New(eng, st)

	tests := []struct {
		request string
		want    string
	}{
		{"AUTH_REQUEST alice", "AUTH_SUCCESS"},
		{"AUTH_REQUEST mallory", "AUTH_FAIL"},
		{"AUTH_REQUEST", "AUTH_FAIL"},
		{"ADD_USER alice", "ENROLL_SUCCESS"},
		{"ADD_USER bob", "ENROLL_FAIL Expected exactly one face, found 0"},
		{"ADD_USER", "ENROLL_FAIL Missing user"},
		{"SET_LABEL alice glasses", "LABEL_SET"},
		{"SET_LABEL alice hat", "LABEL_FAIL"},
		{"SET_LABEL alice", "ERROR Missing user or label"},
		{"SET_LABEL", "ERROR Missing user or label"},
		{"TRAIN_USER alice default", "TRAIN_SUCCESS"},
		{"TRAIN_USER bob default", "TRAIN_FAIL"},
		{"TRAIN_NEW alice", "TRAIN_SUCCESS"},
		{"LIST_EMBEDDINGS alice", "Labels: default glasses"},
		{"LIST_EMBEDDINGS bob", "No embeddings found"},
		{"REMOVE_EMBEDDING alice glasses", "REMOVED"},
		{"REMOVE_EMBEDDING alice hat", "REMOVE_FAIL"},
		{"REMOVE_EMBEDDING alice", "REMOVE_FAIL"},
		{"TEST_AUTH", "HW_OK"},
		{"TEST_AUTH alice", "HW_OK | AUTH_SUCCESS"},
		{"TEST_AUTH mallory", "HW_OK | AUTH_FAIL: Face mismatch (score: 0.21)"},
		{"GET_VERSION", "camgate 1.0.0 (model sface_2021dec)"},
		{"FROBNICATE", "ERROR Unknown Command"},
		{"", "ERROR Unknown Command"},
		{"   ", "ERROR Unknown Command"},
	}

	for _, tt := range tests {
		name := tt.request
		if strings.TrimSpace(name) == "" {
			name = "blank"
		}
		t.Run(name, func(t *testing.T) {
			if got := srv.Handle(tt.request); got != tt.want {
				t.Errorf("Handle(%q) = %q, want %q", tt.request, got, tt.want)
			}
		})
	}
}

func TestHandleHardwareFailure(t *testing.T) {
	eng := &mockEngine{testFunc: func() bool { return false }}
	srv := New(eng, &mockStore{})

	if got := srv.Handle("TEST_AUTH"); got != "HW_FAIL" {
		t.Errorf("Handle = %q, want HW_FAIL", got)
	}
	if got := srv.Handle("TEST_AUTH alice"); got != "HW_FAIL" {
		t.Errorf("Handle with user = %q, want HW_FAIL", got)
	}
}

func TestHandleRecoversFromPanic(t *testing.T) {
	eng := &mockEngine{verifyFunc: func(string) bool { panic("camera exploded") }}
	srv := New(eng, &mockStore{})

	if got := srv.Handle("AUTH_REQUEST alice"); got != "ERROR Exception" {
		t.Errorf("Handle = %q, want ERROR Exception", got)
	}
}
