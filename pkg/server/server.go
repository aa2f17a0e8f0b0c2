// Package server accepts requests on the daemon's unix socket and
// dispatches them to the engine. Requests are handled one at a time
// since the camera hardware cannot be shared.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/camgate/camgate/pkg/engine"
	"github.com/camgate/camgate/pkg/logging"
	"github.com/camgate/camgate/pkg/proto"
)

const (
	acceptTimeout = time.Second
	connTimeout   = 30 * time.Second
)

// Engine is the subset of the policy engine the server dispatches to.
type Engine interface {
	VerifyUser(username string) bool
	EnrollUser(username string) (bool, string)
	TrainUser(username, label string, createNew bool) bool
	TestCameras() bool
	TestAuth(username string) engine.Result
	PerformMaintenance()
	Version() string
}

// Store is the subset of the embedding store the server dispatches to.
type Store interface {
	CommitLabel(username, label, modelVersion string) (bool, error)
	ListLabels(username string) ([]string, error)
	RemoveLabel(username, label string) (bool, error)
}

// Server handles the request protocol.
type Server struct {
	eng   Engine
	store Store
}

// New creates a Server over an engine and store.
func New(eng Engine, store Store) *Server {
	return &Server{eng: eng, store: store}
}

// Handle dispatches one request line and returns the response line.
// A panic anywhere below becomes an ERROR Exception response instead of
// taking the daemon down.
func (s *Server) Handle(request string) (response string) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("Panic while handling %q: %v", request, r)
			response = proto.RespException
		}
	}()

	fields := strings.Fields(request)
	if len(fields) == 0 {
		return proto.RespUnknownCommand
	}
	cmd := fields[0]
	args := fields[1:]

	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch cmd {
	case proto.CmdAuthRequest:
		if arg(0) == "" {
			return proto.RespAuthFail
		}
		if s.eng.VerifyUser(arg(0)) {
			return proto.RespAuthSuccess
		}
		return proto.RespAuthFail

	case proto.CmdAddUser:
		if arg(0) == "" {
			return proto.RespEnrollFail + " Missing user"
		}
		ok, reason := s.eng.EnrollUser(arg(0))
		if ok {
			return proto.RespEnrollSuccess
		}
		if reason == "" {
			reason = "Enrollment failed"
		}
		return proto.RespEnrollFail + " " + reason

	case proto.CmdSetLabel:
		if arg(0) == "" || arg(1) == "" {
			return proto.RespMissingArgs
		}
		ok, err := s.store.CommitLabel(arg(0), arg(1), s.eng.Version())
		if err != nil {
			logging.WithError(err).Warnf("SET_LABEL %s failed", arg(0))
		}
		if ok {
			return proto.RespLabelSet
		}
		return proto.RespLabelFail

	case proto.CmdTrainUser:
		if arg(0) == "" {
			return proto.RespTrainFail
		}
		if s.eng.TrainUser(arg(0), arg(1), false) {
			return proto.RespTrainSuccess
		}
		return proto.RespTrainFail

	case proto.CmdTrainNew:
		if arg(0) == "" {
			return proto.RespTrainFail
		}
		if s.eng.TrainUser(arg(0), arg(1), true) {
			return proto.RespTrainSuccess
		}
		return proto.RespTrainFail

	case proto.CmdListEmbeddings:
		if arg(0) == "" {
			return proto.RespNoEmbeddings
		}
		labels, err := s.store.ListLabels(arg(0))
		if err != nil || len(labels) == 0 {
			return proto.RespNoEmbeddings
		}
		return "Labels: " + strings.Join(labels, " ")

	case proto.CmdRemoveEmbedding:
		if arg(0) == "" || arg(1) == "" {
			return proto.RespRemoveFail
		}
		removed, err := s.store.RemoveLabel(arg(0), arg(1))
		if err != nil {
			logging.WithError(err).Warnf("REMOVE_EMBEDDING %s failed", arg(0))
		}
		if removed {
			return proto.RespRemoved
		}
		return proto.RespRemoveFail

	case proto.CmdTestAuth:
		if !s.eng.TestCameras() {
			return proto.RespHWFail
		}
		if arg(0) == "" {
			return proto.RespHWOK
		}
		res := s.eng.TestAuth(arg(0))
		if res.Success {
			return proto.RespHWOK + " | " + proto.RespAuthSuccess
		}
		return fmt.Sprintf("%s | %s: %s", proto.RespHWOK, proto.RespAuthFail, res.Reason)

	case proto.CmdGetVersion:
		return fmt.Sprintf("camgate %s (model %s)", proto.Version, s.eng.Version())

	default:
		return proto.RespUnknownCommand
	}
}

// Serve listens on the unix socket and handles requests until the
// context is canceled. The accept loop wakes up about once a second so
// idle maintenance runs even without traffic.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	// Any local session must be able to request its own authentication.
	if err := os.Chmod(socketPath, 0666); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	unixListener := listener.(*net.UnixListener)
	logging.Infof("Listening on %s", socketPath)

	for {
		if ctx.Err() != nil {
			return nil
		}

		unixListener.SetDeadline(time.Now().Add(acceptTimeout))
		conn, err := unixListener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.eng.PerformMaintenance()
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			logging.WithError(err).Warn("Accept failed")
			continue
		}

		s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(connTimeout))

	request, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && request == "" {
		logging.WithError(err).Debug("Dropping unreadable connection")
		return
	}
	request = strings.TrimRight(request, "\r\n")
	logging.Debugf("Request: %s", request)

	response := s.Handle(request)
	if _, err := fmt.Fprintln(conn, response); err != nil {
		logging.WithError(err).Debug("Writing response failed")
	}
}
