// Package proto defines the plain-text request protocol spoken over
// the daemon's unix socket and a small client for it. One request per
// connection: a space-separated command line in, one response line out.
package proto

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"
)

// Version is the protocol and daemon version reported by GET_VERSION.
const Version = "1.0.0"

// Commands.
const (
	CmdAuthRequest     = "AUTH_REQUEST"
	CmdAddUser         = "ADD_USER"
	CmdSetLabel        = "SET_LABEL"
	CmdTrainUser       = "TRAIN_USER"
	CmdTrainNew        = "TRAIN_NEW"
	CmdListEmbeddings  = "LIST_EMBEDDINGS"
	CmdRemoveEmbedding = "REMOVE_EMBEDDING"
	CmdTestAuth        = "TEST_AUTH"
	CmdGetVersion      = "GET_VERSION"
)

// Responses.
const (
	RespAuthSuccess   = "AUTH_SUCCESS"
	RespAuthFail      = "AUTH_FAIL"
	RespEnrollSuccess = "ENROLL_SUCCESS"
	RespEnrollFail    = "ENROLL_FAIL"
	RespLabelSet      = "LABEL_SET"
	RespLabelFail     = "LABEL_FAIL"
	RespTrainSuccess  = "TRAIN_SUCCESS"
	RespTrainFail     = "TRAIN_FAIL"
	RespRemoved       = "REMOVED"
	RespRemoveFail    = "REMOVE_FAIL"
	RespHWOK          = "HW_OK"
	RespHWFail        = "HW_FAIL"
	RespNoEmbeddings  = "No embeddings found"

	RespUnknownCommand = "ERROR Unknown Command"
	RespException      = "ERROR Exception"
	RespMissingArgs    = "ERROR Missing user or label"
)

// DefaultTimeout bounds a full request round trip. It must exceed the
// engine's worst-case capture time (open retries plus settle delays).
const DefaultTimeout = 30 * time.Second

// Client sends single requests to a running daemon.
type Client struct {
	SocketPath string
	Timeout    time.Duration
}

// Send writes one request line and reads the response line.
func (c *Client) Send(args ...string) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	conn, err := net.DialTimeout("unix", c.SocketPath, timeout)
	if err != nil {
		return "", fmt.Errorf("connect to %s: %w", c.SocketPath, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}

	if _, err := fmt.Fprintln(conn, strings.Join(args, " ")); err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}

	resp, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && resp == "" {
		return "", fmt.Errorf("read response: %w", err)
	}
	return strings.TrimRight(resp, "\r\n"), nil
}
