// camgate-pam is the thin PAM bridge, invoked by pam_exec. It asks the
// daemon to authenticate the PAM user and maps the outcome to exit
// codes: 0 for success, 2 for anything else so PAM falls back to the
// next credential method instead of locking the user out.
package main

import (
	"flag"
	"os"
	"os/user"

	"github.com/camgate/camgate/pkg/config"
	"github.com/camgate/camgate/pkg/proto"
	"github.com/camgate/camgate/pkg/store"
)

const (
	exitSuccess  = 0
	exitFallback = 2
)

func pamUser() string {
	if u := os.Getenv("PAM_USER"); u != "" {
		return u
	}
	if current, err := user.Current(); err == nil {
		return current.Username
	}
	return ""
}

func main() {
	socketPath := flag.String("socket", config.DefaultSocketPath, "daemon socket path")
	timeout := flag.Duration("timeout", proto.DefaultTimeout, "authentication timeout")
	flag.Parse()

	username := pamUser()
	if !store.ValidIdentifier(username) {
		os.Exit(exitFallback)
	}

	client := &proto.Client{SocketPath: *socketPath, Timeout: *timeout}
	resp, err := client.Send(proto.CmdAuthRequest, username)
	if err != nil || resp != proto.RespAuthSuccess {
		os.Exit(exitFallback)
	}
	os.Exit(exitSuccess)
}
