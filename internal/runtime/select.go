package runtime

import (
	"context"
	"net"
	"os"

	"github.com/sirupsen/logrus"
)

// New picks a Runner implementation once at construction, never per-call
// (§4.F): the podman API socket when reachable, otherwise an ExecRunner
// invoking binary's own CLI.
func New(ctx context.Context, binary string, log logrus.FieldLogger) Runner {
	if uri := podmanSocketURI(); uri != "" && binary == "podman" {
		if r, err := NewPodmanRunner(ctx, uri, log); err == nil {
			return r
		}
	}
	return NewExecRunner(binary, log)
}

func podmanSocketURI() string {
	if uri := os.Getenv("CONTAINER_HOST"); uri != "" {
		return uri
	}
	candidates := []string{
		"/run/podman/podman.sock",
		"/run/user/" + os.Getenv("UID") + "/podman/podman.sock",
	}
	for _, path := range candidates {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return "unix://" + path
		}
	}
	return ""
}
