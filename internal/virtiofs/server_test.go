package virtiofs

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// TestWaitForSocketSucceedsOnceListening exercises the readiness poll
// directly against a real UNIX listener, without spawning virtiofsd.
func TestWaitForSocketSucceedsOnceListening(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "rootfs.sock")

	s := &Server{export: Export{Tag: "rootfs", SocketPath: sock}, log: logrus.New()}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.waitForSocket(ctx) }()

	time.Sleep(20 * time.Millisecond)
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()

	require.NoError(t, <-done)
}

func TestWaitForSocketRespectsCancellation(t *testing.T) {
	s := &Server{export: Export{Tag: "rootfs", SocketPath: filepath.Join(t.TempDir(), "never.sock")}, log: logrus.New()}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.waitForSocket(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	s := New("virtiofsd", Export{Tag: "rootfs"}, logrus.New())
	require.NoError(t, s.Stop())
}
