package sshkey

import (
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// Dial connects to addr as user using the private key at privateKeyPath,
// retrying until ctx-independent timeout elapses — guests take a few
// seconds past boot to bring the SSH side channel up. Host key checking is
// intentionally skipped: the guest is ephemeral and its host key was never
// distributed out of band, mirroring podman machine's own first-boot SSH
// handshake.
func Dial(addr, user, privateKeyPath string, timeout time.Duration) (*ssh.Client, error) {
	keyBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", privateKeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key %s: %w", privateKeyPath, err)
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			lastErr = err
			time.Sleep(time.Second)
			continue
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			lastErr = err
			conn.Close()
			time.Sleep(time.Second)
			continue
		}
		return ssh.NewClient(c, chans, reqs), nil
	}
	return nil, fmt.Errorf("dialing %s: %w", addr, lastErr)
}
