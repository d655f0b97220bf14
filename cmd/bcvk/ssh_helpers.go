package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
)

const sshDialTimeout = 30 * time.Second

// instanceKeyDir is the per-instance directory generated key material for
// name lives under, per the per-user cache root (§9 "Global state").
func instanceKeyDir(a *app, name string) string {
	cacheDir := a.cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.Getenv("HOME"), ".cache", "bcvk")
	}
	return filepath.Join(cacheDir, "instances", name)
}

// instanceKeyPath locates the private key generated for a named ephemeral
// or persistent instance, used by `ephemeral ssh` to reconnect to an
// already-running VM.
func instanceKeyPath(a *app, name string) string {
	return filepath.Join(instanceKeyDir(a, name), "id_ed25519")
}

// runSSHCommand opens a session over client, runs argv (or an interactive
// shell when argv is empty), and relays stdio — the spec's explicit
// "strict-host-key-checking disabled" ephemeral-key SSH contract already
// having been satisfied at Dial time.
func runSSHCommand(client *ssh.Client, argv []string, cmd *cobra.Command) error {
	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	session.Stdout = cmd.OutOrStdout()
	session.Stderr = cmd.ErrOrStderr()
	session.Stdin = cmd.InOrStdin()

	if len(argv) == 0 {
		modes := ssh.TerminalModes{}
		if err := session.RequestPty("xterm", 80, 40, modes); err != nil {
			return err
		}
		if err := session.Shell(); err != nil {
			return err
		}
		return session.Wait()
	}

	return session.Run(strings.Join(argv, " "))
}
