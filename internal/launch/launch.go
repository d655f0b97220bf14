// Package launch builds the argv the Outer Runner hands to the privileged
// container's entrypoint: the same bcvk binary, re-exec'd as the hidden
// `internal-supervisor` subcommand (§9 "Cyclic inner-outer relationship").
// State crossing the fork is carried as a single base64-encoded JSON blob
// rather than one flag per field, so arbitrarily large credential payloads
// never hit argv-length limits.
package launch

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/cgwalters/bcvk/internal/bootcimage"
	"github.com/cgwalters/bcvk/internal/credential"
	"github.com/cgwalters/bcvk/internal/orchestrator"
)

// State is everything the inner supervisor needs to reconstruct the
// filesystem server(s) and emulator launcher inside the container.
type State struct {
	ImageReference string                   `json:"imageReference"`
	KernelPath     string                   `json:"kernelPath"`
	InitramfsPath  string                   `json:"initramfsPath"`
	MemoryBytes    uint64                   `json:"memoryBytes"`
	VCPUs          int                      `json:"vcpus"`
	ExtraKargs     []string                 `json:"extraKargs"`
	Binds          []orchestrator.BindMount      `json:"binds"`
	Disks          []orchestrator.DiskAttach     `json:"disks"`
	SerialCaptures []orchestrator.SerialCapture  `json:"serialCaptures"`
	Credentials    []credential.Credential       `json:"credentials"`
	Console        bool                          `json:"console"`
	DebugShell     bool                          `json:"debugShell"`
}

// Launcher implements orchestrator.LauncherFactory against the real
// argv-encoding scheme.
type Launcher struct{}

var _ orchestrator.LauncherFactory = Launcher{}

func (Launcher) BuildCommand(facts *bootcimage.Facts, req orchestrator.RunRequest, creds []credential.Credential) []string {
	st := State{
		ImageReference: facts.Reference,
		KernelPath:     facts.KernelPath,
		InitramfsPath:  facts.InitramfsPath,
		MemoryBytes:    req.MemoryBytes,
		VCPUs:          req.VCPUs,
		ExtraKargs:     req.ExtraKargs,
		Binds:          req.Binds,
		Disks:          req.Disks,
		SerialCaptures: req.SerialCaptures,
		Credentials:    creds,
		Console:        req.Console,
		DebugShell:     req.DebugShell,
	}
	encoded, err := Encode(st)
	if err != nil {
		// BuildCommand has no error return (§4.G treats argv construction
		// as pure); a marshal failure here means a programming error in
		// State's shape, not a runtime condition callers can recover
		// from, so surface it the same way a template panic would.
		panic(fmt.Sprintf("encoding supervisor state: %v", err))
	}
	return []string{"/usr/bin/bcvk", "internal-supervisor", "--state", encoded}
}

// Encode serializes st as the orchestrator embeds it into argv.
func Encode(st State) (string, error) {
	buf, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("marshaling supervisor state: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Decode reverses Encode; called by the internal-supervisor entrypoint.
func Decode(encoded string) (*State, error) {
	buf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding supervisor state: %w", err)
	}
	var st State
	if err := json.Unmarshal(buf, &st); err != nil {
		return nil, fmt.Errorf("parsing supervisor state: %w", err)
	}
	return &st, nil
}
