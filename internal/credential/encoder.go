// Package credential implements the Credential Encoder (4.B): a pure,
// side-effect-free packer of SSH keys and first-boot units into the guest
// firmware's system-credential wire format.
package credential

import (
	"encoding/base64"
	"encoding/binary"
)

// Names the guest's credential-consuming init recognizes, fixed by its
// contract (§4.B).
const (
	authorizedKeysCredentialName = "ssh.authorized_keys.root"
	unitCredentialPrefix         = "systemd.extra-unit."
)

// Credential is one opaque (name, bytes) pair ready to hand to the Emulator
// Launcher as a firmware credential (§3 "Credential bundle").
type Credential struct {
	Name string
	// Payload is already wire-encoded; the Emulator Launcher passes it
	// through unescaped.
	Payload string
}

// Unit is a first-boot systemd unit to inject, named by its install-time
// filename (e.g. "bcvk-installer.service").
type Unit struct {
	Filename string
	Content  string
}

// Request bundles everything the encoder needs for one run: the
// authorized-keys blob for the root user, plus any first-boot units.
type Request struct {
	AuthorizedKeys []byte
	Units          []Unit
}

// Encode is pure: identical input produces identical output bytes, no I/O.
// It packs the authorized-key blob under the name the guest's init treats
// as root's authorized-keys source, then emits one credential per unit,
// under a name the init recognizes as "install this system unit".
func Encode(req Request) []Credential {
	var out []Credential

	if len(req.AuthorizedKeys) > 0 {
		out = append(out, Credential{
			Name:    authorizedKeysCredentialName,
			Payload: wireEncode(req.AuthorizedKeys),
		})
	}

	for _, u := range req.Units {
		out = append(out, Credential{
			Name:    unitCredentialPrefix + u.Filename,
			Payload: wireEncode([]byte(u.Content)),
		})
	}

	return out
}

// wireEncode applies the firmware-credential channel's encoding — base64
// over a 4-byte big-endian length prefix followed by the raw payload —
// centrally, so callers never escape strings themselves (§4.B).
func wireEncode(payload []byte) string {
	framed := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(framed, uint32(len(payload)))
	copy(framed[4:], payload)
	return base64.StdEncoding.EncodeToString(framed)
}
