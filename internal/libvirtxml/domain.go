// Package libvirtxml translates a domain descriptor into the hypervisor
// manager's XML dialect. Pure value-in/value-out generation, styled on the
// teacher's ContainerfileGenerator: a typed input struct, a Generate-style
// method with no side effects, retargeted from a Containerfile string
// builder to a libvirt.org/go/libvirtxml document.
package libvirtxml

import (
	"fmt"

	"github.com/cgwalters/bcvk/internal/credential"
	lxml "libvirt.org/go/libvirtxml"
)

// NetworkMode selects how the domain reaches the outside world.
type NetworkMode string

const (
	NetworkNone   NetworkMode = "none"
	NetworkUser   NetworkMode = "user"
	NetworkBridge NetworkMode = "bridge"
)

// Descriptor is the pure input to domain translation (§4.I).
type Descriptor struct {
	Name            string
	MemoryBytes     uint64
	VCPUs           uint
	VolumeName      string
	StoragePoolName string
	Network         NetworkMode
	BridgeName      string
	SSHHostPort     uint
	SourceImage     string
	PrivateKeyPath  string
	Credentials     []credential.Credential
}

// bcvkNamespaceURI scopes the metadata block this tool writes into domain
// XML so List (4.J) can recognize domains it created.
const bcvkNamespaceURI = "https://github.com/cgwalters/bcvk"

// Translate builds the libvirtxml.Domain document for d. Idempotent and
// pure: the same Descriptor always yields the same document.
func Translate(d Descriptor) (*lxml.Domain, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("translating domain: name must not be empty")
	}

	domain := &lxml.Domain{
		Type: "kvm",
		Name: d.Name,
		Memory: &lxml.DomainMemory{
			Value: d.MemoryBytes / 1024,
			Unit:  "KiB",
		},
		VCPU: &lxml.DomainVCPU{Value: int(d.VCPUs)},
		OS: &lxml.DomainOS{
			Type: &lxml.DomainOSType{Type: "hvm"},
		},
		CPU: &lxml.DomainCPU{
			Mode:  "host-passthrough",
			Check: "none",
		},
		Devices: &lxml.DomainDeviceList{
			Disks:   []lxml.DomainDisk{diskFor(d)},
			Serials: []lxml.DomainSerial{consoleSerial()},
		},
	}

	if iface := networkInterface(d); iface != nil {
		domain.Devices.Interfaces = []lxml.DomainInterface{*iface}
	}

	domain.Metadata = &lxml.DomainMetadata{
		XML: metadataXML(d),
	}

	if len(d.Credentials) > 0 {
		domain.QEMUCommandline = credentialCommandline(d.Credentials)
	}

	return domain, nil
}

func diskFor(d Descriptor) lxml.DomainDisk {
	return lxml.DomainDisk{
		Device: "disk",
		Driver: &lxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
		Source: &lxml.DomainDiskSource{
			Volume: &lxml.DomainDiskSourceVolume{
				Pool:   d.StoragePoolName,
				Volume: d.VolumeName,
			},
		},
		Target: &lxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
	}
}

func consoleSerial() lxml.DomainSerial {
	return lxml.DomainSerial{
		Source: &lxml.DomainChardevSource{
			Pty: &lxml.DomainChardevSourcePty{},
		},
		Target: &lxml.DomainSerialTarget{
			Port: func() *uint { p := uint(0); return &p }(),
		},
	}
}

// networkInterface builds the interface device for d.Network. User-mode
// networking's SSH port forward (d.SSHHostPort) is not yet expressed here:
// it needs a qemu:commandline hostfwd argument kept in sync with the
// interface's auto-generated netdev id, which libvirtxml's typed interface
// source doesn't expose a way to pin down safely. Left for a follow-up
// once the libvirt version in use supports naming that id explicitly.
func networkInterface(d Descriptor) *lxml.DomainInterface {
	switch d.Network {
	case NetworkUser:
		return &lxml.DomainInterface{
			Model:  &lxml.DomainInterfaceModel{Type: "virtio"},
			Source: &lxml.DomainInterfaceSource{User: &lxml.DomainInterfaceSourceUser{}},
		}
	case NetworkBridge:
		return &lxml.DomainInterface{
			Model:  &lxml.DomainInterfaceModel{Type: "virtio"},
			Source: &lxml.DomainInterfaceSource{Bridge: &lxml.DomainInterfaceSourceBridge{Bridge: d.BridgeName}},
		}
	default:
		return nil
	}
}

// metadataXML embeds the private-namespace block recording provenance
// (source image, "generated by this tool", private key path) that 4.J's
// List operation later filters on.
func metadataXML(d Descriptor) string {
	return fmt.Sprintf(`<bcvk:instance xmlns:bcvk=%q>
  <bcvk:generated>true</bcvk:generated>
  <bcvk:source-image>%s</bcvk:source-image>
  <bcvk:private-key-path>%s</bcvk:private-key-path>
</bcvk:instance>`, bcvkNamespaceURI, escapeXML(d.SourceImage), escapeXML(d.PrivateKeyPath))
}

func escapeXML(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '<':
			out = append(out, []rune("&lt;")...)
		case '>':
			out = append(out, []rune("&gt;")...)
		case '&':
			out = append(out, []rune("&amp;")...)
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

// credentialCommandline embeds firmware credentials (4.B) as qemu
// commandline escapes, the only way to reach a persistent VM's guest
// firmware without depending on cloud-init inside the guest.
func credentialCommandline(creds []credential.Credential) *lxml.DomainQEMUCommandline {
	var args []lxml.DomainQEMUCommandlineArg
	for _, c := range creds {
		args = append(args, lxml.DomainQEMUCommandlineArg{Value: "-smbios"})
		args = append(args, lxml.DomainQEMUCommandlineArg{
			Value: fmt.Sprintf("type=11,value=io.systemd.credential.binary:%s=%s", c.Name, c.Payload),
		})
	}
	return &lxml.DomainQEMUCommandline{Args: args}
}
