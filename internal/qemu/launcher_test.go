package qemu

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cgwalters/bcvk/internal/bootcimage"
)

func TestBuildArgsDirectKernelBoot(t *testing.T) {
	cfg := Config{
		Facts: bootcimage.Facts{
			KernelPath:    "/merged/usr/lib/modules/6.1/vmlinuz",
			InitramfsPath: "/merged/usr/lib/modules/6.1/initramfs.img",
			Architecture:  "x86_64",
		},
		MemoryBytes: 2 * 1024 * 1024 * 1024,
		VCPUs:       4,
		ExtraKargs:  []string{"console=ttyS0"},
		Rootfs:      RootfsExport{SocketPath: "/tmp/rootfs.sock", MemoryBytes: 2 * 1024 * 1024 * 1024},
		Disks:       []Disk{{HostFile: "/tmp/out.raw", Tag: "output"}},
		SerialPorts: []SerialPort{{Tag: "status", HostFile: "/tmp/status.sock"}},
	}

	args := BuildArgs(cfg)
	joined := join(args)

	require.Contains(t, joined, "-kernel /merged/usr/lib/modules/6.1/vmlinuz")
	require.Contains(t, joined, "-initrd /merged/usr/lib/modules/6.1/initramfs.img")
	require.Contains(t, joined, "root=rootfs")
	require.Contains(t, joined, "selinux=0")
	require.Contains(t, joined, "systemd.volatile=overlay")
	require.Contains(t, joined, "console=ttyS0")
	require.Contains(t, joined, "virtio-blk-pci,drive=disk-output,serial=output")
	require.Contains(t, joined, "virtserialport,chardev=vs-status,name=status")
	require.Contains(t, joined, "vhost-user-fs-pci,queue-size=1024,chardev=rootfs-chardev,tag=rootfs")
}

func TestBuildArgsIsDeterministic(t *testing.T) {
	cfg := Config{Facts: bootcimage.Facts{Architecture: "x86_64"}, MemoryBytes: 1024 * 1024 * 1024, VCPUs: 1}
	require.Equal(t, BuildArgs(cfg), BuildArgs(cfg))
}

func join(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
