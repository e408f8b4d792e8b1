package device

import (
	"strings"
	"testing"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
)

func TestIsPartitionPath(t *testing.T) {
	cases := map[string]bool{
		"/dev/sda":        false,
		"/dev/sda1":       true,
		"/dev/sdb12":      true,
		"/dev/mmcblk0":    false,
		"/dev/mmcblk0p1":  true,
		"/dev/nvme0n1":    false,
		"/dev/nvme0n1p1":  true,
		"/dev/loop0":      false,
		"/dev/loop0p1":    true,
	}
	for path, want := range cases {
		if got := IsPartitionPath(path); got != want {
			t.Errorf("IsPartitionPath(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestPartitionToWholeDevice(t *testing.T) {
	cases := map[string]string{
		"/dev/sda1":      "/dev/sda",
		"/dev/sdb12":     "/dev/sdb",
		"/dev/mmcblk0p1": "/dev/mmcblk0",
		"/dev/nvme0n1p1": "/dev/nvme0n1",
		"/dev/loop0p1":   "/dev/loop0",
		"/dev/sda":       "/dev/sda",
	}
	for partition, want := range cases {
		if got := partitionToWholeDevice(partition); got != want {
			t.Errorf("partitionToWholeDevice(%q) = %q, want %q", partition, got, want)
		}
	}
}

func TestMountPointsFor(t *testing.T) {
	mounts := strings.Join([]string{
		"/dev/sda1 / ext4 rw,relatime 0 0",
		"/dev/sdb1 /mnt/data ext4 rw,relatime 0 0",
		"/dev/sdb2 /mnt/backup ext4 rw,relatime 0 0",
		"tmpfs /tmp tmpfs rw 0 0",
	}, "\n")

	got := mountPointsFor(strings.NewReader(mounts), "/dev/sdb")
	if len(got) != 2 || got[0] != "/mnt/data" || got[1] != "/mnt/backup" {
		t.Fatalf("unexpected mount points: %+v", got)
	}

	if got := mountPointsFor(strings.NewReader(mounts), "/dev/sdc"); len(got) != 0 {
		t.Fatalf("expected no mount points for unrelated device, got %+v", got)
	}
}

func TestRootDeviceFrom(t *testing.T) {
	mounts := "/dev/mmcblk0p2 / ext4 rw,relatime 0 0\n/dev/mmcblk0p1 /boot vfat rw 0 0\n"
	if got := rootDeviceFrom(strings.NewReader(mounts)); got != "/dev/mmcblk0" {
		t.Fatalf("expected /dev/mmcblk0, got %q", got)
	}

	if got := rootDeviceFrom(strings.NewReader("")); got != "" {
		t.Fatalf("expected empty string for empty mounts, got %q", got)
	}
}

func TestValidateRejectsMissingDevice(t *testing.T) {
	_, err := Validate("/dev/definitely-does-not-exist-12345", DefaultValidateOptions())
	if errs.KindOf(err) != errs.KindDeviceNotFound {
		t.Fatalf("expected device_not_found, got %v", err)
	}
}

func TestValidateRejectsNonBlockDevice(t *testing.T) {
	_, err := Validate("/etc/hostname", ValidateOptions{})
	if errs.KindOf(err) != errs.KindNotBlockDevice {
		t.Fatalf("expected not_block_device for a regular file, got %v", err)
	}
}
