// Package device validates a target device path before a flash operation:
// it must exist, be a whole block device (not a partition), not be the
// system root device, and not be mounted (unless explicitly allowed).
package device

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
)

// Info describes a validated block device.
type Info struct {
	Path          string
	IsBlockDevice bool
	IsWholeDevice bool
	IsMounted     bool
	MountPoints   []string
	SizeBytes     *int64
	Model         string
	Serial        string
}

var (
	partitionPatternSD   = regexp.MustCompile(`^/dev/[shv]d[a-z]+(\d+)$`)
	partitionPatternNVMe = regexp.MustCompile(`^/dev/nvme\d+n\d+p(\d+)$`)
	partitionPatternMMC  = regexp.MustCompile(`^/dev/mmcblk\d+p(\d+)$`)
	partitionPatternLoop = regexp.MustCompile(`^/dev/loop\d+p(\d+)$`)
)

// IsPartitionPath reports whether devicePath's naming convention looks like
// a partition rather than a whole device (SCSI/SATA/USB, NVMe, MMC/SD,
// loop devices).
func IsPartitionPath(devicePath string) bool {
	for _, p := range []*regexp.Regexp{partitionPatternSD, partitionPatternNVMe, partitionPatternMMC, partitionPatternLoop} {
		if p.MatchString(devicePath) {
			return true
		}
	}
	return false
}

// IsBlockDevice reports whether devicePath refers to an existing block
// device.
func IsBlockDevice(devicePath string) bool {
	var st syscall.Stat_t
	if err := syscall.Stat(devicePath, &st); err != nil {
		return false
	}
	return st.Mode&syscall.S_IFMT == syscall.S_IFBLK
}

// GetMountPoints parses /proc/mounts and returns every mount point backed
// by devicePath or one of its partitions.
func GetMountPoints(devicePath string) []string {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		logrus.WithField("component", "device").Warn("could not read /proc/mounts, skipping mount check")
		return nil
	}
	defer f.Close()
	return mountPointsFor(f, devicePath)
}

// mountPointsFor scans a mounts-file-formatted reader for entries backed by
// devicePath or one of its partitions. Split out from GetMountPoints so the
// parsing logic can be exercised without a real /proc/mounts.
func mountPointsFor(r io.Reader, devicePath string) []string {
	deviceName := filepath.Base(devicePath)

	var mountPoints []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		mountedName := filepath.Base(fields[0])
		mountPoint := fields[1]

		if mountedName == deviceName {
			mountPoints = append(mountPoints, mountPoint)
			continue
		}
		if strings.HasPrefix(mountedName, deviceName) && len(mountedName) > len(deviceName) {
			next := mountedName[len(deviceName)]
			if next >= '0' && next <= '9' || next == 'p' {
				mountPoints = append(mountPoints, mountPoint)
			}
		}
	}
	return mountPoints
}

// GetRootDevice returns the whole-device path backing the "/" mount, or ""
// if it cannot be determined.
func GetRootDevice() string {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		logrus.WithField("component", "device").Warn("could not read /proc/mounts to determine root device")
		return ""
	}
	defer f.Close()
	return rootDeviceFrom(f)
}

func rootDeviceFrom(r io.Reader) string {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == "/" {
			return partitionToWholeDevice(fields[0])
		}
	}
	return ""
}

func partitionToWholeDevice(partitionPath string) string {
	if m := partitionPatternSD.FindStringSubmatch(partitionPath); m != nil {
		return partitionPath[:len(partitionPath)-len(m[1])]
	}
	for _, p := range []*regexp.Regexp{partitionPatternNVMe, partitionPatternMMC, partitionPatternLoop} {
		if p.MatchString(partitionPath) {
			if idx := strings.LastIndex(partitionPath, "p"); idx != -1 {
				return partitionPath[:idx]
			}
		}
	}
	return partitionPath
}

// GetDeviceSize reads a block device's size in bytes from sysfs, or
// returns nil if it cannot be determined.
func GetDeviceSize(devicePath string) *int64 {
	deviceName := filepath.Base(devicePath)
	sizePath := filepath.Join("/sys/block", deviceName, "size")

	data, err := os.ReadFile(sizePath)
	if err != nil {
		return nil
	}
	sectors, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return nil
	}
	size := sectors * 512
	return &size
}

// ValidateOptions toggles the optional checks of Validate.
type ValidateOptions struct {
	CheckMount        bool
	CheckSystemDevice bool
	AllowMounted      bool
}

// DefaultValidateOptions enables every safety check.
func DefaultValidateOptions() ValidateOptions {
	return ValidateOptions{CheckMount: true, CheckSystemDevice: true}
}

// Validate performs the full pre-flash validation sequence: existence,
// block-device-ness, whole-device-ness, system-root exclusion, and mount
// status.
func Validate(devicePath string, opts ValidateOptions) (*Info, error) {
	absPath, err := filepath.Abs(devicePath)
	if err != nil {
		return nil, errs.Wrap(errs.KindDeviceNotFound, "failed to resolve device path", err)
	}

	if _, err := os.Stat(absPath); err != nil {
		return nil, errs.New(errs.KindDeviceNotFound, "device not found: "+absPath)
	}

	if !IsBlockDevice(absPath) {
		return nil, errs.New(errs.KindNotBlockDevice, "not a block device: "+absPath)
	}

	if IsPartitionPath(absPath) {
		return nil, errs.New(errs.KindPartitionNotAllowed,
			"device appears to be a partition, not a whole device: "+absPath+
				". Only whole devices (e.g., /dev/sda, /dev/mmcblk0) are supported.")
	}

	if opts.CheckSystemDevice {
		if root := GetRootDevice(); root != "" && absPath == root {
			return nil, errs.New(errs.KindSystemDevice,
				"device "+absPath+" appears to be the system root device. Refusing to flash to avoid data loss.")
		}
	}

	var mountPoints []string
	var isMounted bool
	if opts.CheckMount {
		mountPoints = GetMountPoints(absPath)
		isMounted = len(mountPoints) > 0
		if isMounted && !opts.AllowMounted {
			return nil, errs.New(errs.KindDeviceMounted,
				"device "+absPath+" has mounted partitions: "+strings.Join(mountPoints, ", ")+
					". Unmount all partitions before flashing.")
		}
	}

	return &Info{
		Path:          absPath,
		IsBlockDevice: true,
		IsWholeDevice: true,
		IsMounted:     isMounted,
		MountPoints:   mountPoints,
		SizeBytes:     GetDeviceSize(absPath),
	}, nil
}
