// Package catalog builds the per-invocation snapshot of the host's block
// devices. Enumeration cross-checks every sysfs entry against its device
// node: the two are populated by different mechanisms (the kernel and the
// device manager), and a disagreement between them means the host cannot
// be trusted with destructive operations.
package catalog

import (
	"errors"
	"io/fs"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"golang.org/x/sys/unix"

	"github.com/jbweber/bedrock/internal/config"
	"github.com/jbweber/bedrock/internal/fault"
	"github.com/jbweber/bedrock/internal/sysfs"
)

// supportedPrefixes are the device classes bedrock will consider:
// SCSI/SATA and legacy IDE disks, software RAID, Xen and virtio virtual
// disks, NVMe. Everything else in /sys/block (loop, zram, device-mapper,
// ...) is ignored.
var supportedPrefixes = []string{"sd", "hd", "md", "xvd", "vd", "nvme"}

// Supported reports whether a device name belongs to a recognized class.
func Supported(name string) bool {
	for _, prefix := range supportedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// ParentDevice returns the whole-disk name for a partition name, or the
// name itself for a whole disk. "sda1" → "sda", "nvme0n1p2" → "nvme0n1".
func ParentDevice(name string) string {
	// nvme and md disk names themselves end in digits; their partitions
	// carry a pN suffix instead.
	if strings.HasPrefix(name, "nvme") || strings.HasPrefix(name, "md") {
		if i := strings.LastIndexByte(name, 'p'); i > 0 && allDigits(name[i+1:]) {
			return name[:i]
		}
		return name
	}
	return strings.TrimRightFunc(name, unicode.IsDigit)
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Partition is a catalog entry for a partition at or above the size
// floor.
type Partition struct {
	Name      string
	SizeBytes uint64
	Dev       sysfs.DevNum
	InUse     bool
}

// BlockDevice is a catalog entry for a whole disk.
type BlockDevice struct {
	Name       string
	SizeBytes  uint64
	Dev        sysfs.DevNum
	Removable  bool
	InUse      bool
	Partitions []Partition
}

// DevPath returns the device node path for a device or partition name.
func DevPath(devDir, name string) string {
	if devDir == "" {
		devDir = "/dev"
	}
	return strings.TrimSuffix(devDir, "/") + "/" + name
}

// Classifier computes the busy verdict for a device or partition name.
type Classifier interface {
	IsBusy(name string) (bool, error)
}

// Reader enumerates block devices.
type Reader struct {
	Sys      sysfs.FS
	DevDir   string
	Policy   config.Policy
	Clock    clock.Clock
	Classify Classifier

	// statRdev returns the rdev of a block-device node; replaced in
	// tests, where no real nodes exist.
	statRdev func(path string) (uint64, error)
}

// NewReader returns a Reader over the host's real sysfs and /dev.
func NewReader(sys sysfs.FS, devDir string, policy config.Policy, clk clock.Clock, classify Classifier) *Reader {
	return &Reader{
		Sys:      sys,
		DevDir:   devDir,
		Policy:   policy,
		Clock:    clk,
		Classify: classify,
		statRdev: statBlockRdev,
	}
}

func statBlockRdev(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return 0, fault.Environmentf("%s exists but is not a block device node", path)
	}
	return uint64(st.Rdev), nil
}

// Enumerate returns the catalog snapshot, sorted by name. Removable
// devices are skipped unless includeRemovable is set.
func (r *Reader) Enumerate(includeRemovable bool) ([]BlockDevice, error) {
	entries, err := os.ReadDir(r.Sys.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fault.Environmentf("device tree %s is missing; is sysfs mounted?", r.Sys.Root)
		}
		return nil, fault.Environmentf("reading device tree %s: %w", r.Sys.Root, err)
	}

	var devices []BlockDevice
	for _, entry := range entries {
		name := entry.Name()
		if !Supported(name) {
			continue
		}

		device, skip, err := r.readDevice(name, includeRemovable)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		devices = append(devices, device)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices, nil
}

func (r *Reader) readDevice(name string, includeRemovable bool) (BlockDevice, bool, error) {
	removable, err := r.Sys.ReadBool(name, "removable")
	if err != nil {
		return BlockDevice{}, false, err
	}
	if removable && !includeRemovable {
		return BlockDevice{}, true, nil
	}

	size, err := r.Sys.ReadSize(name, "size")
	if err != nil {
		return BlockDevice{}, false, err
	}
	num, err := r.Sys.ReadDevNum(name, "dev")
	if err != nil {
		return BlockDevice{}, false, err
	}
	if err := r.verifyDevNode(name, num); err != nil {
		return BlockDevice{}, false, err
	}

	busy, err := r.Classify.IsBusy(name)
	if err != nil {
		return BlockDevice{}, false, err
	}

	partitions, err := r.readPartitions(name)
	if err != nil {
		return BlockDevice{}, false, err
	}

	return BlockDevice{
		Name:       name,
		SizeBytes:  size,
		Dev:        num,
		Removable:  removable,
		InUse:      busy,
		Partitions: partitions,
	}, false, nil
}

func (r *Reader) readPartitions(device string) ([]Partition, error) {
	names, err := r.Sys.ListDir(device)
	if err != nil {
		return nil, err
	}

	var partitions []Partition
	for _, name := range names {
		if !strings.HasPrefix(name, device) || name == device {
			continue
		}
		// Partition subtrees are the entries carrying their own size.
		if !r.Sys.Exists(device, name, "size") {
			continue
		}

		size, err := r.Sys.ReadSize(device, name, "size")
		if err != nil {
			return nil, err
		}
		if size < r.Policy.PartitionFloorBytes {
			continue
		}

		num, err := r.Sys.ReadDevNum(device, name, "dev")
		if err != nil {
			return nil, err
		}
		if err := r.verifyDevNode(name, num); err != nil {
			return nil, err
		}

		busy, err := r.Classify.IsBusy(name)
		if err != nil {
			return nil, err
		}

		partitions = append(partitions, Partition{
			Name:      name,
			SizeBytes: size,
			Dev:       num,
			InUse:     busy,
		})
	}

	sort.Slice(partitions, func(i, j int) bool { return partitions[i].Name < partitions[j].Name })
	return partitions, nil
}

// verifyDevNode waits for the device node to appear and checks its
// device number against sysfs. The device manager creates nodes
// asynchronously, so absence is retried on a short bounded schedule; a
// present node with the wrong number is never retried, it is a host
// inconsistency that halts the run.
func (r *Reader) verifyDevNode(name string, want sysfs.DevNum) error {
	path := DevPath(r.DevDir, name)

	err := retry.Call(retry.CallArgs{
		Clock:    r.Clock,
		Attempts: r.Policy.DeviceNodeAttempts,
		Delay:    r.Policy.DeviceNodeDelay.D(),
		Func: func() error {
			rdev, err := r.statRdev(path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) || fault.KindOf(err) != fault.KindNone {
					return err
				}
				return fault.IOf("stat %s: %w", path, err)
			}
			if rdev != want.Rdev() {
				got := sysfs.FromRdev(rdev)
				return fault.Environmentf(
					"device node %s is %s but the kernel reports %s for %s; the host's device tree is inconsistent",
					path, got, want, name)
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			// Only "node not there yet" is worth waiting out.
			return !errors.Is(err, fs.ErrNotExist)
		},
	})
	if err == nil {
		return nil
	}
	if retry.IsAttemptsExceeded(err) {
		return fault.Environmentf("device node %s never appeared for %s: %w", path, name, retry.LastError(err))
	}
	return err
}
