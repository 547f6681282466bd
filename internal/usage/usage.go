// Package usage decides whether a block device is safe to destroy. No
// single kernel signal is reliable on its own: the re-read probe lags
// behind transient holders, the mount table misses bind aliases, and
// swap or volume-manager ownership is invisible to both. A device is
// busy if any signal says so; it is free only when all four agree.
package usage

import (
	"errors"
	"os"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/jbweber/bedrock/internal/catalog"
	"github.com/jbweber/bedrock/internal/config"
	"github.com/jbweber/bedrock/internal/fault"
	"github.com/jbweber/bedrock/internal/sysfs"
)

// Classifier computes busy verdicts. Verdicts are never cached; every
// call re-reads the live system state.
type Classifier struct {
	Sys       sysfs.FS
	DevDir    string
	SwapsPath string
	Policy    config.Policy
	Clock     clock.Clock

	// The individual signals, replaceable in tests.
	rereadProbe func(devPath string) error
	exclProbe   func(devPath string) error
	mountedDevs func() (map[uint64]bool, error)
	swapSources func() ([]string, error)
}

// New returns a Classifier over the live system.
func New(sys sysfs.FS, devDir string, policy config.Policy, clk clock.Clock) *Classifier {
	c := &Classifier{
		Sys:       sys,
		DevDir:    devDir,
		SwapsPath: "/proc/swaps",
		Policy:    policy,
		Clock:     clk,
	}
	c.rereadProbe = rereadPartitionTable
	c.exclProbe = exclusiveOpenProbe
	c.mountedDevs = c.liveMountDevices
	c.swapSources = c.liveSwapSources
	return c
}

// IsBusy reports whether a device or partition is in use. The four
// signals are checked in order and the first positive one wins.
func (c *Classifier) IsBusy(name string) (bool, error) {
	held, err := c.heldBy(name)
	if err != nil {
		return false, err
	}
	if held {
		return true, nil
	}

	busy, err := c.rereadBusy(name)
	if err != nil {
		return false, err
	}
	if busy {
		return true, nil
	}

	mounted, err := c.mounted(name)
	if err != nil {
		return false, err
	}
	if mounted {
		return true, nil
	}

	return c.swapped(name)
}

// heldBy checks the sysfs holders listing: a non-empty directory means
// another subsystem (device-mapper, md, ...) has claimed the device.
func (c *Classifier) heldBy(name string) (bool, error) {
	parts := c.sysParts(name)
	parts = append(parts, "holders")
	if !c.Sys.Exists(parts...) {
		return false, nil
	}
	holders, err := c.Sys.ListDir(parts...)
	if err != nil {
		return false, err
	}
	return len(holders) > 0, nil
}

// rereadBusy probes the device directly. Partitionable disks are asked
// to re-read their partition table, which the kernel refuses while
// anything holds the device. Partitions and software-RAID devices are
// instead opened exclusively. Both probes are retried on EBUSY because
// short-lived holders (udev settle, udisks) release within seconds.
func (c *Classifier) rereadBusy(name string) (bool, error) {
	devPath := catalog.DevPath(c.DevDir, name)

	probe := c.rereadProbe
	if !c.partitionable(name) {
		probe = c.exclProbe
	}

	err := retry.Call(retry.CallArgs{
		Clock:    c.Clock,
		Attempts: c.Policy.RereadAttempts,
		Delay:    c.Policy.RereadDelay.D(),
		Func:     func() error { return probe(devPath) },
		IsFatalError: func(err error) bool {
			return !errors.Is(err, unix.EBUSY)
		},
	})
	if err == nil {
		return false, nil
	}
	if retry.IsAttemptsExceeded(err) {
		err = retry.LastError(err)
	}
	if errors.Is(err, unix.EBUSY) {
		return true, nil
	}
	return false, fault.IOf("probing %s: %w", devPath, err)
}

func (c *Classifier) mounted(name string) (bool, error) {
	parts := c.sysParts(name)
	parts = append(parts, "dev")
	num, err := c.Sys.ReadDevNum(parts...)
	if err != nil {
		return false, err
	}

	devs, err := c.mountedDevs()
	if err != nil {
		return false, err
	}
	return devs[num.Rdev()], nil
}

func (c *Classifier) swapped(name string) (bool, error) {
	sources, err := c.swapSources()
	if err != nil {
		return false, err
	}
	devPath := catalog.DevPath(c.DevDir, name)
	for _, source := range sources {
		if source == devPath {
			return true, nil
		}
	}
	return false, nil
}

// partitionable reports whether the re-read probe applies: whole disks
// yes, partitions and md devices no.
func (c *Classifier) partitionable(name string) bool {
	return catalog.ParentDevice(name) == name && !strings.HasPrefix(name, "md")
}

// sysParts returns the sysfs path components for a device or partition;
// partitions nest under their parent.
func (c *Classifier) sysParts(name string) []string {
	parent := catalog.ParentDevice(name)
	if parent == name {
		return []string{name}
	}
	return []string{parent, name}
}

func rereadPartitionTable(devPath string) error {
	fd, err := unix.Open(devPath, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	_, err = unix.IoctlRetInt(fd, unix.BLKRRPART)
	return err
}

func exclusiveOpenProbe(devPath string) error {
	fd, err := unix.Open(devPath, unix.O_RDONLY|unix.O_EXCL|unix.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	return unix.Close(fd)
}

// liveMountDevices stats every mountpoint from the mount table, skipping
// the virtual and network filesystem types, and collects the device
// numbers backing the remaining mounts.
func (c *Classifier) liveMountDevices() (map[uint64]bool, error) {
	excluded := make(map[string]bool, len(c.Policy.ExcludedFSTypes))
	for _, fstype := range c.Policy.ExcludedFSTypes {
		excluded[fstype] = true
	}

	mounts, err := mountinfo.GetMounts(func(info *mountinfo.Info) (bool, bool) {
		return excluded[info.FSType], false
	})
	if err != nil {
		return nil, fault.IOf("reading mount table: %w", err)
	}

	devs := make(map[uint64]bool, len(mounts))
	for _, m := range mounts {
		var st unix.Stat_t
		if err := unix.Stat(m.Mountpoint, &st); err != nil {
			// A mount can disappear between the table read and the stat.
			continue
		}
		devs[uint64(st.Dev)] = true
	}
	return devs, nil
}

// liveSwapSources returns the backing paths from the swap table, header
// line skipped.
func (c *Classifier) liveSwapSources() ([]string, error) {
	data, err := os.ReadFile(c.SwapsPath)
	if err != nil {
		return nil, fault.IOf("reading swap table %s: %w", c.SwapsPath, err)
	}

	var sources []string
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		if i == 0 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		sources = append(sources, fields[0])
	}
	return sources, nil
}
