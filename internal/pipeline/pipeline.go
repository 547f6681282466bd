// Package pipeline applies the destructive provisioning steps: wipe,
// partition, register, assemble. Disks are wiped and partitioned in one
// pass and registered in a second, so no disk enters the volume layer
// while a sibling might still fail partitioning. Every destructive step
// re-checks the busy verdict first; a disk that went busy since the
// catalog snapshot aborts the whole run, because a race against another
// storage agent cannot be told apart from a genuinely active disk.
package pipeline

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/jbweber/bedrock/internal/catalog"
	"github.com/jbweber/bedrock/internal/fault"
	"github.com/jbweber/bedrock/internal/lvm"
)

// wipeBlockSize is one physical sector: enough to destroy any partition
// table or filesystem superblock magic at the start of the disk.
const wipeBlockSize = 512

// Classifier re-computes busy verdicts between steps.
type Classifier interface {
	IsBusy(name string) (bool, error)
}

// Partitioner lays a partition table and returns the pool-member
// partition name.
type Partitioner interface {
	Create(disk string, sizeBytes uint64) (string, error)
}

// VolumeManager is the slice of the volume-manager wrapper the pipeline
// uses.
type VolumeManager interface {
	LookupVG(name string) (*lvm.VolumeGroup, bool, error)
	CreatePV(devPath string) error
	CreateVG(name string, devPaths []string) error
}

// BlockFile is the raw-device handle used by the wipe step.
type BlockFile interface {
	io.Reader
	io.Writer
	io.Seeker
	Sync() error
	Close() error
}

// Provisioner drives the per-disk state machine.
type Provisioner struct {
	Classify  Classifier
	Partition Partitioner
	Volumes   VolumeManager
	DevDir    string

	// Out receives progress lines; nil silences them.
	Out io.Writer

	// RunID tags progress and fault text so partially-modified state can
	// be traced back to the run that produced it.
	RunID string

	// openDevice is replaced in tests.
	openDevice func(path string) (BlockFile, error)
}

// New returns a Provisioner operating on real device nodes.
func New(classify Classifier, part Partitioner, volumes VolumeManager, devDir string, out io.Writer, runID string) *Provisioner {
	return &Provisioner{
		Classify:  classify,
		Partition: part,
		Volumes:   volumes,
		DevDir:    devDir,
		Out:       out,
		RunID:     runID,
		openDevice: func(path string) (BlockFile, error) {
			return os.OpenFile(path, os.O_RDWR, 0)
		},
	}
}

// Provision wipes, partitions and registers every disk, then assembles
// the pool. Earlier disks are left as-is when a later one fails; the
// fault text warns the operator.
func (p *Provisioner) Provision(vgName string, disks []catalog.BlockDevice) error {
	p.printf("provisioning run %s: %d disk(s) into volume group %s\n", p.RunID, len(disks), vgName)

	targets := make([]string, 0, len(disks))
	for _, disk := range disks {
		if err := p.ensureFree(disk.Name, "before wiping"); err != nil {
			return err
		}
		if err := p.wipe(disk); err != nil {
			return err
		}

		target := disk.Name
		if partitioned(disk.Name) {
			var err error
			target, err = p.Partition.Create(disk.Name, disk.SizeBytes)
			if err != nil {
				return err
			}
			p.printf("partitioned %s (%s), pool member is %s\n",
				disk.Name, humanize.IBytes(disk.SizeBytes), target)
		} else {
			p.printf("%s is used unpartitioned\n", disk.Name)
		}
		targets = append(targets, target)
	}

	paths := make([]string, 0, len(targets))
	for _, target := range targets {
		if err := p.ensureFree(target, "before registering"); err != nil {
			return err
		}
		path := catalog.DevPath(p.DevDir, target)
		if err := p.Volumes.CreatePV(path); err != nil {
			return err
		}
		p.printf("registered %s as a physical volume\n", path)
		paths = append(paths, path)
	}

	if err := p.Volumes.CreateVG(vgName, paths); err != nil {
		return err
	}

	// Trust observation over the tool's exit status.
	group, exists, err := p.Volumes.LookupVG(vgName)
	if err != nil {
		return err
	}
	if !exists {
		return fault.Operationalf(
			"vgcreate reported success but volume group %s cannot be found; storage is in an inconsistent state (run %s)",
			vgName, p.RunID)
	}

	p.printf("volume group %s assembled from %d physical volume(s), %s total\n",
		vgName, len(paths), humanize.IBytes(uint64(group.SizeMiB)*humanize.MiByte))
	return nil
}

// ensureFree recomputes the busy verdict right before a destructive
// step.
func (p *Provisioner) ensureFree(name, when string) error {
	busy, err := p.Classify.IsBusy(name)
	if err != nil {
		return err
	}
	if busy {
		return fault.Operationalf(
			"%s became busy %s; another process appears to be modifying storage on this host, aborting (run %s)",
			name, when, p.RunID)
	}
	return nil
}

// wipe destroys the first sector of the disk, verifying byte counts on
// both the read and the write. If the wipe itself flips the disk to
// busy, the original sector is written back once, best-effort, and the
// run aborts for manual cleanup.
func (p *Provisioner) wipe(disk catalog.BlockDevice) error {
	path := catalog.DevPath(p.DevDir, disk.Name)
	p.printf("wiping the first sector of %s (%s)\n", path, humanize.IBytes(disk.SizeBytes))

	f, err := p.openDevice(path)
	if err != nil {
		return fault.IOf("opening %s for wiping: %w", path, err)
	}
	defer f.Close()

	original := make([]byte, wipeBlockSize)
	n, err := f.Read(original)
	if err != nil {
		return fault.IOf("reading the first sector of %s: %w", path, err)
	}
	if n != wipeBlockSize {
		return fault.Operationalf(
			"read %d of %d bytes from the first sector of %s; refusing to wipe a device that cannot be read fully",
			n, wipeBlockSize, path)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fault.IOf("rewinding %s: %w", path, err)
	}
	n, err = f.Write(make([]byte, wipeBlockSize))
	if err != nil {
		return fault.Operationalf(
			"overwriting the first sector of %s failed: %v; the disk may be partially modified, manual recovery required (run %s)",
			path, err, p.RunID)
	}
	if n != wipeBlockSize {
		return fault.Operationalf(
			"wrote %d of %d bytes to the first sector of %s; the disk is partially modified, manual recovery required (run %s)",
			n, wipeBlockSize, path, p.RunID)
	}
	if err := f.Sync(); err != nil {
		return fault.IOf("flushing %s after wiping: %w", path, err)
	}

	busy, err := p.Classify.IsBusy(disk.Name)
	if err != nil {
		return err
	}
	if busy {
		return fault.Operationalf(
			"%s became busy immediately after wiping; %s; clean up the holder manually before retrying (run %s)",
			disk.Name, p.restoreSector(f, path, original), p.RunID)
	}
	return nil
}

// restoreSector writes the saved sector back once. There is no retry
// and no re-verification; the returned text reports what happened so
// the fault message is honest about it.
func (p *Provisioner) restoreSector(f BlockFile, path string, original []byte) string {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Sprintf("restoring the original sector failed (%v)", err)
	}
	if _, err := f.Write(original); err != nil {
		return fmt.Sprintf("restoring the original sector failed (%v)", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Sprintf("the original sector was written back but flushing failed (%v)", err)
	}
	return "the original sector was written back (best effort, not re-verified)"
}

// partitioned reports whether a device class gets a partition table;
// software RAID registers whole.
func partitioned(name string) bool {
	return !strings.HasPrefix(name, "md")
}

func (p *Provisioner) printf(format string, args ...any) {
	if p.Out == nil {
		return
	}
	fmt.Fprintf(p.Out, format, args...)
}
