// Package partition creates the single pool-member partition on a disk.
// The partition-table scheme follows disk size: MBR addressing runs out
// at 2 TiB, so anything larger gets a GUID table via parted.
package partition

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/jbweber/bedrock/internal/fault"
	"github.com/jbweber/bedrock/internal/runner"
)

// Scheme is a partition-table layout.
type Scheme string

const (
	SchemeMBR Scheme = "msdos"
	SchemeGPT Scheme = "gpt"
)

// GPTThresholdBytes is the largest disk MBR can address in full.
const GPTThresholdBytes = 2 << 40

// sfdisk script for one partition spanning the disk, typed as an LVM
// member (0x8e).
const mbrScript = ",,8e\n"

// SchemeFor picks the table scheme for a disk size. Exactly 2 TiB still
// fits MBR.
func SchemeFor(sizeBytes uint64) Scheme {
	if sizeBytes > GPTThresholdBytes {
		return SchemeGPT
	}
	return SchemeMBR
}

// Name returns the device name of partition index on a disk, following
// the kernel convention of inserting "p" when the disk name ends in a
// digit (nvme0n1 → nvme0n1p1).
func Name(disk string, index int) string {
	sep := ""
	if len(disk) > 0 && unicode.IsDigit(rune(disk[len(disk)-1])) {
		sep = "p"
	}
	return disk + sep + strconv.Itoa(index)
}

// Partitioner creates partition tables through the external tools.
type Partitioner struct {
	Run runner.Runner

	// DevDir is the directory holding device nodes, normally /dev.
	DevDir string

	// ForceLegacy restricts partitioning to the legacy MBR tool even for
	// disks where GPT would be chosen.
	ForceLegacy bool
}

// Create writes a fresh partition table on the disk with one partition
// spanning it, flagged for volume-manager use, and returns the name of
// that partition.
func (p *Partitioner) Create(disk string, sizeBytes uint64) (string, error) {
	devPath := p.devPath(disk)
	scheme := SchemeFor(sizeBytes)

	if p.ForceLegacy && scheme == SchemeGPT {
		return "", fault.Operationalf(
			"disk %s is larger than the 2 TiB MBR limit; the legacy partitioning tool cannot label it safely", disk)
	}

	switch scheme {
	case SchemeGPT:
		output, err := p.Run.Run("parted", "-s", devPath,
			"mklabel", "gpt",
			"mkpart", "primary", "1MiB", "100%",
			"set", "1", "lvm", "on")
		if err != nil {
			return "", fault.Operationalf("partitioning %s with parted failed: %v\n%s", disk, err, output)
		}
	case SchemeMBR:
		output, err := p.Run.RunInput(mbrScript, "sfdisk", "--quiet", "--label", "dos", devPath)
		if err != nil {
			return "", fault.Operationalf("partitioning %s with sfdisk failed: %v\n%s", disk, err, output)
		}
	}

	return Name(disk, 1), nil
}

func (p *Partitioner) devPath(disk string) string {
	dir := p.DevDir
	if dir == "" {
		dir = "/dev"
	}
	return strings.TrimSuffix(dir, "/") + "/" + disk
}
