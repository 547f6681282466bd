// Package host verifies the baseline the tool needs from the machine
// before anything else runs.
package host

import (
	"os"

	"github.com/jbweber/bedrock/internal/fault"
	"github.com/jbweber/bedrock/internal/lvm"
)

// VGLookup is the slice of the volume manager the preflight needs.
type VGLookup interface {
	LookupVG(name string) (*lvm.VolumeGroup, bool, error)
}

// Checker runs the preflight checks.
type Checker struct {
	SysBlock   string
	ProcMounts string
	LVM        VGLookup

	// geteuid is replaced in tests.
	geteuid func() int
}

// NewChecker returns a Checker over the live system.
func NewChecker(sysBlock, procMounts string, vgs VGLookup) *Checker {
	return &Checker{
		SysBlock:   sysBlock,
		ProcMounts: procMounts,
		LVM:        vgs,
		geteuid:    os.Geteuid,
	}
}

// CheckReadOnly verifies what inspection needs: the kernel
// pseudo-filesystems this tool reads must be mounted.
func (c *Checker) CheckReadOnly() error {
	if _, err := os.Stat(c.SysBlock); err != nil {
		return fault.Environmentf("%s is not available; mount sysfs before running", c.SysBlock)
	}
	if _, err := os.Stat(c.ProcMounts); err != nil {
		return fault.Environmentf("%s is not readable; mount procfs before running", c.ProcMounts)
	}
	return nil
}

// CheckCreate verifies everything provisioning needs on top of
// inspection: root privilege and the absence of the target pool.
func (c *Checker) CheckCreate(vgName string) error {
	if err := c.CheckReadOnly(); err != nil {
		return err
	}

	if c.geteuid() != 0 {
		return fault.Environmentf("destructive operations require root; re-run as root")
	}

	group, exists, err := c.LVM.LookupVG(vgName)
	if err != nil {
		return err
	}
	if exists {
		return fault.Environmentf(
			"volume group %s already exists (%d logical volumes); this tool only creates pools from scratch",
			vgName, group.LogicalCount)
	}
	return nil
}
