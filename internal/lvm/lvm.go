// Package lvm wraps the volume-manager command-line tools. The tools are
// the source of truth: creation calls are always followed by a query, and
// the query result wins over the tool's exit status.
package lvm

import (
	"errors"
	"os/exec"
	"strconv"
	"strings"

	"github.com/jbweber/bedrock/internal/fault"
	"github.com/jbweber/bedrock/internal/runner"
)

// VolumeGroup describes a volume group as reported by vgs.
type VolumeGroup struct {
	Name         string
	LogicalCount int
	SizeMiB      float64
	FreeMiB      float64
}

// Manager runs LVM commands through a Runner.
type Manager struct {
	Run runner.Runner
}

// LookupVG queries vgs for a volume group. The second return value is
// false when the group does not exist; output that cannot be parsed is an
// operational fault because it means the volume manager is present but
// not behaving as expected.
func (m *Manager) LookupVG(name string) (*VolumeGroup, bool, error) {
	output, err := m.Run.Run("vgs",
		"--noheadings", "--nosuffix", "--units", "m", "--separator", ":",
		"-o", "lv_count,vg_size,vg_free", name)
	if err != nil {
		if isMissingTool(err) {
			return nil, false, fault.Environmentf("the lvm tools are not installed: %w", err)
		}
		// vgs exits non-zero for an unknown group.
		return nil, false, nil
	}

	line := strings.TrimSpace(string(output))
	if line == "" {
		return nil, false, fault.Operationalf("vgs reported success for %s but produced no output", name)
	}

	fields := strings.Split(line, ":")
	if len(fields) != 3 {
		return nil, false, fault.Operationalf("unexpected vgs output for %s: %q", name, line)
	}

	count, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return nil, false, fault.Operationalf("unexpected vgs lv_count for %s: %q", name, fields[0])
	}
	size, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return nil, false, fault.Operationalf("unexpected vgs vg_size for %s: %q", name, fields[1])
	}
	free, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil {
		return nil, false, fault.Operationalf("unexpected vgs vg_free for %s: %q", name, fields[2])
	}

	return &VolumeGroup{
		Name:         name,
		LogicalCount: count,
		SizeMiB:      size,
		FreeMiB:      free,
	}, true, nil
}

// PVOwner returns the volume group owning a physical volume, or "" when
// the device is not a physical volume at all.
func (m *Manager) PVOwner(devPath string) (string, error) {
	output, err := m.Run.Run("pvs", "--noheadings", "-o", "vg_name", devPath)
	if err != nil {
		if isMissingTool(err) {
			return "", fault.Environmentf("the lvm tools are not installed: %w", err)
		}
		// Not a physical volume.
		return "", nil
	}
	return strings.TrimSpace(string(output)), nil
}

// CreatePV registers a device as a physical volume. Creation is forced:
// the caller has already verified the device is free, so stale metadata
// from a previous life must not stop it.
func (m *Manager) CreatePV(devPath string) error {
	output, err := m.Run.Run("pvcreate", "-ff", "--yes", devPath)
	if err != nil {
		return fault.Operationalf("pvcreate on %s failed: %v\n%s", devPath, err, output)
	}
	return nil
}

// CreateVG assembles a volume group from physical volumes in a single
// operation.
func (m *Manager) CreateVG(name string, devPaths []string) error {
	args := append([]string{name}, devPaths...)
	output, err := m.Run.Run("vgcreate", args...)
	if err != nil {
		return fault.Operationalf("vgcreate %s failed: %v\n%s", name, err, output)
	}
	return nil
}

func isMissingTool(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}
