// Package selector resolves a disk request against a catalog snapshot.
// The resulting selection is computed once per invocation and never
// refreshed; the pipeline re-verifies busy state itself before acting.
package selector

import (
	"github.com/jbweber/bedrock/internal/catalog"
	"github.com/jbweber/bedrock/internal/fault"
)

// Request is the caller's disk choice: either every free disk, or an
// explicit list.
type Request struct {
	AllFree bool
	Disks   []string
}

// Selection is the validated, immutable set of disk names the pipeline
// will act on.
type Selection struct {
	Disks []string
}

// Resolve validates the request against the catalog. Explicit requests
// must name known, free disks; the all-free mode requires at least one
// free disk to exist.
func Resolve(devices []catalog.BlockDevice, req Request) (Selection, error) {
	byName := make(map[string]catalog.BlockDevice, len(devices))
	for _, d := range devices {
		byName[d.Name] = d
	}

	if len(req.Disks) > 0 {
		seen := make(map[string]bool, len(req.Disks))
		disks := make([]string, 0, len(req.Disks))
		for _, name := range req.Disks {
			device, ok := byName[name]
			if !ok {
				return Selection{}, fault.Parameterf("disk %s is not present on this host", name)
			}
			if device.InUse {
				return Selection{}, fault.Parameterf("disk %s is in use and cannot be provisioned", name)
			}
			if seen[name] {
				continue
			}
			seen[name] = true
			disks = append(disks, name)
		}
		return Selection{Disks: disks}, nil
	}

	if !req.AllFree {
		return Selection{}, fault.Parameterf("no disks requested; pass an explicit disk list or select all free disks")
	}

	var free []string
	for _, d := range devices {
		if !d.InUse {
			free = append(free, d.Name)
		}
	}
	if len(free) == 0 {
		return Selection{}, fault.Environmentf("no free disks found on this host")
	}
	return Selection{Disks: free}, nil
}
