// Package config holds the provisioning policy: the bounded-retry counts,
// settle delays, and filtering thresholds that tune bedrock to a host's
// observed udev/kernel timing. Defaults match common hardware; a YAML file
// can override individual values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/bedrock/internal/fault"
)

// Duration wraps time.Duration so YAML values can be written as "250ms"
// or "3s".
type Duration time.Duration

// D returns the underlying time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Policy contains the tunable values threaded through enumeration,
// classification and provisioning.
type Policy struct {
	// DeviceNodeAttempts and DeviceNodeDelay bound the wait for a device
	// node to appear after its sysfs entry (udev settle lag).
	DeviceNodeAttempts int      `yaml:"device_node_attempts"`
	DeviceNodeDelay    Duration `yaml:"device_node_delay"`

	// RereadAttempts and RereadDelay bound the partition-table re-read
	// probe; transient holders (udev, udisks) can release between tries.
	RereadAttempts int      `yaml:"reread_attempts"`
	RereadDelay    Duration `yaml:"reread_delay"`

	// PartitionFloorBytes is the minimum partition size tracked in the
	// catalog; smaller partitions are boot-loader noise.
	PartitionFloorBytes uint64 `yaml:"partition_floor_bytes"`

	// ExcludedFSTypes lists mount-table filesystem types ignored by the
	// mount busy-check (virtual and network filesystems).
	ExcludedFSTypes []string `yaml:"excluded_fs_types"`
}

// Default returns the built-in policy.
func Default() Policy {
	return Policy{
		DeviceNodeAttempts:  40,
		DeviceNodeDelay:     Duration(250 * time.Millisecond),
		RereadAttempts:      3,
		RereadDelay:         Duration(time.Second),
		PartitionFloorBytes: 1 << 30,
		ExcludedFSTypes: []string{
			"nfs", "nfs4", "smbfs", "cifs",
			"proc", "sysfs", "devpts", "devtmpfs", "tmpfs",
			"squashfs", "overlay", "autofs",
			"cgroup", "cgroup2", "securityfs", "debugfs", "tracefs",
			"pstore", "bpf", "configfs", "fusectl", "hugetlbfs",
			"mqueue", "ramfs", "rpc_pipefs", "binfmt_misc",
		},
	}
}

// Load returns the default policy overlaid with values from the YAML file
// at path. An empty path returns the defaults unchanged.
func Load(path string) (Policy, error) {
	policy := Default()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fault.Parameterf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fault.Parameterf("parsing config file %s: %w", path, err)
	}

	if err := policy.Validate(); err != nil {
		return Policy{}, fault.Parameterf("config file %s: %w", path, err)
	}

	return policy, nil
}

// Validate checks the policy for values that would disable the safety
// loops entirely.
func (p Policy) Validate() error {
	if p.DeviceNodeAttempts < 1 {
		return fmt.Errorf("device_node_attempts must be >= 1, got %d", p.DeviceNodeAttempts)
	}
	if p.DeviceNodeDelay < 0 {
		return fmt.Errorf("device_node_delay must not be negative, got %s", p.DeviceNodeDelay.D())
	}
	if p.RereadAttempts < 1 {
		return fmt.Errorf("reread_attempts must be >= 1, got %d", p.RereadAttempts)
	}
	if p.RereadDelay < 0 {
		return fmt.Errorf("reread_delay must not be negative, got %s", p.RereadDelay.D())
	}
	if p.PartitionFloorBytes == 0 {
		return fmt.Errorf("partition_floor_bytes must be > 0")
	}
	return nil
}
