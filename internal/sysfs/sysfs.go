// Package sysfs reads typed attributes from the kernel's block-device
// tree. All parsing lives here so a malformed attribute file is reported
// the same way everywhere: as an internal-assumption fault, since the
// kernel publishing an unreadable value means our model of the tree is
// wrong.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/jbweber/bedrock/internal/fault"
)

// SectorSize is the unit of the sysfs "size" attribute, fixed by the
// kernel regardless of the device's logical block size.
const SectorSize = 512

// DevNum is a major:minor device number.
type DevNum struct {
	Major uint32
	Minor uint32
}

func (d DevNum) String() string {
	return fmt.Sprintf("%d:%d", d.Major, d.Minor)
}

// Rdev returns the kernel encoding of the device number, comparable with
// the st_rdev of a device node.
func (d DevNum) Rdev() uint64 {
	return unix.Mkdev(d.Major, d.Minor)
}

// FromRdev decodes a stat st_rdev value.
func FromRdev(rdev uint64) DevNum {
	return DevNum{Major: unix.Major(rdev), Minor: unix.Minor(rdev)}
}

// ParseDevNum parses the "major:minor" form used by the sysfs dev
// attribute.
func ParseDevNum(s string) (DevNum, error) {
	major, minor, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return DevNum{}, fmt.Errorf("device number %q is not major:minor", s)
	}
	maj, err := strconv.ParseUint(major, 10, 32)
	if err != nil {
		return DevNum{}, fmt.Errorf("device number %q: bad major: %w", s, err)
	}
	min, err := strconv.ParseUint(minor, 10, 32)
	if err != nil {
		return DevNum{}, fmt.Errorf("device number %q: bad minor: %w", s, err)
	}
	return DevNum{Major: uint32(maj), Minor: uint32(min)}, nil
}

// FS reads attributes beneath a block-device tree root, normally
// /sys/block. Tests point Root at a fabricated tree.
type FS struct {
	Root string
}

func (fs FS) path(parts ...string) string {
	return filepath.Join(append([]string{fs.Root}, parts...)...)
}

// ReadString returns the trimmed content of an attribute file.
func (fs FS) ReadString(parts ...string) (string, error) {
	path := fs.path(parts...)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fault.Internalf("reading %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ReadInt64 parses an attribute file as a decimal integer.
func (fs FS) ReadInt64(parts ...string) (int64, error) {
	s, err := fs.ReadString(parts...)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fault.Internalf("parsing %s: %w", fs.path(parts...), err)
	}
	return v, nil
}

// ReadSize parses a "size" attribute and converts from sectors to bytes.
func (fs FS) ReadSize(parts ...string) (uint64, error) {
	sectors, err := fs.ReadInt64(parts...)
	if err != nil {
		return 0, err
	}
	if sectors < 0 {
		return 0, fault.Internalf("parsing %s: negative size %d", fs.path(parts...), sectors)
	}
	return uint64(sectors) * SectorSize, nil
}

// ReadBool parses a 0/1 flag attribute such as "removable".
func (fs FS) ReadBool(parts ...string) (bool, error) {
	s, err := fs.ReadString(parts...)
	if err != nil {
		return false, err
	}
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, fault.Internalf("parsing %s: flag value %q is not 0 or 1", fs.path(parts...), s)
	}
}

// ReadDevNum parses a "dev" attribute.
func (fs FS) ReadDevNum(parts ...string) (DevNum, error) {
	s, err := fs.ReadString(parts...)
	if err != nil {
		return DevNum{}, err
	}
	num, err := ParseDevNum(s)
	if err != nil {
		return DevNum{}, fault.Internalf("parsing %s: %w", fs.path(parts...), err)
	}
	return num, nil
}

// ListDir returns the sorted entry names of a directory in the tree.
func (fs FS) ListDir(parts ...string) ([]string, error) {
	path := fs.path(parts...)
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fault.Internalf("listing %s: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether a path exists in the tree.
func (fs FS) Exists(parts ...string) bool {
	_, err := os.Stat(fs.path(parts...))
	return err == nil
}
