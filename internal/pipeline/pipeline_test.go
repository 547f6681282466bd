package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jbweber/bedrock/internal/catalog"
	"github.com/jbweber/bedrock/internal/fault"
	"github.com/jbweber/bedrock/internal/lvm"
)

// fixture wires a provisioner against a fake volume manager, a fake
// partitioner and real files standing in for device nodes. All calls
// are appended to a single log so ordering can be asserted.
type fixture struct {
	t      *testing.T
	devDir string
	log    []string

	busy        map[string]bool
	busyAfter   map[string]bool // verdicts forced after a wipe happened
	wiped       map[string]bool
	partErr     error
	pvErr       error
	vgErr       error
	vgs         map[string]*lvm.VolumeGroup
	skipVGEntry bool
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		t:         t,
		devDir:    t.TempDir(),
		busy:      map[string]bool{},
		busyAfter: map[string]bool{},
		wiped:     map[string]bool{},
		vgs:       map[string]*lvm.VolumeGroup{},
	}
}

func (fx *fixture) addDisk(name string, content []byte) {
	fx.t.Helper()
	if err := os.WriteFile(filepath.Join(fx.devDir, name), content, 0o644); err != nil {
		fx.t.Fatal(err)
	}
}

func (fx *fixture) diskContent(name string) []byte {
	fx.t.Helper()
	data, err := os.ReadFile(filepath.Join(fx.devDir, name))
	if err != nil {
		fx.t.Fatal(err)
	}
	return data
}

// Classifier

func (fx *fixture) IsBusy(name string) (bool, error) {
	fx.log = append(fx.log, "busy? "+name)
	if fx.wiped[name] && fx.busyAfter[name] {
		return true, nil
	}
	return fx.busy[name], nil
}

// Partitioner

func (fx *fixture) Create(disk string, sizeBytes uint64) (string, error) {
	fx.log = append(fx.log, "partition "+disk)
	if fx.partErr != nil {
		return "", fx.partErr
	}
	part := disk + "1"
	fx.addDisk(part, make([]byte, 1024))
	return part, nil
}

// VolumeManager

func (fx *fixture) LookupVG(name string) (*lvm.VolumeGroup, bool, error) {
	group, ok := fx.vgs[name]
	return group, ok, nil
}

func (fx *fixture) CreatePV(devPath string) error {
	fx.log = append(fx.log, "pvcreate "+filepath.Base(devPath))
	return fx.pvErr
}

func (fx *fixture) CreateVG(name string, devPaths []string) error {
	fx.log = append(fx.log, fmt.Sprintf("vgcreate %s %d", name, len(devPaths)))
	if fx.vgErr != nil {
		return fx.vgErr
	}
	if !fx.skipVGEntry {
		fx.vgs[name] = &lvm.VolumeGroup{Name: name, SizeMiB: 4096, FreeMiB: 4096}
	}
	return nil
}

func (fx *fixture) provisioner() (*Provisioner, *bytes.Buffer) {
	var out bytes.Buffer
	p := New(fx, fx, fx, fx.devDir, &out, "test-run")
	base := p.openDevice
	p.openDevice = func(path string) (BlockFile, error) {
		fx.wiped[filepath.Base(path)] = true
		return base(path)
	}
	return p, &out
}

func disk(name string, size uint64) catalog.BlockDevice {
	return catalog.BlockDevice{Name: name, SizeBytes: size}
}

func TestProvisionSingleDisk(t *testing.T) {
	fx := newFixture(t)
	original := bytes.Repeat([]byte{0xaa}, 1024)
	fx.addDisk("sda", original)

	p, out := fx.provisioner()
	err := p.Provision("testvg", []catalog.BlockDevice{disk("sda", 4<<30)})
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}

	content := fx.diskContent("sda")
	if !bytes.Equal(content[:512], make([]byte, 512)) {
		t.Errorf("first sector of sda was not zeroed")
	}
	if !bytes.Equal(content[512:], original[512:]) {
		t.Errorf("wipe touched more than the first sector")
	}

	if _, ok := fx.vgs["testvg"]; !ok {
		t.Errorf("volume group testvg was not created")
	}
	wantTail := []string{"partition sda", "busy? sda1", "pvcreate sda1", "vgcreate testvg 1"}
	if !strings.HasSuffix(strings.Join(fx.log, ","), strings.Join(wantTail, ",")) {
		t.Errorf("call log = %v", fx.log)
	}
	if !strings.Contains(out.String(), "test-run") {
		t.Errorf("progress output does not carry the run id: %q", out.String())
	}
}

func TestProvisionTwoPassOrdering(t *testing.T) {
	fx := newFixture(t)
	fx.addDisk("sda", make([]byte, 1024))
	fx.addDisk("sdb", make([]byte, 1024))

	p, _ := fx.provisioner()
	disks := []catalog.BlockDevice{disk("sda", 4<<30), disk("sdb", 4<<30)}
	if err := p.Provision("testvg", disks); err != nil {
		t.Fatalf("Provision() error: %v", err)
	}

	var order []string
	for _, entry := range fx.log {
		if strings.HasPrefix(entry, "partition ") || strings.HasPrefix(entry, "pvcreate ") || strings.HasPrefix(entry, "vgcreate ") {
			order = append(order, entry)
		}
	}
	want := []string{"partition sda", "partition sdb", "pvcreate sda1", "pvcreate sdb1", "vgcreate testvg 2"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("destructive call order = %v, want %v", order, want)
	}
}

func TestProvisionMDRegistersWhole(t *testing.T) {
	fx := newFixture(t)
	fx.addDisk("md0", make([]byte, 1024))

	p, _ := fx.provisioner()
	if err := p.Provision("testvg", []catalog.BlockDevice{disk("md0", 4<<30)}); err != nil {
		t.Fatalf("Provision() error: %v", err)
	}

	joined := strings.Join(fx.log, ",")
	if strings.Contains(joined, "partition md0") {
		t.Errorf("md device was partitioned: %v", fx.log)
	}
	if !strings.Contains(joined, "pvcreate md0") {
		t.Errorf("md device was not registered whole: %v", fx.log)
	}
}

func TestProvisionAbortsWhenPrecheckBusy(t *testing.T) {
	fx := newFixture(t)
	original := bytes.Repeat([]byte{0xaa}, 1024)
	fx.addDisk("sda", original)
	fx.busy["sda"] = true

	p, _ := fx.provisioner()
	err := p.Provision("testvg", []catalog.BlockDevice{disk("sda", 4<<30)})
	if fault.KindOf(err) != fault.KindOperational {
		t.Fatalf("fault kind = %v, want operational (err %v)", fault.KindOf(err), err)
	}
	if !bytes.Equal(fx.diskContent("sda"), original) {
		t.Errorf("busy disk was modified")
	}
	if strings.Contains(strings.Join(fx.log, ","), "partition") {
		t.Errorf("busy disk reached partitioning: %v", fx.log)
	}
}

func TestWipeShortRead(t *testing.T) {
	fx := newFixture(t)
	fx.addDisk("sda", make([]byte, 100))

	p, _ := fx.provisioner()
	err := p.Provision("testvg", []catalog.BlockDevice{disk("sda", 4<<30)})
	if fault.KindOf(err) != fault.KindOperational {
		t.Fatalf("fault kind = %v, want operational (err %v)", fault.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "100 of 512") {
		t.Errorf("fault %q does not report the byte counts", err)
	}
}

// shortWriteFile wraps a BlockFile and truncates the first write.
type shortWriteFile struct {
	BlockFile
	shorted bool
}

func (s *shortWriteFile) Write(b []byte) (int, error) {
	if !s.shorted {
		s.shorted = true
		return s.BlockFile.Write(b[:100])
	}
	return s.BlockFile.Write(b)
}

func TestWipeShortWrite(t *testing.T) {
	fx := newFixture(t)
	fx.addDisk("sda", make([]byte, 1024))

	p, _ := fx.provisioner()
	base := p.openDevice
	p.openDevice = func(path string) (BlockFile, error) {
		f, err := base(path)
		if err != nil {
			return nil, err
		}
		return &shortWriteFile{BlockFile: f}, nil
	}

	err := p.Provision("testvg", []catalog.BlockDevice{disk("sda", 4<<30)})
	if fault.KindOf(err) != fault.KindOperational {
		t.Fatalf("fault kind = %v, want operational (err %v)", fault.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "100 of 512") {
		t.Errorf("fault %q does not report the byte counts", err)
	}
	if !strings.Contains(err.Error(), "manual recovery") {
		t.Errorf("fault %q does not warn about partial modification", err)
	}
}

func TestWipeInducedBusyRestoresSector(t *testing.T) {
	fx := newFixture(t)
	original := bytes.Repeat([]byte{0xaa}, 1024)
	fx.addDisk("sda", original)
	fx.busyAfter["sda"] = true

	p, _ := fx.provisioner()
	err := p.Provision("testvg", []catalog.BlockDevice{disk("sda", 4<<30)})
	if fault.KindOf(err) != fault.KindOperational {
		t.Fatalf("fault kind = %v, want operational (err %v)", fault.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "best effort") {
		t.Errorf("fault %q does not describe the restore", err)
	}
	if !bytes.Equal(fx.diskContent("sda"), original) {
		t.Errorf("original sector was not written back")
	}
}

func TestProvisionRegisterFailureIsFatal(t *testing.T) {
	fx := newFixture(t)
	fx.addDisk("sda", make([]byte, 1024))
	fx.pvErr = fault.Operationalf("pvcreate exploded")

	p, _ := fx.provisioner()
	err := p.Provision("testvg", []catalog.BlockDevice{disk("sda", 4<<30)})
	if fault.KindOf(err) != fault.KindOperational {
		t.Fatalf("fault kind = %v, want operational", fault.KindOf(err))
	}
	if strings.Contains(strings.Join(fx.log, ","), "vgcreate") {
		t.Errorf("pool was assembled despite a registration failure: %v", fx.log)
	}
}

func TestProvisionVerifiesPoolExists(t *testing.T) {
	fx := newFixture(t)
	fx.addDisk("sda", make([]byte, 1024))
	fx.skipVGEntry = true // vgcreate "succeeds" but the group never shows up

	p, _ := fx.provisioner()
	err := p.Provision("testvg", []catalog.BlockDevice{disk("sda", 4<<30)})
	if fault.KindOf(err) != fault.KindOperational {
		t.Fatalf("fault kind = %v, want operational (err %v)", fault.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "cannot be found") {
		t.Errorf("fault %q does not report the verification failure", err)
	}
}
