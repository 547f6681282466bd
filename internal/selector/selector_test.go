package selector

import (
	"reflect"
	"testing"

	"github.com/jbweber/bedrock/internal/catalog"
	"github.com/jbweber/bedrock/internal/fault"
)

func testCatalog() []catalog.BlockDevice {
	return []catalog.BlockDevice{
		{Name: "sda", SizeBytes: 4 << 30},
		{Name: "sdb", SizeBytes: 4 << 30, InUse: true},
		{Name: "sdc", SizeBytes: 4 << 30},
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		devices  []catalog.BlockDevice
		req      Request
		want     []string
		wantKind fault.Kind
	}{
		{
			name:    "all free returns free disks in order",
			devices: testCatalog(),
			req:     Request{AllFree: true},
			want:    []string{"sda", "sdc"},
		},
		{
			name:    "explicit free disk",
			devices: testCatalog(),
			req:     Request{Disks: []string{"sdc"}},
			want:    []string{"sdc"},
		},
		{
			name:    "explicit keeps caller order",
			devices: testCatalog(),
			req:     Request{Disks: []string{"sdc", "sda"}},
			want:    []string{"sdc", "sda"},
		},
		{
			name:     "explicit busy disk is a parameter fault",
			devices:  testCatalog(),
			req:      Request{Disks: []string{"sdb"}},
			wantKind: fault.KindParameter,
		},
		{
			name:     "explicit unknown disk is a parameter fault",
			devices:  testCatalog(),
			req:      Request{Disks: []string{"sdz"}},
			wantKind: fault.KindParameter,
		},
		{
			name:     "neither mode is a parameter fault",
			devices:  testCatalog(),
			req:      Request{},
			wantKind: fault.KindParameter,
		},
		{
			name: "no free disks is an environment fault",
			devices: []catalog.BlockDevice{
				{Name: "sda", InUse: true},
			},
			req:      Request{AllFree: true},
			wantKind: fault.KindEnvironment,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := Resolve(tt.devices, tt.req)
			if tt.wantKind != fault.KindNone {
				if fault.KindOf(err) != tt.wantKind {
					t.Fatalf("fault kind = %v, want %v (err %v)", fault.KindOf(err), tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error: %v", err)
			}
			if !reflect.DeepEqual(sel.Disks, tt.want) {
				t.Errorf("Resolve() = %v, want %v", sel.Disks, tt.want)
			}
		})
	}
}
