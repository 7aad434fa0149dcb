package identify

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"nodeident/pkg/inventory"
)

// writeSyntheticFile creates a file at the given path within root,
// creating parent directories as needed.
func writeSyntheticFile(t *testing.T, root, path, content string) {
	t.Helper()
	fullPath := filepath.Join(root, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(fullPath), err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", fullPath, err)
	}
}

const syntheticCPUInfo = "processor\t: 0\n" +
	"vendor_id\t: GenuineIntel\n" +
	"cpu family\t: 6\n" +
	"model\t\t: 85\n" +
	"model name\t: Intel(R) Xeon(R) Gold 6230 CPU @ 2.10GHz\n" +
	"cpu MHz\t\t: 2100.000\n" +
	"cache size\t: 28160 KB\n" +
	"core id\t\t: 0\n" +
	"cpu cores\t: 20\n" +
	"cpuid level\t: 22\n" +
	"flags\t\t: fpu vme de pse\n" +
	"\n" +
	"processor\t: 1\n" +
	"vendor_id\t: GenuineIntel\n" +
	"cpu family\t: 6\n" +
	"model\t\t: 85\n" +
	"cpu MHz\t\t: 2100.000\n" +
	"flags\t\t: fpu vme de pse\n" +
	"bogomips\t: 4200.00\n"

func newSyntheticCollector(t *testing.T, root string) *Collector {
	t.Helper()
	c := NewCollector(nil)
	c.ProcRoot = filepath.Join(root, "proc")
	c.SysRoot = filepath.Join(root, "sys")
	c.Hostname = func() (string, error) { return "node17.example", nil }
	c.Machine = func() (string, error) { return "x86_64", nil }
	c.Interfaces = func() ([]Interface, error) {
		return []Interface{
			{Name: "lo", Loopback: true},
			{
				Name:         "eth0",
				HardwareAddr: net.HardwareAddr{0x52, 0x54, 0x00, 0xab, 0xcd, 0xef},
				Addrs: []net.Addr{
					&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)},
					&net.IPNet{IP: net.ParseIP("192.0.2.17"), Mask: net.CIDRMask(24, 32)},
				},
			},
			{Name: "wlan0", HardwareAddr: net.HardwareAddr{0x52, 0x54, 0x00, 0x00, 0x00, 0x02}},
			{Name: "tun0"},
		}, nil
	}
	return c
}

func TestCollectFromSyntheticFS(t *testing.T) {
	root := t.TempDir()
	writeSyntheticFile(t, root, "proc/cpuinfo", syntheticCPUInfo)
	writeSyntheticFile(t, root, "proc/meminfo", "MemTotal:       16314284 kB\nMemFree:         1024 kB\n")
	writeSyntheticFile(t, root, "sys/class/dmi/id/product_uuid", "4C4C4544-0042-3510-8052-B4C04F4E4D32\n")
	writeSyntheticFile(t, root, "sys/class/net/eth0/speed", "2500\n")
	writeSyntheticFile(t, root, "sys/class/net/wlan0/speed", "-1\n")

	inv, err := newSyntheticCollector(t, root).Collect(CollectOptions{})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if inv.Architecture != "x86_64" || inv.MemoryKB != "16314284" {
		t.Fatalf("scalars = %q %q", inv.Architecture, inv.MemoryKB)
	}
	if inv.UUID != "4c4c4544-0042-3510-8052-b4c04f4e4d32" {
		t.Fatalf("uuid = %q", inv.UUID)
	}

	want0 := inventory.CPU{
		Number: "0", CoreNumber: "0", CoresPerPackage: "20", Vendor: "GenuineIntel",
		Model: "85", Family: "6", CPUIDLevel: "22", SpeedMHz: "2100.000",
		CacheSize: "28160 KB", Flags: "fpu vme de pse",
	}
	want1 := inventory.CPU{
		Number: "1", CoreNumber: "0", CoresPerPackage: "1", Vendor: "GenuineIntel",
		Model: "85", Family: "6", SpeedMHz: "2100.000", Flags: "fpu vme de pse",
	}
	if !reflect.DeepEqual(inv.CPUs, []inventory.CPU{want0, want1}) {
		t.Fatalf("cpus = %+v", inv.CPUs)
	}

	wantNICs := []inventory.NIC{
		{MACAddress: "52:54:00:ab:cd:ef", BandwidthMbps: 2500, IPAddress: "192.0.2.17"},
		{MACAddress: "52:54:00:00:00:02", BandwidthMbps: 10},
	}
	if !reflect.DeepEqual(inv.NICs, wantNICs) {
		t.Fatalf("nics = %+v, want %+v", inv.NICs, wantNICs)
	}
	if err := inv.Validate(); err != nil {
		t.Fatalf("collected inventory invalid: %v", err)
	}
}

func TestCollectUUIDFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		product  string
		override string
		want     string
	}{
		{name: "no dmi", want: "node17.example"},
		{name: "malformed dmi", product: "Not Settable", want: "node17.example"},
		{name: "nil dmi", product: "00000000-0000-0000-0000-000000000000", want: "node17.example"},
		{name: "override wins", product: "4C4C4544-0042-3510-8052-B4C04F4E4D32", override: "rack4-slot2", want: "rack4-slot2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeSyntheticFile(t, root, "proc/cpuinfo", syntheticCPUInfo)
			writeSyntheticFile(t, root, "proc/meminfo", "MemTotal: 2048 kB\n")
			if tt.product != "" {
				writeSyntheticFile(t, root, "sys/class/dmi/id/product_uuid", tt.product)
			}

			inv, err := newSyntheticCollector(t, root).Collect(CollectOptions{UUID: tt.override})
			if err != nil {
				t.Fatalf("Collect() error = %v", err)
			}
			if inv.UUID != tt.want {
				t.Fatalf("uuid = %q, want %q", inv.UUID, tt.want)
			}
		})
	}
}

func TestCollectTestingMode(t *testing.T) {
	root := t.TempDir()
	c := newSyntheticCollector(t, root)
	c.Machine = func() (string, error) { return "", errors.New("must not be called") }

	inv, err := c.Collect(CollectOptions{Testing: true})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if inv.Architecture != "i686" || inv.MemoryKB != "3145728" {
		t.Fatalf("scalars = %q %q", inv.Architecture, inv.MemoryKB)
	}
	if len(inv.CPUs) != 16 {
		t.Fatalf("cpus = %d, want 16", len(inv.CPUs))
	}
	for i, cpu := range inv.CPUs {
		if cpu.SpeedMHz != "1400" || cpu.CoreNumber != "0" || cpu.CoresPerPackage != "1" {
			t.Fatalf("cpu %d = %+v", i, cpu)
		}
	}
}

func TestCollectMissingMeminfo(t *testing.T) {
	root := t.TempDir()
	writeSyntheticFile(t, root, "proc/cpuinfo", syntheticCPUInfo)

	if _, err := newSyntheticCollector(t, root).Collect(CollectOptions{}); err == nil {
		t.Fatal("Collect() succeeded without meminfo")
	}
}

func TestSplitLabelValue(t *testing.T) {
	tests := []struct {
		line      string
		wantLabel string
		wantValue string
	}{
		{"vendor_id\t: GenuineIntel", "vendor_id", "GenuineIntel"},
		{"flags\t\t: fpu vme", "flags", "fpu vme"},
		{"cpu MHz\t\t: 2100.000\t", "cpu MHz", "2100.000"},
		{"address sizes\t: 46 bits: physical", "address sizes", "46 bits: physical"},
		{"", "", ""},
		{"power management:", "power management", ""},
	}
	for _, tt := range tests {
		label, value := splitLabelValue(tt.line)
		if label != tt.wantLabel || value != tt.wantValue {
			t.Errorf("splitLabelValue(%q) = %q, %q; want %q, %q", tt.line, label, value, tt.wantLabel, tt.wantValue)
		}
	}
}
