package identify

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"nodeident/pkg/inventory"
)

// Synthetic node used in testing mode.
const (
	testArch      = "i686"
	testMemoryKB  = "3145728"
	testCPUCount  = 16
	testCPUSpeed  = "1400"
	testCPUVendor = "test"
)

// Interface is the subset of a network interface the collector needs.
type Interface struct {
	Name         string
	HardwareAddr net.HardwareAddr
	Loopback     bool
	Addrs        []net.Addr
}

// CollectOptions adjust a single collection.
type CollectOptions struct {
	// UUID replaces the detected hardware identifier when set.
	UUID string
	// Testing replaces the detected architecture, memory and CPUs with a
	// fixed synthetic node.
	Testing bool
}

// Collector reads the local hardware inventory from procfs and sysfs.
type Collector struct {
	ProcRoot   string
	SysRoot    string
	Hostname   func() (string, error)
	Machine    func() (string, error)
	Interfaces func() ([]Interface, error)
	Logger     *log.Logger
}

// NewCollector returns a Collector reading the live system.
func NewCollector(logger *log.Logger) *Collector {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Collector{
		ProcRoot:   "/proc",
		SysRoot:    "/sys",
		Hostname:   os.Hostname,
		Machine:    unameMachine,
		Interfaces: systemInterfaces,
		Logger:     logger,
	}
}

// Collect assembles a complete inventory. Records are appended in the order
// the kernel lists them.
func (c *Collector) Collect(opts CollectOptions) (*inventory.Inventory, error) {
	inv := &inventory.Inventory{}

	id, err := c.nodeUUID(opts.UUID)
	if err != nil {
		return nil, err
	}

	if opts.Testing {
		c.Logger.Printf("INFO testing mode: using synthetic node")
		inv.SetScalars(testArch, id, testMemoryKB)
		for i := 0; i < testCPUCount; i++ {
			cpu := inventory.NewCPU()
			cpu.Number = strconv.Itoa(i)
			cpu.Vendor = testCPUVendor
			cpu.Model = testArch
			cpu.SpeedMHz = testCPUSpeed
			inv.AddCPU(cpu)
		}
	} else {
		arch, err := c.Machine()
		if err != nil {
			return nil, fmt.Errorf("read architecture: %w", err)
		}
		mem, err := readMemTotal(filepath.Join(c.ProcRoot, "meminfo"))
		if err != nil {
			return nil, fmt.Errorf("read memory size: %w", err)
		}
		inv.SetScalars(arch, id, mem)

		cpus, err := readCPUInfo(filepath.Join(c.ProcRoot, "cpuinfo"))
		if err != nil {
			return nil, fmt.Errorf("read cpu info: %w", err)
		}
		for _, cpu := range cpus {
			inv.AddCPU(cpu)
		}
	}

	if err := c.collectNICs(inv); err != nil {
		return nil, err
	}

	c.Logger.Printf("DEBUG collected arch=%s uuid=%s memsize=%s cpus=%d nics=%d",
		inv.Architecture, inv.UUID, inv.MemoryKB, len(inv.CPUs), len(inv.NICs))
	return inv, nil
}

// nodeUUID prefers an explicit override, then the DMI product UUID, then
// the hostname.
func (c *Collector) nodeUUID(override string) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		return override, nil
	}

	raw, err := os.ReadFile(filepath.Join(c.SysRoot, "class/dmi/id/product_uuid"))
	if err == nil {
		if id, perr := uuid.Parse(strings.TrimSpace(string(raw))); perr == nil && id != uuid.Nil {
			return id.String(), nil
		}
		c.Logger.Printf("WARN ignoring malformed product uuid %q", strings.TrimSpace(string(raw)))
	}

	host, err := c.Hostname()
	if err != nil {
		return "", fmt.Errorf("read hostname: %w", err)
	}
	if host == "" {
		return "", errors.New("no product uuid and empty hostname")
	}
	c.Logger.Printf("INFO no product uuid, using hostname %s", host)
	return host, nil
}

func (c *Collector) collectNICs(inv *inventory.Inventory) error {
	ifaces, err := c.Interfaces()
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Loopback || len(iface.HardwareAddr) == 0 {
			continue
		}
		speed := readSpeed(filepath.Join(c.SysRoot, "class/net", iface.Name, "speed"))
		nic := inventory.NIC{
			MACAddress:    iface.HardwareAddr.String(),
			BandwidthMbps: inventory.BandwidthFromSpeed(speed),
			IPAddress:     firstIPv4(iface.Addrs),
		}
		c.Logger.Printf("DEBUG nic %s mac=%s speed=%d bandwidth=%d", iface.Name, nic.MACAddress, speed, nic.BandwidthMbps)
		inv.AddNIC(nic)
	}
	return nil
}

func readMemTotal(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			if _, err := strconv.ParseUint(fields[1], 10, 64); err != nil {
				return "", fmt.Errorf("malformed MemTotal %q", fields[1])
			}
			return fields[1], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", errors.New("MemTotal not found")
}

// readCPUInfo parses /proc/cpuinfo. A record starts at every "processor"
// line; lines before the first one are ignored.
func readCPUInfo(path string) ([]inventory.CPU, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var (
		cpus    []inventory.CPU
		current *inventory.CPU
	)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		label, value := splitLabelValue(scanner.Text())
		if label == "" {
			continue
		}
		if label == "processor" {
			cpus = append(cpus, inventory.NewCPU())
			current = &cpus[len(cpus)-1]
			current.Number = value
			continue
		}
		if current == nil {
			continue
		}
		switch label {
		case "core id":
			current.CoreNumber = value
		case "cpu cores":
			current.CoresPerPackage = value
		case "vendor_id":
			current.Vendor = value
		case "model":
			current.Model = value
		case "cpu family":
			current.Family = value
		case "cpuid level":
			current.CPUIDLevel = value
		case "cpu MHz":
			current.SpeedMHz = value
		case "cache size":
			current.CacheSize = value
		case "flags":
			current.Flags = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cpus, nil
}

// splitLabelValue splits a "label<tabs>: value" line at the first colon.
// Leading blanks are skipped on both sides and trailing tabs removed; any
// later colons belong to the value.
func splitLabelValue(line string) (string, string) {
	line = strings.TrimRight(line, "\r\n")
	label, value, found := strings.Cut(line, ":")
	label = strings.TrimRight(strings.TrimLeft(label, " \t"), "\t")
	if !found {
		return label, ""
	}
	value = strings.TrimRight(strings.TrimLeft(value, " \t"), "\t")
	return label, value
}

func readSpeed(path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		return -1
	}
	speed, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return -1
	}
	return speed
}

func firstIPv4(addrs []net.Addr) string {
	for _, addr := range addrs {
		var ip net.IP
		switch a := addr.(type) {
		case *net.IPNet:
			ip = a.IP
		case *net.IPAddr:
			ip = a.IP
		}
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}

func unameMachine() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(uts.Machine[:]), nil
}

func systemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, fmt.Errorf("addresses of %s: %w", iface.Name, err)
		}
		out = append(out, Interface{
			Name:         iface.Name,
			HardwareAddr: iface.HardwareAddr,
			Loopback:     iface.Flags&net.FlagLoopback != 0,
			Addrs:        addrs,
		})
	}
	return out, nil
}
