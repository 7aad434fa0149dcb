// Package inventory holds the hardware description a managed node reports to
// the collection server, along with its projection onto protocol fields.
package inventory

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// MaxFieldLength caps every ordinary field.
	MaxFieldLength = 127
	// MaxFlagsLength caps the CPU flags field.
	MaxFlagsLength = 255

	defaultCoreNumber      = "0"
	defaultCoresPerPackage = "1"
	defaultBandwidthMbps   = 10
)

// Scalar labels.
const (
	LabelArch    = "ARCH"
	LabelUUID    = "UUID"
	LabelMemSize = "MEMSIZE"
)

// CPU labels, in wire order.
const (
	LabelCPUNumber       = "CPUNUM"
	LabelCoreNumber      = "CORENUM"
	LabelCoresPerPackage = "NUMCORES"
	LabelVendor          = "VENDOR"
	LabelModel           = "MODEL"
	LabelFamily          = "FAMILY"
	LabelCPUIDLevel      = "CPUIDLVL"
	LabelSpeed           = "SPEED"
	LabelCache           = "CACHE"
	LabelFlags           = "FLAGS"
)

// NIC labels, in wire order.
const (
	LabelMAC       = "MAC"
	LabelBandwidth = "BANDWIDTH"
)

var (
	// ErrInvalid reports an inventory that must not be sent.
	ErrInvalid = errors.New("inventory: invalid")
	// ErrUnknownLabel reports a label that does not belong to the record being filled.
	ErrUnknownLabel = errors.New("inventory: unknown label")
)

// Bandwidths lists the link speeds, in Mbps, a NIC may report. Highest first.
var Bandwidths = []int{10000, 2500, 1000, 100, 10}

// Field is one LABEL=VALUE pair as it travels on the wire.
type Field struct {
	Label string
	Value string
}

// Line renders the field as a protocol line without the terminator.
func (f Field) Line() string {
	return f.Label + "=" + f.Value
}

// Inventory describes one node. It is assembled completely before any
// network activity and treated as read-only afterwards.
type Inventory struct {
	Architecture string `json:"arch"`
	UUID         string `json:"uuid"`
	MemoryKB     string `json:"memsize"`
	CPUs         []CPU  `json:"cpus"`
	NICs         []NIC  `json:"nics"`
}

// CPU is one logical processor as listed by the kernel.
type CPU struct {
	Number          string `json:"cpunum"`
	CoreNumber      string `json:"corenum"`
	CoresPerPackage string `json:"numcores"`
	Vendor          string `json:"vendor"`
	Model           string `json:"model"`
	Family          string `json:"family"`
	CPUIDLevel      string `json:"cpuidlvl"`
	SpeedMHz        string `json:"speed"`
	CacheSize       string `json:"cache"`
	Flags           string `json:"flags"`
}

// NIC is one network interface.
type NIC struct {
	MACAddress    string `json:"mac"`
	BandwidthMbps int    `json:"bandwidth"`
	IPAddress     string `json:"ipaddr,omitempty"`
}

// NewCPU returns a CPU record with the documented defaults applied.
func NewCPU() CPU {
	return CPU{CoreNumber: defaultCoreNumber, CoresPerPackage: defaultCoresPerPackage}
}

// NewNIC returns a NIC record with the documented defaults applied.
func NewNIC() NIC {
	return NIC{BandwidthMbps: defaultBandwidthMbps}
}

// SetScalars stores the three scalar fields, truncating each to its cap.
func (inv *Inventory) SetScalars(arch, uuid, memKB string) {
	inv.Architecture = Truncate(arch, MaxFieldLength)
	inv.UUID = Truncate(uuid, MaxFieldLength)
	inv.MemoryKB = Truncate(memKB, MaxFieldLength)
}

// AddCPU appends a CPU record after capping its fields.
func (inv *Inventory) AddCPU(c CPU) {
	inv.CPUs = append(inv.CPUs, c.capped())
}

// AddNIC appends a NIC record after capping its fields.
func (inv *Inventory) AddNIC(n NIC) {
	if n.BandwidthMbps == 0 {
		n.BandwidthMbps = defaultBandwidthMbps
	}
	n.MACAddress = Truncate(n.MACAddress, MaxFieldLength)
	n.IPAddress = Truncate(n.IPAddress, MaxFieldLength)
	inv.NICs = append(inv.NICs, n)
}

// Validate reports whether the inventory is complete enough to be sent.
func (inv *Inventory) Validate() error {
	if inv == nil {
		return fmt.Errorf("%w: nil inventory", ErrInvalid)
	}
	for _, f := range inv.Scalars() {
		if f.Value == "" {
			return fmt.Errorf("%w: %s is empty", ErrInvalid, f.Label)
		}
		if strings.ContainsAny(f.Value, "\r\n") {
			return fmt.Errorf("%w: %s contains a line break", ErrInvalid, f.Label)
		}
	}
	for i, c := range inv.CPUs {
		for _, f := range c.Fields() {
			if strings.ContainsAny(f.Value, "\r\n") {
				return fmt.Errorf("%w: cpu %d %s contains a line break", ErrInvalid, i, f.Label)
			}
		}
	}
	for i, n := range inv.NICs {
		if strings.ContainsAny(n.MACAddress, "\r\n") {
			return fmt.Errorf("%w: nic %d MAC contains a line break", ErrInvalid, i)
		}
		if n.MACAddress == "" {
			return fmt.Errorf("%w: nic %d has no MAC address", ErrInvalid, i)
		}
		if !ValidBandwidth(n.BandwidthMbps) {
			return fmt.Errorf("%w: nic %d bandwidth %d", ErrInvalid, i, n.BandwidthMbps)
		}
	}
	return nil
}

// Scalars returns the node-level fields in wire order.
func (inv *Inventory) Scalars() []Field {
	return []Field{
		{LabelArch, inv.Architecture},
		{LabelUUID, inv.UUID},
		{LabelMemSize, inv.MemoryKB},
	}
}

// SetScalar applies a received node-level field.
func (inv *Inventory) SetScalar(label, value string) error {
	value = Truncate(value, MaxFieldLength)
	switch label {
	case LabelArch:
		inv.Architecture = value
	case LabelUUID:
		inv.UUID = value
	case LabelMemSize:
		inv.MemoryKB = value
	default:
		return fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	return nil
}

// Fields returns the ten CPU fields in wire order.
func (c CPU) Fields() []Field {
	return []Field{
		{LabelCPUNumber, c.Number},
		{LabelCoreNumber, c.CoreNumber},
		{LabelCoresPerPackage, c.CoresPerPackage},
		{LabelVendor, c.Vendor},
		{LabelModel, c.Model},
		{LabelFamily, c.Family},
		{LabelCPUIDLevel, c.CPUIDLevel},
		{LabelSpeed, c.SpeedMHz},
		{LabelCache, c.CacheSize},
		{LabelFlags, c.Flags},
	}
}

// Set applies a received CPU field.
func (c *CPU) Set(label, value string) error {
	if label == LabelFlags {
		c.Flags = Truncate(value, MaxFlagsLength)
		return nil
	}
	value = Truncate(value, MaxFieldLength)
	switch label {
	case LabelCPUNumber:
		c.Number = value
	case LabelCoreNumber:
		c.CoreNumber = value
	case LabelCoresPerPackage:
		c.CoresPerPackage = value
	case LabelVendor:
		c.Vendor = value
	case LabelModel:
		c.Model = value
	case LabelFamily:
		c.Family = value
	case LabelCPUIDLevel:
		c.CPUIDLevel = value
	case LabelSpeed:
		c.SpeedMHz = value
	case LabelCache:
		c.CacheSize = value
	default:
		return fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	return nil
}

func (c CPU) capped() CPU {
	c.Number = Truncate(c.Number, MaxFieldLength)
	c.CoreNumber = Truncate(c.CoreNumber, MaxFieldLength)
	c.CoresPerPackage = Truncate(c.CoresPerPackage, MaxFieldLength)
	c.Vendor = Truncate(c.Vendor, MaxFieldLength)
	c.Model = Truncate(c.Model, MaxFieldLength)
	c.Family = Truncate(c.Family, MaxFieldLength)
	c.CPUIDLevel = Truncate(c.CPUIDLevel, MaxFieldLength)
	c.SpeedMHz = Truncate(c.SpeedMHz, MaxFieldLength)
	c.CacheSize = Truncate(c.CacheSize, MaxFieldLength)
	c.Flags = Truncate(c.Flags, MaxFlagsLength)
	return c
}

// Fields returns the NIC fields in wire order.
func (n NIC) Fields() []Field {
	return []Field{
		{LabelMAC, n.MACAddress},
		{LabelBandwidth, strconv.Itoa(n.BandwidthMbps)},
	}
}

// Set applies a received NIC field.
func (n *NIC) Set(label, value string) error {
	switch label {
	case LabelMAC:
		n.MACAddress = Truncate(value, MaxFieldLength)
	case LabelBandwidth:
		mbps, err := strconv.Atoi(value)
		if err != nil || !ValidBandwidth(mbps) {
			return fmt.Errorf("%w: bandwidth %q", ErrInvalid, value)
		}
		n.BandwidthMbps = mbps
	default:
		return fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	return nil
}

// ValidBandwidth reports whether mbps is one of the allowed link speeds.
func ValidBandwidth(mbps int) bool {
	for _, b := range Bandwidths {
		if b == mbps {
			return true
		}
	}
	return false
}

// BandwidthFromSpeed maps a measured link speed onto the highest allowed
// bucket it reaches. Unknown or sub-10 speeds map to 10.
func BandwidthFromSpeed(mbps int) int {
	for _, b := range Bandwidths {
		if mbps >= b {
			return b
		}
	}
	return defaultBandwidthMbps
}

// Truncate shortens s to at most max bytes without splitting a UTF-8 sequence.
// Bytes that are not part of a valid sequence are cut like ASCII.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for j := max - 1; j >= 0 && j > max-utf8.UTFMax; j-- {
		if utf8.RuneStart(s[j]) {
			if !utf8.FullRuneInString(s[j:max]) {
				return s[:j]
			}
			break
		}
	}
	return s[:max]
}
