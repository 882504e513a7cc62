// Package fleet tracks the radios a server owns and which of them are busy.
package fleet

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// NoDevices is what discovery reports when nothing answered.
const NoDevices = "No devices found"

// RadioRecord identifies one discovered radio. It is immutable once parsed.
type RadioRecord struct {
	Args        string
	Serial      string
	Type        string
	Product     string
	Name        string
	ServerIndex int
}

// Inventory is the ordered list of radios; the slice index is the radio id.
type Inventory []RadioRecord

// IndexOfSerial returns the first radio whose args contain serial, or -1.
func (inv Inventory) IndexOfSerial(serial string) int {
	if serial == "" {
		return -1
	}
	for idx, r := range inv {
		if strings.Contains(r.Args, serial) {
			return idx
		}
	}
	return -1
}

// IndexOfArgs returns the radio with exactly these args, or -1.
func (inv Inventory) IndexOfArgs(args string) int {
	for idx, r := range inv {
		if r.Args == args {
			return idx
		}
	}
	return -1
}

// Args lists the identity strings in radio order.
func (inv Inventory) Args() []string {
	out := make([]string, len(inv))
	for i, r := range inv {
		out[i] = r.Args
	}
	return out
}

func (inv Inventory) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Radio List (%d):\n", len(inv))
	for idx, r := range inv {
		fmt.Fprintf(&b, "  %4d server=%-3d args=%q\n", idx, r.ServerIndex, r.Args)
	}
	return b.String()
}

// SerialFromArgs extracts the value of serial= from a device args string.
func SerialFromArgs(args string) string {
	pos := strings.Index(args, "serial=")
	if pos < 0 {
		return ""
	}
	tail := args[pos+len("serial="):]
	if comma := strings.IndexByte(tail, ','); comma >= 0 {
		return tail[:comma]
	}
	return strings.TrimSpace(tail)
}

// argOrder is the order device address keys are folded into Args.
var argOrder = []string{"type", "addr", "serial", "mgmt_addr"}

// ParseInventory reads uhd_find_devices output. Every "UHD Device" header
// counts as one radio; its "Device Address:" block supplies the identity.
func ParseInventory(text string, serverIndex int) (Inventory, error) {
	if strings.Contains(text, NoDevices) {
		return Inventory{}, nil
	}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	var blocks [][]string
	var current []string
	for _, ln := range lines {
		if strings.Contains(ln, "Device Address") {
			if current != nil {
				blocks = append(blocks, current)
			}
			current = []string{ln}
			continue
		}
		if current == nil {
			continue
		}
		if strings.TrimSpace(ln) == "" || strings.HasPrefix(strings.TrimSpace(ln), "--") {
			blocks = append(blocks, current)
			current = nil
			continue
		}
		current = append(current, ln)
	}
	if current != nil {
		blocks = append(blocks, current)
	}

	inv := make(Inventory, 0, len(blocks))
	for idx, block := range blocks {
		var doc map[string]map[string]string
		if err := yaml.Unmarshal([]byte(strings.Join(block, "\n")), &doc); err != nil {
			return nil, fmt.Errorf("parse device block %d: %w", idx, err)
		}
		addr := doc["Device Address"]
		if addr == nil {
			continue
		}
		rec := RadioRecord{ServerIndex: serverIndex}
		parts := make([]string, 0, len(argOrder))
		for _, key := range argOrder {
			if v := addr[key]; v != "" {
				parts = append(parts, key+"="+v)
			}
		}
		rec.Args = strings.Join(parts, ",")
		rec.Serial = addr["serial"]
		rec.Type = addr["type"]
		rec.Product = addr["product"]
		rec.Name = addr["name"]
		inv = append(inv, rec)
	}
	return inv, nil
}
