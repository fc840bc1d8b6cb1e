package knxproj

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatGroupAddress renders a packed 16-bit group address in three-level
// main/middle/sub notation (5/3/8 bits).
func FormatGroupAddress(raw uint16) string {
	main := (raw >> 11) & 0x1F
	middle := (raw >> 8) & 0x07
	sub := raw & 0xFF
	return fmt.Sprintf("%d/%d/%d", main, middle, sub)
}

// FormatPhysicalAddress renders a packed 16-bit individual address in
// area.line.device notation (4/4/8 bits).
func FormatPhysicalAddress(raw uint16) string {
	area := (raw >> 12) & 0x0F
	line := (raw >> 8) & 0x0F
	device := raw & 0xFF
	return fmt.Sprintf("%d.%d.%d", area, line, device)
}

// EncodeGroupAddress converts the project file's integer representation of a
// group address to main/middle/sub. Values that are not integers are returned
// unchanged, which covers exports that already carry formatted addresses.
func EncodeGroupAddress(raw string) string {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
	if err != nil {
		return raw
	}
	return FormatGroupAddress(uint16(n))
}

// EncodePhysicalAddress is the individual-address counterpart of
// EncodeGroupAddress.
func EncodePhysicalAddress(raw string) string {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
	if err != nil {
		return raw
	}
	return FormatPhysicalAddress(uint16(n))
}

// ParseGroupAddress splits a "main/middle/sub" string into its fields.
func ParseGroupAddress(s string) (main, middle, sub int, err error) {
	parts, err := splitAddress(s, "/", [3]int{0x1F, 0x07, 0xFF})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("group address %q: %w", s, err)
	}
	return parts[0], parts[1], parts[2], nil
}

// ParsePhysicalAddress splits an "area.line.device" string into its fields.
func ParsePhysicalAddress(s string) (area, line, device int, err error) {
	parts, err := splitAddress(s, ".", [3]int{0x0F, 0x0F, 0xFF})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("physical address %q: %w", s, err)
	}
	return parts[0], parts[1], parts[2], nil
}

func splitAddress(s, sep string, limits [3]int) ([3]int, error) {
	var out [3]int
	fields := strings.Split(strings.TrimSpace(s), sep)
	if len(fields) != 3 {
		return out, fmt.Errorf("expected 3 fields separated by %q", sep)
	}
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return out, fmt.Errorf("field %d: %w", i+1, err)
		}
		if n < 0 || n > limits[i] {
			return out, fmt.Errorf("field %d out of range 0-%d", i+1, limits[i])
		}
		out[i] = n
	}
	return out, nil
}
