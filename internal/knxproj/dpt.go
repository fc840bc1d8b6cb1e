package knxproj

import (
	"fmt"
	"strconv"
	"strings"
)

// NormalizeDatapointType collapses the datapoint type encodings found in
// project files into one canonical form:
//
//	"DPST-1-1" -> "DPT 1.001"
//	"DPT-9"    -> "DPT 9"
//	"9.1"      -> "DPT 9.001"
//
// Attributes listing several types keep only the first. Empty input yields
// an empty string and unrecognized values are returned trimmed but unchanged.
func NormalizeDatapointType(raw string) string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return ""
	}
	v := fields[0]

	switch {
	case strings.HasPrefix(v, "DPST-"):
		parts := strings.Split(strings.TrimPrefix(v, "DPST-"), "-")
		if len(parts) >= 2 {
			if s, ok := formatDPT(parts[0], parts[1]); ok {
				return s
			}
		}
	case strings.HasPrefix(v, "DPT-"):
		parts := strings.Split(strings.TrimPrefix(v, "DPT-"), "-")
		if len(parts) >= 2 {
			if s, ok := formatDPT(parts[0], parts[1]); ok {
				return s
			}
		}
		if major, err := strconv.Atoi(parts[0]); err == nil {
			return fmt.Sprintf("DPT %d", major)
		}
	case strings.Contains(v, "."):
		major, minor, _ := strings.Cut(v, ".")
		if s, ok := formatDPT(major, minor); ok {
			return s
		}
	}

	return v
}

func formatDPT(major, minor string) (string, bool) {
	ma, err := strconv.Atoi(major)
	if err != nil {
		return "", false
	}
	mi, err := strconv.Atoi(minor)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("DPT %d.%03d", ma, mi), true
}
