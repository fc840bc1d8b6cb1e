package knxproj

import "testing"

func TestNormalizeDatapointType(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"subtype", "DPST-1-1", "DPT 1.001"},
		{"subtype three digits", "DPST-9-001", "DPT 9.001"},
		{"large subtype", "DPST-5-100", "DPT 5.100"},
		{"main type only", "DPT-9", "DPT 9"},
		{"main type with sub", "DPT-7-12", "DPT 7.012"},
		{"dotted", "9.1", "DPT 9.001"},
		{"first of several", "DPST-1-1 DPST-1-8", "DPT 1.001"},
		{"empty", "", ""},
		{"whitespace", "   ", ""},
		{"unknown", "custom", "custom"},
		{"broken subtype", "DPST-x-y", "DPST-x-y"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeDatapointType(tt.raw); got != tt.want {
				t.Errorf("NormalizeDatapointType(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
