package cli

import (
	"encoding/json"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/knximport/internal/knxproj"
)

const (
	outputJSON = "json"
	outputYAML = "yaml"
)

type inspectReport struct {
	File     string           `json:"file" yaml:"file"`
	Size     int              `json:"size" yaml:"size"`
	Features knxproj.Features `json:"features" yaml:"features"`
}

type importReport struct {
	Project          string                 `json:"project" yaml:"project"`
	FormatVersion    knxproj.FormatVersion  `json:"formatVersion" yaml:"formatVersion"`
	HasSecureDevices bool                   `json:"hasSecureDevices" yaml:"hasSecureDevices"`
	SecureKeyCount   int                    `json:"secureKeyCount" yaml:"secureKeyCount"`
	GroupAddresses   []knxproj.GroupAddress `json:"groupAddresses" yaml:"groupAddresses"`
	Devices          []knxproj.Device       `json:"devices" yaml:"devices"`
}

func writeOutput(w io.Writer, format string, v any) error {
	if format == outputYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
