package knxproj

import (
	"bytes"
	"path"
	"strings"

	"github.com/antchfx/xmlquery"
)

// FormatVersion identifies the tool generation that exported a project.
type FormatVersion string

const (
	FormatUnknown FormatVersion = "unknown"
	FormatETS4    FormatVersion = "ets4"
	FormatETS5    FormatVersion = "ets5"
	FormatETS6    FormatVersion = "ets6"
)

const projectNamespacePrefix = "http://knx.org/xml/project/"

// namespaceVersions lists the topology schema namespaces accepted by the
// parser and the tool generation each one implies.
var namespaceVersions = map[string]FormatVersion{
	projectNamespacePrefix + "11": FormatETS4,
	projectNamespacePrefix + "12": FormatETS4,
	projectNamespacePrefix + "13": FormatETS4,
	projectNamespacePrefix + "14": FormatETS4,
	projectNamespacePrefix + "20": FormatETS5,
	projectNamespacePrefix + "21": FormatETS6,
	projectNamespacePrefix + "22": FormatETS6,
	projectNamespacePrefix + "23": FormatETS6,
}

// Features describes what an archive needs before it can be parsed.
type Features struct {
	FormatVersion     FormatVersion `json:"formatVersion" yaml:"formatVersion"`
	PasswordProtected bool          `json:"passwordProtected" yaml:"passwordProtected"`
	HasSecureDevices  bool          `json:"hasSecureDevices" yaml:"hasSecureDevices"`
	RequiresKeyring   bool          `json:"requiresKeyring" yaml:"requiresKeyring"`
	NestedArchive     string        `json:"nestedArchive,omitempty" yaml:"nestedArchive,omitempty"`
}

// Detector classifies project archives without decrypting them.
type Detector struct{}

// Detect inspects the archive structure. Only an unreadable outer container
// is an error; problems reading version or security hints degrade to
// FormatUnknown and no security features.
func (Detector) Detect(data []byte) (Features, error) {
	features := Features{FormatVersion: FormatUnknown}

	archive, err := OpenArchive(data)
	if err != nil {
		return features, err
	}
	defer archive.Close()

	if archive.Any(isSignatureSidecar) {
		features.HasSecureDevices = true
		features.RequiresKeyring = true
	}

	if nested := archive.Find(isNestedProjectArchive); nested != nil {
		features.PasswordProtected = true
		features.NestedArchive = nested.Name

		if master := archive.Find(isMasterDocument); master != nil {
			if doc := readXML(archive, master.Name); doc != nil {
				features.FormatVersion = detectVersion(doc)
			}
		}
		return features, nil
	}

	if topology := archive.Find(isTopologyDocument); topology != nil {
		if doc := readXML(archive, topology.Name); doc != nil {
			features.FormatVersion = detectVersion(doc)
			if hasSecurityElements(doc) {
				features.HasSecureDevices = true
			}
		}
	}

	return features, nil
}

// readXML parses an archive entry, returning nil on any failure.
func readXML(a *Archive, name string) *xmlquery.Node {
	f := a.Find(func(n string) bool { return n == name })
	if f == nil {
		return nil
	}
	data, err := a.ReadFile(f)
	if err != nil {
		return nil
	}
	doc, err := parseXML(data)
	if err != nil {
		return nil
	}
	return doc
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func parseXML(data []byte) (*xmlquery.Node, error) {
	return xmlquery.Parse(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
}

func rootElement(doc *xmlquery.Node) *xmlquery.Node {
	for n := doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			return n
		}
	}
	return nil
}

func detectVersion(doc *xmlquery.Node) FormatVersion {
	root := rootElement(doc)
	if root == nil {
		return FormatUnknown
	}

	if tv := root.SelectAttr("ToolVersion"); tv != "" {
		switch {
		case strings.HasPrefix(tv, "4."):
			return FormatETS4
		case strings.HasPrefix(tv, "5."):
			return FormatETS5
		case strings.HasPrefix(tv, "6."):
			return FormatETS6
		}
	}

	if cb := root.SelectAttr("CreatedBy"); cb != "" {
		switch {
		case strings.Contains(cb, "ETS4"):
			return FormatETS4
		case strings.Contains(cb, "ETS5"):
			return FormatETS5
		case strings.Contains(cb, "ETS6"):
			return FormatETS6
		}
	}

	if v, ok := namespaceVersions[root.NamespaceURI]; ok {
		return v
	}
	return FormatUnknown
}

// isSignatureSidecar matches the signature and certificate files written
// next to projects that contain secured devices.
func isSignatureSidecar(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext == ".signature" || ext == ".certificate"
}

func hasSecurityElements(doc *xmlquery.Node) bool {
	return xmlquery.FindOne(doc, "//*[local-name()='DeviceInstance']/*[local-name()='Security']") != nil
}
