package knxproj

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"
)

// Stage names the parser's progress checkpoints.
type Stage string

const (
	StageGroupAddresses Stage = "group_addresses"
	StageDevices        Stage = "devices"
)

// ProgressFunc receives parser progress for a stage as a 0-100 percentage.
type ProgressFunc func(stage Stage, percent int)

// GroupAddress is a parsed group address ready for persistence.
type GroupAddress struct {
	ProjectID     int64  `json:"projectId" yaml:"projectId"`
	Address       string `json:"address" yaml:"address"`
	Name          string `json:"name" yaml:"name"`
	Description   string `json:"description,omitempty" yaml:"description,omitempty"`
	DatapointType string `json:"datapointType,omitempty" yaml:"datapointType,omitempty"`
}

// Device is a parsed device instance ready for persistence.
type Device struct {
	ProjectID       int64  `json:"projectId" yaml:"projectId"`
	Name            string `json:"name" yaml:"name"`
	PhysicalAddress string `json:"physicalAddress" yaml:"physicalAddress"`
	Manufacturer    string `json:"manufacturer,omitempty" yaml:"manufacturer,omitempty"`
	ProductName     string `json:"productName,omitempty" yaml:"productName,omitempty"`
	Secured         bool   `json:"secured,omitempty" yaml:"secured,omitempty"`
}

// ProjectData is the parser's output.
type ProjectData struct {
	GroupAddresses []GroupAddress `json:"groupAddresses" yaml:"groupAddresses"`
	Devices        []Device       `json:"devices" yaml:"devices"`
}

// ApplyKeys marks devices whose physical address has a tool key and
// returns how many were marked.
func (d *ProjectData) ApplyKeys(keys map[string]string) int {
	marked := 0
	for i := range d.Devices {
		if _, ok := keys[d.Devices[i].PhysicalAddress]; ok {
			d.Devices[i].Secured = true
			marked++
		}
	}
	return marked
}

// Parser extracts group addresses and devices from a workspace.
type Parser struct{}

// Parse reads the topology document of ws. Either all entities are
// returned or an error describing why the project could not be parsed.
func (Parser) Parse(ctx context.Context, ws *Workspace, projectID int64, progress ProgressFunc) (*ProjectData, error) {
	if progress == nil {
		progress = func(Stage, int) {}
	}

	data, err := parseWorkspace(ctx, ws, projectID, progress)
	if err != nil {
		return nil, fmt.Errorf("failed to parse project file: %w", err)
	}
	return data, nil
}

func parseWorkspace(ctx context.Context, ws *Workspace, projectID int64, progress ProgressFunc) (*ProjectData, error) {
	entry := ws.Project.Find(isTopologyDocument)
	if entry == nil {
		return nil, ErrNoProjectData
	}

	content, err := ws.Project.ReadFile(entry)
	if err != nil {
		return nil, err
	}
	doc, err := parseXML(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entry.Name, err)
	}

	root := rootElement(doc)
	if root == nil {
		return nil, fmt.Errorf("%s: empty document", entry.Name)
	}
	// Unknown schema versions are read in the root's own namespace.
	ns := root.NamespaceURI

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	progress(StageGroupAddresses, 0)
	gas := parseGroupAddresses(elements(doc, "GroupAddress", ns), projectID)
	progress(StageGroupAddresses, 100)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	progress(StageDevices, 0)
	cat := newCatalog(ws)
	devices := parseDevices(elements(doc, "DeviceInstance", ns), projectID, cat, func(pct int) {
		if pct < 100 {
			progress(StageDevices, pct)
		}
	})
	progress(StageDevices, 100)

	return &ProjectData{GroupAddresses: gas, Devices: devices}, nil
}

// elements returns all elements with the given local name in namespace ns.
func elements(doc *xmlquery.Node, local, ns string) []*xmlquery.Node {
	all := xmlquery.Find(doc, "//*[local-name()='"+local+"']")
	out := all[:0]
	for _, n := range all {
		if n.NamespaceURI == ns {
			out = append(out, n)
		}
	}
	return out
}

func parseGroupAddresses(nodes []*xmlquery.Node, projectID int64) []GroupAddress {
	gas := make([]GroupAddress, 0, len(nodes))
	for _, n := range nodes {
		addr := n.SelectAttr("Address")
		name := n.SelectAttr("Name")
		if addr == "" || name == "" {
			continue
		}
		gas = append(gas, GroupAddress{
			ProjectID:     projectID,
			Address:       EncodeGroupAddress(addr),
			Name:          name,
			Description:   n.SelectAttr("Description"),
			DatapointType: NormalizeDatapointType(n.SelectAttr("DatapointType")),
		})
	}
	return gas
}

func parseDevices(nodes []*xmlquery.Node, projectID int64, cat *catalog, report func(int)) []Device {
	devices := make([]Device, 0, len(nodes))
	step := len(nodes)/10 + 1
	for i, n := range nodes {
		if i%step == 0 {
			report(i * 100 / len(nodes))
		}

		addr := n.SelectAttr("Address")
		name := n.SelectAttr("Name")
		if addr == "" || name == "" {
			continue
		}

		var product, manufacturer string
		if ref := n.SelectAttr("ProductRefId"); ref != "" {
			product, manufacturer = cat.lookup(ref)
		}

		devices = append(devices, Device{
			ProjectID:       projectID,
			Name:            name,
			PhysicalAddress: devicePhysicalAddress(n, addr),
			Manufacturer:    manufacturer,
			ProductName:     product,
		})
	}
	return devices
}

// devicePhysicalAddress composes area.line.device from the enclosing
// topology elements when the device carries only its device number, and
// decodes the packed form otherwise.
func devicePhysicalAddress(n *xmlquery.Node, addr string) string {
	var area, line string
	for p := n.Parent; p != nil; p = p.Parent {
		switch p.Data {
		case "Line":
			if line == "" {
				line = p.SelectAttr("Address")
			}
		case "Area":
			if area == "" {
				area = p.SelectAttr("Address")
			}
		}
	}

	if area != "" && line != "" {
		d, derr := strconv.Atoi(addr)
		a, aerr := strconv.Atoi(area)
		l, lerr := strconv.Atoi(line)
		if derr == nil && aerr == nil && lerr == nil && d >= 0 && d <= 0xFF && a >= 0 && a <= 0x0F && l >= 0 && l <= 0x0F {
			return fmt.Sprintf("%d.%d.%d", a, l, d)
		}
	}
	return EncodePhysicalAddress(addr)
}

// catalog resolves product references against manufacturer catalogs. Any
// lookup failure yields empty strings.
type catalog struct {
	archives []*Archive
	hardware map[string]*hardwareDoc
	makers   map[string]string
}

type hardwareDoc struct {
	products     map[string]string
	manufacturer string
}

func newCatalog(ws *Workspace) *catalog {
	archives := []*Archive{ws.Project}
	if ws.Outer != nil && ws.Outer != ws.Project {
		archives = append(archives, ws.Outer)
	}
	return &catalog{archives: archives, hardware: make(map[string]*hardwareDoc)}
}

func (c *catalog) lookup(productRef string) (product, manufacturer string) {
	makerID, _, _ := strings.Cut(productRef, "_")

	for _, a := range c.archives {
		for _, f := range a.Files() {
			if !isHardwareCatalog(f.Name) {
				continue
			}
			doc := c.load(a, f.Name)
			if doc == nil {
				continue
			}
			text, ok := doc.products[productRef]
			if !ok {
				continue
			}
			manufacturer = doc.manufacturer
			if manufacturer == "" {
				manufacturer = c.makerName(makerID)
			}
			return text, manufacturer
		}
	}
	return "", ""
}

func (c *catalog) load(a *Archive, name string) *hardwareDoc {
	if doc, ok := c.hardware[name]; ok {
		return doc
	}

	var doc *hardwareDoc
	if x := readXML(a, name); x != nil {
		doc = &hardwareDoc{products: make(map[string]string)}
		for _, p := range xmlquery.Find(x, "//*[local-name()='Product']") {
			if id := p.SelectAttr("Id"); id != "" {
				doc.products[id] = p.SelectAttr("Text")
			}
		}
		if m := xmlquery.FindOne(x, "//*[local-name()='Manufacturer'][@Name]"); m != nil {
			doc.manufacturer = m.SelectAttr("Name")
		}
	}
	c.hardware[name] = doc
	return doc
}

// makerName reads manufacturer names from knx_master.xml once.
func (c *catalog) makerName(id string) string {
	if c.makers == nil {
		c.makers = make(map[string]string)
		for _, a := range c.archives {
			x := readXML(a, masterFile)
			if x == nil {
				continue
			}
			for _, m := range xmlquery.Find(x, "//*[local-name()='Manufacturer']") {
				if mid := m.SelectAttr("Id"); mid != "" {
					c.makers[mid] = m.SelectAttr("Name")
				}
			}
		}
	}
	return c.makers[id]
}

func isHardwareCatalog(name string) bool {
	dir, file := path.Split(name)
	return file == hardwareFile && strings.HasPrefix(dir, makerPrefix)
}
