// Package knxprojtest builds in-memory project archives for tests.
package knxprojtest

import (
	"bytes"
	"io"
	"testing"

	"github.com/yeka/zip"
)

// Namespace is the ETS5 project schema namespace.
const Namespace = "http://knx.org/xml/project/20"

// Entry is one file of a test archive.
type Entry struct {
	Name string
	Body string
}

// Zip packs entries into an archive, encrypting each entry with AES-256
// when password is set.
func Zip(t testing.TB, password string, entries ...Entry) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		var dst io.Writer
		var err error
		if password != "" {
			dst, err = w.Encrypt(e.Name, password, zip.AES256Encryption)
		} else {
			dst, err = w.Create(e.Name)
		}
		if err != nil {
			t.Fatalf("create %s: %v", e.Name, err)
		}
		if _, err := dst.Write([]byte(e.Body)); err != nil {
			t.Fatalf("write %s: %v", e.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// ProjectXML wraps body in a topology document root.
func ProjectXML(ns, attrs, body string) string {
	return `<?xml version="1.0" encoding="utf-8"?>` +
		`<KNX xmlns="` + ns + `" ` + attrs + `><Project Id="P-0001"><Installations><Installation Name="">` +
		body +
		`</Installation></Installations></Project></KNX>`
}

// GroupAddresses wraps group address elements in their range hierarchy.
func GroupAddresses(gas ...string) string {
	out := `<GroupAddresses><GroupRanges><GroupRange Name="Main">`
	for _, ga := range gas {
		out += ga
	}
	return out + `</GroupRange></GroupRanges></GroupAddresses>`
}

const (
	hardwareXML = `<KNX xmlns="http://knx.org/xml/project/20"><ManufacturerData><Manufacturer RefId="M-0083"><Hardware><Hardware Id="M-0083_H-1"><Products><Product Id="M-0083_H-1_P-1" Text="Universal Dimmer"/></Products></Hardware></Hardware></Manufacturer></ManufacturerData></KNX>`
	masterXML   = `<KNX xmlns="http://knx.org/xml/project/20" CreatedBy="ETS5"><MasterData><Manufacturers><Manufacturer Id="M-0083" Name="MDT technologies"/></Manufacturers></MasterData></KNX>`
	lightGA     = `<GroupAddress Id="GA1" Address="2305" Name="Light On/Off" DatapointType="DPST-1-1"/>`
)

// PlainProject is an unprotected ETS5 export with one group address (raw
// 2305) and one catalogued device (raw 4360).
func PlainProject(t testing.TB) []byte {
	t.Helper()
	topology := ProjectXML(Namespace, `CreatedBy="ETS5" ToolVersion="5.7.1"`,
		`<Topology><DeviceInstance Id="D1" Name="Dimmer" Address="4360" ProductRefId="M-0083_H-1_P-1"/></Topology>`+
			GroupAddresses(lightGA))
	return Zip(t, "",
		Entry{"P-0001/0.xml", topology},
		Entry{"M-0083/Hardware.xml", hardwareXML},
		Entry{"knx_master.xml", masterXML},
	)
}

// NestedProject wraps an ETS6 topology in P-0001.zip encrypted with
// password. With secured set, signature sidecars are added.
func NestedProject(t testing.TB, password string, secured bool) []byte {
	t.Helper()
	topology := ProjectXML("http://knx.org/xml/project/21", `CreatedBy="ETS6" ToolVersion="6.1.0"`,
		`<Topology><Area Address="1"><Line Address="1"><DeviceInstance Id="D1" Name="Secure Actuator" Address="5"><Security/></DeviceInstance></Line></Area></Topology>`+
			GroupAddresses(lightGA))
	inner := Zip(t, password, Entry{"0.xml", topology})

	entries := []Entry{
		{"knx_master.xml", `<KNX xmlns="http://knx.org/xml/project/21" CreatedBy="ETS6" ToolVersion="6.1.0"/>`},
		{"P-0001.zip", string(inner)},
	}
	if secured {
		entries = append(entries, Entry{"P-0001.signature", "sig"})
	}
	return Zip(t, "", entries...)
}

// SignedProject is an unprotected export with signature sidecars and a
// secured device at 1.1.5.
func SignedProject(t testing.TB) []byte {
	t.Helper()
	topology := ProjectXML(Namespace, `CreatedBy="ETS5" ToolVersion="5.7.1"`,
		`<Topology><Area Address="1"><Line Address="1">`+
			`<DeviceInstance Id="D1" Name="Secure Actuator" Address="5"><Security/></DeviceInstance>`+
			`<DeviceInstance Id="D2" Name="Plain Sensor" Address="6"/>`+
			`</Line></Area></Topology>`+
			GroupAddresses(lightGA))
	return Zip(t, "",
		Entry{"P-0001/0.xml", topology},
		Entry{"P-0001.signature", "sig"},
		Entry{"P-0001.certificate", "cert"},
	)
}

// NoTopology is a readable archive without a topology document.
func NoTopology(t testing.TB) []byte {
	t.Helper()
	return Zip(t, "", Entry{"knx_master.xml", masterXML}, Entry{"readme.txt", "nothing here"})
}

// KeyringXML holds tool keys for 1.1.5 and, in packed form, 1.1.9.
func KeyringXML() string {
	return `<?xml version="1.0" encoding="utf-8"?>` +
		`<Keyring xmlns="http://knx.org/xml/keyring/1" Project="Demo">` +
		`<Devices><Device IndividualAddress="1.1.5" ToolKey="AAECAwQFBgcICQoLDA0ODw=="/>` +
		`<Device IndividualAddress="4361" ToolKey="EBESExQVFhcYGRobHB0eHw=="/>` +
		`<Device IndividualAddress="1.1.9"/></Devices></Keyring>`
}

// Keyring is KeyringXML packed into an archive encrypted with password.
func Keyring(t testing.TB, password string) []byte {
	t.Helper()
	return Zip(t, password, Entry{"Demo.knxkeys.xml", KeyringXML()})
}
