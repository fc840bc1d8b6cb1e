package knxproj

import (
	"context"
	"errors"
	"testing"
)

func openWorkspace(t *testing.T, data []byte, nested, password string) *Workspace {
	t.Helper()
	ws, err := Resolver{}.Open(data, nested, password)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestParsePlainProject(t *testing.T) {
	ws := openWorkspace(t, plainProject(t), "", "")

	data, err := Parser{}.Parse(context.Background(), ws, 7, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(data.GroupAddresses) != 1 {
		t.Fatalf("got %d group addresses, want 1", len(data.GroupAddresses))
	}
	ga := data.GroupAddresses[0]
	want := GroupAddress{ProjectID: 7, Address: "1/1/1", Name: "Light On/Off", DatapointType: "DPT 1.001"}
	if ga != want {
		t.Errorf("group address = %+v, want %+v", ga, want)
	}

	if len(data.Devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(data.Devices))
	}
	dev := data.Devices[0]
	wantDev := Device{
		ProjectID:       7,
		Name:            "Dimmer",
		PhysicalAddress: "1.1.8",
		Manufacturer:    "MDT technologies",
		ProductName:     "Universal Dimmer",
	}
	if dev != wantDev {
		t.Errorf("device = %+v, want %+v", dev, wantDev)
	}
}

func TestParseNestedProjectComposesAddresses(t *testing.T) {
	ws := openWorkspace(t, nestedProject(t, "secret", true), "P-0001.zip", "secret")

	data, err := Parser{}.Parse(context.Background(), ws, 1, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(data.Devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(data.Devices))
	}
	if got := data.Devices[0].PhysicalAddress; got != "1.1.5" {
		t.Errorf("PhysicalAddress = %q, want 1.1.5", got)
	}
	if data.Devices[0].Manufacturer != "" || data.Devices[0].ProductName != "" {
		t.Errorf("device without product reference should have empty catalog fields: %+v", data.Devices[0])
	}
}

func TestParseSkipsIncompleteEntries(t *testing.T) {
	topology := projectXML(testNamespace, "",
		`<Topology>`+
			`<DeviceInstance Name="" Address="1"/>`+
			`<DeviceInstance Name="No Address"/>`+
			`<DeviceInstance Name="Kept" Address="4104" ProductRefId="M-9999_H-1_P-1"/>`+
			`</Topology>`+
			groupAddressesXML(
				`<GroupAddress Address="1"/>`,
				`<GroupAddress Name="No Address"/>`,
				`<GroupAddress Address="2049" Name="Kept" Description="hall" DatapointType="9.1"/>`,
			))
	ws := openWorkspace(t, buildZip(t, "", entry{Name: "0.xml", Body: topology}), "", "")

	data, err := Parser{}.Parse(context.Background(), ws, 3, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(data.GroupAddresses) != 1 || data.GroupAddresses[0].Address != "1/0/1" {
		t.Fatalf("group addresses = %+v", data.GroupAddresses)
	}
	if ga := data.GroupAddresses[0]; ga.Description != "hall" || ga.DatapointType != "DPT 9.001" {
		t.Errorf("group address = %+v", ga)
	}
	if len(data.Devices) != 1 || data.Devices[0].PhysicalAddress != "1.0.8" {
		t.Fatalf("devices = %+v", data.Devices)
	}
	if data.Devices[0].ProductName != "" {
		t.Errorf("unknown product should leave ProductName empty, got %q", data.Devices[0].ProductName)
	}
}

func TestParseUnknownNamespace(t *testing.T) {
	body := `<Topology><Area Address="1"><Line Address="1">` +
		`<DeviceInstance Name="Switch" Address="3"/>` +
		`</Line></Area></Topology>` +
		groupAddressesXML(`<GroupAddress Address="2305" Name="Blinds"/>`)

	tests := []struct {
		name string
		ns   string
	}{
		{"no namespace", ""},
		{"newer schema", "http://knx.org/xml/project/24"},
		{"older schema", "http://knx.org/xml/project/10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := buildZip(t, "", entry{Name: "P-0001/0.xml", Body: projectXML(tt.ns, "", body)})
			ws := openWorkspace(t, data, "", "")

			got, err := Parser{}.Parse(context.Background(), ws, 1, nil)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(got.GroupAddresses) != 1 || got.GroupAddresses[0].Address != "1/1/1" {
				t.Errorf("group addresses = %+v", got.GroupAddresses)
			}
			if len(got.Devices) != 1 || got.Devices[0].PhysicalAddress != "1.1.3" {
				t.Errorf("devices = %+v", got.Devices)
			}
		})
	}
}

func TestParseNegativeTopologyAddresses(t *testing.T) {
	tests := []struct {
		name     string
		area     string
		line     string
		device   string
		wantAddr string
	}{
		{"negative area", "-1", "1", "5", "0.0.5"},
		{"negative line", "1", "-1", "5", "0.0.5"},
		{"negative device", "1", "1", "-1", "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topology := projectXML(testNamespace, "",
				`<Topology><Area Address="`+tt.area+`"><Line Address="`+tt.line+`">`+
					`<DeviceInstance Name="Dev" Address="`+tt.device+`"/>`+
					`</Line></Area></Topology>`)
			ws := openWorkspace(t, buildZip(t, "", entry{Name: "0.xml", Body: topology}), "", "")

			data, err := Parser{}.Parse(context.Background(), ws, 1, nil)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(data.Devices) != 1 {
				t.Fatalf("got %d devices, want 1", len(data.Devices))
			}
			if got := data.Devices[0].PhysicalAddress; got != tt.wantAddr {
				t.Errorf("PhysicalAddress = %q, want %q", got, tt.wantAddr)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    func(t *testing.T) []byte
		wantErr error
	}{
		{
			name:    "no topology document",
			data:    func(t *testing.T) []byte { return buildZip(t, "", entry{Name: "readme.txt", Body: "hi"}) },
			wantErr: ErrNoProjectData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := openWorkspace(t, tt.data(t), "", "")
			data, err := Parser{}.Parse(context.Background(), ws, 1, nil)
			if data != nil {
				t.Error("expected no partial data")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Parse error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("malformed xml", func(t *testing.T) {
		ws := openWorkspace(t, buildZip(t, "", entry{Name: "0.xml", Body: "<KNX><Project>"}), "", "")
		if _, err := (Parser{}).Parse(context.Background(), ws, 1, nil); err == nil {
			t.Error("expected error for malformed document")
		}
	})
}

func TestParseCancelled(t *testing.T) {
	ws := openWorkspace(t, plainProject(t), "", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Parser{}.Parse(ctx, ws, 1, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Parse error = %v, want context.Canceled", err)
	}
}

func TestParseReportsProgress(t *testing.T) {
	ws := openWorkspace(t, plainProject(t), "", "")

	last := map[Stage]int{}
	_, err := Parser{}.Parse(context.Background(), ws, 1, func(stage Stage, pct int) {
		if pct < last[stage] {
			t.Errorf("%s progress went backwards: %d -> %d", stage, last[stage], pct)
		}
		last[stage] = pct
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for _, stage := range []Stage{StageGroupAddresses, StageDevices} {
		if last[stage] != 100 {
			t.Errorf("%s finished at %d%%, want 100", stage, last[stage])
		}
	}
}

func TestApplyKeys(t *testing.T) {
	data := &ProjectData{Devices: []Device{
		{PhysicalAddress: "1.1.5"},
		{PhysicalAddress: "1.1.6"},
	}}
	n := data.ApplyKeys(map[string]string{"1.1.5": "k", "2.2.2": "x"})
	if n != 1 {
		t.Errorf("ApplyKeys = %d, want 1", n)
	}
	if !data.Devices[0].Secured || data.Devices[1].Secured {
		t.Errorf("devices = %+v", data.Devices)
	}
}
