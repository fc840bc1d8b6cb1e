package knxproj

import (
	"errors"
	"testing"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		data func(t *testing.T) []byte
		want Features
	}{
		{
			name: "plain ETS5 export",
			data: plainProject,
			want: Features{FormatVersion: FormatETS5},
		},
		{
			name: "protected ETS6 export",
			data: func(t *testing.T) []byte { return nestedProject(t, "secret", false) },
			want: Features{
				FormatVersion:     FormatETS6,
				PasswordProtected: true,
				NestedArchive:     "P-0001.zip",
			},
		},
		{
			name: "protected and secured ETS6 export",
			data: func(t *testing.T) []byte { return nestedProject(t, "secret", true) },
			want: Features{
				FormatVersion:     FormatETS6,
				PasswordProtected: true,
				HasSecureDevices:  true,
				RequiresKeyring:   true,
				NestedArchive:     "P-0001.zip",
			},
		},
		{
			name: "unreadable topology degrades",
			data: func(t *testing.T) []byte { return buildZip(t, "", entry{Name: "0.xml", Body: "<KNX"}) },
			want: Features{FormatVersion: FormatUnknown},
		},
		{
			name: "namespace only",
			data: func(t *testing.T) []byte {
				return buildZip(t, "", entry{Name: "0.xml", Body: projectXML("http://knx.org/xml/project/12", "", "")})
			},
			want: Features{FormatVersion: FormatETS4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Detector{}.Detect(tt.data(t))
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if got != tt.want {
				t.Errorf("Detect = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDetectSecurityElements(t *testing.T) {
	topology := projectXML(testNamespace, `ToolVersion="5.7.1"`,
		`<Topology><DeviceInstance Name="A" Address="1"><Security LoadedIPRoutingBackboneKey="x"/></DeviceInstance></Topology>`)

	got, err := Detector{}.Detect(buildZip(t, "", entry{Name: "0.xml", Body: topology}))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !got.HasSecureDevices {
		t.Error("HasSecureDevices = false, want true")
	}
	if got.RequiresKeyring || got.PasswordProtected {
		t.Errorf("unexpected requirements: %+v", got)
	}
}

func TestDetectCorrupt(t *testing.T) {
	_, err := Detector{}.Detect([]byte{0x00, 0x01, 0x02})
	if !errors.Is(err, ErrCorruptArchive) {
		t.Fatalf("Detect error = %v, want ErrCorruptArchive", err)
	}
}

func TestDetectSidecarsWithoutNestedArchive(t *testing.T) {
	topology := projectXML(testNamespace, `ToolVersion="5.7.1"`, "")
	data := buildZip(t, "",
		entry{Name: "P-0001/0.xml", Body: topology},
		entry{Name: "P-0001.certificate", Body: "cert"},
	)

	got, err := Detector{}.Detect(data)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	want := Features{FormatVersion: FormatETS5, HasSecureDevices: true, RequiresKeyring: true}
	if got != want {
		t.Errorf("Detect = %+v, want %+v", got, want)
	}
}
