package luks

import (
	"encoding/binary"
	"io"
	"os"
	"testing"
)

func writeBigEndian(w io.Writer, hdr *luks2Header) error {
	return binary.Write(w, binary.BigEndian, hdr)
}

func writeFakeLuks2Header(t *testing.T, subsystem string) string {
	t.Helper()
	f, err := os.CreateTemp("", "luks2-hdr-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })

	var hdr luks2Header
	copy(hdr.Magic[:], []byte("LUKS\xba\xbe"))
	hdr.Version = 2
	copy(hdr.Subsystem[:], []byte(subsystem))

	if err := writeBigEndian(f, &hdr); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return f.Name()
}

func TestIsCryptpilotSubsystem(t *testing.T) {
	cases := []struct {
		name      string
		subsystem string
		want      bool
	}{
		{"marked", "cryptpilot", true},
		{"unmarked empty", "", false},
		{"unmarked dash", "-", false},
		{"foreign subsystem", "some-other-tool", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFakeLuks2Header(t, tc.subsystem)
			got, err := isCryptpilotSubsystem(path)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("isCryptpilotSubsystem(%q) = %v, want %v", tc.subsystem, got, tc.want)
			}
		})
	}
}

func TestReadLuks2SubsystemRejectsBadMagic(t *testing.T) {
	f, err := os.CreateTemp("", "luks2-hdr-bad-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())

	var hdr luks2Header
	copy(hdr.Magic[:], []byte("BADMAG"))
	if err := writeBigEndian(f, &hdr); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := readLuks2Subsystem(f.Name()); err == nil {
		t.Fatal("expected an error for an invalid magic")
	}
}
