package refvalue

import (
	"testing"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
)

func TestParseGrubEnvVars(t *testing.T) {
	grubEnv := "# GRUB Environment Block\nsaved_entry=abc123\nkernelopts=root=/dev/mapper/root ro\n"

	vars, err := parseGrubEnvVars(grubEnv, "")
	if err != nil {
		t.Fatalf("parseGrubEnvVars returned error: %v", err)
	}
	if vars["saved_entry"] != "abc123" {
		t.Fatalf("saved_entry = %q, want abc123", vars["saved_entry"])
	}
	if vars["kernelopts"] != "root=/dev/mapper/root ro" {
		t.Fatalf("kernelopts = %q", vars["kernelopts"])
	}
	if vars["tuned_params"] != "" || vars["tuned_initrd"] != "" {
		t.Fatalf("expected tuned_params/tuned_initrd to default to empty, got %q/%q", vars["tuned_params"], vars["tuned_initrd"])
	}
}

func TestParseGrubEnvVarsFallsBackToGrubCfgDirectSet(t *testing.T) {
	grubEnv := "saved_entry=abc123\n"
	grubCfg := `
menuentry 'abc123' {
	set kernelopts="root=/dev/mapper/root ro quiet"
}
`
	vars, err := parseGrubEnvVars(grubEnv, grubCfg)
	if err != nil {
		t.Fatalf("parseGrubEnvVars returned error: %v", err)
	}
	if vars["kernelopts"] != "root=/dev/mapper/root ro quiet" {
		t.Fatalf("kernelopts = %q", vars["kernelopts"])
	}
}

func TestParseGrubEnvVarsFallsBackToGuardedSet(t *testing.T) {
	grubEnv := "saved_entry=abc123\n"
	grubCfg := `
if [ -z "${kernelopts}" ]; then
	set kernelopts="root=/dev/mapper/root ro"
fi
`
	vars, err := parseGrubEnvVars(grubEnv, grubCfg)
	if err != nil {
		t.Fatalf("parseGrubEnvVars returned error: %v", err)
	}
	if vars["kernelopts"] != "root=/dev/mapper/root ro" {
		t.Fatalf("kernelopts = %q", vars["kernelopts"])
	}
}

func TestFindGrubDirsDedupesDirectories(t *testing.T) {
	disk := &fakeWalkDisk{
		files: map[string][]byte{
			"/EFI/centos/grubx64.efi": []byte("a"),
			"/EFI/centos/GRUBX64.efi": []byte("d"), // same directory as the entry above
			"/EFI/centos/shim.efi":    []byte("b"),
			"/EFI/BOOT/GRUBX64.EFI":   []byte("c"), // case-insensitive match
		},
	}
	dirs, err := (&diskOps{disk: disk, logger: cplog.Default}).findGrubDirs("/")
	if err != nil {
		t.Fatalf("findGrubDirs returned error: %v", err)
	}
	if len(dirs) != 2 {
		t.Fatalf("expected 2 grub directories, got %v", dirs)
	}
}

// fakeWalkDisk implements only the WalkFiles surface needed by findGrubDirs.
type fakeWalkDisk struct {
	FdeDisk
	files map[string][]byte
}

func (f *fakeWalkDisk) WalkFiles(root string, fn func(path string) error) error {
	for p := range f.files {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}
