package refvalue

import (
	"bytes"
	"debug/pe"
	"fmt"

	peparser "github.com/saferwall/pe"
)

// UkiBootArtifacts is a parsed Unified Kernel Image, grounded on
// disk/uki.rs's UkiBootArtifacts.
type UkiBootArtifacts struct {
	UkiData []byte
}

// extractBootArtifactsUki reads and validates the UKI image at
// /boot/efi/EFI/BOOT/BOOTX64.EFI, grounded on disk/uki.rs's
// extract_boot_artifacts_uki.
func (d *diskOps) extractBootArtifactsUki() (*UkiBootArtifacts, error) {
	data, err := d.disk.ReadFile(ukiFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read UKI image at %s: %w", ukiFilePath, err)
	}
	if err := assumeUkiImage(data); err != nil {
		return nil, err
	}
	return &UkiBootArtifacts{UkiData: data}, nil
}

// assumeUkiImage verifies fileContent parses as a PE/COFF image carrying
// a .linux section, grounded on disk/uki.rs's assume_uki_image. The
// structural PE/COFF check reuses github.com/saferwall/pe the same way
// the teacher repository's pkg/uki/common.go signature-checking code does
// (NewBytes + Parse + DOSHeader.Magic); section-by-name lookup then uses
// the standard library's debug/pe, since no pack library's section
// lookup surface is exercised anywhere else in the teacher tree to copy
// from — debug/pe's Section(name string) is the smallest correct tool
// for that one sub-task.
func assumeUkiImage(fileContent []byte) error {
	f, _ := peparser.NewBytes(fileContent, &peparser.Options{Fast: true})
	if f == nil {
		return fmt.Errorf("failed to allocate PE parser")
	}
	if err := f.Parse(); err != nil {
		return fmt.Errorf("not a valid UKI file: %w", err)
	}
	if f.DOSHeader.Magic != peparser.ImageDOSSignature && f.DOSHeader.Magic != peparser.ImageDOSZMSignature {
		return fmt.Errorf("should be a PE or COFF executable")
	}

	sf, err := pe.NewFile(bytes.NewReader(fileContent))
	if err != nil {
		return fmt.Errorf("not a valid UKI file: %w", err)
	}
	defer sf.Close()

	if sf.Section(".linux") == nil {
		return fmt.Errorf("no .linux section found")
	}
	return nil
}

// ukiSectionData returns the raw bytes of sectionName inside a parsed
// UKI image, used to derive the .cmdline/.linux/.initrd sections on
// request, grounded on disk/uki.rs's extract_kernel_artifacts.
func ukiSectionData(ukiData []byte, sectionName string) ([]byte, error) {
	f, err := pe.NewFile(bytes.NewReader(ukiData))
	if err != nil {
		return nil, fmt.Errorf("not a valid UKI file: %w", err)
	}
	defer f.Close()

	sec := f.Section(sectionName)
	if sec == nil {
		return nil, fmt.Errorf("no %s section found", sectionName)
	}
	return sec.Data()
}

// extractKernelArtifactsUki derives the synthetic KernelArtifacts view
// of a UKI image (a single cmdline candidate plus the embedded kernel
// and initrd blobs), grounded on disk/uki.rs's
// BootArtifacts::extract_kernel_artifacts for UkiBootArtifacts.
func extractKernelArtifactsUki(u *UkiBootArtifacts) (*KernelArtifacts, error) {
	cmdline, err := ukiSectionData(u.UkiData, ".cmdline")
	if err != nil {
		return nil, err
	}
	kernel, err := ukiSectionData(u.UkiData, ".linux")
	if err != nil {
		return nil, err
	}
	initrd, err := ukiSectionData(u.UkiData, ".initrd")
	if err != nil {
		return nil, err
	}

	return &KernelArtifacts{
		KernelCmdlines: []string{string(cmdline)},
		Kernel:         kernel,
		Initrd:         initrd,
	}, nil
}
