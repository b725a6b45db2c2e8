package refvalue

import "testing"

func TestTrailingDigits(t *testing.T) {
	cases := map[string]string{
		"/dev/sda2":     "2",
		"/dev/nvme0n1p3": "3",
		"/dev/sda":      "",
	}
	for in, want := range cases {
		if got := trailingDigits(in); got != want {
			t.Errorf("trailingDigits(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDiskRootDevice(t *testing.T) {
	cases := map[string]string{
		"/dev/sda2":      "/dev/sda",
		"/dev/nvme0n1p3": "/dev/nvme0n1",
	}
	for in, want := range cases {
		if got := diskRootDevice(in); got != want {
			t.Errorf("diskRootDevice(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadFromGrubCfg(t *testing.T) {
	grubCfg := `
menuentry 'CentOS Linux' --class fedora {
	linuxefi /vmlinuz-5.10.0 root=/dev/mapper/root ro quiet
	initrdefi /initramfs-5.10.0.img
}
menuentry 'Other entry' {
	linuxefi /vmlinuz-other root=/dev/mapper/root ro
	initrdefi /initramfs-other.img
}
`
	kernelPath, initrdPath, cmdline, err := loadFromGrubCfg("CentOS Linux", grubCfg)
	if err != nil {
		t.Fatalf("loadFromGrubCfg returned error: %v", err)
	}
	if kernelPath != "/boot/vmlinuz-5.10.0" {
		t.Errorf("kernelPath = %q", kernelPath)
	}
	if initrdPath != "/boot/initramfs-5.10.0.img" {
		t.Errorf("initrdPath = %q", initrdPath)
	}
	if cmdline != "root=/dev/mapper/root ro quiet" {
		t.Errorf("cmdline = %q", cmdline)
	}
}
