package refvalue

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// KernelArtifacts holds the resolved kernel/initrd bytes plus every
// candidate cmdline string produced for them, grounded on
// disk/kernel.rs's KernelArtifacts struct.
type KernelArtifacts struct {
	KernelCmdlines []string
	Kernel         []byte
	Initrd         []byte
}

// loadKernelArtifacts resolves the kernel/initrd referenced by
// grubVars["saved_entry"], grounded on disk/grub.rs's
// load_kernel_artifacts: prefer the BLS-style loader-entry file, falling
// back to parsing the target `menuentry` block in grubCfg, then build
// two cmdline candidates — one omitting the boot-device prefix (used
// when GRUB sets `--set=root` itself) and one carrying an inferred
// `(hd0,gpt<N>)`/`(hd0,msdos<N>)` prefix (used when GRUB instead embeds
// the device path directly).
func (d *diskOps) loadKernelArtifacts(ctx context.Context, grubVars map[string]string, grubCfg string) (*KernelArtifacts, error) {
	savedEntry, ok := grubVars["saved_entry"]
	if !ok {
		return nil, fmt.Errorf("saved_entry not found in GRUB environment")
	}

	kernelPath, initrdPath, cmdline, err := d.loadFromLoaderEntryFile(ctx, savedEntry, grubVars)
	if err != nil {
		kernelPath, initrdPath, cmdline, err = loadFromGrubCfg(savedEntry, grubCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve kernel artifacts from either loader entry file or grub.cfg: %w", err)
		}
	}

	if !path.IsAbs(kernelPath) {
		kernelPath = path.Join("/boot", kernelPath)
	}
	if !path.IsAbs(initrdPath) {
		initrdPath = path.Join("/boot", initrdPath)
	}

	kernel, err := d.disk.ReadFile(kernelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read kernel file at %s: %w", kernelPath, err)
	}
	initrd, err := d.disk.ReadFile(initrdPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read initrd file at %s: %w", initrdPath, err)
	}

	kernelPathInBootDir := strings.TrimPrefix(kernelPath, "/boot")
	cmdlineShorter := fmt.Sprintf("%s %s", kernelPathInBootDir, cmdline)

	deviceIdentifier, err := d.inferGrubDeviceIdentifier(ctx)
	if err != nil {
		return nil, err
	}
	cmdlineWithDevice := fmt.Sprintf("%s%s %s", deviceIdentifier, kernelPath, cmdline)

	return &KernelArtifacts{
		KernelCmdlines: []string{cmdlineShorter, cmdlineWithDevice},
		Kernel:         kernel,
		Initrd:         initrd,
	}, nil
}

// inferGrubDeviceIdentifier builds the `(hd0,gpt<N>)`/`(hd0,msdos<N>)`
// prefix from the partition number of the device backing /boot, grounded
// on disk/grub.rs's inline device_identifier closure inside
// load_kernel_artifacts.
func (d *diskOps) inferGrubDeviceIdentifier(ctx context.Context) (string, error) {
	partType, err := d.detectDiskPartitionType(ctx)
	if err != nil {
		return "", err
	}

	bootDev := d.disk.BootDirDevice()
	partNum := trailingDigits(bootDev)
	if partNum == "" {
		return "", fmt.Errorf("unable to extract partition number from device path %q", bootDev)
	}
	n, err := strconv.Atoi(partNum)
	if err != nil {
		return "", fmt.Errorf("unable to extract partition number from device path %q: %w", bootDev, err)
	}

	switch partType {
	case PartitionTableGpt:
		return fmt.Sprintf("(hd0,gpt%d)", n), nil
	default:
		return fmt.Sprintf("(hd0,msdos%d)", n), nil
	}
}

func trailingDigits(s string) string {
	end := len(s)
	start := end
	for start > 0 && s[start-1] >= '0' && s[start-1] <= '9' {
		start--
	}
	return s[start:end]
}

// loadFromLoaderEntryFile parses /boot/loader/entries/<savedEntry>.conf,
// grounded on disk/grub.rs's load_from_loader_entry_file: `linux`,
// `options`, and `initrd` lines, with every `$var` GRUB variable
// substituted from grubVars.
func (d *diskOps) loadFromLoaderEntryFile(ctx context.Context, savedEntry string, grubVars map[string]string) (kernelPath, initrdPath, cmdline string, err error) {
	entryPath := fmt.Sprintf("/boot/loader/entries/%s.conf", savedEntry)
	content, err := d.disk.ReadFileString(entryPath)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to read loader entry file %s: %w", entryPath, err)
	}

	for _, line := range strings.Split(content, "\n") {
		switch {
		case strings.HasPrefix(line, "linux "):
			kernelPath = strings.TrimSpace(strings.TrimPrefix(line, "linux "))
		case strings.HasPrefix(line, "options "):
			cmdline = strings.TrimSpace(strings.TrimPrefix(line, "options "))
		case strings.HasPrefix(line, "initrd "):
			initrdPath = strings.TrimSpace(strings.TrimPrefix(line, "initrd "))
		}
	}

	for key, value := range grubVars {
		pattern := "$" + key
		cmdline = strings.ReplaceAll(cmdline, pattern, value)
		initrdPath = strings.ReplaceAll(initrdPath, pattern, value)
	}
	cmdline = strings.TrimSpace(strings.ReplaceAll(cmdline, "  ", " "))

	if i := strings.IndexByte(kernelPath, ' '); i >= 0 {
		kernelPath = kernelPath[:i]
	}
	if i := strings.IndexByte(initrdPath, ' '); i >= 0 {
		initrdPath = initrdPath[:i]
	}

	return kernelPath, initrdPath, cmdline, nil
}

// loadFromGrubCfg finds the `menuentry` block named by savedEntry in
// grubCfg and pulls `linuxefi`/`initrdefi` lines out of it, grounded on
// disk/grub.rs's load_from_grub_cfg.
func loadFromGrubCfg(savedEntry, grubCfg string) (kernelPath, initrdPath, cmdline string, err error) {
	inTarget := false
	var kernelLine, initrdLine string

	for _, rawLine := range strings.Split(grubCfg, "\n") {
		line := strings.TrimSpace(rawLine)

		if strings.HasPrefix(line, "menuentry") && strings.Contains(line, savedEntry) {
			inTarget = true
			continue
		}
		if inTarget && line == "}" {
			break
		}
		if inTarget {
			if strings.HasPrefix(line, "linuxefi") {
				kernelLine = line
			} else if strings.HasPrefix(line, "initrdefi") {
				initrdLine = line
			}
		}
	}

	if kernelLine != "" {
		parts := strings.SplitN(kernelLine, " ", 2)
		if len(parts) >= 2 {
			rest := parts[1]
			if sp := strings.IndexByte(rest, ' '); sp >= 0 {
				cmdline = rest[sp+1:]
				kernelPath = rest[:sp]
			} else {
				kernelPath = rest
			}
		}
	}
	if strings.HasPrefix(kernelPath, "/") && !strings.HasPrefix(kernelPath, "/boot") {
		kernelPath = "/boot/" + strings.TrimPrefix(kernelPath, "/")
	}

	if initrdLine != "" {
		parts := strings.SplitN(initrdLine, " ", 2)
		if len(parts) >= 2 {
			rest := parts[1]
			if sp := strings.IndexByte(rest, ' '); sp >= 0 {
				rest = rest[:sp]
			}
			initrdPath = rest
		}
	}
	if strings.HasPrefix(initrdPath, "/") && !strings.HasPrefix(initrdPath, "/boot") {
		initrdPath = "/boot/" + strings.TrimPrefix(initrdPath, "/")
	}

	cmdline = strings.TrimSpace(strings.ReplaceAll(cmdline, "  ", " "))

	return kernelPath, initrdPath, cmdline, nil
}
