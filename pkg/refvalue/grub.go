package refvalue

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// GrubArtifacts is every file read out of one directory on the EFI
// partition containing a grubx64.efi binary, grounded on
// disk/grub.rs's GrubArtifacts struct.
type GrubArtifacts struct {
	EfiGrubDir string
	GrubData   []byte
	ShimData   []byte
	GrubEnv    string
	HasGrubEnv bool
	GrubCfg    string
	HasGrubCfg bool
}

// GrubBootArtifactsItem pairs one GrubArtifacts directory with the
// kernel/initrd it resolves to, grounded on disk/grub.rs's
// GrubBootArtifactsItem.
type GrubBootArtifactsItem struct {
	Grub   GrubArtifacts
	Kernel KernelArtifacts
}

// extractBootArtifactsGrub walks the EFI partition for GRUB directories,
// resolves each one's grubenv/grub.cfg (falling back to the global
// /boot/grub2 copies when a directory lacks its own), and resolves the
// kernel artifacts referenced by each, grounded on disk/grub.rs's
// extract_boot_artifacts_grub.
func (d *diskOps) extractBootArtifactsGrub(ctx context.Context) ([]GrubBootArtifactsItem, error) {
	var globalGrubEnv string
	hasGlobalGrubEnv := false
	if v, err := d.disk.LoadGlobalGrubEnv(ctx, d.runner); err == nil {
		globalGrubEnv = v
		hasGlobalGrubEnv = true
	} else {
		d.logger.Warnf("no grubenv found via the GRUB environment command, falling back to per-directory grubenv files: %v", err)
	}

	var globalGrubCfg string
	hasGlobalGrubCfg := false
	if v, err := d.loadGlobalGrubCfgFile(); err == nil {
		globalGrubCfg = v
		hasGlobalGrubCfg = true
	} else {
		d.logger.Warnf("no global grub.cfg found at /boot/grub2/grub.cfg, falling back to per-directory grub.cfg files: %v", err)
	}

	grubArtifacts, err := d.loadGrubArtifacts()
	if err != nil {
		return nil, err
	}

	var items []GrubBootArtifactsItem
	for _, ga := range grubArtifacts {
		grubEnv := globalGrubEnv
		if !hasGlobalGrubEnv {
			if !ga.HasGrubEnv {
				d.logger.Warnf("no grubenv file found for GRUB directory %s, skipping it", ga.EfiGrubDir)
				continue
			}
			grubEnv = ga.GrubEnv
		}

		grubCfg := globalGrubCfg
		if !hasGlobalGrubCfg {
			if !ga.HasGrubCfg {
				d.logger.Warnf("no grub.cfg file found for GRUB directory %s, skipping it", ga.EfiGrubDir)
				continue
			}
			grubCfg = ga.GrubCfg
		}

		grubVars, err := parseGrubEnvVars(grubEnv, grubCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse GRUB environment variables for %s: %w", ga.EfiGrubDir, err)
		}

		kernel, err := d.loadKernelArtifacts(ctx, grubVars, grubCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve kernel artifacts for %s: %w", ga.EfiGrubDir, err)
		}

		items = append(items, GrubBootArtifactsItem{Grub: ga, Kernel: *kernel})
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("failed to calculate reference value for any GRUB artifacts")
	}

	return items, nil
}

// loadGrubArtifacts finds every directory on the EFI partition
// containing a grubx64.efi binary and reads its companion files,
// grounded on disk/grub.rs's load_grub_artifacts.
func (d *diskOps) loadGrubArtifacts() ([]GrubArtifacts, error) {
	root := d.disk.EfiPartRootDir()

	grubDirs, err := d.findGrubDirs(root)
	if err != nil {
		return nil, err
	}
	if len(grubDirs) == 0 {
		return nil, fmt.Errorf("no grubx64.efi found under %s", root)
	}

	var artifacts []GrubArtifacts
	for _, dir := range grubDirs {
		names, err := d.disk.ReadDirNames(dir)
		if err != nil {
			d.logger.Warnf("failed to list directory %s, skipping: %v", dir, err)
			continue
		}

		ga := GrubArtifacts{EfiGrubDir: dir}
		ok := true
		for _, name := range names {
			lower := strings.ToLower(name)
			filePath := path.Join(dir, name)
			switch lower {
			case "grubx64.efi":
				data, err := d.disk.ReadFile(filePath)
				if err != nil {
					d.logger.Warnf("failed to read grubx64.efi at %s: %v", filePath, err)
					ok = false
					continue
				}
				ga.GrubData = data
			case "shimx64.efi", "shim.efi":
				data, err := d.disk.ReadFile(filePath)
				if err != nil {
					d.logger.Warnf("failed to read grub shim at %s: %v", filePath, err)
					ok = false
					continue
				}
				ga.ShimData = data
			case "grubenv":
				content, err := d.disk.ReadFileString(filePath)
				if err == nil {
					ga.GrubEnv = content
					ga.HasGrubEnv = true
				}
			case "grub.cfg":
				content, err := d.disk.ReadFileString(filePath)
				if err == nil {
					ga.GrubCfg = content
					ga.HasGrubCfg = true
				}
			}
		}

		if !ok || ga.GrubData == nil {
			d.logger.Warnf("missing grubx64.efi in directory %s, skipping", dir)
			continue
		}
		if ga.ShimData == nil {
			d.logger.Warnf("missing shim binary in directory %s, skipping", dir)
			continue
		}

		artifacts = append(artifacts, ga)
	}

	if len(artifacts) == 0 {
		return nil, fmt.Errorf("found grubx64.efi directories but failed to load complete artifacts from any")
	}
	return artifacts, nil
}

// findGrubDirs walks root for every directory containing a
// grubx64.efi file (case-insensitively), grounded on disk/grub.rs's
// load_grub_artifacts step 1.
func (d *diskOps) findGrubDirs(root string) ([]string, error) {
	seen := make(map[string]struct{})
	var dirs []string

	err := d.disk.WalkFiles(root, func(filePath string) error {
		if strings.ToLower(path.Base(filePath)) != "grubx64.efi" {
			return nil
		}
		dir := path.Dir(filePath)
		if _, ok := seen[dir]; ok {
			return nil
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
		d.logger.Debugf("found grubx64.efi, will scan directory %s", dir)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s for GRUB directories: %w", root, err)
	}
	return dirs, nil
}

func (d *diskOps) loadGlobalGrubCfgFile() (string, error) {
	const globalGrubCfgPath = "/boot/grub2/grub.cfg"
	content, err := d.disk.ReadFileString(globalGrubCfgPath)
	if err != nil {
		return "", fmt.Errorf("failed to read GRUB config file at %s: %w", globalGrubCfgPath, err)
	}
	return content, nil
}

// parseGrubEnvVars parses `key=value` lines out of grubEnv into a map,
// grounded on disk/grub.rs's parse_grub_env_vars: tuned_params/
// tuned_initrd default to empty strings when absent, and a missing
// kernelopts is recovered from grubCfg — first a direct `set
// kernelopts="..."` line, then (for the BLS `if [ -z "${kernelopts}" ];
// then` guard form) the `set kernelopts=` line immediately following it.
func parseGrubEnvVars(grubEnv, grubCfg string) (map[string]string, error) {
	vars := make(map[string]string)
	for _, line := range strings.Split(grubEnv, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		vars[key] = value
	}

	for _, key := range []string{"tuned_params", "tuned_initrd"} {
		if _, ok := vars[key]; !ok {
			vars[key] = ""
		}
	}

	if _, ok := vars["kernelopts"]; !ok {
		if v, ok := findSetKernelopts(grubCfg); ok {
			vars["kernelopts"] = v
		} else if v, ok := findSetKerneloptsAfterGuard(grubCfg); ok {
			vars["kernelopts"] = v
		}
	}

	return vars, nil
}

func findSetKernelopts(grubCfg string) (string, bool) {
	for _, line := range strings.Split(grubCfg, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "set kernelopts=") {
			continue
		}
		return unquoteGrubValue(strings.TrimPrefix(line, "set kernelopts=")), true
	}
	return "", false
}

func findSetKerneloptsAfterGuard(grubCfg string) (string, bool) {
	lines := strings.Split(grubCfg, "\n")
	for i, line := range lines {
		if !strings.Contains(strings.TrimSpace(line), `if [ -z "${kernelopts}" ]; then`) {
			continue
		}
		for j := i + 1; j < len(lines); j++ {
			l := strings.TrimSpace(lines[j])
			if strings.HasPrefix(l, "set kernelopts=") {
				return unquoteGrubValue(strings.TrimPrefix(l, "set kernelopts=")), true
			}
			if l == "fi" {
				break
			}
		}
	}
	return "", false
}

func unquoteGrubValue(v string) string {
	v = strings.TrimSpace(v)
	v = strings.Trim(v, `"`)
	return v
}
