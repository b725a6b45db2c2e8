// Package constants centralizes the well-known paths and mapper names that
// the rest of cryptpilot-go is wired against, matching the teacher repo's
// convention of a single pkg/constants package for this kind of literal.
package constants

const (
	// DefaultConfigDir is the filesystem source root, see spec §4.1.
	DefaultConfigDir = "/etc/cryptpilot"

	GlobalConfigFileName = "global.toml"
	FdeConfigFileName    = "fde.toml"
	VolumesSubDir        = "volumes"

	// MetadataPathInInitrd is where the boot-stage metadata file is
	// expected to live inside the initramfs (spec §3, §6).
	MetadataPathInInitrd = "/etc/cryptpilot/metadata.toml"

	// InitrdStatePath is the fixed runtime path for the handoff file
	// written by the first boot stage and consumed by later ones.
	InitrdStatePath = "/run/cryptpilot/initrd-state.toml"

	// MeasurementLogPath is the default location for the append-only
	// runtime measurement log (SPEC_FULL §4.7).
	MeasurementLogPath = "/run/cryptpilot/measurements.log"

	CloudInitFdeConfigHeader = "#cryptpilot-fde-config"

	// Mapper-name conventions, spec §6.
	RootfsDecryptedMapperName = "rootfs_decrypted"
	RootfsMapperName          = "rootfs"
	DataMapperName            = "data"

	RootfsLogicalVolume     = "/dev/mapper/system-rootfs"
	RootfsHashLogicalVolume = "/dev/mapper/system-rootfs--verity"
	DataLogicalVolume       = "/dev/mapper/system-data"

	RootfsDecryptedDevice = "/dev/mapper/" + RootfsDecryptedMapperName
	RootfsDevice          = "/dev/mapper/" + RootfsMapperName
	DataDevice            = "/dev/mapper/" + DataMapperName

	LVMVolumeGroup = "system"

	TempVolumeNamePrefix = ".cryptpilot-"

	// Measurement operation names, spec §6.
	MeasurementOpLoadConfigUntrusted = "load_config_untrusted"
	MeasurementOpFdeRootfsHash       = "fde_rootfs_hash"
	MeasurementOpInitrdSwitchRoot    = "initrd_switch_root"

	// DefaultCdhSocket is the daemon-mode confidential-data-hub default
	// unix socket, spec §4.2.
	DefaultCdhSocket = "unix:///run/confidential-containers/cdh.sock"

	OneShotCdhBinaryPath = "/usr/bin/confidential-data-hub"
)
