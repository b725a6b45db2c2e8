package types

// GlobalConfig is global.toml's schema, spec §3.
type GlobalConfig struct {
	Boot *BootGlobalConfig `toml:"boot,omitempty"`
}

type BootGlobalConfig struct {
	Verbose bool `toml:"verbose"`
}

func (g *GlobalConfig) IsVerbose() bool {
	return g != nil && g.Boot != nil && g.Boot.Verbose
}

// RootfsFdeConfig is fde.toml's [rootfs] table.
type RootfsFdeConfig struct {
	RwOverlay *RwOverlayType `toml:"rw_overlay,omitempty"`
	Encrypt   *EncryptConfig `toml:"encrypt,omitempty"`
}

// OverlayType returns the configured overlay type, defaulting to Disk
// (ephemeral) per spec §3.
func (r RootfsFdeConfig) OverlayType() RwOverlayType {
	if r.RwOverlay != nil {
		return *r.RwOverlay
	}
	return RwOverlayDisk
}

// DataFdeConfig is fde.toml's [data] table. Encrypt is required.
type DataFdeConfig struct {
	Integrity bool          `toml:"integrity"`
	Encrypt   EncryptConfig `toml:"encrypt"`
}

func (d DataFdeConfig) IntegrityType() IntegrityType {
	if d.Integrity {
		return IntegrityJournal
	}
	return IntegrityNone
}

// FdeConfig is fde.toml's schema, spec §3.
type FdeConfig struct {
	Rootfs RootfsFdeConfig `toml:"rootfs"`
	Data   DataFdeConfig   `toml:"data"`
}

// ConfigBundle is the envelope returned by ConfigSource.get_* operations
// once a filesystem source has merged global/fde/volumes, spec §3.
type ConfigBundle struct {
	Global  *GlobalConfig
	Fde     *FdeConfig
	Volumes []VolumeConfig
}

// FdeConfigBundle is the envelope used by the cloud-init and initrd-state
// sources, and serialized canonically (non-pretty TOML) for stable hashing
// (spec §3, §6).
type FdeConfigBundle struct {
	Global *GlobalConfig `toml:"global,omitempty"`
	Fde    *FdeConfig    `toml:"fde,omitempty"`
}

// Flatten converts the envelope into a full ConfigBundle; cloud-init and
// initrd-state sources never carry a volumes list (spec §4.1).
func (b FdeConfigBundle) Flatten() ConfigBundle {
	return ConfigBundle{Global: b.Global, Fde: b.Fde}
}
