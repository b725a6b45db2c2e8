package types

// VolumeExtra holds the per-volume knobs layered on top of the base
// dev/encrypt pair, spec §3.
type VolumeExtra struct {
	AutoOpen *bool       `toml:"auto_open,omitempty"`
	MakeFs   *MakeFsType `toml:"makefs,omitempty"`
	// MakeFsLabel is restored from the original schema per SPEC_FULL §3:
	// an optional filesystem label passed to the mkfs invocation.
	MakeFsLabel *string `toml:"makefs_label,omitempty"`
	Integrity   *bool   `toml:"integrity,omitempty"`
}

func (e VolumeExtra) IsAutoOpen() bool {
	return e.AutoOpen != nil && *e.AutoOpen
}

func (e VolumeExtra) IsIntegrity() bool {
	return e.Integrity != nil && *e.Integrity
}

// VolumeConfig is a single `volumes/*.toml` entry, spec §3. Invariants:
// volume names are unique across all config files; when active, the
// volume appears at /dev/mapper/<volume>.
type VolumeConfig struct {
	Volume  string        `toml:"volume"`
	Dev     string        `toml:"dev"`
	Extra   VolumeExtra   `toml:",inline"`
	Encrypt EncryptConfig `toml:"encrypt"`

	// SourcePath records which file this entry was parsed from, for
	// duplicate-volume error messages (spec §4.1, §8 property 6). Not
	// serialized.
	SourcePath string `toml:"-"`
}

func (v VolumeConfig) IntegrityType() IntegrityType {
	if v.Extra.IsIntegrity() {
		return IntegrityJournal
	}
	return IntegrityNone
}
