package types

// SupportedMetadataType is the only Metadata.Type value this implementation
// understands; any other value aborts boot (spec §3, §8 scenario S5).
const SupportedMetadataType = 1

// Metadata is the root-hash handoff file read at the start of the
// before-sysroot stage, spec §3.
type Metadata struct {
	Type     int    `toml:"type"`
	RootHash string `toml:"root_hash"`
}

// InitrdState is the serialized bundle the first boot stage leaves for
// later stages to consume, spec §3.
type InitrdState struct {
	FdeConfigBundle FdeConfigBundle `toml:"fde_config_bundle"`
}
