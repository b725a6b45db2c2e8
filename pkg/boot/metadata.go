package boot

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/openanolis/cryptpilot-go/pkg/constants"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

// LoadMetadata reads and sanity-checks the root-hash metadata file at
// constants.MetadataPathInInitrd, grounded on boot_service/metadata.rs.
// An unsupported metadata type is fatal to boot (spec §4.5 step 4): a
// before-sysroot stage that can't trust the root hash has no safe way to
// continue.
func LoadMetadata() (types.Metadata, error) {
	raw, err := os.ReadFile(constants.MetadataPathInInitrd)
	if err != nil {
		return types.Metadata{}, fmt.Errorf("failed to read metadata file at %s: %w", constants.MetadataPathInInitrd, err)
	}

	var md types.Metadata
	if err := toml.Unmarshal(raw, &md); err != nil {
		return types.Metadata{}, fmt.Errorf("failed to parse metadata file at %s: %w", constants.MetadataPathInInitrd, err)
	}

	if md.Type != types.SupportedMetadataType {
		return types.Metadata{}, fmt.Errorf("unsupported cryptpilot metadata type: %d", md.Type)
	}

	rootHashBin, err := hex.DecodeString(md.RootHash)
	if err != nil {
		return types.Metadata{}, fmt.Errorf("bad root hash in metadata file: %w", err)
	}
	md.RootHash = hex.EncodeToString(rootHashBin)

	return md, nil
}
