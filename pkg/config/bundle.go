package config

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/pelletier/go-toml/v2"

	"github.com/openanolis/cryptpilot-go/pkg/types"
)

// GenHashContent serializes a FdeConfigBundle as canonical (non-pretty)
// TOML, the stable representation MeasurementSink extends its hash chain
// with, spec §6.
func GenHashContent(b types.FdeConfigBundle) (string, error) {
	out, err := toml.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("failed to serialize config bundle: %w", err)
	}
	return string(out), nil
}

// GenHashHex returns the hex-encoded SHA-384 digest of GenHashContent,
// matching the original's gen_hash_hex.
func GenHashHex(b types.FdeConfigBundle) (string, error) {
	content, err := GenHashContent(b)
	if err != nil {
		return "", err
	}
	sum := sha512.Sum384([]byte(content))
	return hex.EncodeToString(sum[:]), nil
}
