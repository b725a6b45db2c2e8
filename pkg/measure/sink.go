// Package measure implements MeasurementSink, SPEC_FULL.md §4.7: recording
// the three named boot-time events (load_config_untrusted,
// fde_rootfs_hash, initrd_switch_root) to whatever measurement backend is
// available, without making TPM/attestation integration a hard boot
// dependency.
package measure

import (
	"context"
	"crypto/sha512"
	"encoding/hex"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
)

// Sink is the measurement contract every boot stage records events
// through, grounded on the original's `Measure` trait
// (measure/mod.rs).
type Sink interface {
	// Extend records that operation touched data, logging the SHA-384
	// digest of data rather than data itself.
	Extend(ctx context.Context, operation string, data []byte) error
}

// HashMeasurementValue mirrors the original's
// calculate_hashed_measurement_value: a hex-encoded SHA-384 digest.
func HashMeasurementValue(data []byte) string {
	sum := sha512.Sum384(data)
	return hex.EncodeToString(sum[:])
}

// AutoDetect picks an AAEL ttrpc sink if the attestation-agent socket is
// reachable, falling back to the append-only file log otherwise, mirroring
// AutoDetectMeasure's fallback-with-log-info behavior in measure/mod.rs.
// The fallback is never a hard failure: a host with no confidential
// computing stack still gets a usable local measurement record.
func AutoDetect(ctx context.Context, logger *cplog.Logger) Sink {
	if logger == nil {
		logger = cplog.Default
	}

	aael, err := NewAaelSink(ctx)
	if err != nil {
		logger.Infof("no attestation-agent measurement channel available, falling back to the local measurement log: %v", err)
		return NewFileSink("", logger)
	}
	return aael
}
