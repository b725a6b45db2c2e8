package measure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
	"github.com/openanolis/cryptpilot-go/pkg/constants"
)

// logEntry is one record in the append-only measurement log, grounded on
// the teacher's own TOML-bundle-writing idiom in pkg/config.
type logEntry struct {
	Operation string    `toml:"operation"`
	HashSha384 string   `toml:"hash_sha384"`
	Timestamp time.Time `toml:"timestamp"`
}

type logFile struct {
	Entries []logEntry `toml:"entries"`
}

// FileSink appends measurement events to a local TOML log, used whenever
// no attestation-agent daemon is reachable. Extending a TPM PCR (when a
// real TPM2 integration exists) is attempted best-effort through
// TpmExtender and never fails the measurement call itself.
type FileSink struct {
	path    string
	logger  *cplog.Logger
	extender TpmExtender
	mu      sync.Mutex
}

// TpmExtender is a stub seam for a future real TPM2 PCR-extend
// integration — mirrors the "stub slot" non-goal for TPM sealing while
// still giving FileSink something concrete to call.
type TpmExtender interface {
	ExtendPCR(ctx context.Context, operation string, digest string) error
}

// noopTpmExtender is the default TpmExtender: does nothing, since no real
// TPM2 integration exists yet (spec.md's TPM2 key provider is likewise an
// explicit stub, see pkg/keyprovider/tpm2.go).
type noopTpmExtender struct{}

func (noopTpmExtender) ExtendPCR(ctx context.Context, operation string, digest string) error {
	return nil
}

// NewFileSink opens (or creates) the measurement log at path, defaulting
// to constants.MeasurementLogPath.
func NewFileSink(path string, logger *cplog.Logger) *FileSink {
	if path == "" {
		path = constants.MeasurementLogPath
	}
	if logger == nil {
		logger = cplog.Default
	}
	return &FileSink{path: path, logger: logger, extender: noopTpmExtender{}}
}

// WithTpmExtender swaps in a real TpmExtender implementation.
func (s *FileSink) WithTpmExtender(e TpmExtender) *FileSink {
	s.extender = e
	return s
}

func (s *FileSink) Extend(ctx context.Context, operation string, data []byte) error {
	digest := HashMeasurementValue(data)

	s.mu.Lock()
	err := s.appendLocked(operation, digest)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := s.extender.ExtendPCR(ctx, operation, digest); err != nil {
		s.logger.Warnf("failed to extend TPM PCR for operation %s (measurement log entry was still recorded): %v", operation, err)
	}
	return nil
}

func (s *FileSink) appendLocked(operation, digest string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create measurement log directory: %w", err)
	}

	var lf logFile
	if existing, err := os.ReadFile(s.path); err == nil {
		if err := toml.Unmarshal(existing, &lf); err != nil {
			return fmt.Errorf("failed to parse existing measurement log %s: %w", s.path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read measurement log %s: %w", s.path, err)
	}

	lf.Entries = append(lf.Entries, logEntry{
		Operation:  operation,
		HashSha384: digest,
		Timestamp:  time.Now(),
	})

	out, err := toml.Marshal(lf)
	if err != nil {
		return fmt.Errorf("failed to encode measurement log: %w", err)
	}
	if err := os.WriteFile(s.path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write measurement log %s: %w", s.path, err)
	}
	return nil
}
