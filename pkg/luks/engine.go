// Package luks implements LuksEngine, spec §4.3: format/open/close of
// LUKS2 volumes, passphrase verification, and the cryptpilot ownership
// marker used by is_initialized.
//
// Formatting a brand-new LUKS2 header (PBKDF2/Argon2 keyslot derivation,
// header layout, integrity sub-device wiring) is done by shelling out to
// the `cryptsetup` binary via pkg/runner — the same operation the
// original performs through libcryptsetup's C API, just invoked as a
// subprocess instead of linked as a C library, since no pure-Go library
// in the pack implements LUKS2 header *writing*. Opening/activating an
// already-formatted volume, which is the operation initramfs-time code
// actually needs to do without assuming `cryptsetup` is installed, uses
// github.com/anatol/luks.go (header/KDF/key unwrap and dm-crypt
// activation through its Unlock method) — a real indirect dependency of
// the teacher's kcrypt integration, promoted to direct here. The one
// exception is no-journal integrity activation, described on
// OpenWithCheckPassphrase.
package luks

import (
	"context"
	"fmt"
	"os"

	anatolluks "github.com/anatol/luks.go"
	"golang.org/x/sys/unix"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
	"github.com/openanolis/cryptpilot-go/pkg/runner"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

const (
	volumeKeySizeBitWithIntegrity    = 768
	volumeKeySizeBitWithoutIntegrity = 512
	sectorSize                       = 4096
	cipher                           = "aes-xts-plain64"
	integrityAlg                     = "hmac(sha256)"
)

// Engine is the concrete LuksEngine, spec §4.3.
type Engine struct {
	Runner runner.Runner
	Logger *cplog.Logger
}

func New(r runner.Runner, logger *cplog.Logger) *Engine {
	if logger == nil {
		logger = cplog.Default
	}
	return &Engine{Runner: r, Logger: logger}
}

// Format creates a brand-new LUKS2 header on dev with the given
// passphrase and integrity mode, spec §4.3.
func (e *Engine) Format(ctx context.Context, dev string, passphrase *types.Passphrase, integrity types.IntegrityType) error {
	keyBits := volumeKeySizeBitWithoutIntegrity
	args := []string{
		"luksFormat", "--type", "luks2",
		"--cipher", cipher,
		"--sector-size", fmt.Sprintf("%d", sectorSize),
		"--batch-mode",
	}
	if integrity != types.IntegrityNone {
		keyBits = volumeKeySizeBitWithIntegrity
		args = append(args, "--integrity", integrityAlg)
	}
	args = append(args, "--key-size", fmt.Sprintf("%d", keyBits), dev, "-")

	if cplog.Verbose() {
		e.Logger.Debugf("formatting %s as LUKS2 (integrity=%s)", dev, integrity)
	}

	if _, err := e.Runner.RunWithStdin(ctx, passphrase.Bytes(), "cryptsetup", args...); err != nil {
		return fmt.Errorf("failed to format %s as LUKS2 volume: %w", dev, err)
	}
	return nil
}

// MarkInitialized stamps dev's LUKS2 header subsystem field with the
// cryptpilot ownership marker, spec §4.3.
func (e *Engine) MarkInitialized(ctx context.Context, dev string) error {
	if _, err := e.Runner.Run(ctx, "cryptsetup", "config", dev, "--subsystem", luks2Subsystem); err != nil {
		return fmt.Errorf("failed to mark volume as initialized for %s: %w", dev, err)
	}
	return nil
}

// IsInitialized reports whether dev is a LUKS2 volume carrying the
// cryptpilot ownership marker. Mirrors `cryptsetup isLuks`'s 0/1 exit-code
// split the original shells out to: a device that simply isn't a LUKS2
// volume yet (short file, wrong magic) answers false with no error; only
// a real I/O failure to reach dev at all is reported as an error.
func (e *Engine) IsInitialized(dev string) (bool, error) {
	if _, err := os.Stat(dev); err != nil {
		return false, err
	}
	marked, err := isCryptpilotSubsystem(dev)
	if err != nil {
		return false, nil
	}
	return marked, nil
}

// CheckPassphrase verifies that passphrase unlocks dev without leaving a
// mapping active, spec §4.3.
func (e *Engine) CheckPassphrase(ctx context.Context, dev string, passphrase *types.Passphrase) error {
	device, err := anatolluks.Open(dev)
	if err != nil {
		return fmt.Errorf("failed to check passphrase for device %s: %w", dev, err)
	}
	defer device.Close()

	if _, err := device.UnsealVolumeKey(0, passphrase.Bytes()); err != nil {
		return fmt.Errorf("passphrase verification failed for device %s: the passphrase is likely incorrect: %w", dev, err)
	}
	return nil
}

// OpenWithCheckPassphrase verifies the passphrase, then activates dev at
// /dev/mapper/<volume>, spec §4.3. With IntegrityNoJournal the activation
// must request CRYPT_ACTIVATE_NO_JOURNAL, matching libcryptsetup's
// activate_by_passphrase flags argument. The anatol/luks.go Device
// interface has no equivalent knob: its FlagsAdd only sets LUKS2
// *persistent* header flags (allow-discards and friends), not
// per-activation flags, and Unlock/UnlockAny take no flags parameter at
// all. So for IntegrityNoJournal, dev is activated the same way Format
// writes the header: shelling to cryptsetup, which exposes
// `--integrity-no-journal` directly. Every other integrity mode is
// activated through anatol/luks.go's Unlock.
func (e *Engine) OpenWithCheckPassphrase(ctx context.Context, volume, dev string, passphrase *types.Passphrase, integrity types.IntegrityType) error {
	if err := e.CheckPassphrase(ctx, dev, passphrase); err != nil {
		return fmt.Errorf("passphrase verification failed for volume %s: the passphrase is likely incorrect. Please check your passphrase configuration: %w", volume, err)
	}

	if err := e.activate(ctx, volume, dev, passphrase, integrity); err != nil {
		return fmt.Errorf("failed to setup mapping for volume %s: %w", volume, err)
	}
	return nil
}

// activate performs the actual dm-crypt mapping, dispatching on integrity
// as documented on OpenWithCheckPassphrase above.
func (e *Engine) activate(ctx context.Context, volume, dev string, passphrase *types.Passphrase, integrity types.IntegrityType) error {
	if integrity == types.IntegrityNoJournal {
		if cplog.Verbose() {
			e.Logger.Debugf("activating %s as %s with no-journal integrity", dev, volume)
		}
		args := []string{"open", dev, volume, "--integrity-no-journal"}
		_, err := e.Runner.RunWithStdin(ctx, passphrase.Bytes(), "cryptsetup", args...)
		return err
	}

	device, err := anatolluks.Open(dev)
	if err != nil {
		return err
	}
	defer device.Close()

	return device.Unlock(0, passphrase.Bytes(), volume)
}

// Close deactivates an open volume mapping, spec §4.3.
func (e *Engine) Close(ctx context.Context, volume string) error {
	if _, err := e.Runner.Run(ctx, "cryptsetup", "close", volume); err != nil {
		return fmt.Errorf("failed to close volume `%s`: %w", volume, err)
	}
	return nil
}

// IsActive reports whether volume currently has a /dev/mapper entry.
func IsActive(volume string) bool {
	_, err := os.Stat("/dev/mapper/" + volume)
	return err == nil
}

// IsDevInUse reports whether dev is exclusively held open by another
// process (e.g. already LUKS-activated), spec §4.3.
func IsDevInUse(dev string) (bool, error) {
	fd, err := unix.Open(dev, unix.O_RDONLY|unix.O_EXCL, 0)
	if err == nil {
		unix.Close(fd)
		return false, nil
	}
	if err == unix.EBUSY {
		return true, nil
	}
	return false, err
}
