package luks

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// luks2Subsystem is the ownership-marking field cryptpilot writes into a
// freshly formatted LUKS2 volume's header so that a later boot can tell
// "formatted by cryptpilot" apart from "some other LUKS2 volume", spec
// §4.3. The on-disk layout follows cryptsetup's luks2.h exactly; no
// library in the pack exposes this specific field as a stable read-only
// API, so it is read directly here with encoding/binary.
const luks2Subsystem = "cryptpilot"

// luks2Header mirrors struct luks2_hdr_disk from cryptsetup's luks2.h,
// packed, no padding inserted by the compiler on either side of the wire.
type luks2Header struct {
	Magic       [6]byte
	Version     uint16 // big-endian on disk
	HdrSize     uint64
	SeqID       uint64
	Label       [48]byte
	ChecksumAlg [32]byte
	Salt        [64]byte
	UUID        [40]byte
	Subsystem   [48]byte
	HdrOffset   uint64
	_           [184]byte
	Checksum    [64]byte
	_           [7 * 512]byte
}

func readLuks2Subsystem(dev string) (string, error) {
	f, err := os.Open(dev)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var hdr luks2Header
	if err := binary.Read(f, binary.BigEndian, &hdr); err != nil {
		return "", fmt.Errorf("failed to read LUKS2 header: %w", err)
	}

	if !(bytes.Equal(hdr.Magic[:], []byte("LUKS\xba\xbe")) || bytes.Equal(hdr.Magic[:], []byte("SKUL\xba\xbe"))) || hdr.Version != 2 {
		return "", fmt.Errorf("invalid LUKS2 header: magic=%x version=%d", hdr.Magic, hdr.Version)
	}

	subsystem := nullTerminated(hdr.Subsystem[:])
	return subsystem, nil
}

func nullTerminated(b []byte) string {
	if idx := bytes.IndexByte(b, 0); idx >= 0 {
		return string(b[:idx])
	}
	return string(b)
}

// isCryptpilotSubsystem reports whether dev's LUKS2 header carries the
// cryptpilot ownership marker written by MarkInitialized.
func isCryptpilotSubsystem(dev string) (bool, error) {
	subsystem, err := readLuks2Subsystem(dev)
	if err != nil {
		return false, err
	}
	return subsystem != "" && subsystem != "-" && subsystem == luks2Subsystem, nil
}
