package refvalue

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/emmansun/gmsm/sm3"
	peparser "github.com/saferwall/pe"

	"github.com/foxboron/go-uefi/authenticode"

	"github.com/openanolis/cryptpilot-go/pkg/types"
)

const imageDirectoryEntryCertificate = 4 // index into the optional header's DataDirectory array

// newHasher returns a fresh hash.Hash for algo, grounded on
// disk/uki.rs's and disk/artifacts.rs's `T: digest::Digest` generic
// parameter, which the original instantiates once per requested
// algorithm rather than computing every algorithm unconditionally.
func newHasher(algo types.DigestAlgorithm) (hash.Hash, error) {
	switch algo {
	case types.DigestSha1:
		return sha1.New(), nil
	case types.DigestSha256:
		return sha256.New(), nil
	case types.DigestSha384:
		return sha512.New384(), nil
	case types.DigestSm3:
		return sm3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", algo)
	}
}

// digestHex hashes data with algo and hex-encodes the result, mirroring
// the original's `hasher.finalize()` then `hex::encode`.
func digestHex(algo types.DigestAlgorithm, data []byte) (string, error) {
	h, err := newHasher(algo)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// authenticodeDigestHex computes the Authenticode PE-image hash of a
// GRUB/shim/UKI binary with the requested digest algorithm, grounded on
// disk/uki.rs's and disk/artifacts.rs's `calculate_authenticode_hash`,
// which parses the PE via `object::read::pe::{PeFile32,PeFile64}` and
// feeds it through the `authenticode` crate's `authenticode_digest` —
// notably generic over the hasher, since the Authenticode hash ranges
// are independent of which digest algorithm fills them.
//
// github.com/saferwall/pe (used this way by the teacher repository's
// pkg/uki/common.go signature checks) is used here only as the PE/COFF
// validation gate — via the same NewBytes+Parse+DOSHeader.Magic check
// that file performs — because its own Authentihash() method hard-codes a single
// digest algorithm and cannot serve the sha1/sha256/sha384/sm3 selection
// this extractor exposes. The actual Authenticode byte ranges (image
// start up to the checksum field, past the checksum up to the
// certificate-table directory entry, past that entry up to the start of
// the certificate table itself) are computed directly from the image's
// own DOS/COFF/optional headers, the same three regions the Authenticode
// spec — and the `authenticode` crate's `authenticode_digest` — exclude
// the checksum field and certificate table from the digest because both
// are rewritten when a signature is affixed.
func authenticodeDigestHex(algo types.DigestAlgorithm, data []byte) (string, error) {
	h, err := newHasher(algo)
	if err != nil {
		return "", err
	}

	f, _ := peparser.NewBytes(data, &peparser.Options{Fast: true})
	if f == nil {
		return "", fmt.Errorf("failed to allocate PE parser")
	}
	if err := f.Parse(); err != nil {
		return "", fmt.Errorf("failed to parse PE image for authenticode digest: %w", err)
	}
	if f.DOSHeader.Magic != peparser.ImageDOSSignature && f.DOSHeader.Magic != peparser.ImageDOSZMSignature {
		return "", fmt.Errorf("not a valid PE/COFF image")
	}

	// Run the image through go-uefi's own authenticode parser as an
	// extra structural gate — the same Parse call the teacher
	// repository's pkg/uki/common.go makes ahead of its signature checks. A malformed image (bad
	// certificate-table directory entry) fails to parse here even
	// when saferwall/pe's lighter-weight check above let it through;
	// an unsigned image (Datadir.Size == 0) is not an error on its
	// own, since GRUB/kernel/initrd images routinely go unsigned.
	if _, err := authenticode.Parse(bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to parse PE image as authenticode: %w", err)
	}

	checksumOff, certDirOff, err := peAuthenticodeOffsets(data)
	if err != nil {
		return "", err
	}

	certDirEntry := data[certDirOff : certDirOff+8]
	certTableOffset := binary.LittleEndian.Uint32(certDirEntry[0:4])
	certTableSize := binary.LittleEndian.Uint32(certDirEntry[4:8])

	certStart := len(data)
	if certTableOffset != 0 && certTableSize != 0 && int(certTableOffset) < len(data) {
		certStart = int(certTableOffset)
	}

	h.Write(data[:checksumOff])
	h.Write(data[checksumOff+4 : certDirOff])
	h.Write(data[certDirOff+8 : certStart])

	return hex.EncodeToString(h.Sum(nil)), nil
}

// peOptionalHeaderMagicPe32Plus is the Magic value identifying a PE32+
// (64-bit) optional header; anything else is treated as PE32.
const peOptionalHeaderMagicPe32Plus = 0x20b

// peAuthenticodeOffsets locates the CheckSum field and the certificate
// table's ImageDataDirectory entry directly from the raw image bytes:
// e_lfanew (DOS header offset 0x3C) gives the PE signature offset; the
// COFF file header (20 bytes) follows the 4-byte "PE\0\0" signature; the
// optional header follows that, and the CheckSum field sits at a fixed
// offset (64) from the optional header's start in both PE32 and PE32+
// layouts, with the DataDirectory array starting right after the
// subsystem/stack/heap fields (96 bytes in for PE32, 112 for PE32+).
func peAuthenticodeOffsets(data []byte) (checksumOff, certDirOff int64, err error) {
	if len(data) < 0x40 {
		return 0, 0, fmt.Errorf("image too short to contain a DOS header")
	}
	peHeaderOff := int64(binary.LittleEndian.Uint32(data[0x3C:0x40]))
	if peHeaderOff < 0 || int(peHeaderOff)+24 > len(data) {
		return 0, 0, fmt.Errorf("invalid PE header offset %d", peHeaderOff)
	}

	optHeaderOff := peHeaderOff + 4 + 20
	if int(optHeaderOff)+2 > len(data) {
		return 0, 0, fmt.Errorf("image too short to contain an optional header")
	}
	magic := binary.LittleEndian.Uint16(data[optHeaderOff : optHeaderOff+2])

	checksumOff = optHeaderOff + 64
	if magic == peOptionalHeaderMagicPe32Plus {
		certDirOff = optHeaderOff + 112 + int64(imageDirectoryEntryCertificate)*8
	} else {
		certDirOff = optHeaderOff + 96 + int64(imageDirectoryEntryCertificate)*8
	}

	if int(certDirOff)+8 > len(data) {
		return 0, 0, fmt.Errorf("image too short to contain a certificate-table directory entry")
	}
	return checksumOff, certDirOff, nil
}
