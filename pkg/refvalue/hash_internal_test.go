package refvalue

import (
	"encoding/binary"
	"testing"

	"github.com/openanolis/cryptpilot-go/pkg/types"
)

func TestDigestHexSha1KnownVector(t *testing.T) {
	got, err := digestHex(types.DigestSha1, []byte("abc"))
	if err != nil {
		t.Fatalf("digestHex returned error: %v", err)
	}
	want := "a9993e364706816aba3e25717850c26c9cd0d89d"
	if got != want {
		t.Errorf("digestHex(sha1, \"abc\") = %q, want %q", got, want)
	}
}

func TestDigestHexDeterministicAcrossAlgorithms(t *testing.T) {
	for _, algo := range []types.DigestAlgorithm{types.DigestSha1, types.DigestSha256, types.DigestSha384, types.DigestSm3} {
		a, err := digestHex(algo, []byte("cryptpilot"))
		if err != nil {
			t.Fatalf("digestHex(%s) returned error: %v", algo, err)
		}
		b, err := digestHex(algo, []byte("cryptpilot"))
		if err != nil {
			t.Fatalf("digestHex(%s) returned error on second call: %v", algo, err)
		}
		if a != b {
			t.Errorf("digestHex(%s) not deterministic: %q != %q", algo, a, b)
		}
		if len(a) == 0 {
			t.Errorf("digestHex(%s) returned empty digest", algo)
		}
	}
}

func TestDigestHexRejectsUnknownAlgorithm(t *testing.T) {
	if _, err := digestHex(types.DigestAlgorithm("crc32"), []byte("x")); err == nil {
		t.Fatal("expected an error for an unsupported digest algorithm")
	}
}

// buildMinimalPe32 builds a just-enough-valid PE32 byte layout to drive
// peAuthenticodeOffsets: a DOS header whose e_lfanew points at a "PE\0\0"
// signature, followed by a 20-byte COFF header and a PE32 optional
// header (Magic 0x10b) with an empty certificate-table directory entry.
func buildMinimalPe32(peHeaderOff int) []byte {
	const optHeaderSize = 96 + 16*8 // PE32 standard+Windows fields + 16 data directories
	total := peHeaderOff + 4 + 20 + optHeaderSize + 32
	data := make([]byte, total)

	binary.LittleEndian.PutUint32(data[0x3C:0x40], uint32(peHeaderOff))
	copy(data[peHeaderOff:peHeaderOff+4], []byte("PE\x00\x00"))

	optHeaderOff := peHeaderOff + 4 + 20
	binary.LittleEndian.PutUint16(data[optHeaderOff:optHeaderOff+2], 0x10b)

	// CheckSum field, left non-zero to prove it gets excluded from the digest.
	binary.LittleEndian.PutUint32(data[optHeaderOff+64:optHeaderOff+68], 0xDEADBEEF)

	// Certificate-table directory entry (index 4): offset=0, size=0 (no
	// certificate table present).
	certDirOff := optHeaderOff + 96 + imageDirectoryEntryCertificate*8
	binary.LittleEndian.PutUint32(data[certDirOff:certDirOff+4], 0)
	binary.LittleEndian.PutUint32(data[certDirOff+4:certDirOff+8], 0)

	return data
}

func TestPeAuthenticodeOffsetsPe32(t *testing.T) {
	peHeaderOff := 0x80
	data := buildMinimalPe32(peHeaderOff)

	checksumOff, certDirOff, err := peAuthenticodeOffsets(data)
	if err != nil {
		t.Fatalf("peAuthenticodeOffsets returned error: %v", err)
	}

	wantOptHeaderOff := int64(peHeaderOff + 4 + 20)
	if checksumOff != wantOptHeaderOff+64 {
		t.Errorf("checksumOff = %d, want %d", checksumOff, wantOptHeaderOff+64)
	}
	wantCertDirOff := wantOptHeaderOff + 96 + imageDirectoryEntryCertificate*8
	if certDirOff != wantCertDirOff {
		t.Errorf("certDirOff = %d, want %d", certDirOff, wantCertDirOff)
	}
}

func TestPeAuthenticodeOffsetsRejectsTruncatedImage(t *testing.T) {
	if _, _, err := peAuthenticodeOffsets(make([]byte, 10)); err == nil {
		t.Fatal("expected an error for a truncated image")
	}
}
