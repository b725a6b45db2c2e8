package types

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// generatedPassphraseLen is the length, in hex characters, of an OTP
// passphrase: 32 random bytes hex-encoded, spec §3.
const generatedPassphraseLen = 64

// Passphrase is an opaque, zeroizing byte sequence. Every heap copy must be
// overwritten on drop; callers own a Passphrase for the shortest scope
// possible and call Zero via defer immediately after acquiring one.
type Passphrase struct {
	b []byte
}

// NewPassphrase takes ownership of b. Callers must not reuse b afterwards.
func NewPassphrase(b []byte) *Passphrase {
	return &Passphrase{b: b}
}

// RandomPassphrase generates a 32-byte random OTP passphrase, hex-encoded to
// 64 printable ASCII characters per the LUKS2 passphrase-charset
// recommendation cited in spec §3.
func RandomPassphrase() (*Passphrase, error) {
	raw := make([]byte, generatedPassphraseLen/2)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate random passphrase: %w", err)
	}
	encoded := make([]byte, hex.EncodedLen(len(raw)))
	hex.Encode(encoded, raw)
	zero(raw)
	return &Passphrase{b: encoded}, nil
}

// Bytes exposes the passphrase for the one call site that needs it
// (handing it to libcryptsetup). Callers must not retain the slice beyond
// the call.
func (p *Passphrase) Bytes() []byte {
	if p == nil {
		return nil
	}
	return p.b
}

// Zero overwrites the backing array. Idempotent and safe to call multiple
// times or via defer on a value that may already have been zeroed.
func (p *Passphrase) Zero() {
	if p == nil {
		return
	}
	zero(p.b)
	p.b = nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// GoString and String deliberately never print the underlying bytes, so an
// accidental %v/%+v on a Passphrase in a log statement cannot leak it
// (spec §7 and §9: "passphrases never appear in error messages").
func (p *Passphrase) GoString() string { return "<redacted passphrase>" }
func (p *Passphrase) String() string   { return "<redacted passphrase>" }
