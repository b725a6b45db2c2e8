package types

import "fmt"

// IntegrityType selects the dm-integrity mode a LUKS2 volume is formatted
// and opened with, spec §3.
type IntegrityType int

const (
	IntegrityNone IntegrityType = iota
	IntegrityJournal
	IntegrityNoJournal
)

func (t IntegrityType) String() string {
	switch t {
	case IntegrityNone:
		return "none"
	case IntegrityJournal:
		return "journal"
	case IntegrityNoJournal:
		return "no-journal"
	default:
		return fmt.Sprintf("IntegrityType(%d)", int(t))
	}
}

// MakeFsType enumerates the filesystems MkfsEngine knows how to create,
// spec §3.
type MakeFsType string

const (
	MakeFsSwap MakeFsType = "swap"
	MakeFsExt4 MakeFsType = "ext4"
	MakeFsXfs  MakeFsType = "xfs"
	MakeFsVfat MakeFsType = "vfat"
)

func (t MakeFsType) Valid() bool {
	switch t {
	case MakeFsSwap, MakeFsExt4, MakeFsXfs, MakeFsVfat:
		return true
	default:
		return false
	}
}

// RwOverlayType selects the writable-overlay backing for the rootfs,
// spec §3 (FdeConfig.rootfs.rw_overlay).
type RwOverlayType string

const (
	RwOverlayDisk        RwOverlayType = "disk"
	RwOverlayDiskPersist RwOverlayType = "disk_persist"
	RwOverlayRam         RwOverlayType = "ram"
)

// DigestAlgorithm enumerates the hash algorithms ReferenceValueExtractor
// can be asked to compute, spec §4.6.
type DigestAlgorithm string

const (
	DigestSha1   DigestAlgorithm = "sha1"
	DigestSha256 DigestAlgorithm = "sha256"
	DigestSha384 DigestAlgorithm = "sha384"
	DigestSm3    DigestAlgorithm = "sm3"
)

func (a DigestAlgorithm) Valid() bool {
	switch a {
	case DigestSha1, DigestSha256, DigestSha384, DigestSm3:
		return true
	default:
		return false
	}
}

// VolumeType distinguishes key providers whose output may change between
// calls (Temporary) from those whose output must be reproducible
// (Persistent), spec §4.2.
type VolumeType int

const (
	VolumeTemporary VolumeType = iota
	VolumePersistent
)

func (v VolumeType) String() string {
	if v == VolumeTemporary {
		return "temporary"
	}
	return "persistent"
}
