package refvalue

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cavaliergopher/grab/v3"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
	"github.com/openanolis/cryptpilot-go/pkg/runner"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

// ReferenceValues is an insertion-ordered claim-name to hex-digest-list
// map, grounded on disk/artifacts.rs's use of indexmap::IndexMap —
// ReferenceValueExtractor's output is meant to be rendered
// deterministically (e.g. as TOML or JSON for an attestation policy
// document), so key order is preserved the way it was produced instead
// of falling out of Go's randomized map iteration.
type ReferenceValues struct {
	keys   []string
	values map[string][]string
}

func newReferenceValues() *ReferenceValues {
	return &ReferenceValues{values: make(map[string][]string)}
}

func (r *ReferenceValues) insert(key string, values []string) {
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = values
}

// Keys returns every claim name in insertion order.
func (r *ReferenceValues) Keys() []string { return append([]string(nil), r.keys...) }

// Get returns the digest list for key.
func (r *ReferenceValues) Get(key string) []string { return r.values[key] }

// ExtractReferenceValues computes the full set of attestation reference
// values for disk, one measurement family per requested digest
// algorithm, grounded on disk/artifacts.rs's inseart_reference_value and
// disk/uki.rs's BootArtifacts impl for UkiBootArtifacts.
func ExtractReferenceValues(ctx context.Context, disk FdeDisk, r runner.Runner, logger *cplog.Logger, algos []types.DigestAlgorithm) (*ReferenceValues, error) {
	if logger == nil {
		logger = cplog.Default
	}
	if len(algos) == 0 {
		algos = []types.DigestAlgorithm{types.DigestSha1, types.DigestSha256, types.DigestSha384, types.DigestSm3}
	}

	artifacts, err := ExtractBootArtifacts(ctx, disk, r, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to extract boot artifacts: %w", err)
	}

	out := newReferenceValues()

	if artifacts.Uki != nil {
		for _, algo := range algos {
			digest, err := authenticodeDigestHex(algo, artifacts.Uki.UkiData)
			if err != nil {
				return nil, fmt.Errorf("failed to compute %s authenticode digest for UKI image: %w", algo, err)
			}
			out.insert(fmt.Sprintf("measurement.uki.%s", algo), []string{digest})
		}
		return out, nil
	}

	var rawCmdlines []string
	for _, item := range artifacts.Grub {
		for _, cmdline := range item.Kernel.KernelCmdlines {
			rawCmdlines = append(rawCmdlines, "grub_kernel_cmdline "+cmdline)
		}
	}
	out.insert("kernel_cmdline", rawCmdlines)

	for _, algo := range algos {
		var cmdlineDigests, kernelDigests, initrdDigests, grubDigests, shimDigests []string

		for _, item := range artifacts.Grub {
			for _, cmdline := range item.Kernel.KernelCmdlines {
				d, err := digestHex(algo, []byte(cmdline))
				if err != nil {
					return nil, err
				}
				cmdlineDigests = append(cmdlineDigests, d)
			}

			kd, err := digestHex(algo, item.Kernel.Kernel)
			if err != nil {
				return nil, err
			}
			kernelDigests = append(kernelDigests, kd)

			id, err := digestHex(algo, item.Kernel.Initrd)
			if err != nil {
				return nil, err
			}
			initrdDigests = append(initrdDigests, id)

			gd, err := authenticodeDigestHex(algo, item.Grub.GrubData)
			if err != nil {
				return nil, fmt.Errorf("failed to compute %s authenticode digest for grub image %s: %w", algo, item.Grub.EfiGrubDir, err)
			}
			grubDigests = append(grubDigests, gd)

			sd, err := authenticodeDigestHex(algo, item.Grub.ShimData)
			if err != nil {
				return nil, fmt.Errorf("failed to compute %s authenticode digest for shim image %s: %w", algo, item.Grub.EfiGrubDir, err)
			}
			shimDigests = append(shimDigests, sd)
		}

		out.insert(fmt.Sprintf("measurement.kernel_cmdline.%s", algo), cmdlineDigests)
		out.insert(fmt.Sprintf("measurement.kernel.%s", algo), kernelDigests)
		out.insert(fmt.Sprintf("measurement.initrd.%s", algo), initrdDigests)
		out.insert(fmt.Sprintf("measurement.grub.%s", algo), grubDigests)
		out.insert(fmt.Sprintf("measurement.shim.%s", algo), shimDigests)
	}

	return out, nil
}

// FetchDiskImage resolves src to a local path, downloading it first via
// grab when it is an http(s) URL, grounded on SPEC_FULL.md's extension
// of disk/external.rs's image-file handling to accept a fetchable image
// in addition to a local path. The caller is responsible for removing
// the returned path when it is non-empty (only set for a downloaded
// file; a local path is returned unchanged and nothing needs cleanup).
func FetchDiskImage(ctx context.Context, dir, src string) (path string, downloaded string, err error) {
	if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
		return src, "", nil
	}

	if dir == "" {
		dir = os.TempDir()
	}
	resp, err := grab.Get(dir, src)
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch disk image from %s: %w", src, err)
	}
	return resp.Filename, resp.Filename, nil
}
