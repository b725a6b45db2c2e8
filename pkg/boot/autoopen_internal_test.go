package boot

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
	"github.com/openanolis/cryptpilot-go/pkg/luks"
	"github.com/openanolis/cryptpilot-go/pkg/runner"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

type scriptedRunner struct {
	out []byte
	err error
}

func (r *scriptedRunner) Run(ctx context.Context, command string, args ...string) ([]byte, error) {
	return r.out, r.err
}

func (r *scriptedRunner) RunWithEnv(ctx context.Context, env []string, command string, args ...string) ([]byte, error) {
	return r.out, r.err
}

func (r *scriptedRunner) RunWithStdin(ctx context.Context, stdin []byte, command string, args ...string) ([]byte, error) {
	return r.out, r.err
}

var _ runner.Runner = (*scriptedRunner)(nil)

func TestOpenForSpecificVolumeTemporaryProvider(t *testing.T) {
	dev, err := os.CreateTemp(t.TempDir(), "dev")
	if err != nil {
		t.Fatal(err)
	}
	dev.Close()

	vc := types.VolumeConfig{
		Volume:  "test-volume",
		Dev:     dev.Name(),
		Encrypt: types.EncryptConfig{KeyProvider: types.KeyProviderConfig{Otp: &types.OtpConfig{}}},
	}

	r := &scriptedRunner{}
	o := &Orchestrator{Runner: r, LuksEngine: luks.New(r, cplog.Default), Logger: cplog.Default}

	err = o.openForSpecificVolume(context.Background(), vc)
	if err == nil {
		t.Fatal("expected an error since the scratch file is not a real LUKS2 volume")
	}
	if !strings.Contains(err.Error(), "passphrase verification failed") {
		t.Fatalf("expected a passphrase verification error (meaning luksFormat ran first), got: %v", err)
	}
}

func TestOpenForSpecificVolumeUninitializedPersistentProvider(t *testing.T) {
	dev, err := os.CreateTemp(t.TempDir(), "dev")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.Write(make([]byte, 512)); err != nil {
		t.Fatal(err)
	}
	dev.Close()

	vc := types.VolumeConfig{
		Volume:  "test-volume",
		Dev:     dev.Name(),
		Encrypt: types.EncryptConfig{KeyProvider: types.KeyProviderConfig{Kms: &types.KmsConfig{}}},
	}

	r := &scriptedRunner{}
	o := &Orchestrator{Runner: r, LuksEngine: luks.New(r, cplog.Default), Logger: cplog.Default}

	err = o.openForSpecificVolume(context.Background(), vc)
	if err == nil {
		t.Fatal("expected an error since the scratch file carries no LUKS2 header")
	}
	if !strings.Contains(err.Error(), "is not a valid LUKS2 volume") {
		t.Fatalf("expected an uninitialized-volume error, got: %v", err)
	}
}
