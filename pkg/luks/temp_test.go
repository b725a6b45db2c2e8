package luks

import (
	"strings"
	"testing"

	"github.com/openanolis/cryptpilot-go/pkg/constants"
)

func TestRandomVolumeName(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		name, err := randomVolumeName()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.HasPrefix(name, constants.TempVolumeNamePrefix) {
			t.Fatalf("name %q does not carry the expected prefix %q", name, constants.TempVolumeNamePrefix)
		}
		rand := strings.TrimPrefix(name, constants.TempVolumeNamePrefix)
		if len(rand) != tempVolumeNameRandLen {
			t.Fatalf("random suffix %q has length %d, want %d", rand, len(rand), tempVolumeNameRandLen)
		}
		for _, r := range rand {
			if !strings.ContainsRune("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789", r) {
				t.Fatalf("random suffix %q contains unexpected character %q", rand, r)
			}
		}
		if seen[name] {
			t.Fatalf("generated a duplicate volume name %q across %d iterations", name, i)
		}
		seen[name] = true
	}
}
