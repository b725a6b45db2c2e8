package keyprovider

import (
	"context"
	"net"
	"os/exec"

	"github.com/openanolis/cryptpilot-go/pkg/constants"
)

// findCdhBinaryOrDefault mirrors the original's which::which lookup,
// falling back to the packaged install path.
func findCdhBinaryOrDefault() string {
	if path, err := exec.LookPath("confidential-data-hub"); err == nil {
		return path
	}
	return constants.OneShotCdhBinaryPath
}

// ttrpcDial opens the unix-domain socket a CDH daemon listens on.
func ttrpcDial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", addr)
}
