package keyprovider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/containerd/ttrpc"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
	"github.com/openanolis/cryptpilot-go/pkg/runner"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

const (
	cdhGetResourceService = "confidential_data_hub.GetResourceService"
	cdhGetResourceMethod  = "GetResource"
	cdhCallTimeout        = 5 * time.Second
)

// KbsProvider fetches the passphrase as a resource served by a remote
// Trustee (key broker) via the confidential-data-hub, spec §4.2. Dispatch
// between one-shot CLI invocation and a long-lived ttrpc daemon is keyed
// off Options.CdhType, mirroring the original's `CdhType` enum.
type KbsProvider struct {
	Options types.KbsConfig
	Runner  runner.Runner
	Logger  *cplog.Logger
}

func (p *KbsProvider) DebugName() string {
	if p.Options.CdhType == types.CdhTypeDaemon {
		return "Key Broker Service (via CDH daemon)"
	}
	return fmt.Sprintf("Key Broker Service (%s)", p.Options.KbsURL)
}

func (p *KbsProvider) VolumeType() types.VolumeType { return types.VolumePersistent }

func (p *KbsProvider) GetKey(ctx context.Context) (*types.Passphrase, error) {
	cdhType := p.Options.CdhType
	if cdhType == "" {
		cdhType = types.CdhTypeOneShot
	}
	switch cdhType {
	case types.CdhTypeDaemon:
		return p.getKeyViaDaemon(ctx)
	default:
		return p.getKeyOneShot(ctx)
	}
}

func (p *KbsProvider) getKeyOneShot(ctx context.Context) (*types.Passphrase, error) {
	cdhBinPath := findCdhBinaryOrDefault()
	if _, err := os.Stat(cdhBinPath); err != nil {
		return nil, fmt.Errorf("the confidential-data-hub binary not found at %s, you may need to install it first", cdhBinPath)
	}

	cdhConfig, err := os.CreateTemp("", ".cdh-config-*.toml")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file of oneshot CDH config: %w", err)
	}
	defer os.Remove(cdhConfig.Name())

	var configBody string
	if p.Options.KbsRootCert != nil {
		configBody = fmt.Sprintf("\nsocket = %q\n[kbc]\nname = \"cc_kbc\"\nurl = %q\nkbs_cert = \"\"\"\n%s\n\"\"\"\n",
			"unix:///run/confidential-containers/cdh.sock", p.Options.KbsURL, *p.Options.KbsRootCert)
	} else {
		configBody = fmt.Sprintf("\nsocket = %q\n[kbc]\nname = \"cc_kbc\"\nurl = %q\n",
			"unix:///run/confidential-containers/cdh.sock", p.Options.KbsURL)
	}
	if _, err := cdhConfig.WriteString(configBody); err != nil {
		cdhConfig.Close()
		return nil, fmt.Errorf("failed to write contents to oneshot CDH config: %w", err)
	}
	cdhConfig.Close()

	out, err := p.Runner.Run(ctx, cdhBinPath, "-c", cdhConfig.Name(), "get-resource", "--resource-uri", p.Options.KeyURI)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch passphrase from KBS URL %s: %w", p.Options.KbsURL, err)
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimRight(string(out), "\n\r"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode response from KBS as base64: %w", err)
	}
	p.Logger.Infof("the passphrase has been fetched from KBS")
	return types.NewPassphrase(key), nil
}

func (p *KbsProvider) getKeyViaDaemon(ctx context.Context) (*types.Passphrase, error) {
	socket := p.Options.CdhSocket
	if socket == "" {
		socket = "unix:///run/confidential-containers/cdh.sock"
	}
	addr := strings.TrimPrefix(socket, "unix://")

	conn, err := ttrpcDial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CDH ttrpc address %s: %w", socket, err)
	}
	defer conn.Close()

	client := ttrpc.NewClient(conn)
	defer client.Close()

	callCtx, cancel := context.WithTimeout(ctx, cdhCallTimeout)
	defer cancel()

	req := &cdhGetResourceRequest{ResourcePath: p.Options.KeyURI}
	resp := &cdhGetResourceResponse{}
	if err := client.Call(callCtx, cdhGetResourceService, cdhGetResourceMethod, req, resp); err != nil {
		return nil, fmt.Errorf("failed to get resource %s from CDH via ttrpc: %w", p.Options.KeyURI, err)
	}

	p.Logger.Infof("the passphrase has been fetched from KBS")
	return types.NewPassphrase(resp.Resource), nil
}

// cdhGetResourceRequest/Response are the minimal JSON-over-ttrpc shapes for
// confidential-data-hub's GetResourceService. ttrpc.Client.Call accepts any
// type implementing Marshal()/Unmarshal([]byte) error, so a generated
// protobuf stub isn't required to exercise the same wire contract.
type cdhGetResourceRequest struct {
	ResourcePath string `json:"ResourcePath"`
}

func (r *cdhGetResourceRequest) Marshal() ([]byte, error)     { return json.Marshal(r) }
func (r *cdhGetResourceRequest) Unmarshal(data []byte) error  { return json.Unmarshal(data, r) }

type cdhGetResourceResponse struct {
	Resource []byte `json:"Resource"`
}

func (r *cdhGetResourceResponse) Marshal() ([]byte, error)    { return json.Marshal(r) }
func (r *cdhGetResourceResponse) Unmarshal(data []byte) error { return json.Unmarshal(data, r) }
