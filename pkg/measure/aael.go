package measure

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/containerd/ttrpc"
)

const (
	aaelSocketDefaultPath = "/run/confidential-containers/attestation-agent/attestation-agent.sock"
	aaelDomain            = "cryptpilot.alibabacloud.com"
	aaelService           = "attestation_agent.AttestationAgentService"
	aaelMethod            = "ExtendRuntimeMeasurement"
	aaelCallTimeout       = 5 * time.Second
)

// AaelSink extends the runtime measurement log kept by a co-located
// attestation-agent daemon over ttrpc, grounded on
// measure/attestation_agent/mod.rs's AaelMeasure.
type AaelSink struct {
	client *ttrpc.Client
}

// NewAaelSink dials the attestation-agent's default ttrpc socket. Returns
// an error (not a panic) when the daemon is not present, since this is an
// entirely optional measurement channel.
func NewAaelSink(ctx context.Context) (*AaelSink, error) {
	conn, err := ttrpcDial(ctx, aaelSocketDefaultPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to attestation-agent ttrpc address %s: %w", aaelSocketDefaultPath, err)
	}
	return &AaelSink{client: ttrpc.NewClient(conn)}, nil
}

func ttrpcDial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", addr)
}

type extendRuntimeMeasurementRequest struct {
	Domain        string `json:"Domain"`
	Operation     string `json:"Operation"`
	Content       string `json:"Content"`
	RegisterIndex *uint64 `json:"RegisterIndex,omitempty"`
}

func (r *extendRuntimeMeasurementRequest) Marshal() ([]byte, error)    { return json.Marshal(r) }
func (r *extendRuntimeMeasurementRequest) Unmarshal(data []byte) error { return json.Unmarshal(data, r) }

type extendRuntimeMeasurementResponse struct{}

func (r *extendRuntimeMeasurementResponse) Marshal() ([]byte, error)    { return json.Marshal(r) }
func (r *extendRuntimeMeasurementResponse) Unmarshal(data []byte) error { return json.Unmarshal(data, r) }

// Extend sends operation and the hex-encoded hash of data to the
// attestation-agent, matching extend_measurement_hash's hash-then-extend
// behavior.
func (s *AaelSink) Extend(ctx context.Context, operation string, data []byte) error {
	req := &extendRuntimeMeasurementRequest{
		Domain:    aaelDomain,
		Operation: operation,
		Content:   HashMeasurementValue(data),
	}
	resp := &extendRuntimeMeasurementResponse{}

	callCtx, cancel := context.WithTimeout(ctx, aaelCallTimeout)
	defer cancel()

	if err := s.client.Call(callCtx, aaelService, aaelMethod, req, resp); err != nil {
		return fmt.Errorf("failed to extend runtime measurement: %w", err)
	}
	return nil
}

func (s *AaelSink) Close() error {
	return s.client.Close()
}
