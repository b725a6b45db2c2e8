package config

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/pelletier/go-toml/v2"

	"github.com/openanolis/cryptpilot-go/pkg/constants"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

const (
	aliyunIMDSTokenURL  = "http://100.100.100.200/latest/api/token"
	aliyunIMDSUserData  = "http://100.100.100.200/latest/user-data"
	aliyunIMDSTokenTTL  = "21600"
	aliyunIMDSTimeout   = 3 * time.Second
)

// CloudInitSource reads the config bundle out of an Aliyun ECS instance's
// cloud-init user data via IMDS, spec §4.1. Only usable on an Aliyun ECS
// instance with IMDS enabled; the user data must start with the literal
// header constants.CloudInitFdeConfigHeader.
type CloudInitSource struct {
	// HTTPClient lets tests substitute the real IMDS endpoint.
	HTTPClient *http.Client
}

func NewCloudInitSource() *CloudInitSource {
	return &CloudInitSource{HTTPClient: http.DefaultClient}
}

func (s *CloudInitSource) SourceDebugString() string {
	return "aliyun cloud-init user data"
}

func (s *CloudInitSource) GetConfig(ctx context.Context) (types.ConfigBundle, error) {
	userData, err := s.fetchUserData(ctx)
	if err != nil {
		return types.ConfigBundle{}, err
	}
	return ParseCloudInitUserData(userData)
}

func (s *CloudInitSource) fetchUserData(ctx context.Context) (string, error) {
	token, err := s.fetchIMDSToken(ctx)
	if err != nil {
		return "", fmt.Errorf("not an Aliyun ECS instance, skip fetching config from cloud-init user data: %w", err)
	}

	dst, err := os.MkdirTemp("", "cryptpilot-cloudinit-")
	if err != nil {
		return "", fmt.Errorf("failed to create scratch dir for IMDS download: %w", err)
	}
	defer os.RemoveAll(dst)

	req, err := grab.NewRequest(dst, aliyunIMDSUserData)
	if err != nil {
		return "", fmt.Errorf("failed to build IMDS user-data request: %w", err)
	}
	req = req.WithContext(ctx)
	req.HTTPRequest.Header.Set("X-aliyun-ecs-metadata-token", token)

	client := grab.NewClient()
	client.HTTPClient = s.HTTPClient
	resp := client.Do(req)
	if err := resp.Err(); err != nil {
		return "", fmt.Errorf("failed to fetch aliyun ECS cloud-init user data: %w", err)
	}

	content, err := os.ReadFile(resp.Filename)
	if err != nil {
		return "", fmt.Errorf("failed to read downloaded user-data: %w", err)
	}
	return string(content), nil
}

func (s *CloudInitSource) fetchIMDSToken(ctx context.Context) (string, error) {
	tokenCtx, cancel := context.WithTimeout(ctx, aliyunIMDSTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(tokenCtx, http.MethodPut, aliyunIMDSTokenURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-aliyun-ecs-metadata-token-ttl-seconds", aliyunIMDSTokenTTL)

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("IMDS token endpoint returned status %d", resp.StatusCode)
	}

	buf := make([]byte, 256)
	n, err := resp.Body.Read(buf)
	if err != nil && n == 0 {
		return "", err
	}
	return strings.TrimSpace(string(buf[:n])), nil
}

// ParseCloudInitUserData parses raw cloud-init user data into a config
// bundle, validating the literal cryptpilot header first.
func ParseCloudInitUserData(userData string) (types.ConfigBundle, error) {
	if strings.TrimSpace(userData) == "" {
		return types.ConfigBundle{}, fmt.Errorf("the cloud-init user data is empty")
	}
	if !strings.HasPrefix(userData, constants.CloudInitFdeConfigHeader) {
		return types.ConfigBundle{}, fmt.Errorf("cannot find cryptpilot header in cloud-init user data, maybe it is not a cryptpilot config bundle")
	}

	var bundle types.FdeConfigBundle
	if err := toml.Unmarshal([]byte(userData), &bundle); err != nil {
		return types.ConfigBundle{}, fmt.Errorf("failed to parse cloud-init user data: %w", err)
	}
	return bundle.Flatten(), nil
}
