package keyprovider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
	"github.com/openanolis/cryptpilot-go/pkg/runner"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

// OidcProvider exchanges a locally produced OIDC token for a KMS secret via
// a sealed-secret envelope handed to the one-shot confidential-data-hub,
// spec §4.2.
type OidcProvider struct {
	Options types.OidcConfig
	Runner  runner.Runner
	Logger  *cplog.Logger
}

func (p *OidcProvider) DebugName() string {
	return fmt.Sprintf("OIDC + KMS (%s)", p.Options.KeyID)
}

func (p *OidcProvider) VolumeType() types.VolumeType { return types.VolumePersistent }

func (p *OidcProvider) GetKey(ctx context.Context) (*types.Passphrase, error) {
	tokenOut, err := p.Runner.Run(ctx, p.Options.Command, p.Options.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute the command to get OIDC token: %w", err)
	}
	// Carry the externally-obtained token as a typed oauth2.Token rather
	// than a bare string; no refresh/flow is performed here, the command
	// above is the source of truth for minting a fresh token each call.
	token := &oauth2.Token{AccessToken: strings.TrimSpace(string(tokenOut)), TokenType: "Bearer"}

	providerSettings := map[string]interface{}{
		"oidc_provider_arn": p.Options.Kms.OidcProviderArn,
		"role_arn":          p.Options.Kms.RoleArn,
		"region_id":         p.Options.Kms.RegionID,
		"id_token":          token.AccessToken,
		"client_type":       "oidc_ram",
	}
	sealedSecret := map[string]interface{}{
		"version":           "0.1.0",
		"type":              "vault",
		"name":              p.Options.KeyID,
		"provider":          p.Options.Kms.Type,
		"provider_settings": providerSettings,
		"annotations":       map[string]interface{}{},
	}
	sealedJSON, err := json.Marshal(sealedSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize sealed secret: %w", err)
	}
	sealed := fmt.Sprintf("sealed.h.%s.sig", base64.RawURLEncoding.EncodeToString(sealedJSON))

	sealedFile, err := os.CreateTemp("", ".sealed_secret-*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file of sealed secret: %w", err)
	}
	defer os.Remove(sealedFile.Name())
	if _, err := sealedFile.WriteString(sealed); err != nil {
		sealedFile.Close()
		return nil, fmt.Errorf("failed to write contents to sealed secret file: %w", err)
	}
	sealedFile.Close()

	cdhBinPath := findCdhBinaryOrDefault()
	out, err := p.Runner.Run(ctx, cdhBinPath, "unseal-secret", "--secret-path", sealedFile.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve key using OIDC + KMS: %w", err)
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimRight(string(out), "\n\r"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode response from KMS with OIDC as base64: %w", err)
	}
	p.Logger.Infof("the passphrase has been fetched from KMS with OIDC")
	return types.NewPassphrase(key), nil
}
