package keyprovider

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/aliyun/alibaba-cloud-sdk-go/services/kms"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

const (
	kmsMaxAttempts = 5
	kmsRetryDelay  = 1 * time.Second
)

// KmsProvider fetches the passphrase as a secret stored in an Aliyun KMS
// instance, spec §4.2. Grounded on the same alibaba-cloud-sdk-go
// request/response client pattern used for ECS elsewhere in the corpus,
// generalized to the kms service and wrapped in the fixed 5x/1s retry the
// original used via `again::RetryPolicy::fixed`.
type KmsProvider struct {
	Options types.KmsConfig
	Logger  *cplog.Logger
}

func (p *KmsProvider) DebugName() string {
	return fmt.Sprintf("KMS (key ID: %s) via Access Key", p.Options.SecretName)
}

func (p *KmsProvider) VolumeType() types.VolumeType { return types.VolumePersistent }

func (p *KmsProvider) GetKey(ctx context.Context) (*types.Passphrase, error) {
	client, err := kms.NewClientWithAccessKey(p.Options.KmsInstanceID, p.Options.ClientKey, p.Options.ClientKeyPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to build KMS client: %w", err)
	}

	if p.Options.KmsCertPem != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(p.Options.KmsCertPem)) {
			return nil, fmt.Errorf("failed to parse KmsCertPem as a PEM-encoded certificate")
		}
		// The SDK's default transport trusts the system root store; the KMS
		// instance's CA is usually not in it, so pin it here the same way
		// the original passes kms_cert_pem straight into the client
		// constructor.
		client.SetTransport(&http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}})
	}

	var secretB64 string
	var lastErr error
	for attempt := 1; attempt <= kmsMaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(kmsRetryDelay):
			}
		}
		req := kms.CreateGetSecretValueRequest()
		req.SecretName = p.Options.SecretName
		resp, reqErr := client.GetSecretValue(req)
		if reqErr == nil {
			secretB64 = resp.SecretData
			lastErr = nil
			break
		}
		lastErr = reqErr
		p.Logger.Warnf("KMS get-secret attempt %d/%d failed: %v", attempt, kmsMaxAttempts, reqErr)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("failed to get passphrase from KMS (attempted %d times): %w", kmsMaxAttempts, lastErr)
	}

	key, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response from KMS as base64: %w", err)
	}
	p.Logger.Infof("the passphrase has been fetched from KMS")
	return types.NewPassphrase(key), nil
}
