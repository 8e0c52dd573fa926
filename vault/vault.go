// Package vault resolves the New Relic license key from OCI Vault.
package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	ociCommon "github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/common/auth"
	"github.com/oracle/oci-go-sdk/v65/secrets"

	"github.com/newrelic/newrelic-logs-shipper/config"
	"github.com/newrelic/newrelic-logs-shipper/logger"
)

var log = logger.NewLogrusLogger(logger.WithDebugLevel())

// licenseKeyFields are the JSON fields looked up when the secret holds an object.
var licenseKeyFields = []string{"LicenseKey", "licenseKey", "license_key"}

// OCISecretsManagerAPI is an interface for interacting with OCI Secrets Manager.
type OCISecretsManagerAPI interface {
	GetSecretBundle(ctx context.Context, request secrets.GetSecretBundleRequest) (secrets.GetSecretBundleResponse, error)
	SetRegion(regionId string)
}

// ClientFactory creates the OCI Secrets Manager client on demand, so that no
// OCI credentials are needed when the key is configured directly.
type ClientFactory func() (OCISecretsManagerAPI, error)

// GetSecretFromOCIVault fetches the current version of a secret from the
// vault in vaultRegion and returns its decoded text.
func GetSecretFromOCIVault(ctx context.Context, secretsClient OCISecretsManagerAPI, secretOCID string, vaultRegion string) (string, error) {
	switch {
	case secretOCID == "":
		return "", errors.New("secret OCID is empty")
	case vaultRegion == "":
		return "", errors.New("vault region is empty")
	}

	secretsClient.SetRegion(vaultRegion)
	resp, err := secretsClient.GetSecretBundle(ctx, secrets.GetSecretBundleRequest{
		SecretId: ociCommon.String(secretOCID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch secret bundle %s: %w", secretOCID, err)
	}

	content, err := bundleText(resp.SecretBundleContent)
	if err != nil {
		return "", fmt.Errorf("secret %s: %w", secretOCID, err)
	}
	log.WithField("vault_region", vaultRegion).Debug("license key secret fetched")
	return content, nil
}

// bundleText decodes the base64 payload of a secret bundle.
func bundleText(details secrets.SecretBundleContentDetails) (string, error) {
	b64, ok := details.(secrets.Base64SecretBundleContentDetails)
	switch {
	case !ok:
		return "", fmt.Errorf("unexpected secret content type %T", details)
	case b64.Content == nil:
		return "", errors.New("secret content is nil")
	}

	decoded, err := base64.StdEncoding.DecodeString(*b64.Content)
	if err != nil {
		return "", fmt.Errorf("failed to decode secret content: %w", err)
	}
	return string(decoded), nil
}

// NewOCISecretsManagerClient creates a new OCI Secrets Manager client
// authenticated with the function's resource principal.
func NewOCISecretsManagerClient() (OCISecretsManagerAPI, error) {
	provider, err := auth.ResourcePrincipalConfigurationProvider()
	if err != nil {
		log.WithField("error", err).Error("failed to create resource principal configuration provider")
		return nil, fmt.Errorf("failed to create resource principal configuration provider: %w", err)
	}

	secretsClient, err := secrets.NewSecretsClientWithConfigurationProvider(provider)
	if err != nil {
		log.WithField("error", err).Error("failed to create OCI secrets client")
		return nil, fmt.Errorf("failed to create OCI secrets client: %w", err)
	}

	return &secretsClient, nil
}

// ExtractLicenseKey returns the license key held by a secret value. The secret
// is either the bare key or a JSON object with a LicenseKey field.
func ExtractLicenseKey(secretValue string) (string, error) {
	secretValue = strings.TrimSpace(secretValue)
	if secretValue == "" {
		return "", errors.New("license key secret is empty")
	}

	var secretMap map[string]string
	if err := json.Unmarshal([]byte(secretValue), &secretMap); err != nil {
		return secretValue, nil
	}

	for _, field := range licenseKeyFields {
		if licenseKey := secretMap[field]; licenseKey != "" {
			return licenseKey, nil
		}
	}
	return "", errors.New("license key is empty or not present in the secret")
}

// ResolveLicenseKey fills cfg.LicenseKey from OCI Vault when no credential is
// configured and a secret OCID is. It is a no-op otherwise, leaving the
// missing credential to config.Validate.
func ResolveLicenseKey(ctx context.Context, cfg *config.Config, newClient ClientFactory) error {
	if cfg.APIKey != "" || cfg.LicenseKey != "" || cfg.LicenseKeySecretOCID == "" {
		return nil
	}

	log.Debug("fetching license key from OCI vault")
	client, err := newClient()
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}

	secret, err := GetSecretFromOCIVault(ctx, client, cfg.LicenseKeySecretOCID, cfg.VaultRegion)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}

	licenseKey, err := ExtractLicenseKey(secret)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	cfg.LicenseKey = licenseKey
	return nil
}
