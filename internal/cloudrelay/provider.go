package cloudrelay

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Provider is the set of capabilities that differ between clouds. A single
// AuthManager/APIInvoker pair is parameterized by one Provider.
type Provider interface {
	ID() string
	// MissingFields lists required init fields the provider cannot work without.
	MissingFields(cfg InitConfig) []string
	ResolveEndpoint(service, method string) (Endpoint, error)
	BuildAssertion(creds CredentialSet, now time.Time) (Assertion, error)
	NormalizeError(raw any) *NormalizedError
}

// ProviderOptions carries the provider-facing part of Config.
type ProviderOptions struct {
	UniverseDomain string
	APIVersion     string
}

// NewProvider returns the provider registered under name.
func NewProvider(name string, opts ProviderOptions) (Provider, error) {
	switch name {
	case "", providerGCP:
		return NewGCPProvider(opts), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}

// requiredCredentialFields is the check every provider starts from.
func requiredCredentialFields(cfg InitConfig) []string {
	var missing []string
	if strings.TrimSpace(cfg.Credentials.ClientEmail) == "" {
		missing = append(missing, "client_email")
	}
	if strings.TrimSpace(cfg.Credentials.PrivateKey) == "" {
		missing = append(missing, "private_key")
	}
	return missing
}

var serviceNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// cleanMethodPath validates a method path and strips leading slashes.
func cleanMethodPath(method string) (string, error) {
	method = strings.TrimLeft(method, "/")
	if method == "" {
		return "", fmt.Errorf("%w: method is required", ErrInvalidRequest)
	}
	for _, seg := range strings.Split(method, "/") {
		if seg == ".." || seg == "." {
			return "", fmt.Errorf("%w: method %q contains relative segments", ErrInvalidRequest, method)
		}
	}
	return method, nil
}
