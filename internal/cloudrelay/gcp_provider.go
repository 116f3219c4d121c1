package cloudrelay

import (
	"fmt"
	"time"
)

const (
	providerGCP = "gcp"

	gcpUniverseDomain = "googleapis.com"
	gcpAPIVersion     = "v1"
	gcpFallbackError  = "Unknown Google Cloud API error"
)

// GCPProvider maps service/method pairs onto Google APIs and understands the
// Google error envelope.
type GCPProvider struct {
	universeDomain string
	apiVersion     string
}

func NewGCPProvider(opts ProviderOptions) *GCPProvider {
	if opts.UniverseDomain == "" {
		opts.UniverseDomain = gcpUniverseDomain
	}
	if opts.APIVersion == "" {
		opts.APIVersion = gcpAPIVersion
	}
	return &GCPProvider{
		universeDomain: opts.UniverseDomain,
		apiVersion:     opts.APIVersion,
	}
}

func (p *GCPProvider) ID() string { return providerGCP }

func (p *GCPProvider) MissingFields(cfg InitConfig) []string {
	missing := requiredCredentialFields(cfg)
	if cfg.projectID() == "" {
		missing = append(missing, "project_id")
	}
	return missing
}

// ResolveEndpoint maps ("compute", "instances/list") to
// https://compute.googleapis.com/v1/instances/list.
func (p *GCPProvider) ResolveEndpoint(service, method string) (Endpoint, error) {
	if !serviceNamePattern.MatchString(service) {
		return Endpoint{}, fmt.Errorf("%w: invalid service name %q", ErrInvalidRequest, service)
	}
	path, err := cleanMethodPath(method)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{
		Scheme: "https",
		Host:   service + "." + p.universeDomain,
		Path:   "/" + p.apiVersion + "/" + path,
	}, nil
}

func (p *GCPProvider) BuildAssertion(creds CredentialSet, now time.Time) (Assertion, error) {
	return BuildAssertion(creds, now)
}

// NormalizeError unwraps {"error": {"message", "code", "status", "details"}}
// before falling back to the generic shape.
func (p *GCPProvider) NormalizeError(raw any) *NormalizedError {
	resp, ok := raw.(*HTTPErrorResponse)
	if !ok || resp == nil {
		return Normalize(raw, gcpFallbackError)
	}
	body, ok := resp.Body.(map[string]any)
	if !ok {
		return Normalize(raw, gcpFallbackError)
	}
	envelope, ok := body["error"].(map[string]any)
	if !ok {
		return Normalize(raw, gcpFallbackError)
	}

	out := Normalize(&HTTPErrorResponse{StatusCode: resp.StatusCode}, gcpFallbackError)
	if msg, ok := envelope["message"].(string); ok && msg != "" {
		out.Message = msg
	}
	if code, ok := envelope["code"].(float64); ok && IsErrorStatus(int(code)) {
		out.Status = int(code)
	}
	if status, ok := envelope["status"].(string); ok && status != "" {
		out.Code = status
	}
	if details, ok := envelope["details"]; ok && details != nil {
		out.Details = details
	}
	return out
}
