package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyBundle holds the operator-defined tenant capability grants and
// kill-switch alert routing. It is optional; callers missing a PolicyPath
// fall back to conservative defaults (no grants, no alert sinks).
type PolicyBundle struct {
	Tenants    map[string]TenantPolicy `yaml:"tenants"`
	KillSwitch KillSwitchAlertPolicy   `yaml:"kill_switch"`
}

// TenantPolicy describes the default capability grants and event name
// allowlist pattern for a tenant, keyed by tenant ID.
type TenantPolicy struct {
	Grants              []string `yaml:"grants"`
	EventAllowPattern   string   `yaml:"event_allow_pattern"`
	CapabilityGrantExpr string   `yaml:"capability_grant_expr,omitempty"`
}

// KillSwitchAlertPolicy configures where kill-switch trips are announced.
type KillSwitchAlertPolicy struct {
	WebhookURL string `yaml:"webhook_url,omitempty"`
	SlackURL   string `yaml:"slack_url,omitempty"`
	Email      string `yaml:"email,omitempty"`
}

// LoadPolicy reads a PolicyBundle from a YAML file.
func LoadPolicy(path string) (*PolicyBundle, error) {
	if path == "" {
		return &PolicyBundle{Tenants: map[string]TenantPolicy{}}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read policy %q: %w", path, err)
	}

	var bundle PolicyBundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("config: parse policy %q: %w", path, err)
	}
	if bundle.Tenants == nil {
		bundle.Tenants = map[string]TenantPolicy{}
	}

	return &bundle, nil
}

// GrantsFor returns the configured capability grants for a tenant, or an
// empty slice if the tenant has no policy entry.
func (b *PolicyBundle) GrantsFor(tenantID string) []string {
	if b == nil {
		return nil
	}
	return b.Tenants[tenantID].Grants
}
