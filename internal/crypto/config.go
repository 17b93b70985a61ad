package crypto

import (
	"fmt"

	"github.com/rakunlabs/brain/internal/config"
)

// SealProviderConfig seals a provider config's credential fields (api_key
// and every extra-header value) for storage. Non-credential fields pass
// through unchanged, as does everything under a nil Cipher.
func (c *Cipher) SealProviderConfig(cfg config.ProviderConfig) (config.ProviderConfig, error) {
	return c.mapCredentials(cfg, c.Seal, "seal")
}

// OpenProviderConfig reverses SealProviderConfig before a provider client
// is built. Values stored in the clear pass through.
func (c *Cipher) OpenProviderConfig(cfg config.ProviderConfig) (config.ProviderConfig, error) {
	return c.mapCredentials(cfg, c.Open, "open")
}

func (c *Cipher) mapCredentials(cfg config.ProviderConfig, apply func(string) (string, error), verb string) (config.ProviderConfig, error) {
	if c == nil {
		return cfg, nil
	}

	if cfg.APIKey != "" {
		v, err := apply(cfg.APIKey)
		if err != nil {
			return cfg, fmt.Errorf("%s api_key: %w", verb, err)
		}
		cfg.APIKey = v
	}

	if len(cfg.ExtraHeaders) > 0 {
		mapped := make(map[string]string, len(cfg.ExtraHeaders))
		for k, raw := range cfg.ExtraHeaders {
			v, err := apply(raw)
			if err != nil {
				return cfg, fmt.Errorf("%s extra_header %q: %w", verb, k, err)
			}
			mapped[k] = v
		}
		cfg.ExtraHeaders = mapped
	}

	return cfg, nil
}
