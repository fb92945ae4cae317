package secrets

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"mastertrade/config"

	"github.com/hashicorp/vault/api"
)

// VenueCredentials holds the API credentials for a single trading venue.
type VenueCredentials struct {
	Venue      string `json:"venue"`
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
	Testnet    bool   `json:"testnet"`
}

// Store keeps venue credentials in Vault (KV v2). When Vault is disabled it
// falls back to an in-memory map so local and test runs work without a server.
type Store struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache map[string]*VenueCredentials
}

// NewStore creates a credential store backed by Vault, or a memory-only store
// when cfg.Enabled is false.
func NewStore(cfg config.VaultConfig) (*Store, error) {
	if !cfg.Enabled {
		return &Store{
			config: cfg,
			cache:  make(map[string]*VenueCredentials),
		}, nil
	}

	vaultCfg := api.DefaultConfig()
	vaultCfg.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsCfg := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultCfg.ConfigureTLS(tlsCfg); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Store{
		client: client,
		config: cfg,
		cache:  make(map[string]*VenueCredentials),
	}, nil
}

// Put stores credentials for a venue.
func (s *Store) Put(ctx context.Context, creds VenueCredentials) error {
	venue := normalizeVenue(creds.Venue)
	if venue == "" {
		return fmt.Errorf("venue name is required")
	}
	creds.Venue = venue

	if !s.config.Enabled {
		s.mu.Lock()
		s.cache[venue] = &creds
		s.mu.Unlock()
		return nil
	}

	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"venue":      creds.Venue,
			"api_key":    creds.APIKey,
			"api_secret": creds.APISecret,
			"passphrase": creds.Passphrase,
			"testnet":    creds.Testnet,
		},
	}

	if _, err := s.client.Logical().WriteWithContext(ctx, s.secretPath(venue), payload); err != nil {
		return fmt.Errorf("failed to store credentials for %s: %w", venue, err)
	}

	s.mu.Lock()
	s.cache[venue] = &creds
	s.mu.Unlock()

	return nil
}

// Get retrieves credentials for a venue, serving from cache when available.
func (s *Store) Get(ctx context.Context, venue string) (*VenueCredentials, error) {
	venue = normalizeVenue(venue)

	s.mu.RLock()
	if cached, ok := s.cache[venue]; ok {
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	if !s.config.Enabled {
		return nil, fmt.Errorf("credentials for %s not found and vault is disabled", venue)
	}

	secret, err := s.client.Logical().ReadWithContext(ctx, s.secretPath(venue))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials for %s: %w", venue, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("credentials for %s not found", venue)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format for %s", venue)
	}

	creds := &VenueCredentials{
		Venue:      venue,
		APIKey:     getString(data, "api_key"),
		APISecret:  getString(data, "api_secret"),
		Passphrase: getString(data, "passphrase"),
		Testnet:    getBool(data, "testnet"),
	}

	s.mu.Lock()
	s.cache[venue] = creds
	s.mu.Unlock()

	return creds, nil
}

// Delete removes credentials for a venue.
func (s *Store) Delete(ctx context.Context, venue string) error {
	venue = normalizeVenue(venue)

	s.mu.Lock()
	delete(s.cache, venue)
	s.mu.Unlock()

	if !s.config.Enabled {
		return nil
	}

	if _, err := s.client.Logical().DeleteWithContext(ctx, s.metadataPath(venue)); err != nil {
		return fmt.Errorf("failed to delete credentials for %s: %w", venue, err)
	}
	return nil
}

// List returns the venue names that have stored credentials.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if !s.config.Enabled {
		s.mu.RLock()
		defer s.mu.RUnlock()
		venues := make([]string, 0, len(s.cache))
		for venue := range s.cache {
			venues = append(venues, venue)
		}
		sort.Strings(venues)
		return venues, nil
	}

	path := fmt.Sprintf("%s/metadata/%s", s.config.MountPath, s.config.SecretPath)
	secret, err := s.client.Logical().ListWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	keys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}

	var venues []string
	for _, key := range keys {
		if name, ok := key.(string); ok {
			venues = append(venues, normalizeVenue(name))
		}
	}
	sort.Strings(venues)
	return venues, nil
}

// ClearCache drops all cached credentials. The next Get reads from Vault.
func (s *Store) ClearCache() {
	s.mu.Lock()
	s.cache = make(map[string]*VenueCredentials)
	s.mu.Unlock()
}

// IsEnabled reports whether the store is backed by a live Vault server.
func (s *Store) IsEnabled() bool {
	return s.config.Enabled
}

// Health checks the Vault connection. A disabled store is always healthy.
func (s *Store) Health(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	health, err := s.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (s *Store) secretPath(venue string) string {
	return fmt.Sprintf("%s/data/%s/%s", s.config.MountPath, s.config.SecretPath, venue)
}

func (s *Store) metadataPath(venue string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", s.config.MountPath, s.config.SecretPath, venue)
}

func normalizeVenue(venue string) string {
	return strings.ToLower(strings.TrimSpace(venue))
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case bool:
			return v
		case string:
			return v == "true"
		}
	}
	return false
}
