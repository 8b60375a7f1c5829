// Package tls provides automatic TLS certificates using CertMagic.
package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	"github.com/caddyserver/certmagic"
	"github.com/libdns/azure"

	"github.com/jobrunner/tessera/internal/config"
)

// DNS providers for ACME DNS-01 challenges.
const (
	ProviderNone  = ""
	ProviderAzure = "azure"
)

// Errors returned for incomplete configuration.
var (
	ErrNoDomains = errors.New("TLS enabled but no domains specified")
	ErrNoEmail   = errors.New("TLS enabled but no email specified")
)

// Manager obtains and renews certificates for the configured domains.
type Manager struct {
	config    config.TLSConfig
	logger    *slog.Logger
	tlsConfig *tls.Config
}

// NewManager configures CertMagic. Certificates are obtained on first
// use or by ManageCertificates. A disabled configuration yields a manager
// without TLS config.
func NewManager(cfg config.TLSConfig, logger *slog.Logger) (*Manager, error) {
	m := &Manager{config: cfg, logger: logger}
	if !cfg.Enabled {
		return m, nil
	}

	if len(cfg.Domains) == 0 {
		return nil, ErrNoDomains
	}
	if cfg.Email == "" {
		return nil, ErrNoEmail
	}

	solver, err := dnsSolver(cfg.DNS)
	if err != nil {
		return nil, err
	}

	// Configure CertMagic
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = cfg.Email

	if cfg.Staging {
		certmagic.DefaultACME.CA = certmagic.LetsEncryptStagingCA
	}

	if cfg.CacheDir != "" {
		certmagic.Default.Storage = &certmagic.FileStorage{Path: cfg.CacheDir}
	}

	if solver != nil {
		certmagic.DefaultACME.DNS01Solver = solver
		// DNS-01 is the only challenge needed behind load balancers.
		certmagic.DefaultACME.DisableHTTPChallenge = true
		certmagic.DefaultACME.DisableTLSALPNChallenge = true
	}

	tlsConfig, err := certmagic.TLS(cfg.Domains)
	if err != nil {
		return nil, fmt.Errorf("configuring TLS: %w", err)
	}
	m.tlsConfig = tlsConfig

	return m, nil
}

// dnsSolver returns the DNS-01 solver of the configured provider, or nil
// to use the HTTP and TLS-ALPN challenges.
func dnsSolver(cfg config.DNSConfig) (*certmagic.DNS01Solver, error) {
	switch cfg.Provider {
	case ProviderNone:
		return nil, nil
	case ProviderAzure:
		provider := &azure.Provider{
			TenantId:          cfg.Azure.TenantID,
			ClientId:          cfg.Azure.ClientID, // Empty = System Assigned Managed Identity
			ClientSecret:      cfg.Azure.ClientSecret,
			SubscriptionId:    cfg.Azure.SubscriptionID,
			ResourceGroupName: cfg.Azure.ResourceGroupName,
		}
		if provider.SubscriptionId == "" || provider.ResourceGroupName == "" {
			return nil, fmt.Errorf("azure DNS provider needs subscription_id and resource_group_name")
		}
		return &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{
				DNSProvider: provider,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown DNS provider: %s", cfg.Provider)
	}
}

// Enabled reports whether TLS is configured.
func (m *Manager) Enabled() bool {
	return m.tlsConfig != nil
}

// TLSConfig returns the TLS configuration, nil when disabled.
func (m *Manager) TLSConfig() *tls.Config {
	return m.tlsConfig
}

// ManageCertificates pre-obtains certificates for the configured domains.
func (m *Manager) ManageCertificates(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}

	m.logger.Info("obtaining certificates", "domains", m.config.Domains)

	err := certmagic.ManageSync(ctx, m.config.Domains)
	if err != nil {
		return fmt.Errorf("managing certificates: %w", err)
	}

	m.logger.Info("certificates obtained successfully")
	return nil
}
