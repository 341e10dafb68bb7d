// Package discovery advertises and finds the Redis relay that backs the
// remote log on a local network.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_chatsync-relay._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds one relay lookup.
	DefaultScanTimeout = 3 * time.Second

	txtRelayID = "relay_id"
	txtVersion = "version"
	txtBackend = "backend"

	backendRedis = "redis"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls relay announcement and lookup.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	// RelayID identifies the announcing device. Lookups skip their own ID.
	RelayID string
	Name    string
	Port    int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAnnounce() error {
	if strings.TrimSpace(c.RelayID) == "" {
		return errors.New("relay ID is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("relay name is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("relay port %d out of range", c.Port)
	}
	return nil
}

// Announcement is a running relay advertisement.
type Announcement struct {
	server *zeroconf.Server
}

// Announce advertises a Redis relay listening on config.Port.
func Announce(config Config) (*Announcement, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAnnounce(); err != nil {
		return nil, err
	}

	txt := []string{
		txtRelayID + "=" + cfg.RelayID,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
		txtBackend + "=" + backendRedis,
	}

	server, err := cfg.registerFn(cfg.Name, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Announcement{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Announcement) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
