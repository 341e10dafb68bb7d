package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

// ErrNoRelay is returned when no relay answered within the scan timeout.
var ErrNoRelay = errors.New("no relay found")

// Relay is a discovered relay endpoint.
type Relay struct {
	RelayID   string
	Name      string
	Version   int
	HostName  string
	Port      int
	Addresses []string
}

// Addr returns a dialable host:port, preferring the first IPv4 address.
func (r Relay) Addr() string {
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(r.Port))
}

// FindRelay browses for a relay and returns the first compatible one seen.
// Relays announcing a newer protocol version than config.Version are skipped.
func FindRelay(ctx context.Context, config Config) (Relay, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return Relay{}, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return Relay{}, fmt.Errorf("browse %s: %w", cfg.Service, err)
	}

	for {
		select {
		case <-scanCtx.Done():
			if err := ctx.Err(); err != nil {
				return Relay{}, err
			}
			return Relay{}, ErrNoRelay
		case entry := <-entries:
			if entry == nil {
				continue
			}
			relay, ok := parseEntry(entry, cfg.RelayID)
			if !ok || relay.Version > cfg.Version {
				continue
			}
			return relay, nil
		}
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfID string) (Relay, bool) {
	txt := txtToMap(entry.Text)

	relayID := txt[txtRelayID]
	if relayID == "" || relayID == selfID {
		return Relay{}, false
	}
	if txt[txtBackend] != backendRedis || entry.Port <= 0 {
		return Relay{}, false
	}

	version := 0
	if txt[txtVersion] != "" {
		if parsed, err := strconv.Atoi(txt[txtVersion]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, group := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		start := len(addresses)
		for _, ip := range group {
			if ip == nil {
				continue
			}
			raw := ip.String()
			if _, exists := seen[raw]; exists {
				continue
			}
			seen[raw] = struct{}{}
			addresses = append(addresses, raw)
		}
		sort.Strings(addresses[start:])
	}
	if len(addresses) == 0 && entry.HostName == "" {
		return Relay{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = relayID
	}

	return Relay{
		RelayID:   relayID,
		Name:      name,
		Version:   version,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
