package peerlink

import (
	"context"
	"net"
	"sort"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/sidelinehq/sideline/go/internal/models"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// candidate is a browsable peer parsed from an mDNS service entry.
type candidate struct {
	peer  models.PeerIdentity
	role  models.Role
	hosts []string
	port  int
}

// parseEntry extracts a dialable candidate from a service entry. Entries
// without a device_id TXT record, or advertised by this device itself, are
// skipped.
func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (candidate, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return candidate{}, false
	}
	if entry.Port <= 0 {
		return candidate{}, false
	}

	name := strings.TrimSpace(txt["device_name"])
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = deviceID
	}

	hosts := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6)+1)
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP{}, entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, dup := seen[raw]; dup || raw == "" {
			continue
		}
		seen[raw] = struct{}{}
		hosts = append(hosts, raw)
	}
	sort.Strings(hosts)
	if host := strings.TrimSuffix(strings.TrimSpace(entry.HostName), "."); host != "" {
		hosts = append(hosts, host)
	}
	if len(hosts) == 0 {
		return candidate{}, false
	}

	return candidate{
		peer:  models.PeerIdentity{ID: deviceID, DisplayName: name},
		role:  models.Role(strings.TrimSpace(txt["role"])),
		hosts: hosts,
		port:  entry.Port,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, kv := range text {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}

func advertiseTXT(self models.PeerIdentity, role models.Role) []string {
	return []string{
		"device_id=" + self.ID,
		"device_name=" + self.DisplayName,
		"role=" + string(role),
	}
}

func instanceName(self models.PeerIdentity) string {
	if self.DisplayName != "" {
		return self.DisplayName
	}
	return self.ID
}

func defaultBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	return resolver.Browse(ctx, service, domain, entries)
}
