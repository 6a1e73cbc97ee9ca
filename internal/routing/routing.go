// Package routing holds the static device → client identity table that
// decides which client receives a device's broadcasts.
package routing

import "strings"

// DefaultClientID receives broadcasts from devices with no explicit route.
const DefaultClientID = "1"

// Table maps device identifiers to client identities. The table is built
// once at startup and read-only afterwards, so lookups need no locking.
type Table struct {
	routes map[string]string
}

// NewTable builds a table from an explicit mapping. A nil map is valid and
// routes everything to the default client.
func NewTable(routes map[string]string) *Table {
	t := &Table{routes: make(map[string]string, len(routes))}
	for device, client := range routes {
		t.routes[device] = client
	}
	return t
}

// ParseTable builds a table from the "dev1=1,dev2=2" form used by the
// DEVICE_ROUTES environment variable. Malformed entries are skipped.
func ParseTable(raw string) *Table {
	routes := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		device, client, ok := strings.Cut(pair, "=")
		device = strings.TrimSpace(device)
		client = strings.TrimSpace(client)
		if !ok || device == "" || client == "" {
			continue
		}
		routes[device] = client
	}
	return NewTable(routes)
}

// Resolve returns the client identity for a device, falling back to the
// default client for unknown devices.
func (t *Table) Resolve(deviceID string) string {
	if client, ok := t.routes[deviceID]; ok {
		return client
	}
	return DefaultClientID
}

// Len returns the number of explicit routes.
func (t *Table) Len() int {
	return len(t.routes)
}
