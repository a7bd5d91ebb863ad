package channel

import (
	"os"
	"path/filepath"
	"strings"
)

const hostnamePlaceholder = "{hostname}"

// EndpointName substitutes the machine identity into the endpoint template so
// each machine exposes a uniquely named channel.
func EndpointName(template string) string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	// Dots in FQDNs make for awkward socket names.
	if i := strings.IndexByte(hostname, '.'); i > 0 {
		hostname = hostname[:i]
	}
	return strings.ReplaceAll(template, hostnamePlaceholder, hostname)
}

// SocketPath returns the unix socket path for an endpoint name under dataDir.
func SocketPath(dataDir, endpointName string) string {
	return filepath.Join(dataDir, endpointName+".sock")
}
