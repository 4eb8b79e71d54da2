package common

import (
	"fmt"
	"strings"
)

// ParseEndpoint splits an endpoint URL into the network and address arguments
// for net.Dial / net.Listen. Supported forms:
//
//	tcp://host:port   (IPv6 literals bracketed, e.g. tcp://[::1]:7777)
//	unix:///path/to/socket
//	host:port         (treated as tcp)
func ParseEndpoint(endpoint string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(endpoint, "tcp://"):
		network, address = "tcp", strings.TrimPrefix(endpoint, "tcp://")
	case strings.HasPrefix(endpoint, "unix://"):
		network, address = "unix", strings.TrimPrefix(endpoint, "unix://")
	case strings.Contains(endpoint, "://"):
		return "", "", fmt.Errorf("unsupported endpoint scheme in %q (want tcp:// or unix://)", endpoint)
	default:
		network, address = "tcp", endpoint
	}

	if address == "" {
		return "", "", fmt.Errorf("endpoint %q has no address", endpoint)
	}
	return network, address, nil
}
