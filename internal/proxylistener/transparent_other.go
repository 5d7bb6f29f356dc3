//go:build !linux

package proxylistener

import (
	"fmt"
	"net"
)

// originalDestination is only implementable via SO_ORIGINAL_DST on Linux;
// transparent redirection is a Linux-only (iptables/nftables) feature.
func originalDestination(conn net.Conn) (string, int, error) {
	return "", 0, fmt.Errorf("transparent: SO_ORIGINAL_DST is only supported on linux")
}
