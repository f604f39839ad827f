// Package netutil holds the one conversion scatter and gather both need:
// turning a membership.Address (the raw 4 bytes delivered by inform) into
// a dialable TCP endpoint on ANARCAST_SERVER_PORT.
package netutil

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/anarcast/anarcast/membership"
)

// StorageServerPort is ANARCAST_SERVER_PORT from the original source.
const StorageServerPort = 9209

// DialTimeout bounds how long a scatter/gather connection attempt waits
// before it is treated as a transient I/O failure (spec.md §7).
const DialTimeout = 5 * time.Second

// Dial opens a TCP connection to addr on StorageServerPort.
func Dial(ctx context.Context, addr membership.Address) (net.Conn, error) {
	ip := net.IPv4(addr[0], addr[1], addr[2], addr[3])
	target := fmt.Sprintf("%s:%d", ip.String(), StorageServerPort)

	d := net.Dialer{Timeout: DialTimeout}
	return d.DialContext(ctx, "tcp", target)
}
