// Package informclient implements the bootstrap step (spec.md §4.6): a
// one-shot TCP read of 32-bit server addresses that seeds the membership
// tree. Grounded on proxy.c's inform(), re-expressed with net.Dial in
// place of raw sockets.
package informclient

import (
	"io"
	"net"
	"strconv"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/xerrors"

	"github.com/anarcast/anarcast/membership"
)

// Port is INFORM_SERVER_PORT from the original source.
const Port = 7342

// Run dials host:Port, reads 4-byte addresses until the server closes
// the connection, and Adds each one to tree. A partial read mid-address
// is a protocol invariant violation per spec.md §4.6 ("On partial read
// mid-address, fatal") and panics. Reading zero servers is not an error:
// the proxy simply starts with an empty tree.
func Run(host string, tree *membership.Tree, log hclog.Logger) error {
	return dialAndSeed(host, strconv.Itoa(Port), tree, log)
}

func dialAndSeed(host, port string, tree *membership.Tree, log hclog.Logger) error {
	addr := net.JoinHostPort(host, port)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return xerrors.Errorf("dialing inform server %s: %w", addr, err)
	}
	defer conn.Close()

	n := 0
	for {
		var buf [4]byte
		_, err := io.ReadFull(conn, buf[:])
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			panic(xerrors.Errorf("inform: partial address read after %d complete addresses", n))
		}
		if err != nil {
			return xerrors.Errorf("reading address %d from inform server: %w", n, err)
		}

		tree.Add(membership.Address(buf))
		n++
		log.Debug("informed of server", "address", buf, "total", n)
	}

	if n == 0 {
		log.Warn("inform server closed without sending any addresses")
	}
	return nil
}
