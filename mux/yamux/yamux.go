// Package yamux wraps hashicorp/yamux session setup for the mesh simulator.
package yamux

import (
	"io"
	"net"

	"github.com/hashicorp/yamux"
)

// MeshConfig returns the session config used between simulator nodes.
//
// Keepalives stay enabled so dead TCP peers are detected; the yamux logger
// is silenced because stream errors surface through session teardown.
func MeshConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	return cfg
}

// NewClient creates a yamux client session, using MeshConfig if cfg is nil.
func NewClient(conn net.Conn, cfg *yamux.Config) (*yamux.Session, error) {
	if cfg == nil {
		cfg = MeshConfig()
	}
	return yamux.Client(conn, cfg)
}

// NewServer creates a yamux server session, using MeshConfig if cfg is nil.
func NewServer(conn net.Conn, cfg *yamux.Config) (*yamux.Session, error) {
	if cfg == nil {
		cfg = MeshConfig()
	}
	return yamux.Server(conn, cfg)
}
