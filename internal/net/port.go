// Package net has small networking helpers used by tests.
package net

import (
	"fmt"
	"net"
)

// GetEphemeralTCPPort asks the OS for a free TCP port on localhost. The
// listener is closed before returning, so the port can be handed to a server
// about to start; there is an inherent small race with other processes.
func GetEphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
