// Package handler defines the contract between the stream router and the
// application code that consumes a connection's byte stream, plus the two
// built-in handlers used by the server binary.
package handler

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/prodigysml/TAK-Server/pkg/config"
)

// Sender writes one outbound frame to the connection's stream.
type Sender interface {
	Send(frame []byte) error
}

// Handler consumes decoded frames of one connection. Open is called once
// before the first frame, Close once after the last. Handle owns frame.
type Handler interface {
	Open(out Sender)
	Handle(ctx context.Context, frame []byte) error
	Close(err error)
}

// MigrationObserver is implemented by handlers that want to hear about a
// peer address change of their connection.
type MigrationObserver interface {
	AddressChanged(addr netip.AddrPort)
}

// AddressLookup is the read-only view of the connection registry handed to
// handlers.
type AddressLookup interface {
	Address(id string) (netip.AddrPort, bool)
}

// Factory builds the handler of one connection.
type Factory func(l config.Listener, addrs AddressLookup, id string) Handler

// ByName returns the built-in factory for a listener's handler setting.
func ByName(name string) (Factory, error) {
	switch name {
	case "log", "":
		return NewLogging, nil
	case "echo":
		return NewEcho, nil
	default:
		return nil, fmt.Errorf("unknown handler %q", name)
	}
}
