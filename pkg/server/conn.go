package server

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prodigysml/TAK-Server/pkg/transport"
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateNew State = iota
	StateHandshaking
	StateEstablished
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var ErrIllegalTransition = errors.New("server: illegal state transition")

// Close reasons, used as metric labels.
const (
	reasonShutdown       = "shutdown"
	reasonHandshake      = "handshake_failed"
	reasonStreamTimeout  = "stream_timeout"
	reasonStreamEnded    = "stream_ended"
	reasonBindFailed     = "bind_failed"
	reasonTransportClose = "transport_closed"
	reasonPanic          = "panic"
)

// connMachine tracks one surfaced connection. Only the connection's own
// goroutine transitions it; other goroutines may read the state.
type connMachine struct {
	id    string
	conn  transport.Conn
	state atomic.Int32

	since      time.Time
	registered bool
	expired    atomic.Bool
}

func newConnMachine(id string, c transport.Conn) *connMachine {
	return &connMachine{id: id, conn: c}
}

func (m *connMachine) State() State { return State(m.state.Load()) }

// transition moves the machine forward. The lifecycle only advances one
// step at a time, except that any live state may close.
func (m *connMachine) transition(to State) error {
	for {
		from := m.State()
		if !legal(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
		}
		if m.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

func legal(from, to State) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	return to == from+1
}
