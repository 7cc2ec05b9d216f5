package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/prodigysml/TAK-Server/pkg/config"
)

// Limits are the flow-control and stream-count limits applied to every
// connection of a listener.
//
// HighWaterMark bounds unread buffered bytes both per connection and per
// stream: once reached, the transport stops accepting data from the peer
// until the consumer drains below it.
type Limits struct {
	IdleTimeout    time.Duration
	HighWaterMark  int
	MaxBidiStreams int
	MaxUniStreams  int
}

// LimitsFor builds the limits of a listener. Exactly one bidirectional and
// no unidirectional stream are allowed per connection.
func LimitsFor(l config.Listener) Limits {
	return Limits{
		IdleTimeout:    l.IdleTimeout(),
		HighWaterMark:  l.HighWaterMark,
		MaxBidiStreams: 1,
		MaxUniStreams:  0,
	}
}

// Validate rejects limits the lifecycle manager cannot serve.
func (l Limits) Validate() error {
	if l.IdleTimeout <= 0 {
		return errors.New("limits: idle timeout must be positive")
	}
	if l.HighWaterMark <= 0 {
		return errors.New("limits: high-water mark must be positive")
	}
	if l.MaxBidiStreams != 1 || l.MaxUniStreams != 0 {
		return fmt.Errorf("limits: unsupported stream counts bidi=%d uni=%d", l.MaxBidiStreams, l.MaxUniStreams)
	}
	return nil
}
