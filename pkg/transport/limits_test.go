package transport

import (
	"net"
	"testing"
	"time"

	"github.com/prodigysml/TAK-Server/pkg/config"
)

func TestLimitsFor(t *testing.T) {
	l := config.DefaultListener()
	l.IdleTimeoutSeconds = 12
	l.HighWaterMark = 4096
	lim := LimitsFor(l)
	if lim.IdleTimeout != 12*time.Second || lim.HighWaterMark != 4096 {
		t.Fatalf("limits = %+v", lim)
	}
	if lim.MaxBidiStreams != 1 || lim.MaxUniStreams != 0 {
		t.Fatalf("stream counts = %d/%d", lim.MaxBidiStreams, lim.MaxUniStreams)
	}
	if err := lim.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLimitsValidate(t *testing.T) {
	bad := []Limits{
		{IdleTimeout: 0, HighWaterMark: 1, MaxBidiStreams: 1},
		{IdleTimeout: time.Second, HighWaterMark: 0, MaxBidiStreams: 1},
		{IdleTimeout: time.Second, HighWaterMark: 1, MaxBidiStreams: 2},
		{IdleTimeout: time.Second, HighWaterMark: 1, MaxBidiStreams: 1, MaxUniStreams: 1},
	}
	for i, l := range bad {
		if l.Validate() == nil {
			t.Fatalf("case %d accepted: %+v", i, l)
		}
	}
}

func TestAddrPort(t *testing.T) {
	u := &net.UDPAddr{IP: net.ParseIP("192.0.2.9"), Port: 4433}
	if got := AddrPort(u).String(); got != "192.0.2.9:4433" {
		t.Fatalf("udp addr = %s", got)
	}
	if AddrPort(nil).IsValid() {
		t.Fatalf("nil addr valid")
	}
}
