package rtmpserver

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jfcarter/rtmp-server/config"
)

func TestServeAcceptsAndShutsDownOnContextCancel(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"

	srv := New(zap.NewNop(), cfg)
	ctx, cancel := context.WithCancel(context.Background())

	// Serve binds the listener synchronously inside the goroutine; poll
	// for it instead of sleeping a fixed amount.
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	var addr net.Addr
	for i := 0; i < 50; i++ {
		if srv.ln != nil {
			addr = srv.ln.Addr()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == nil {
		t.Fatal("listener never became ready")
	}

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	conn.Close()

	cancel()
	select {
	case <-serveErr:
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after ctx was canceled")
	}
}
