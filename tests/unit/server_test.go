package unit

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ramaproxy/rama/pkg/server"
)

// TestServerSynthesizes400OnParseError: bytes that fail request-line
// parsing get a synthesized 400 Bad Request with Connection: close
// before the server drops the connection, instead of a silent close.
func TestServerSynthesizes400OnParseError(t *testing.T) {
	srv := server.New(server.DefaultConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	_, err = nc.Write([]byte("NONSENSE\r\n\r\n"))
	require.NoError(t, err)

	require.NoError(t, nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	br := bufio.NewReader(nc)
	statusLine, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 400 Bad Request\r\n", statusLine)

	sawClose := false
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
		if line == "Connection: close\r\n" {
			sawClose = true
		}
	}
	require.True(t, sawClose, "synthesized response must advertise closure")

	cancel()
	<-done
}
