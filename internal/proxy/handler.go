package proxy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
)

// ConnectionHandler handles a client connection for a specific DB protocol.
type ConnectionHandler interface {
	Handle(ctx context.Context, clientConn net.Conn) error
}

// relay copies data bidirectionally between a routed client connection and
// its backend for the life of a session, logging the byte counts in each
// direction once the session ends. clientAddr/backendAddr are
// only used for the log line; the proxy has no per-statement visibility once
// relay takes over; see internal/proxy/mysql.go's Handle for what ran before
// this point and internal/metrics's SessionDuration for what's recorded
// after.
func relay(ctx context.Context, client, backend net.Conn, clientAddr, backendAddr string) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	var clientToBackend, backendToClient int64

	wg.Add(2)

	go func() {
		defer wg.Done()
		n, err := io.Copy(backend, client)
		clientToBackend = n
		errCh <- err
		if tc, ok := backend.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		n, err := io.Copy(client, backend)
		backendToClient = n
		errCh <- err
		if tc, ok := client.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	var relayErr error
	select {
	case <-ctx.Done():
		client.Close()
		backend.Close()
	case err := <-errCh:
		if err != nil && err != io.EOF {
			relayErr = err
		}
	}

	wg.Wait()

	slog.Debug("session relay closed", "client", clientAddr, "backend", backendAddr,
		"sent_bytes", clientToBackend, "received_bytes", backendToClient)

	return relayErr
}
