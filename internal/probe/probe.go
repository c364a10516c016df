// Package probe provides the BackendProbe capability that monitors use to
// check a backend's connectivity, liveness, role, and replication lag.
//
// The core treats BackendProbe as an external collaborator (spec.md §1);
// this package supplies the concrete MySQL implementation the monitors are
// wired to by default.
package probe

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/hashicorp/go-multierror"
)

// BackendProbe is the capability monitors use to check a single backend.
// Implementations must be safe to call concurrently from multiple monitor
// goroutines (spec.md §5): each probe call owns its own connection.
type BackendProbe interface {
	// TryConnect succeeds if a TCP/SQL handshake completes within timeout.
	TryConnect(ctx context.Context, addr string, timeout time.Duration) error
	// Ping succeeds if the backend answers a liveness query within timeout.
	Ping(ctx context.Context, addr string, timeout time.Duration) error
	// ReadOnlyFlag reports whether the backend is currently read-only
	// (true = replica, false = primary).
	ReadOnlyFlag(ctx context.Context, addr string, timeout time.Duration) (bool, error)
	// ReplicationLag reports replica lag in milliseconds.
	ReplicationLag(ctx context.Context, addr string, timeout time.Duration) (uint64, error)
}

// MySQLProbe is the default BackendProbe, grounded in the teacher's
// handshake-level TCP probing (for TryConnect/Ping) plus real SQL queries
// over database/sql for the role and lag probes, which need authenticated
// access to server state a raw handshake can't see.
type MySQLProbe struct {
	User     string
	Password string
}

// NewMySQLProbe builds a probe that authenticates with the given discovery
// credentials for the queries that need a real session.
func NewMySQLProbe(user, password string) *MySQLProbe {
	return &MySQLProbe{User: user, Password: password}
}

// TryConnect opens a TCP connection and reads the handshake packet MySQL
// sends immediately on connect. Any structurally valid handshake counts as a
// successful connect; an error packet (0xff) in its place is a failure. This
// only verifies the server is listening and speaking the protocol, not that
// auth would succeed.
func (p *MySQLProbe) TryConnect(ctx context.Context, addr string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("read handshake header from %s: %w", addr, err)
	}
	payloadLen := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	if payloadLen <= 0 || payloadLen > 65535 {
		return fmt.Errorf("invalid handshake length from %s: %d", addr, payloadLen)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return fmt.Errorf("read handshake payload from %s: %w", addr, err)
	}
	if len(payload) > 0 && payload[0] == 0xff {
		return fmt.Errorf("backend %s returned error on connect", addr)
	}
	return nil
}

// Ping verifies end-to-end responsiveness on a fresh authenticated session,
// distinct from TryConnect's handshake-only check.
func (p *MySQLProbe) Ping(ctx context.Context, addr string, timeout time.Duration) error {
	db, err := p.open(addr, timeout)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return db.PingContext(ctx)
}

// ReadOnlyFlag queries the backend's read_only system variable.
func (p *MySQLProbe) ReadOnlyFlag(ctx context.Context, addr string, timeout time.Duration) (bool, error) {
	db, err := p.open(addr, timeout)
	if err != nil {
		return false, err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var varName, value string
	row := db.QueryRowContext(ctx, "SHOW VARIABLES LIKE 'read_only'")
	if err := row.Scan(&varName, &value); err != nil {
		return false, fmt.Errorf("read_only query on %s: %w", addr, err)
	}
	return value == "ON" || value == "1", nil
}

// ReplicationLag queries Seconds_Behind_Source (or its legacy name) via
// SHOW REPLICA STATUS and returns the lag in milliseconds.
func (p *MySQLProbe) ReplicationLag(ctx context.Context, addr string, timeout time.Duration) (uint64, error) {
	db, err := p.open(addr, timeout)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, "SHOW REPLICA STATUS")
	if err != nil {
		return 0, fmt.Errorf("replica status query on %s: %w", addr, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, fmt.Errorf("reading columns for %s: %w", addr, err)
	}

	if !rows.Next() {
		return 0, fmt.Errorf("%s is not a replica (empty replica status)", addr)
	}

	vals := make([]sql.RawBytes, len(cols))
	scanArgs := make([]interface{}, len(cols))
	for i := range vals {
		scanArgs[i] = &vals[i]
	}
	if err := rows.Scan(scanArgs...); err != nil {
		return 0, fmt.Errorf("scanning replica status for %s: %w", addr, err)
	}

	for i, col := range cols {
		if col == "Seconds_Behind_Source" || col == "Seconds_Behind_Master" {
			if vals[i] == nil {
				return 0, fmt.Errorf("%s: replication is not running", addr)
			}
			var seconds uint64
			if _, err := fmt.Sscanf(string(vals[i]), "%d", &seconds); err != nil {
				return 0, fmt.Errorf("parsing lag for %s: %w", addr, err)
			}
			return seconds * 1000, nil
		}
	}
	return 0, fmt.Errorf("%s: no Seconds_Behind_Source/Master column in replica status", addr)
}

// SelfTest probes every address in addrs once with TryConnect and
// aggregates every failure into a single error, rather than stopping at the
// first one. Intended to run once at process startup so an operator sees
// every unreachable backend in one log line instead of discovering them one
// reconciliation tick at a time; a non-nil result is a warning to log, not a
// reason to abort startup, since the monitors will keep retrying.
func (p *MySQLProbe) SelfTest(ctx context.Context, addrs []string, timeout time.Duration) error {
	var result *multierror.Error
	for _, addr := range addrs {
		if err := p.TryConnect(ctx, addr, timeout); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (p *MySQLProbe) open(addr string, timeout time.Duration) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/?timeout=%s", p.User, p.Password, addr, timeout)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", addr, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(0)
	return db, nil
}
