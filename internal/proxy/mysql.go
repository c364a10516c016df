package proxy

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/rwsplit/rwsplit/internal/backendpool"
	"github.com/rwsplit/rwsplit/internal/config"
	"github.com/rwsplit/rwsplit/internal/metrics"
	"github.com/rwsplit/rwsplit/internal/router"
)

const (
	mysqlErrPacket byte = 0xff
)

var _ ConnectionHandler = (*MySQLHandler)(nil)

// MySQLHandler handles one MySQL client connection end to end: synthetic
// handshake, classification, routing, backend acquisition, and relay.
type MySQLHandler struct {
	router  *router.Router
	pools   *backendpool.Manager
	metrics *metrics.Collector
}

// Handle processes a single MySQL client connection.
func (h *MySQLHandler) Handle(ctx context.Context, clientConn net.Conn) error {
	if err := sendSyntheticHandshake(clientConn); err != nil {
		return fmt.Errorf("sending synthetic handshake: %w", err)
	}

	database, rawHandshakeResp, err := readHandshakeResponse(clientConn)
	if err != nil {
		return fmt.Errorf("reading handshake response: %w", err)
	}

	const errSeq byte = 2
	stmtType := classifySession(database)

	ep, err := h.router.Route(database, stmtType)
	if err != nil {
		sendMySQLError(clientConn, 1045, "08S01", "no eligible backend", errSeq)
		return fmt.Errorf("routing session: %w", err)
	}

	slog.Info("routed session", "database", database, "backend", ep.Addr, "stmt_type", stmtType)

	pool := h.pools.GetOrCreate(ep.Addr)
	pc, err := pool.Acquire(ctx)
	if err != nil {
		sendMySQLError(clientConn, 1045, "08S01", "cannot connect to database", errSeq)
		return err
	}
	// Protocol state is unknown after the relay completes, so the backend
	// connection can't be safely returned to the pool for reuse.
	defer pc.Close()

	backendConn := pc.Conn()

	if _, _, err := readMySQLPacket(backendConn); err != nil {
		return fmt.Errorf("reading backend handshake: %w", err)
	}

	if _, err := backendConn.Write(rawHandshakeResp); err != nil {
		return fmt.Errorf("forwarding handshake response to backend: %w", err)
	}

	authResp, authSeq, err := readMySQLPacket(backendConn)
	if err != nil {
		return fmt.Errorf("reading backend auth response: %w", err)
	}
	if err := writeMySQLPacket(clientConn, authResp, authSeq); err != nil {
		return fmt.Errorf("forwarding auth response to client: %w", err)
	}
	if len(authResp) > 0 && authResp[0] == mysqlErrPacket {
		return fmt.Errorf("backend auth failed")
	}

	start := time.Now()
	err = relay(ctx, clientConn, backendConn, clientConn.RemoteAddr().String(), ep.Addr)
	if h.metrics != nil {
		h.metrics.SessionDuration(ep.Addr, algoLabel(stmtType), time.Since(start))
	}
	return err
}

// classifySession is a minimal stand-in for the external StatementClassifier
// collaborator (spec.md §1): at connect time the session hasn't sent a
// query yet, so routing a whole session can only use connection-time
// signals. Real per-statement classification is out of scope for this
// session-level proxy.
func classifySession(database string) config.StatementType {
	if strings.Contains(strings.ToLower(database), "write") {
		return config.StatementWrite
	}
	return config.StatementRead
}

func algoLabel(s config.StatementType) string {
	if s == config.StatementWrite {
		return "write"
	}
	return "read"
}

func sendSyntheticHandshake(conn net.Conn) error {
	authData := make([]byte, 20)
	if _, err := rand.Read(authData); err != nil {
		return fmt.Errorf("generating auth challenge: %w", err)
	}
	for i := range authData {
		if authData[i] == 0 {
			authData[i] = 1
		}
	}

	var buf []byte
	buf = append(buf, 10)
	buf = append(buf, "5.7.0-rwsplit"...)
	buf = append(buf, 0)
	buf = append(buf, 1, 0, 0, 0)
	buf = append(buf, authData[:8]...)
	buf = append(buf, 0)

	capLow := uint16(0xf7ff)
	buf = append(buf, byte(capLow), byte(capLow>>8))
	buf = append(buf, 33)
	buf = append(buf, 0x02, 0x00)

	capHigh := uint16(0x0081)
	buf = append(buf, byte(capHigh), byte(capHigh>>8))
	buf = append(buf, 21)
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, authData[8:]...)
	buf = append(buf, 0x00)
	buf = append(buf, "mysql_native_password"...)
	buf = append(buf, 0)

	return writeMySQLPacket(conn, buf, 0)
}

// readHandshakeResponse reads the client's HandshakeResponse41 and extracts
// the database name, returning the raw packet bytes for forwarding as-is.
func readHandshakeResponse(conn net.Conn) (database string, rawPacket []byte, err error) {
	header := make([]byte, 4)
	if _, err = io.ReadFull(conn, header); err != nil {
		return "", nil, fmt.Errorf("reading packet header: %w", err)
	}

	payloadLen := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	if payloadLen > 1<<24 || payloadLen < 32 {
		return "", nil, fmt.Errorf("invalid handshake response length: %d", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err = io.ReadFull(conn, payload); err != nil {
		return "", nil, fmt.Errorf("reading handshake response: %w", err)
	}

	rawPacket = make([]byte, 4+payloadLen)
	copy(rawPacket, header)
	copy(rawPacket[4:], payload)

	if len(payload) < 32 {
		return "", rawPacket, fmt.Errorf("handshake response too short")
	}

	clientFlags := binary.LittleEndian.Uint32(payload[0:4])
	pos := 32

	usernameEnd := pos
	for usernameEnd < len(payload) && payload[usernameEnd] != 0 {
		usernameEnd++
	}
	pos = usernameEnd + 1

	switch {
	case clientFlags&0x00200000 != 0, clientFlags&0x00008000 != 0:
		if pos < len(payload) {
			authLen := int(payload[pos])
			pos++
			if pos+authLen <= len(payload) {
				pos += authLen
			}
		}
	default:
		authEnd := pos
		for authEnd < len(payload) && payload[authEnd] != 0 {
			authEnd++
		}
		pos = authEnd + 1
	}

	if clientFlags&0x00000008 != 0 && pos < len(payload) {
		dbEnd := pos
		for dbEnd < len(payload) && payload[dbEnd] != 0 {
			dbEnd++
		}
		database = string(payload[pos:dbEnd])
	}

	return database, rawPacket, nil
}

func readMySQLPacket(conn net.Conn) ([]byte, byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, 0, err
	}

	payloadLen := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	seqNum := header[3]
	if payloadLen > 1<<24 {
		return nil, 0, fmt.Errorf("mysql packet too large: %d", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return nil, 0, err
		}
	}

	return payload, seqNum, nil
}

func writeMySQLPacket(conn net.Conn, payload []byte, seqNum byte) error {
	header := make([]byte, 4)
	header[0] = byte(len(payload))
	header[1] = byte(len(payload) >> 8)
	header[2] = byte(len(payload) >> 16)
	header[3] = seqNum

	buf := make([]byte, 4+len(payload))
	copy(buf, header)
	copy(buf[4:], payload)
	_, err := conn.Write(buf)
	return err
}

func sendMySQLError(conn net.Conn, errorCode uint16, sqlState, message string, seqNum byte) {
	var buf []byte
	buf = append(buf, mysqlErrPacket)
	buf = append(buf, byte(errorCode), byte(errorCode>>8))
	buf = append(buf, '#')

	state := sqlState
	if len(state) < 5 {
		state += "     "
	}
	buf = append(buf, state[:5]...)
	buf = append(buf, message...)

	writeMySQLPacket(conn, buf, seqNum)
}
