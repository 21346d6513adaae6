package plc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/robinson/gos7"

	"github.com/rufus800/challawa-np/internal/config"
	"github.com/rufus800/challawa-np/pkg/logger"
)

var (
	// ErrNotConnected is returned by ReadBlock when the session is closed or invalid
	ErrNotConnected = errors.New("plc: session not connected")
	// ErrShortRead means the controller answered with fewer bytes than requested
	ErrShortRead = errors.New("plc: short read")
)

// ConnectionError wraps a failure to open a session. Always retriable.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("plc: connect %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ReadError wraps a failed block read. The session is invalid afterwards.
type ReadError struct {
	DBNumber int
	Offset   int
	Length   int
	Err      error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("plc: read DB%d[%d:%d]: %v", e.DBNumber, e.Offset, e.Offset+e.Length, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Session is the protocol client used by the polling loop
type Session interface {
	Connect(ctx context.Context) error
	ReadBlock(ctx context.Context, dbNumber, offset, length int) ([]byte, error)
	Close() error
	Valid() bool
}

// blockReader reads into buf and reports how many bytes were filled
type blockReader interface {
	ReadDB(dbNumber, offset int, buf []byte) (int, error)
}

// Dialer opens the underlying connection. Replaced in tests.
type Dialer func(cfg *config.Config) (blockReader, io.Closer, error)

// ClientStats are the counters exposed on the debug endpoint
type ClientStats struct {
	Connects      int64 `json:"connects"`
	ConnectErrors int64 `json:"connect_errors"`
	Reads         int64 `json:"reads"`
	ReadErrors    int64 `json:"read_errors"`
}

// S7Client holds one session to an S7 controller
type S7Client struct {
	config *config.Config
	dial   Dialer

	mu        sync.Mutex
	reader    blockReader
	closer    io.Closer
	connected bool
	lastError error

	connects      atomic.Int64
	connectErrors atomic.Int64
	reads         atomic.Int64
	readErrors    atomic.Int64
}

// NewS7Client creates a client for the configured controller. Nothing is dialed yet.
func NewS7Client(cfg *config.Config) *S7Client {
	return &S7Client{config: cfg, dial: dialS7}
}

// newS7ClientWithDialer is used by tests to replace the network
func newS7ClientWithDialer(cfg *config.Config, dial Dialer) *S7Client {
	return &S7Client{config: cfg, dial: dial}
}

// Connect opens a session, replacing any previous one
func (c *S7Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	c.closeLocked()

	reader, closer, err := c.dial(c.config)
	if err != nil {
		c.connectErrors.Add(1)
		c.lastError = &ConnectionError{Address: c.config.PLCAddress, Err: err}
		return c.lastError
	}

	c.reader = reader
	c.closer = closer
	c.connected = true
	c.lastError = nil
	c.connects.Add(1)

	logger.Infof("Connected to PLC at %s (rack %d, slot %d)",
		c.config.PLCAddress, c.config.PLCRack, c.config.PLCSlot)
	return nil
}

// ReadBlock reads exactly length bytes from a data block or fails.
// Any failure invalidates the session; reconnecting is the caller's job.
func (c *S7Client) ReadBlock(ctx context.Context, dbNumber, offset, length int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if length <= 0 {
		return nil, fmt.Errorf("plc: invalid read length %d", length)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, &ReadError{DBNumber: dbNumber, Offset: offset, Length: length, Err: ErrNotConnected}
	}

	c.reads.Add(1)
	buf := make([]byte, length)
	n, err := c.reader.ReadDB(dbNumber, offset, buf)
	if err == nil && n != length {
		err = fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, n, length)
	}
	if err != nil {
		c.readErrors.Add(1)
		c.connected = false
		c.lastError = &ReadError{DBNumber: dbNumber, Offset: offset, Length: length, Err: err}
		return nil, c.lastError
	}

	return buf, nil
}

// Close releases the session. Safe to call more than once.
func (c *S7Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasOpen := c.closer != nil
	err := c.closeLocked()
	if wasOpen {
		logger.Info("Disconnected from PLC")
	}
	return err
}

func (c *S7Client) closeLocked() error {
	var err error
	if c.closer != nil {
		err = c.closer.Close()
	}
	c.reader = nil
	c.closer = nil
	c.connected = false
	return err
}

// Valid reports whether the last operation left the session usable
func (c *S7Client) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LastError returns the last connect or read failure
func (c *S7Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Stats returns a copy of the session counters
func (c *S7Client) Stats() ClientStats {
	return ClientStats{
		Connects:      c.connects.Load(),
		ConnectErrors: c.connectErrors.Load(),
		Reads:         c.reads.Load(),
		ReadErrors:    c.readErrors.Load(),
	}
}

// Read Var telegram for one byte-addressed item. Offsets match the response
// layout checked in readChunk.
var readVarTelegram = []byte{
	3, 0, 0, 31,       // TPKT
	2, 240, 128,       // COTP data
	50, 1, 0, 0, 5, 0, // S7 job header
	0, 14, 0, 0,       // parameter and data length
	4, 1,              // read var, one item
	18, 10, 16, 2,     // var spec, byte transport
	0, 0,              // amount
	0, 0,              // DB number
	0x84,              // DB area
	0, 0, 0,           // bit address
}

const (
	respHeaderSize = 25 // TPKT + COTP + S7 ack header + item header
	respReturnCode = 21
	respTransport  = 22
	respItemLength = 23
	itemOK         = 0xFF
	replyOverhead  = 18

	transportBit   = 0x03
	transportReal  = 0x07
	transportOctet = 0x09
)

// s7Reader issues read telegrams on a negotiated gos7 session and checks the
// item length the controller declares against the bytes that actually arrived
type s7Reader struct {
	transport gos7.Transporter
	pduLength int
}

func (r *s7Reader) ReadDB(dbNumber, offset int, buf []byte) (int, error) {
	chunk := r.pduLength - replyOverhead
	if chunk <= 0 {
		return 0, fmt.Errorf("plc: invalid negotiated PDU length %d", r.pduLength)
	}

	read := 0
	for read < len(buf) {
		want := min(chunk, len(buf)-read)
		n, err := r.readChunk(dbNumber, offset+read, buf[read:read+want])
		read += n
		if err != nil || n < want {
			return read, err
		}
	}
	return read, nil
}

func (r *s7Reader) readChunk(dbNumber, start int, buf []byte) (int, error) {
	req := make([]byte, len(readVarTelegram))
	copy(req, readVarTelegram)
	binary.BigEndian.PutUint16(req[23:], uint16(len(buf)))
	binary.BigEndian.PutUint16(req[25:], uint16(dbNumber))
	addr := start << 3
	req[28] = byte(addr >> 16)
	req[29] = byte(addr >> 8)
	req[30] = byte(addr)

	resp, err := r.transport.Send(req)
	if err != nil {
		return 0, err
	}
	if len(resp) < respHeaderSize {
		return 0, fmt.Errorf("%w: %d byte response frame", ErrShortRead, len(resp))
	}
	if code := resp[respReturnCode]; code != itemOK {
		return 0, fmt.Errorf("plc: item error 0x%02X: %s", code, gos7.ErrorText(gos7.CPUError(uint(code))))
	}

	declared := int(binary.BigEndian.Uint16(resp[respItemLength:]))
	switch resp[respTransport] {
	case transportBit, transportReal, transportOctet:
	default:
		declared >>= 3
	}

	if declared > len(buf) {
		return 0, fmt.Errorf("plc: controller declared %d bytes for a %d byte read", declared, len(buf))
	}
	n := min(declared, len(resp)-respHeaderSize)
	copy(buf, resp[respHeaderSize:respHeaderSize+n])
	return n, nil
}

// dialS7 opens an ISO-on-TCP session and negotiates the PDU size with gos7
func dialS7(cfg *config.Config) (blockReader, io.Closer, error) {
	handler := gos7.NewTCPClientHandler(cfg.PLCAddress, cfg.PLCRack, cfg.PLCSlot)
	handler.Timeout = cfg.PLC.ReadTimeout
	handler.IdleTimeout = cfg.PLC.IdleTimeout

	if err := handler.Connect(); err != nil {
		return nil, nil, err
	}

	return &s7Reader{transport: handler, pduLength: handler.PDULength}, handler, nil
}
