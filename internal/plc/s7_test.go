package plc

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rufus800/challawa-np/internal/config"
)

// fakeController answers the ISO-on-TCP handshake, PDU negotiation and read
// var jobs. reply builds the response frame for a read request.
type fakeController struct {
	ln    net.Listener
	reply func(req []byte) []byte

	mu    sync.Mutex
	reads [][]byte
}

func startController(t *testing.T, reply func(req []byte) []byte) *fakeController {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fc := &fakeController{ln: ln, reply: reply}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go fc.serve(conn)
		}
	}()
	return fc
}

func (fc *fakeController) serve(conn net.Conn) {
	defer conn.Close()
	for {
		head := make([]byte, 4)
		if _, err := io.ReadFull(conn, head); err != nil {
			return
		}
		frame := make([]byte, binary.BigEndian.Uint16(head[2:]))
		copy(frame, head)
		if _, err := io.ReadFull(conn, frame[4:]); err != nil {
			return
		}

		var resp []byte
		switch {
		case frame[5] == 0xE0:
			// connection request -> connection confirm
			resp = []byte{3, 0, 0, 22, 17, 0xD0, 0, 1, 0, 1, 0, 0xC0, 1, 0x0A, 0xC1, 2, 1, 0, 0xC2, 2, 1, 2}
		case frame[17] == 0xF0:
			// setup communication, PDU 480
			resp = []byte{3, 0, 0, 27, 2, 0xF0, 0x80, 0x32, 3, 0, 0, 4, 0, 0, 8, 0, 0, 0, 0, 0xF0, 0, 0, 1, 0, 1, 0x01, 0xE0}
		case frame[17] == 4:
			fc.mu.Lock()
			fc.reads = append(fc.reads, frame)
			fc.mu.Unlock()
			resp = fc.reply(frame)
		default:
			return
		}
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func (fc *fakeController) lastRead() []byte {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.reads) == 0 {
		return nil
	}
	return fc.reads[len(fc.reads)-1]
}

// readAck builds a read var response carrying data with the declared item
// length in bytes. returnCode 0xFF means success.
func readAck(returnCode byte, declared int, data []byte) []byte {
	frame := []byte{
		3, 0, 0, 0,
		2, 0xF0, 0x80,
		0x32, 3, 0, 0, 5, 0,
		0, 2, 0, 0,
		0, 0,
		4, 1,
		returnCode, 0x04, 0, 0,
	}
	binary.BigEndian.PutUint16(frame[23:], uint16(declared*8))
	binary.BigEndian.PutUint16(frame[15:], uint16(len(data)+4))
	frame = append(frame, data...)
	binary.BigEndian.PutUint16(frame[2:], uint16(len(frame)))
	return frame
}

func controllerClient(t *testing.T, fc *fakeController) *S7Client {
	t.Helper()
	cfg := config.Default()
	cfg.PLCAddress = fc.ln.Addr().String()
	cfg.PLC.ReadTimeout = 2 * time.Second
	cfg.PLC.IdleTimeout = 0

	client := NewS7Client(cfg)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })
	return client
}

func sequence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i + 1)
	}
	return b
}

func TestS7ReadFullBlock(t *testing.T) {
	fc := startController(t, func(req []byte) []byte {
		return readAck(0xFF, 28, sequence(28))
	})
	client := controllerClient(t, fc)

	got, err := client.ReadBlock(context.Background(), 39, 0, 28)
	require.NoError(t, err)
	assert.Equal(t, sequence(28), got)

	req := fc.lastRead()
	require.NotNil(t, req)
	assert.Equal(t, uint16(28), binary.BigEndian.Uint16(req[23:]), "amount")
	assert.Equal(t, uint16(39), binary.BigEndian.Uint16(req[25:]), "db number")
	assert.Equal(t, byte(0x84), req[27])
}

func TestS7ReadAddressesOffsetInBits(t *testing.T) {
	fc := startController(t, func(req []byte) []byte {
		return readAck(0xFF, 4, sequence(4))
	})
	client := controllerClient(t, fc)

	_, err := client.ReadBlock(context.Background(), 39, 14, 4)
	require.NoError(t, err)

	req := fc.lastRead()
	addr := int(req[28])<<16 | int(req[29])<<8 | int(req[30])
	assert.Equal(t, 14*8, addr)
}

func TestS7TruncatedFrameIsShortRead(t *testing.T) {
	// Header claims 28 bytes, frame carries 5.
	fc := startController(t, func(req []byte) []byte {
		return readAck(0xFF, 28, sequence(5))
	})
	client := controllerClient(t, fc)

	got, err := client.ReadBlock(context.Background(), 39, 0, 28)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrShortRead)
	assert.False(t, client.Valid())
}

func TestS7ShortItemIsShortRead(t *testing.T) {
	fc := startController(t, func(req []byte) []byte {
		return readAck(0xFF, 5, sequence(5))
	})
	client := controllerClient(t, fc)

	_, err := client.ReadBlock(context.Background(), 39, 0, 28)
	assert.ErrorIs(t, err, ErrShortRead)
	assert.False(t, client.Valid())
}

func TestS7OversizedItemRejected(t *testing.T) {
	fc := startController(t, func(req []byte) []byte {
		return readAck(0xFF, 30, sequence(30))
	})
	client := controllerClient(t, fc)

	_, err := client.ReadBlock(context.Background(), 39, 0, 28)
	require.Error(t, err)
	assert.False(t, client.Valid())
}

func TestS7ItemErrorIsReadError(t *testing.T) {
	// 0x0A: object does not exist
	fc := startController(t, func(req []byte) []byte {
		return readAck(0x0A, 0, nil)
	})
	client := controllerClient(t, fc)

	_, err := client.ReadBlock(context.Background(), 39, 0, 28)
	var readErr *ReadError
	require.True(t, errors.As(err, &readErr))
	assert.NotErrorIs(t, err, ErrShortRead)
	assert.False(t, client.Valid())
}

func TestS7ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	cfg := config.Default()
	cfg.PLCAddress = addr
	cfg.PLC.ReadTimeout = time.Second
	cfg.PLC.IdleTimeout = 0

	err = NewS7Client(cfg).Connect(context.Background())
	var connErr *ConnectionError
	assert.True(t, errors.As(err, &connErr))
}
