package plc

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rufus800/challawa-np/internal/config"
)

type fakeReader struct {
	data   []byte
	short  int
	err    error
	closed bool
}

func (f *fakeReader) ReadDB(dbNumber, offset int, buf []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	n := copy(buf, f.data[offset:])
	if f.short > 0 && f.short < n {
		n = f.short
	}
	return n, nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func newFakeClient(reader *fakeReader, dialErr error) *S7Client {
	return newS7ClientWithDialer(config.Default(), func(*config.Config) (blockReader, io.Closer, error) {
		if dialErr != nil {
			return nil, nil, dialErr
		}
		return reader, reader, nil
	})
}

func TestReadBlockReturnsExactLength(t *testing.T) {
	reader := &fakeReader{data: []byte{1, 2, 3, 4, 5, 6}}
	client := newFakeClient(reader, nil)
	ctx := context.Background()

	require.NoError(t, client.Connect(ctx))
	assert.True(t, client.Valid())

	got, err := client.ReadBlock(ctx, 39, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5}, got)
	assert.Equal(t, int64(1), client.Stats().Reads)
}

func TestShortReadInvalidatesSession(t *testing.T) {
	reader := &fakeReader{data: make([]byte, 28), short: 10}
	client := newFakeClient(reader, nil)
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	_, err := client.ReadBlock(ctx, 39, 0, 28)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShortRead)

	var readErr *ReadError
	require.True(t, errors.As(err, &readErr))
	assert.Equal(t, 39, readErr.DBNumber)
	assert.False(t, client.Valid())

	_, err = client.ReadBlock(ctx, 39, 0, 28)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReadFailureInvalidatesSession(t *testing.T) {
	reader := &fakeReader{data: make([]byte, 28)}
	client := newFakeClient(reader, nil)
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	reader.err = errors.New("connection reset by peer")
	_, err := client.ReadBlock(ctx, 39, 0, 28)
	require.Error(t, err)
	assert.False(t, client.Valid())
	assert.Equal(t, int64(1), client.Stats().ReadErrors)
	assert.Equal(t, err, client.LastError())

	// Reconnect replaces the dead session.
	reader.err = nil
	require.NoError(t, client.Connect(ctx))
	assert.True(t, reader.closed)
	_, err = client.ReadBlock(ctx, 39, 0, 28)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), client.Stats().Connects)
}

func TestConnectFailureIsConnectionError(t *testing.T) {
	client := newFakeClient(nil, errors.New("i/o timeout"))

	err := client.Connect(context.Background())
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "192.168.200.20", connErr.Address)
	assert.False(t, client.Valid())
	assert.Equal(t, int64(1), client.Stats().ConnectErrors)
}

func TestCanceledContextDoesNotDial(t *testing.T) {
	dialed := false
	client := newS7ClientWithDialer(config.Default(), func(*config.Config) (blockReader, io.Closer, error) {
		dialed = true
		return nil, nil, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, client.Connect(ctx), context.Canceled)
	assert.False(t, dialed)
}

func TestCloseIsIdempotent(t *testing.T) {
	reader := &fakeReader{data: make([]byte, 4)}
	client := newFakeClient(reader, nil)
	require.NoError(t, client.Connect(context.Background()))

	assert.NoError(t, client.Close())
	assert.NoError(t, client.Close())
	assert.True(t, reader.closed)
	assert.False(t, client.Valid())
}
