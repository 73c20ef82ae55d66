package server

import (
	"io"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestConnectionEnqueue(t *testing.T) {
	cfg := NewConfig()
	cfg.SendBufferSize = 2
	c := NewConnection(nil, "", "addr", cfg)

	assert.True(t, c.enqueue([]byte("1")))
	assert.True(t, c.enqueue([]byte("2")))
	assert.False(t, c.enqueue([]byte("3")), "full queue never blocks")

	<-c.send
	assert.True(t, c.markClosed())
	assert.False(t, c.markClosed())
	assert.False(t, c.enqueue([]byte("4")), "closed connection accepts nothing")
	assert.True(t, c.Closed())
}

func TestConnectionAccessors(t *testing.T) {
	c := NewConnection(nil, "alice", "10.0.0.1:5000", nil)
	c.id = "abc"

	assert.Equal(t, "abc", c.ID())
	assert.Equal(t, "alice", c.UserID())
	assert.True(t, c.Authenticated())
	assert.Equal(t, "10.0.0.1:5000", c.Addr())
	assert.WithinDuration(t, time.Now(), c.LastActivity(), time.Second)
	assert.NoError(t, c.ping())

	assert.False(t, NewConnection(nil, "", "addr", nil).Authenticated())
}

func TestConnectionHandleReadError(t *testing.T) {
	c := NewConnection(nil, "", "addr", nil)

	tests := []struct {
		err    error
		reason string
	}{
		{websocket.ErrReadLimit, "message too big"},
		{&websocket.CloseError{Code: websocket.CloseNormalClosure}, "peer closed"},
		{&websocket.CloseError{Code: websocket.CloseGoingAway}, "peer closed"},
		{io.EOF, "connection closed"},
		{errors.New("use of closed network connection"), "connection closed"},
		{&websocket.CloseError{Code: websocket.CloseProtocolError}, "unexpected close"},
		{errors.New("boom"), "read error"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.reason, c.handleReadError(tt.err), "error %v", tt.err)
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	assert.True(t, isExpectedCloseError(nil))
	assert.True(t, isExpectedCloseError(errors.New("write: broken pipe")))
	assert.True(t, isExpectedCloseError(errors.New("websocket: close sent")))
	assert.False(t, isExpectedCloseError(errors.New("timeout")))
}
