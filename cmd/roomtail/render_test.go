package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderFrame(t *testing.T) {
	st := defaultStyles()

	msg := renderFrame(st, []byte(`{"event":"message","message_id":4,"sender_id":7,"content":"hello","type":"CHAT","timestamp":"2026-01-02T10:00:00Z"}`))
	assert.Contains(t, msg, "user 7:")
	assert.Contains(t, msg, "hello")

	read := renderFrame(st, []byte(`{"event":"read","message_id":4,"user_id":2,"read":true}`))
	assert.Contains(t, read, "user 2 read #4")

	all := renderFrame(st, []byte(`{"event":"read_all","user_id":2,"count":9}`))
	assert.Contains(t, all, "read 9 messages")

	assert.Contains(t, renderFrame(st, []byte("not json")), "bad frame")
}

func TestRoomIDFromURL(t *testing.T) {
	id, err := roomIDFromURL("ws://localhost:8083/ws/rooms/42?token=x")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = roomIDFromURL("ws://localhost:8083/ws/rooms/")
	assert.Error(t, err)
}
