// ABOUTME: Tests for the control channel client
// ABOUTME: Runs the client against an in-process WebSocket receiver
package protocol

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReceiver answers each request through respond; a nil result means no reply
func fakeReceiver(t *testing.T, respond func(conn *websocket.Conn, req Message) *Message) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultPath {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req Message
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if reply := respond(conn, req); reply != nil {
				if err := conn.WriteJSON(reply); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func connect(t *testing.T, srv *httptest.Server, timeout time.Duration) *Client {
	c := NewClient(Config{Addr: strings.TrimPrefix(srv.URL, "http://"), Timeout: timeout})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRequestReply(t *testing.T) {
	srv := fakeReceiver(t, func(_ *websocket.Conn, req Message) *Message {
		var hello Hello
		if err := req.Decode(&hello); err != nil {
			return nil
		}
		reply, _ := NewMessage(TypeHello, req.ID, Hello{Version: hello.Version, Name: "Kitchen"})
		return &reply
	})
	c := connect(t, srv, time.Second)
	assert.True(t, c.IsConnected())

	var hello Hello
	resp, err := c.Request(context.Background(), TypeHello, Hello{Version: Version, Name: "eq"}, &hello)
	require.NoError(t, err)
	assert.Equal(t, TypeHello, resp.Type)
	assert.Equal(t, "Kitchen", hello.Name)
	assert.Equal(t, Version, hello.Version)
}

func TestRequestErrorReply(t *testing.T) {
	srv := fakeReceiver(t, func(_ *websocket.Conn, req Message) *Message {
		reply, _ := NewMessage(TypeError, req.ID, ErrorPayload{Code: "E204", Message: "unsupported", Feature: "CrcVerify"})
		return &reply
	})
	c := connect(t, srv, time.Second)

	_, err := c.Request(context.Background(), TypeSessionInit, SessionInit{SampleRate: 48000}, nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "E204", remote.Code)
	assert.Equal(t, "CrcVerify", remote.Feature)
	assert.Equal(t, TypeSessionInit, remote.Request)
}

func TestRequestTimeout(t *testing.T) {
	srv := fakeReceiver(t, func(*websocket.Conn, Message) *Message { return nil })
	c := connect(t, srv, 50*time.Millisecond)

	start := time.Now()
	_, err := c.Request(context.Background(), TypePlay, nil, nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestUnsolicitedEvents(t *testing.T) {
	srv := fakeReceiver(t, func(conn *websocket.Conn, req Message) *Message {
		health, _ := NewMessage(TypeHealth, "", Health{Connection: "connected", Playback: "playing", BufferMs: 180})
		conn.WriteJSON(health)
		ack, _ := NewMessage(TypeAck, req.ID, nil)
		return &ack
	})
	c := connect(t, srv, time.Second)

	_, err := c.Request(context.Background(), TypePlay, nil, nil)
	require.NoError(t, err)

	select {
	case ev := <-c.Events():
		assert.Equal(t, TypeHealth, ev.Type)
		var h Health
		require.NoError(t, ev.Decode(&h))
		assert.Equal(t, 180, h.BufferMs)
	case <-time.After(time.Second):
		t.Fatal("no health event")
	}
}

func TestConnectionLoss(t *testing.T) {
	srv := fakeReceiver(t, func(conn *websocket.Conn, req Message) *Message {
		conn.Close()
		return nil
	})
	c := connect(t, srv, time.Second)

	_, err := c.Request(context.Background(), TypeHello, Hello{Version: Version}, nil)
	require.Error(t, err)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after connection loss")
	}
	assert.ErrorIs(t, c.Err(), ErrClosed)
	assert.False(t, c.IsConnected())

	err = c.Notify(TypeTeardown, Teardown{Reason: "shutdown"})
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestConnectFailure(t *testing.T) {
	c := NewClient(Config{Addr: "127.0.0.1:1", Timeout: 200 * time.Millisecond})
	assert.Error(t, c.Connect(context.Background()))
	assert.False(t, c.IsConnected())
	assert.NoError(t, c.Close())
}
