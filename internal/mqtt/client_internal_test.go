package mqtt

import (
	"testing"
	"time"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func newBufferedClient(t *testing.T, depth int) *Client {
	t.Helper()
	c, err := NewClient(Config{BrokerHost: "localhost", BrokerPort: 1883, BufferDepth: depth})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestHandleMessageWaitsForRoomInsteadOfDropping(t *testing.T) {
	c := newBufferedClient(t, 1)
	defer c.Stop()

	c.handleMessage(nil, fakeMessage{topic: "application/1/device/a/rx", payload: []byte("first")})

	returned := make(chan struct{})
	go func() {
		c.handleMessage(nil, fakeMessage{topic: "application/1/device/a/rx", payload: []byte("second")})
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatalf("handler returned while the buffer was full")
	case <-time.After(50 * time.Millisecond):
	}

	for _, want := range []string{"first", "second"} {
		select {
		case msg := <-c.Messages():
			if string(msg.Payload) != want {
				t.Fatalf("expected %q, got %q", want, msg.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected %q to be delivered", want)
		}
	}
	<-returned
}

func TestStopReleasesBlockedHandler(t *testing.T) {
	c := newBufferedClient(t, 1)

	c.handleMessage(nil, fakeMessage{topic: "t", payload: []byte("fill")})

	returned := make(chan struct{})
	go func() {
		c.handleMessage(nil, fakeMessage{topic: "t", payload: []byte("blocked")})
		close(returned)
	}()

	time.Sleep(20 * time.Millisecond)
	c.Stop()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("blocked handler was not released by Stop")
	}

	c.handleMessage(nil, fakeMessage{topic: "t", payload: []byte("late")})
}
