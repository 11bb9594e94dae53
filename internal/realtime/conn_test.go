package realtime

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextFrame(t *testing.T, c *Conn) ServerFrame {
	t.Helper()
	select {
	case data := <-c.send:
		var frame ServerFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	default:
		t.Fatal("no frame queued")
		return ServerFrame{}
	}
}

func TestHandleFramePing(t *testing.T) {
	h := NewHub(newFakeBroker(), nil, nil, Config{})
	c := testConn(h)

	c.handleFrame(ClientFrame{Action: ActionPing})

	frame := nextFrame(t, c)
	assert.Equal(t, TypePong, frame.Type)
}

func TestHandleFrameSubscribe(t *testing.T) {
	broker := newFakeBroker()
	h := NewHub(broker, nil, nil, Config{})
	c := testConn(h)

	valid := "conversation:" + uuid.New().String()
	c.handleFrame(ClientFrame{Action: ActionSubscribe, Topics: []string{valid, "bogus"}})

	// The invalid topic is rejected individually, the valid one lands.
	frame := nextFrame(t, c)
	assert.Equal(t, TypeError, frame.Type)
	assert.Equal(t, []string{"bogus"}, frame.Topics)

	frame = nextFrame(t, c)
	assert.Equal(t, TypeSubscribed, frame.Type)
	assert.Equal(t, []string{valid}, frame.Topics)

	assert.True(t, broker.subscribed(valid))
	assert.Equal(t, 1, h.SubscriberCount(valid))
}

func TestHandleFrameUnsubscribe(t *testing.T) {
	broker := newFakeBroker()
	h := NewHub(broker, nil, nil, Config{})
	c := testConn(h)

	tp := "channel:" + uuid.New().String()
	c.handleFrame(ClientFrame{Action: ActionSubscribe, Topics: []string{tp}})
	<-c.send

	c.handleFrame(ClientFrame{Action: ActionUnsubscribe, Topics: []string{tp}})

	frame := nextFrame(t, c)
	assert.Equal(t, TypeUnsubscribed, frame.Type)
	assert.Equal(t, []string{tp}, frame.Topics)
	assert.False(t, broker.subscribed(tp))
}

func TestHandleFrameUnknownAction(t *testing.T) {
	h := NewHub(newFakeBroker(), nil, nil, Config{})
	c := testConn(h)

	c.handleFrame(ClientFrame{Action: "dance"})

	frame := nextFrame(t, c)
	assert.Equal(t, TypeError, frame.Type)
}

func TestEncodeEvent(t *testing.T) {
	tp := "conversation:" + uuid.New().String()
	payload, err := EncodeEvent("message.created", tp, map[string]string{"id": "m-1"})
	require.NoError(t, err)

	var frame EventFrame
	require.NoError(t, json.Unmarshal(payload, &frame))
	assert.Equal(t, "message.created", frame.Event)
	assert.Equal(t, tp, frame.Topic)
	assert.Positive(t, frame.TS)
	assert.JSONEq(t, `{"id":"m-1"}`, string(frame.Data))
}
