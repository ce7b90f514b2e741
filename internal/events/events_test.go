package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus()

	var got []Event
	bus.Subscribe(func(e Event) { got = append(got, e) })
	bus.Subscribe(func(e Event) { got = append(got, e) })

	err := bus.Emit(context.Background(), Event{Type: "stage.entered", WorkflowID: "WF-20260828-001"})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "stage.entered", got[0].Type)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestBusHandlerMaySubscribeDuringEmit(t *testing.T) {
	bus := NewBus()

	var late []Event
	bus.Subscribe(func(e Event) {
		bus.Subscribe(func(e Event) { late = append(late, e) })
	})

	// Delivery must not hold the lock the nested Subscribe needs.
	require.NoError(t, bus.Emit(context.Background(), Event{Type: "stage.entered"}))
	assert.Empty(t, late)

	// The late subscriber sees subsequent events.
	require.NoError(t, bus.Emit(context.Background(), Event{Type: "stage.exited"}))
	require.Len(t, late, 1)
	assert.Equal(t, "stage.exited", late[0].Type)
}

func TestBusClosedRejectsEmit(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.Close())

	err := bus.Emit(context.Background(), Event{Type: "x"})
	assert.ErrorIs(t, err, ErrEmitterClosed)
}

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()

	opts := &server.Options{Host: "127.0.0.1", Port: -1}
	srv, err := server.NewServer(opts)
	require.NoError(t, err)

	go srv.Start()
	t.Cleanup(srv.Shutdown)
	require.True(t, srv.ReadyForConnections(5*time.Second))

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestNATSEmitterPublishes(t *testing.T) {
	conn := startNATS(t)

	emitter, err := NewNATSEmitterWithConn(conn, "crewd.workflow")
	require.NoError(t, err)

	sub, err := conn.SubscribeSync("crewd.workflow.>")
	require.NoError(t, err)

	event := Event{
		Type:       "workflow.completed",
		WorkflowID: "WF-20260828-002",
		Payload:    map[string]any{"stages": float64(5)},
	}
	require.NoError(t, emitter.Emit(context.Background(), event))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "crewd.workflow.workflow.completed", msg.Subject)

	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "WF-20260828-002", got.WorkflowID)
	assert.Equal(t, event.Payload, got.Payload)
	assert.False(t, got.Timestamp.IsZero())
}

func TestNATSEmitterClose(t *testing.T) {
	conn := startNATS(t)

	emitter, err := NewNATSEmitterWithConn(conn, "crewd.workflow")
	require.NoError(t, err)

	require.NoError(t, emitter.Close())
	assert.ErrorIs(t, emitter.Emit(context.Background(), Event{Type: "x"}), ErrEmitterClosed)
	// Close is idempotent.
	assert.NoError(t, emitter.Close())
}

func TestNATSEmitterRequiresSubject(t *testing.T) {
	conn := startNATS(t)
	_, err := NewNATSEmitterWithConn(conn, "")
	assert.Error(t, err)
}
