package testutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/agent-lifecycle/internal/model"
)

// StartJetStream runs an embedded NATS server with JetStream enabled and
// returns a JetStream context connected to it. The server and connection are
// torn down via t.Cleanup.
func StartJetStream(t *testing.T) nats.JetStreamContext {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // random port so parallel packages do not collide
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	s, err := server.NewServer(opts)
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("unable to start NATS server")
	}

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	t.Cleanup(func() {
		nc.Close()
		s.Shutdown()
	})

	return js
}

// CollectEvents subscribes to subject and decodes every lifecycle event
// published there within the window.
func CollectEvents(t *testing.T, js nats.JetStreamContext, subject string, window time.Duration) []*model.Event {
	t.Helper()

	msgChan := make(chan *nats.Msg, 100)
	sub, err := js.Subscribe(subject, func(msg *nats.Msg) {
		msgChan <- msg
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var events []*model.Event
	timer := time.NewTimer(window)
	defer timer.Stop()

	for {
		select {
		case msg := <-msgChan:
			var ev model.Event
			require.NoError(t, json.Unmarshal(msg.Data, &ev))
			events = append(events, &ev)
		case <-timer.C:
			return events
		}
	}
}
