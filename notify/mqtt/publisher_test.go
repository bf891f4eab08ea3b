package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	mqttserver "github.com/mochi-co/mqtt/server"
	"github.com/mochi-co/mqtt/server/listeners"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/scopectl/config"
	"github.com/timzifer/scopectl/instrument"
	"github.com/timzifer/scopectl/runtime/activity"
)

func TestPublisherForwardsInstrumentChanges(t *testing.T) {
	brokerURL, shutdown := startMockBroker(t)
	defer shutdown()

	sub := connectClient(t, brokerURL, "subscriber")
	t.Cleanup(func() { sub.Disconnect(250) })
	messages := subscribe(t, sub, "lab/instruments/stem/changes")

	pub, err := New(config.NotifyConfig{Broker: brokerURL, ClientID: "publisher", TopicPrefix: "/lab/"}, zerolog.Nop())
	require.NoError(t, err)
	defer pub.Close()
	require.Equal(t, "lab/instruments/stem/changes", pub.ChangeTopic("stem"))

	inst, err := instrument.New(config.InstrumentConfig{
		ID:       "stem",
		Controls: []config.ControlConfig{{Name: "defocus"}, {Name: "c10", Inputs: []config.ControlInputConfig{{Control: "defocus", Weight: 2}}}},
	}, nil, instrument.WithListener(pub))
	require.NoError(t, err)
	defer inst.Close()

	require.NoError(t, inst.BeginTransaction())
	require.NoError(t, inst.SetControlOutput(context.Background(), "defocus", 1.5, instrument.SetOptions{}))
	require.NoError(t, inst.EndTransaction())

	select {
	case payload := <-messages:
		var ev activity.ChangeEvent
		require.NoError(t, json.Unmarshal(payload, &ev))
		require.Equal(t, "stem", ev.Instrument)
		require.Equal(t, map[string]float64{"defocus": 1.5, "c10": 3}, ev.Controls)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for change notification")
	}
}

func TestPublisherForwardsTaskEvents(t *testing.T) {
	brokerURL, shutdown := startMockBroker(t)
	defer shutdown()

	sub := connectClient(t, brokerURL, "subscriber")
	t.Cleanup(func() { sub.Disconnect(250) })
	messages := subscribe(t, sub, "scopectl/sources/+/tasks")

	pub, err := New(config.NotifyConfig{Broker: brokerURL}, zerolog.Nop())
	require.NoError(t, err)

	pub.TaskTransition(activity.TaskEvent{Source: "camera", TaskID: 3, Kind: "record", State: "finished", Frames: 1})
	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())
	pub.TaskTransition(activity.TaskEvent{Source: "camera", State: "ignored"})

	select {
	case payload := <-messages:
		var ev activity.TaskEvent
		require.NoError(t, json.Unmarshal(payload, &ev))
		require.Equal(t, "camera", ev.Source)
		require.EqualValues(t, 3, ev.TaskID)
		require.Equal(t, "finished", ev.State)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for task notification")
	}
}

func TestNewRequiresBroker(t *testing.T) {
	_, err := New(config.NotifyConfig{}, zerolog.Nop())
	require.Error(t, err)
	_, err = New(config.NotifyConfig{Broker: "tcp://127.0.0.1:1", QoS: 3}, zerolog.Nop())
	require.Error(t, err)
}

func subscribe(t *testing.T, client pahomqtt.Client, topic string) <-chan []byte {
	t.Helper()
	messages := make(chan []byte, 4)
	token := client.Subscribe(topic, 0, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		select {
		case messages <- msg.Payload():
		default:
		}
	})
	if !token.WaitTimeout(5 * time.Second) {
		t.Fatal("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return messages
}

func startMockBroker(t *testing.T) (string, func()) {
	t.Helper()

	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	server := mqttserver.NewServer(nil)
	tcp := listeners.NewTCP("test", addr)

	if err := server.AddListener(tcp, nil); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	if err := server.Serve(); err != nil {
		t.Fatalf("serve: %v", err)
	}

	if err := waitForBroker(addr, 5*time.Second); err != nil {
		t.Fatalf("wait for broker: %v", err)
	}

	return "tcp://" + addr, func() {
		_ = server.Close()
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitForBroker(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("broker at %s did not start", addr)
}

func connectClient(t *testing.T, brokerURL, clientID string) pahomqtt.Client {
	t.Helper()
	opts := pahomqtt.NewClientOptions().AddBroker(brokerURL).SetClientID(clientID)
	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		t.Fatalf("connect timeout")
	}
	if err := token.Error(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return client
}
