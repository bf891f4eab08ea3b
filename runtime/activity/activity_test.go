package activity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHubFanOutAndUnsubscribe(t *testing.T) {
	hub := NewHub()
	var first, second []string

	cancelFirst := hub.Subscribe(Funcs{OnChange: func(ev ChangeEvent) { first = append(first, ev.Instrument) }})
	hub.Subscribe(Funcs{
		OnChange: func(ev ChangeEvent) { second = append(second, ev.Instrument) },
		OnTask:   func(ev TaskEvent) { second = append(second, ev.State) },
	})

	hub.InstrumentChanged(ChangeEvent{Instrument: "stem"})
	cancelFirst()
	cancelFirst()
	hub.InstrumentChanged(ChangeEvent{Instrument: "eels"})
	hub.TaskTransition(TaskEvent{State: "running"})

	require.Equal(t, []string{"stem"}, first)
	require.Equal(t, []string{"stem", "eels", "running"}, second)
}

func TestNilHubIgnoresEvents(t *testing.T) {
	var hub *Hub
	require.NotPanics(t, func() {
		hub.InstrumentChanged(ChangeEvent{})
		hub.TaskTransition(TaskEvent{})
	})
}
