package shopflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/shopflow/framework/core"
)

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeComponent struct {
	name     string
	journal  *journal
	startErr error
	stopErr  error
	running  bool
}

func (f *fakeComponent) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	f.journal.add("start " + f.name)
	return nil
}

func (f *fakeComponent) Stop(context.Context) error {
	f.running = false
	f.journal.add("stop " + f.name)
	return f.stopErr
}

func (f *fakeComponent) IsRunning() bool          { return f.running }
func (f *fakeComponent) Name() string             { return f.name }
func (f *fakeComponent) Type() core.ComponentType { return core.ComponentTypeAdapter }

func TestApp_StartAndShutdownOrder(t *testing.T) {
	j := &journal{}
	app := NewApp("test", nil)
	app.Add(&fakeComponent{name: "db", journal: j}, &fakeComponent{name: "bus", journal: j})
	app.Add(&fakeComponent{name: "consumer", journal: j})

	require.NoError(t, app.Start(context.Background()))
	require.NoError(t, app.Shutdown(context.Background()))

	assert.Equal(t, []string{
		"start db", "start bus", "start consumer",
		"stop consumer", "stop bus", "stop db",
	}, j.list())
	assert.Len(t, app.Components(), 3)
	assert.Equal(t, "test", app.Metadata().Name)
}

func TestApp_StartFailureStopsStarted(t *testing.T) {
	j := &journal{}
	app := NewApp("test", nil)
	app.Add(
		&fakeComponent{name: "db", journal: j},
		&fakeComponent{name: "bus", journal: j, startErr: errors.New("connection refused")},
		&fakeComponent{name: "consumer", journal: j},
	)

	err := app.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start bus")
	assert.Equal(t, []string{"start db", "stop db"}, j.list())
}

func TestApp_ShutdownContinuesAfterError(t *testing.T) {
	j := &journal{}
	app := NewApp("test", nil)
	app.Add(
		&fakeComponent{name: "db", journal: j},
		&fakeComponent{name: "bus", journal: j, stopErr: errors.New("drain failed")},
	)
	require.NoError(t, app.Start(context.Background()))

	err := app.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stop bus")
	assert.Equal(t, []string{"start db", "start bus", "stop bus", "stop db"}, j.list())

	// повторная остановка ничего не делает
	require.NoError(t, app.Shutdown(context.Background()))
}

func TestApp_RunStopsOnContextCancel(t *testing.T) {
	j := &journal{}
	app := NewApp("test", nil, WithShutdownTimeout(time.Second))
	app.Add(&fakeComponent{name: "db", journal: j})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return len(j.list()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, []string{"start db", "stop db"}, j.list())
}
