package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dougsko/k4d/pkg/config"
	"github.com/dougsko/k4d/pkg/events"
	"github.com/dougsko/k4d/pkg/protocol"
	"github.com/dougsko/k4d/pkg/radio/radiotest"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Radio.ConnectTimeout = 500
	cfg.Radio.AuthTimeout = 300
	cfg.Radio.ReconnectInitial = 20
	cfg.Radio.ReconnectMaxInterval = 40
	cfg.Radio.ReconnectAttempts = 1000
	cfg.Audio.EncodeMode = int(protocol.AudioRaw16)
	return cfg
}

func startFake(t *testing.T) *radiotest.Radio {
	t.Helper()
	fake, err := radiotest.Start("")
	if err != nil {
		t.Fatalf("Failed to start fake radio: %v", err)
	}
	t.Cleanup(fake.Close)
	return fake
}

func newRouter(t *testing.T, radios ...protocol.RadioConfig) (*Router, *MemoryStore, *events.Bus) {
	t.Helper()
	store := NewMemoryStore()
	for _, rc := range radios {
		require.NoError(t, store.CreateRadio(rc))
	}
	bus := events.NewBus()
	r := NewRouter(store, testConfig(), bus, nil, nil)
	t.Cleanup(r.Close)
	return r, store, bus
}

func TestDeleteOnlyRadio(t *testing.T) {
	r, store, _ := newRouter(t, protocol.RadioConfig{ID: "a", Name: "A", Host: "127.0.0.1", Port: 9205, Enabled: true})

	err := r.DeleteRadio("a")
	if !errors.Is(err, protocol.ErrConfigInvariantViolation) {
		t.Fatalf("Expected ErrConfigInvariantViolation, got %v", err)
	}
	radios, _ := store.ListRadios()
	assert.Len(t, radios, 1)

	err = store.DeleteRadio("a")
	assert.ErrorIs(t, err, protocol.ErrConfigInvariantViolation)

	assert.ErrorIs(t, r.DeleteRadio("missing"), protocol.ErrRadioNotFound)
}

func TestSeed(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, Seed(store, config.Default()))
	radios, _ := store.ListRadios()
	require.Len(t, radios, 1)
	assert.Equal(t, "Default K4", radios[0].Name)
	assert.NotEmpty(t, radios[0].ID)

	// a populated store is left alone
	require.NoError(t, Seed(store, config.Default()))
	radios, _ = store.ListRadios()
	assert.Len(t, radios, 1)
}

func TestAddRadioValidation(t *testing.T) {
	r, _, _ := newRouter(t)

	_, err := r.AddRadio(protocol.RadioConfig{Name: "No Host"})
	assert.ErrorIs(t, err, protocol.ErrInvalidCommandValue)

	rc, err := r.AddRadio(protocol.RadioConfig{Name: "Shack", Host: "10.0.0.5", Enabled: true})
	require.NoError(t, err)
	assert.NotEmpty(t, rc.ID)
	assert.Equal(t, 9205, rc.Port)

	rc.Description = "upstairs"
	_, err = r.UpdateRadio(rc)
	require.NoError(t, err)
	got, _ := r.Radio(rc.ID)
	assert.Equal(t, "upstairs", got.Description)
}

func TestActivate(t *testing.T) {
	fakeA, fakeB := startFake(t), startFake(t)
	r, store, _ := newRouter(t, fakeA.Config("a"), fakeB.Config("b"))
	ctx := context.Background()

	_, err := r.Activate(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", r.ActiveID())
	genA := r.Active().Generation()

	_, err = r.Activate(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", r.ActiveID())
	assert.True(t, fakeA.WaitFor(func() bool { return strings.Contains(fakeA.Text(), "RX;") }, time.Second),
		"Expected the old radio to be released with RX;")
	assert.False(t, r.Accepts(genA), "events from the replaced session must be rejected")
	assert.True(t, r.Accepts(r.Active().Generation()))

	id, _ := store.ActiveID()
	assert.Equal(t, "b", id)
	rc, _ := store.GetRadio("b")
	require.NotNil(t, rc.LastConnected)

	t.Run("Deleting Active Radio Deactivates", func(t *testing.T) {
		require.NoError(t, r.DeleteRadio("b"))
		assert.Nil(t, r.Active())
		id, _ := store.ActiveID()
		assert.Equal(t, "", id)
	})
}

func TestActivateFailureKeepsPrevious(t *testing.T) {
	fakeA := startFake(t)
	dead := startFake(t)
	deadCfg := dead.Config("dead")
	dead.Close()

	r, store, _ := newRouter(t, fakeA.Config("a"), deadCfg)
	ctx := context.Background()

	_, err := r.Activate(ctx, "a")
	require.NoError(t, err)

	_, err = r.Activate(ctx, "dead")
	require.Error(t, err)

	assert.Equal(t, "a", r.ActiveID())
	require.NotNil(t, r.Active())
	assert.Equal(t, protocol.StateConnected, r.Active().State())
	assert.Equal(t, 2, fakeA.Accepts(), "Expected the previous radio to be reconnected")
	id, _ := store.ActiveID()
	assert.Equal(t, "a", id)
}

func TestActivateFailureWithPreviousGone(t *testing.T) {
	fakeA := startFake(t)
	dead := startFake(t)
	deadCfg := dead.Config("dead")
	dead.Close()

	r, store, _ := newRouter(t, fakeA.Config("a"), deadCfg)
	ctx := context.Background()

	_, err := r.Activate(ctx, "a")
	require.NoError(t, err)
	fakeA.Close()

	_, err = r.Activate(ctx, "dead")
	require.Error(t, err)

	assert.Nil(t, r.Active())
	assert.Equal(t, "a", r.ActiveID())
	st := r.Status()
	assert.Equal(t, "a", st.ActiveRadio)
	assert.Equal(t, "Failed", st.Connection.Indicator)
	assert.NotEmpty(t, st.Connection.LastError)
	id, _ := store.ActiveID()
	assert.Equal(t, "a", id)

	t.Run("Deactivate Clears", func(t *testing.T) {
		r.Deactivate()
		assert.Equal(t, "", r.ActiveID())
		assert.Equal(t, "Disconnected", r.Status().Connection.Indicator)
	})
}

func TestSwitchDuringReconnect(t *testing.T) {
	fakeA, fakeB := startFake(t), startFake(t)
	r, _, bus := newRouter(t, fakeA.Config("a"), fakeB.Config("b"))
	ctx := context.Background()

	_, err := r.Activate(ctx, "a")
	require.NoError(t, err)
	genA := r.Active().Generation()

	// A keeps failing to reconnect
	fakeA.SetBehavior(radiotest.RejectAuth)
	fakeA.Drop()
	require.True(t, fakeA.WaitFor(func() bool { return fakeA.Accepts() >= 3 }, 2*time.Second))

	sub := bus.Subscribe(1024)
	defer sub.Close()

	_, err = r.Activate(ctx, "b")
	require.NoError(t, err)
	accepts := fakeA.Accepts()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, accepts, fakeA.Accepts(), "Expected A's reconnect loop to be gone")

	for {
		select {
		case ev := <-sub.C:
			if ev.Generation == genA && r.Accepts(ev.Generation) {
				t.Fatalf("Expected %s event from replaced session to be rejected", ev.Kind)
			}
			continue
		default:
		}
		break
	}
}

func TestConcurrentActivation(t *testing.T) {
	fakeA, fakeB := startFake(t), startFake(t)
	r, _, _ := newRouter(t, fakeA.Config("a"), fakeB.Config("b"))

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		id := "a"
		if i%2 == 1 {
			id = "b"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Activate(context.Background(), id); err != nil {
				t.Errorf("Activate %s failed: %v", id, err)
			}
		}()
	}
	wg.Wait()

	active := r.Active()
	require.NotNil(t, active)
	assert.Equal(t, protocol.StateConnected, active.State())
	assert.Equal(t, r.generation.Load(), active.Generation(), "Expected the last session built to be active")
	assert.Contains(t, []string{"a", "b"}, r.ActiveID())
}

func TestStatus(t *testing.T) {
	fakeA := startFake(t)
	r, _, _ := newRouter(t, fakeA.Config("a"))

	st := r.Status()
	assert.Equal(t, "Disconnected", st.Connection.Indicator)

	require.NoError(t, r.Restore(context.Background()))
	st = r.Status()
	assert.Equal(t, "a", st.ActiveRadio)
	assert.Equal(t, "Connected", st.Connection.Indicator)
	assert.Equal(t, "raw16", st.AudioMode)

	r.Deactivate()
	assert.Equal(t, "", r.ActiveID())
}
