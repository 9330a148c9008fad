package hand

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hand-rehab/analytics"
	"hand-rehab/store"
)

func TestSaveWritesSignalsHistoryAndSession(t *testing.T) {
	picker, char := newStubPicker()
	h, err := New(picker, testOptions())
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))
	char.send(binaryFrame(100, 200, 300, 400, 500))

	st, err := store.OpenFileStore(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, h.Save(ctx, st))

	raw, err := st.Get(ctx, store.SignalsKey)
	require.NoError(t, err)
	var signals []float64
	require.NoError(t, json.Unmarshal(raw, &signals))
	assert.InDeltaSlice(t, []float64{0.6, 1.2, 1.8, 2.4, 3.0}, signals, 1e-9)

	raw, err = st.Get(ctx, HistoryKey)
	require.NoError(t, err)
	assert.JSONEq(t, `[[1],[2],[3],[4],[5]]`, string(raw))

	raw, err = st.Get(ctx, sessionKeyPrefix+h.SessionID())
	require.NoError(t, err)
	var rec SessionRecord
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, h.SessionID(), rec.SessionID)
	assert.Equal(t, 1, rec.Samples)
}

func TestLoadThresholds(t *testing.T) {
	picker, char := newStubPicker()
	h, err := New(picker, testOptions())
	require.NoError(t, err)

	st, err := store.OpenFileStore(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = h.LoadThresholds(ctx, st)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.Put(ctx, store.SignalsKey, []byte(`[3,0,0,0,0]`)))
	th, err := h.LoadThresholds(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 0, 0, 0, 0}, th)
	assert.Equal(t, []float64{3, 0, 0, 0, 0}, h.State().Thresholds)

	var pressed bool
	h.OnPress(func(ev analytics.PressEvent) { pressed = ev.Pressed })
	require.NoError(t, h.Connect(ctx))
	char.send(binaryFrame(200, 0, 0, 0, 0))
	assert.True(t, pressed)
}

type failingStore struct{ store.Store }

func (failingStore) Put(ctx context.Context, key string, value []byte) error {
	return errors.New("disk full")
}

func TestRunPersistenceStopsWithContext(t *testing.T) {
	picker, char := newStubPicker()
	h, err := New(picker, testOptions())
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))
	char.send(binaryFrame(100, 0, 0, 0, 0))

	st, err := store.OpenFileStore(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.RunPersistence(ctx, st, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, err := st.Get(context.Background(), store.SignalsKey)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("persistence loop did not stop")
	}
}

func TestSaveReportsStoreFailures(t *testing.T) {
	picker, char := newStubPicker()
	h, err := New(picker, testOptions())
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))
	char.send(binaryFrame(100, 0, 0, 0, 0))
	assert.ErrorContains(t, h.Save(context.Background(), failingStore{}), "disk full")

	// Failures are logged, never fatal.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	h.RunPersistence(ctx, failingStore{}, 5*time.Millisecond)
}

func TestIdlePersistenceKeepsStoredThresholds(t *testing.T) {
	picker, _ := newStubPicker()
	h, err := New(picker, testOptions())
	require.NoError(t, err)

	st, err := store.OpenFileStore(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, store.SignalsKey, []byte(`[54,54,54,54,54]`)))
	_, err = h.LoadThresholds(ctx, st)
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	h.RunPersistence(runCtx, st, 5*time.Millisecond)
	require.NoError(t, h.Save(ctx, st))

	raw, err := st.Get(ctx, store.SignalsKey)
	require.NoError(t, err)
	assert.JSONEq(t, `[54,54,54,54,54]`, string(raw))
	_, err = st.Get(ctx, sessionKeyPrefix+h.SessionID())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
