package hand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hand-rehab/store"
)

// Keys written by the persistence loop.
const (
	// HistoryKey holds the raw per-channel samples.
	HistoryKey = "flex-hand-angles"
	// sessionKeyPrefix prefixes per-session summaries.
	sessionKeyPrefix = "session/"
)

// DefaultPersistInterval is how often signals are saved.
const DefaultPersistInterval = 2 * time.Second

// SessionRecord summarizes a session for the analytics view.
type SessionRecord struct {
	SessionID string    `json:"session_id"`
	SavedAt   time.Time `json:"saved_at"`
	Signals   []float64 `json:"signals"`
	Reps      []int     `json:"reps"`
	Samples   int       `json:"samples"`
	Drops     int       `json:"drops"`
}

// Save writes the signal vector under store.SignalsKey, the sample history
// under HistoryKey and a session summary. Every write is attempted; the
// errors are joined. Nothing is written before the first sample, so an idle
// run never replaces stored thresholds with zeros.
func (h *Hand) Save(ctx context.Context, st store.Store) error {
	state := h.State()
	if state.Samples == 0 {
		return nil
	}
	var errs []error

	if raw, err := json.Marshal(state.Signals); err == nil {
		if err := st.Put(ctx, store.SignalsKey, raw); err != nil {
			errs = append(errs, err)
		}
	} else {
		errs = append(errs, err)
	}

	if raw, err := json.Marshal(h.History()); err == nil {
		if err := st.Put(ctx, HistoryKey, raw); err != nil {
			errs = append(errs, err)
		}
	} else {
		errs = append(errs, err)
	}

	rec := SessionRecord{
		SessionID: state.SessionID,
		SavedAt:   h.now().UTC(),
		Signals:   state.Signals,
		Reps:      state.Reps,
		Samples:   state.Samples,
		Drops:     state.Drops,
	}
	if raw, err := json.Marshal(rec); err == nil {
		if err := st.Put(ctx, sessionKeyPrefix+state.SessionID, raw); err != nil {
			errs = append(errs, err)
		}
	} else {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RunPersistence saves every interval until ctx is done. Failures are
// logged and otherwise ignored.
func (h *Hand) RunPersistence(ctx context.Context, st store.Store, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPersistInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Save(ctx, st); err != nil {
				h.log.WithError(err).Warn("Hand: Persisting signals failed")
			}
		}
	}
}

// LoadThresholds reads previously persisted signals and uses them as the
// press thresholds.
func (h *Hand) LoadThresholds(ctx context.Context, st store.Store) ([]float64, error) {
	raw, err := st.Get(ctx, store.SignalsKey)
	if err != nil {
		return nil, err
	}
	var thresholds []float64
	if err := json.Unmarshal(raw, &thresholds); err != nil {
		return nil, fmt.Errorf("decode %s: %w", store.SignalsKey, err)
	}
	h.SetThresholds(thresholds)
	h.log.WithField("thresholds", thresholds).Info("Hand: Press thresholds loaded")
	return thresholds, nil
}
