package highlight

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"markd/internal/kv"
	"markd/internal/mark"
)

// scheduleSave arms the debounce timer, replacing any armed one.
func (h *Highlighter) scheduleSave() {
	h.pending = true
	if h.cancelSave != nil {
		h.cancelSave()
	}
	h.cancelSave = h.sched.After(h.opts.SaveDebounce, h.fireSave)
}

func (h *Highlighter) stopSave() {
	if h.cancelSave != nil {
		h.cancelSave()
		h.cancelSave = nil
	}
	h.pending = false
}

// Pending reports whether a save is armed or waiting behind a write.
func (h *Highlighter) Pending() bool {
	return h.pending || h.writing
}

func (h *Highlighter) fireSave() {
	h.cancelSave = nil
	if !h.pending {
		return
	}
	if h.writing {
		h.rearm = true
		return
	}
	h.pending = false
	if h.loadErr != nil {
		h.log.Warn("save skipped", "error", h.loadErr, "records", len(h.records))
		h.metrics.Saves.WithLabelValues("skipped").Inc()
		return
	}
	h.writing = true

	seq, snapshot := h.snapshot()
	h.sched.Go(func() {
		err := h.write(context.Background(), seq, snapshot, true)
		h.sched.Post(func() { h.written(err) })
	})
}

func (h *Highlighter) written(err error) {
	if errors.Is(err, kv.ErrQuotaExceeded) {
		h.evict()
		seq, snapshot := h.snapshot()
		h.sched.Go(func() {
			err := h.write(context.Background(), seq, snapshot, false)
			h.sched.Post(func() { h.finish(err) })
		})
		return
	}
	h.finish(err)
}

func (h *Highlighter) finish(err error) {
	h.writing = false
	if err != nil {
		h.log.Warn("save failed", "error", err, "records", len(h.records))
	}
	if h.rearm {
		h.rearm = false
		h.scheduleSave()
	}
}

func (h *Highlighter) snapshot() (uint64, []Record) {
	h.seq++
	return h.seq, h.Records()
}

// write persists recs unless a newer snapshot has already been written.
// With checkQuota set, a store above the quota threshold is reported as
// kv.ErrQuotaExceeded without writing.
func (h *Highlighter) write(ctx context.Context, seq uint64, recs []Record, checkQuota bool) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if seq <= h.lastWritten {
		return nil
	}

	if checkQuota && !h.hasSpace(ctx) {
		h.metrics.Saves.WithLabelValues("quota").Inc()
		return kv.ErrQuotaExceeded
	}

	data, err := h.codec.Marshal(recs)
	if err != nil {
		h.metrics.Saves.WithLabelValues("error").Inc()
		return fmt.Errorf("encode %d records: %w", len(recs), err)
	}

	t := h.metrics.SaveTimer()
	err = h.store.Set(ctx, h.key, data)
	t.ObserveDuration()
	switch {
	case errors.Is(err, kv.ErrQuotaExceeded):
		h.metrics.Saves.WithLabelValues("quota").Inc()
		return err
	case err != nil:
		h.metrics.Saves.WithLabelValues("error").Inc()
		return fmt.Errorf("set %s: %w", h.key, err)
	}
	h.lastWritten = seq
	h.metrics.Saves.WithLabelValues("ok").Inc()
	return nil
}

// hasSpace reports whether usage is below the quota threshold. Unknown
// usage or capacity counts as space available.
func (h *Highlighter) hasSpace(ctx context.Context) bool {
	used, capacity, err := h.store.BytesInUse(ctx)
	if err != nil {
		h.log.Debug("usage query failed", "error", err)
		return true
	}
	h.metrics.StorageUsed.Set(float64(used))
	if capacity <= 0 {
		return true
	}
	return float64(used) < float64(capacity)*h.opts.QuotaThreshold
}

// evict keeps the newest RetentionCap records, ordered by creation time,
// and removes the markers of the rest.
func (h *Highlighter) evict() {
	limit := h.opts.RetentionCap
	if limit <= 0 || len(h.records) <= limit {
		return
	}
	sorted := h.Records()
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt < sorted[j].CreatedAt })

	drop := sorted[:len(sorted)-limit]
	for _, r := range drop {
		mark.Remove(h.root, r.ID)
		h.index.Invalidate(r.ID)
		if h.focused == r.ID {
			h.clearFocus()
		}
	}
	h.records = sorted[len(sorted)-limit:]

	h.metrics.Evicted.Add(float64(len(drop)))
	h.metrics.HighlightsRemoved.WithLabelValues("evict").Add(float64(len(drop)))
	h.log.Info("evicted oldest highlights", "removed", len(drop), "kept", len(h.records))
}

// Flush writes the collection synchronously if a save is pending. It is
// meant for teardown and runs on the calling thread.
func (h *Highlighter) Flush(ctx context.Context) error {
	if !h.pending && !h.rearm {
		return nil
	}
	h.stopSave()
	h.rearm = false
	if h.loadErr != nil {
		return fmt.Errorf("%w: %w", ErrLoadFailed, h.loadErr)
	}

	seq, snapshot := h.snapshot()
	err := h.write(ctx, seq, snapshot, true)
	if errors.Is(err, kv.ErrQuotaExceeded) {
		h.evict()
		seq, snapshot = h.snapshot()
		err = h.write(ctx, seq, snapshot, false)
	}
	return err
}
