// Package autosave provides a debounced, cancellable saver: every change
// restarts a quiet-period timer and bursts of edits coalesce into a single
// trailing write.
package autosave

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/deonneon/ohtani-harada/storage"
)

// DefaultDelay is the quiet period before a scheduled save fires.
const DefaultDelay = 2 * time.Second

// Options configures a Saver.
type Options struct {
	// Delay is the quiescence period; DefaultDelay when zero.
	Delay time.Duration
	// Key is the saver's own storage key, separate from the main matrix
	// keys so the saver can also back draft autosave in editors.
	Key string
	// OnSave is invoked after a successful write with the saved value.
	OnSave func(value any)
	// OnError is invoked when a write fails; the in-memory value stays the
	// source of truth.
	OnError func(err error)
	// Enabled gates scheduling; a disabled saver ignores updates.
	Enabled bool
}

// Saver debounces writes of a changing value to a KV key. All methods are
// safe for concurrent use; the deferred write runs on a timer goroutine.
type Saver struct {
	kv     storage.KV
	opts   Options
	logger *log.Logger

	mu        sync.Mutex
	timer     *time.Timer
	pending   any
	hasPend   bool
	gen       uint64
	savedRaw  []byte
	savedVal  any
	saving    bool
	lastSaved time.Time
}

// New creates a Saver and hydrates its saved state from whatever was last
// written under the same key.
func New(ctx context.Context, kv storage.KV, opts Options, logger *log.Logger) *Saver {
	if kv == nil {
		panic("autosave.New: kv backend is nil")
	}
	if opts.Key == "" {
		panic("autosave.New: storage key is required")
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Saver{kv: kv, opts: opts, logger: logger}

	if raw, err := kv.Get(ctx, opts.Key); err == nil {
		var val any
		if err := sonic.Unmarshal([]byte(raw), &val); err == nil {
			s.savedRaw = []byte(raw)
			s.savedVal = val
		}
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		logger.WithError(err).Warn("autosave hydrate failed")
	}
	return s
}

// Update records a new value and restarts the debounce timer. Values equal
// to the last saved one never schedule a write.
func (s *Saver) Update(value any) {
	if !s.opts.Enabled {
		return
	}
	raw, err := sonic.ConfigStd.Marshal(value)
	if err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes.Equal(raw, s.savedRaw) {
		// Unchanged since the last save; cancel anything pending.
		s.cancelLocked()
		s.hasPend = false
		return
	}
	s.pending = value
	s.hasPend = true
	s.gen++
	s.cancelLocked()
	s.timer = time.AfterFunc(s.opts.Delay, func() {
		_ = s.flush(context.Background())
	})
}

// SaveNow cancels any pending timer and writes the latest value immediately.
func (s *Saver) SaveNow(ctx context.Context) error {
	s.mu.Lock()
	s.cancelLocked()
	s.mu.Unlock()
	return s.flush(ctx)
}

func (s *Saver) flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.hasPend {
		s.mu.Unlock()
		return nil
	}
	value := s.pending
	gen := s.gen
	s.saving = true
	s.mu.Unlock()

	raw, err := sonic.ConfigStd.Marshal(value)
	if err == nil {
		err = s.kv.Set(ctx, s.opts.Key, string(raw))
	}

	s.mu.Lock()
	s.saving = false
	if err != nil {
		s.mu.Unlock()
		s.fail(err)
		return err
	}
	s.savedRaw = raw
	s.savedVal = value
	// An update may have landed while the write was in flight; the pending
	// value is consumed only if it is still the one just written, otherwise
	// the timer that update restarted flushes it next.
	if s.gen == gen {
		s.hasPend = false
	}
	s.lastSaved = time.Now()
	s.mu.Unlock()

	if s.opts.OnSave != nil {
		s.opts.OnSave(value)
	}
	return nil
}

func (s *Saver) fail(err error) {
	s.logger.WithError(err).Warn("autosave failed")
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}

// ClearSaved cancels any pending save and wipes the persisted state.
func (s *Saver) ClearSaved(ctx context.Context) error {
	s.mu.Lock()
	s.cancelLocked()
	s.pending = nil
	s.hasPend = false
	s.savedRaw = nil
	s.savedVal = nil
	s.lastSaved = time.Time{}
	s.mu.Unlock()
	return s.kv.Del(ctx, s.opts.Key)
}

// SavedData returns the last value known to be persisted.
func (s *Saver) SavedData() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savedVal
}

// IsSaving reports whether a write is in flight.
func (s *Saver) IsSaving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saving
}

// LastSaved returns the time of the last successful write, zero if none.
func (s *Saver) LastSaved() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaved
}

// Stop cancels any pending timer without saving.
func (s *Saver) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.hasPend = false
}

func (s *Saver) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
