package comments

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// saver rewrites the data file in the background. Mutations request a write
// through a one-slot trigger channel, so bursts coalesce into a single
// rewrite of the full snapshot. Write failures are logged and dropped; the
// in-memory store stays authoritative either way.
type saver struct {
	path     string
	guard    time.Duration
	now      func() time.Time
	snapshot func() ([]byte, error)

	mu        sync.Mutex
	lastWrite time.Time

	trigger  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newSaver(path string, guard time.Duration, now func() time.Time, snapshot func() ([]byte, error)) *saver {
	s := &saver{
		path:     path,
		guard:    guard,
		now:      now,
		snapshot: snapshot,
		trigger:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// schedule requests a write without blocking. A request arriving while one
// is already queued folds into it.
func (s *saver) schedule() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// recentlyWrote reports whether the saver wrote the file within the guard
// window before now. Reload uses this to tell the store's own writes apart
// from external ones.
func (s *saver) recentlyWrote(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastWrite.IsZero() && now.Sub(s.lastWrite) < s.guard
}

// stop shuts the loop down, flushing one last write if a request is queued.
// Safe to call more than once.
func (s *saver) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *saver) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			select {
			case <-s.trigger:
				s.save()
			default:
			}
			return
		case <-s.trigger:
			s.save()
		}
	}
}

func (s *saver) save() {
	data, err := s.snapshot()
	if err != nil {
		log.Error().Err(err).Msg("encode comment snapshot failed")
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("create data dir failed")
		return
	}
	// Stamp before writing so a watcher that sees the write mid-flight is
	// already inside the guard window.
	s.mu.Lock()
	s.lastWrite = s.now()
	s.mu.Unlock()
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("persist comments failed")
		return
	}
	log.Debug().Str("path", s.path).Int("bytes", len(data)).Msg("comments persisted")
}
