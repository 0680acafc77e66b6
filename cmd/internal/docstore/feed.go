package docstore

import (
	"log/slog"
	"sync"

	"frugalgpt/cmd/internal/chat"
)

// watcher is one live subscription.
//
// Design notes:
//   - Deliveries are coalesced: only the newest pending record is kept, so a
//     slow consumer never blocks a writer and never sees versions go backwards.
//   - A single goroutine per watcher runs the callbacks, so they never overlap.
//   - close is idempotent.
type watcher struct {
	id       uint64
	identity string
	onChange func(chat.Conversation)
	onError  func(error)

	mu         sync.Mutex
	pending    *chat.Conversation
	pendingErr error
	delivered  int64

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newWatcher(id uint64, identity string, onChange func(chat.Conversation), onError func(error)) *watcher {
	if onChange == nil {
		onChange = func(chat.Conversation) {}
	}
	if onError == nil {
		onError = func(error) {}
	}
	w := &watcher{
		id:       id,
		identity: identity,
		onChange: onChange,
		onError:  onError,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *watcher) offer(rec chat.Conversation) {
	w.mu.Lock()
	if rec.Version <= w.delivered || (w.pending != nil && rec.Version <= w.pending.Version) {
		w.mu.Unlock()
		return
	}
	cp := rec.Clone()
	w.pending = &cp
	w.mu.Unlock()
	w.signal()
}

func (w *watcher) fail(err error) {
	w.mu.Lock()
	w.pendingErr = err
	w.mu.Unlock()
	w.signal()
}

func (w *watcher) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}

		w.mu.Lock()
		rec, err := w.pending, w.pendingErr
		w.pending, w.pendingErr = nil, nil
		if rec != nil {
			w.delivered = rec.Version
		}
		w.mu.Unlock()

		// Skip callbacks for a watcher that closed while we were waiting.
		select {
		case <-w.done:
			return
		default:
		}

		if rec != nil {
			w.onChange(*rec)
		}
		if err != nil {
			w.onError(err)
		}
	}
}

func (w *watcher) close() {
	w.closeOnce.Do(func() { close(w.done) })
}

// feeds is the in-process membership + fanout of watchers per identity.
//
// Concurrency guarantees:
//   - join/leave are safe under concurrent publish.
//   - publish never blocks on a consumer.
type feeds struct {
	log *slog.Logger

	mu      sync.RWMutex
	nextID  uint64
	members map[string]map[uint64]*watcher
}

func newFeeds(log *slog.Logger) *feeds {
	if log == nil {
		log = slog.Default()
	}
	return &feeds{log: log, members: make(map[string]map[uint64]*watcher)}
}

func (f *feeds) join(identity string, onChange func(chat.Conversation), onError func(error)) *watcher {
	f.mu.Lock()
	f.nextID++
	w := newWatcher(f.nextID, identity, onChange, onError)
	set := f.members[identity]
	if set == nil {
		set = make(map[uint64]*watcher)
		f.members[identity] = set
	}
	set[w.id] = w
	f.mu.Unlock()

	f.log.Debug("docstore.feed.join", "identity", identity, "watcher_id", w.id)
	return w
}

// leave removes w from membership, then stops it.
func (f *feeds) leave(w *watcher) {
	if w == nil {
		return
	}
	f.mu.Lock()
	if set := f.members[w.identity]; set != nil {
		delete(set, w.id)
		if len(set) == 0 {
			delete(f.members, w.identity)
		}
	}
	f.mu.Unlock()

	w.close()
	f.log.Debug("docstore.feed.leave", "identity", w.identity, "watcher_id", w.id)
}

func (f *feeds) publish(rec chat.Conversation) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, w := range f.members[rec.Identity] {
		w.offer(rec)
	}
}

func (f *feeds) fail(identity string, err error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, w := range f.members[identity] {
		w.fail(err)
	}
}

func (f *feeds) failAll(err error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, set := range f.members {
		for _, w := range set {
			w.fail(err)
		}
	}
}

func (f *feeds) identities() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.members))
	for id := range f.members {
		out = append(out, id)
	}
	return out
}

func (f *feeds) closeAll() {
	f.mu.Lock()
	all := f.members
	f.members = make(map[string]map[uint64]*watcher)
	f.mu.Unlock()

	for _, set := range all {
		for _, w := range set {
			w.close()
		}
	}
}

// unsubscribeFunc wraps leave in a sync.Once.
func (f *feeds) unsubscribeFunc(w *watcher) Unsubscribe {
	var once sync.Once
	return func() { once.Do(func() { f.leave(w) }) }
}
