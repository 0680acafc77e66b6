package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// User is the signed-in principal of a connection.
type User struct {
	ID        string
	SessionID string
	ExpiresAt time.Time
}

// Change describes a sign-in state transition.
type Change struct {
	User     User
	SignedIn bool
	// Reason is one of "sign_in", "refresh", "sign_out", "revoked" and "expired".
	Reason string
}

// Session is the per-connection signed-in state.
//
// Concurrency guarantees:
//   - All methods are safe for concurrent use.
//   - Subscribers are called outside the lock, on the goroutine that caused
//     the transition (the expiry timer's goroutine for "expired").
type Session struct {
	verifier Verifier
	revoked  Revocations
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	user    User
	in      bool
	expiry  *time.Timer
	nextSub uint64
	subs    map[uint64]func(Change)
	closed  bool
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRevocations makes SignIn reject tokens whose session was revoked.
func WithRevocations(r Revocations) Option {
	return func(s *Session) {
		s.revoked = r
	}
}

// New constructs a signed-out Session.
func New(v Verifier, log *slog.Logger, opts ...Option) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		verifier: v,
		log:      log,
		now:      time.Now,
		subs:     make(map[uint64]func(Change)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// User returns the signed-in user, if any.
func (s *Session) User() (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.in
}

// SignIn verifies token and signs its user in.
//
// Presenting a fresh token for the already signed-in user is a refresh and
// only extends expiry. A token for a different user is rejected with
// ErrUserMismatch; the caller must SignOut first. A token whose session is
// on the deny list fails with ErrSessionRevoked.
func (s *Session) SignIn(ctx context.Context, token string) (User, error) {
	now := s.now()
	claims, err := s.verifier.Verify(token, now)
	if err != nil {
		return User{}, err
	}
	if s.revoked != nil && claims.SessionID != "" {
		revoked, err := s.revoked.Revoked(ctx, claims.SessionID)
		if err != nil {
			return User{}, fmt.Errorf("session: revocation lookup: %w", err)
		}
		if revoked {
			s.log.Info("session.sign_in.revoked", "user_id", claims.UserID, "session_id", claims.SessionID)
			return User{}, ErrSessionRevoked
		}
	}

	u := User{ID: claims.UserID, SessionID: claims.SessionID, ExpiresAt: claims.ExpiresAt}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return User{}, ErrInvalidToken
	}
	reason := "sign_in"
	if s.in {
		if s.user.ID != u.ID {
			s.mu.Unlock()
			return User{}, ErrUserMismatch
		}
		reason = "refresh"
	}
	s.user, s.in = u, true
	s.armExpiryLocked(u.ExpiresAt.Sub(now))
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	s.log.Info("session.sign_in", "user_id", u.ID, "session_id", u.SessionID, "reason", reason)
	s.notify(subs, Change{User: u, SignedIn: true, Reason: reason})
	return u, nil
}

// SignOut clears the signed-in user. It is a no-op when signed out.
func (s *Session) SignOut() {
	s.signOut("sign_out")
}

// Revoke lists the signed-in token session on the deny list and signs out.
// Without a deny list, or for tokens that carry no session id, it only signs out.
func (s *Session) Revoke(ctx context.Context, reason string) error {
	u, ok := s.User()
	if !ok {
		return nil
	}
	if s.revoked != nil && u.SessionID != "" {
		err := s.revoked.Revoke(ctx, Revocation{
			SessionID: u.SessionID,
			UserID:    u.ID,
			RevokedAt: s.now().UTC(),
			Reason:    reason,
		})
		if err != nil {
			return fmt.Errorf("session: revoke: %w", err)
		}
	}
	s.signOut("revoked")
	return nil
}

func (s *Session) signOut(reason string) {
	s.mu.Lock()
	if !s.in {
		s.mu.Unlock()
		return
	}
	prev := s.user
	s.user, s.in = User{}, false
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	s.log.Info("session.sign_out", "user_id", prev.ID, "reason", reason)
	s.notify(subs, Change{User: prev, SignedIn: false, Reason: reason})
}

// Subscribe registers fn for every later transition. The returned cancel
// is idempotent.
func (s *Session) Subscribe(fn func(Change)) (cancel func()) {
	if fn == nil {
		return func() {}
	}

	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Close stops the expiry timer and drops all subscribers.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	s.subs = make(map[uint64]func(Change))
}

func (s *Session) armExpiryLocked(d time.Duration) {
	if s.expiry != nil {
		s.expiry.Stop()
	}
	if d <= 0 {
		d = time.Millisecond
	}
	uid := s.user.ID
	exp := s.user.ExpiresAt
	s.expiry = time.AfterFunc(d, func() {
		s.mu.Lock()
		// A refresh may have raced this timer.
		stale := !s.in || s.user.ID != uid || !s.user.ExpiresAt.Equal(exp)
		s.mu.Unlock()
		if stale {
			return
		}
		s.signOut("expired")
	})
}

func (s *Session) snapshotSubsLocked() []func(Change) {
	out := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}

func (s *Session) notify(subs []func(Change), c Change) {
	for _, fn := range subs {
		fn(c)
	}
}
