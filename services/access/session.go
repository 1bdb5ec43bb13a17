package access

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/repositories"
	"github.com/upb/backoffice-authz/services"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrPrincipalLoading is returned when the caller stops waiting before the
// principal finished loading
var ErrPrincipalLoading = errors.New("principal is still loading")

// Session holds one principal snapshot. Replace publishes a new snapshot
// wholesale; readers get the pointer and must treat it as read-only.
type Session struct {
	current atomic.Pointer[models.Principal]
}

// Replace publishes principal
func (s *Session) Replace(principal *models.Principal) {
	s.current.Store(principal)
}

// Clear drops the snapshot
func (s *Session) Clear() {
	s.current.Store(nil)
}

// Snapshot returns the published principal or nil
func (s *Session) Snapshot() *models.Principal {
	return s.current.Load()
}

// PrincipalLoader builds a principal from storage
type PrincipalLoader interface {
	LoadPrincipal(ctx context.Context, userID uuid.UUID) (*models.Principal, error)
}

// flight tracks a load so Clear can fence it off
type flight struct {
	stale bool
}

// Sessions caches one Session per user. Concurrent loads of a user collapse
// into one, and a load that was cleared while in flight is returned to its
// callers but never published.
type Sessions struct {
	loader PrincipalLoader
	logger *zap.Logger
	group  singleflight.Group

	mu       sync.Mutex
	sessions *expirable.LRU[uuid.UUID, *Session]
	inflight map[uuid.UUID]*flight
}

// NewSessions creates a registry keeping up to size sessions for ttl each
func NewSessions(loader PrincipalLoader, size int, ttl time.Duration, logger *zap.Logger) *Sessions {
	if size <= 0 {
		size = 1024
	}
	return &Sessions{
		loader:   loader,
		logger:   logger,
		sessions: expirable.NewLRU[uuid.UUID, *Session](size, nil, ttl),
		inflight: make(map[uuid.UUID]*flight),
	}
}

// Get returns the cached principal for userID, loading it on a miss
func (s *Sessions) Get(ctx context.Context, userID uuid.UUID) (*models.Principal, error) {
	if session, ok := s.sessions.Get(userID); ok {
		if principal := session.Snapshot(); principal != nil {
			return principal, nil
		}
	}

	ch := s.group.DoChan(userID.String(), func() (interface{}, error) {
		return s.load(context.WithoutCancel(ctx), userID)
	})
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrPrincipalLoading
		}
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Principal), nil
	}
}

func (s *Sessions) load(ctx context.Context, userID uuid.UUID) (*models.Principal, error) {
	f := &flight{}
	s.mu.Lock()
	s.inflight[userID] = f
	s.mu.Unlock()

	principal, err := s.loader.LoadPrincipal(ctx, userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[userID] == f {
		delete(s.inflight, userID)
	}
	if err != nil {
		return nil, err
	}
	if f.stale {
		s.logger.Debug("discarding principal cleared during load", zap.String("user_id", userID.String()))
		return principal, nil
	}

	session, ok := s.sessions.Get(userID)
	if !ok {
		session = &Session{}
		s.sessions.Add(userID, session)
	}
	session.Replace(principal)
	return principal, nil
}

// Clear drops the sessions of userIDs so the next request reloads them
func (s *Sessions) Clear(userIDs ...uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range userIDs {
		if f, ok := s.inflight[id]; ok {
			f.stale = true
		}
		s.group.Forget(id.String())
		if session, ok := s.sessions.Peek(id); ok {
			session.Clear()
		}
		s.sessions.Remove(id)
	}
}

// Len returns the number of cached sessions
func (s *Sessions) Len() int {
	return s.sessions.Len()
}

// StoreLoader loads principals from the user and grant repositories
type StoreLoader struct {
	users  repositories.UserRepository
	grants repositories.GrantRepository
	now    func() time.Time
}

// NewStoreLoader creates a StoreLoader
func NewStoreLoader(users repositories.UserRepository, grants repositories.GrantRepository) *StoreLoader {
	return &StoreLoader{users: users, grants: grants, now: time.Now}
}

// LoadPrincipal returns the user with its live roles. An unknown user is
// unauthenticated.
func (l *StoreLoader) LoadPrincipal(ctx context.Context, userID uuid.UUID) (*models.Principal, error) {
	user, err := l.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.NewDomainError(services.ErrorTypeUnauthenticated, "unknown user", err)
		}
		return nil, services.WrapInternal("failed to load user", err)
	}

	roles, err := l.grants.PrincipalRoles(ctx, userID, l.now())
	if err != nil {
		return nil, services.WrapInternal(fmt.Sprintf("failed to load roles of user %s", userID), err)
	}
	return &models.Principal{User: *user, Roles: roles}, nil
}
