package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"quanlyshop/backend/internal/cache"
	"quanlyshop/backend/internal/domain"
	"quanlyshop/backend/internal/store"
	"quanlyshop/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

var roleRank = map[string]int{
	domain.RoleStaff:   1,
	domain.RoleManager: 2,
	domain.RoleAdmin:   3,
}

type Service struct {
	repo          store.Repository
	cache         cache.Cache
	defaultBranch string
	autoCashbook  bool
	reportTTL     time.Duration
}

func New(repo store.Repository, c cache.Cache, defaultBranch string, autoCashbook bool, reportTTL time.Duration) *Service {
	if defaultBranch == "" {
		defaultBranch = "chi-nhanh-1"
	}
	if c == nil {
		c = cache.Noop{}
	}
	if reportTTL <= 0 {
		reportTTL = 30 * time.Second
	}
	return &Service{
		repo:          repo,
		cache:         c,
		defaultBranch: defaultBranch,
		autoCashbook:  autoCashbook,
		reportTTL:     reportTTL,
	}
}

func (s *Service) requireRole(ctx context.Context, minRole string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || roleRank[actor.Role] < roleRank[minRole] {
		return actor, fmt.Errorf("%w: %s role required", store.ErrForbidden, minRole)
	}
	return actor, nil
}

// writeBranch resolves the branch a mutating call lands on. Non-admin
// actors are locked to their own branch.
func (s *Service) writeBranch(ctx context.Context, requested string) (string, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return "", store.ErrForbidden
	}
	requested = strings.TrimSpace(requested)
	if actor.Role == domain.RoleAdmin {
		if requested == "" {
			return s.defaultBranch, nil
		}
		return requested, nil
	}
	own := actor.Branch
	if own == "" {
		own = s.defaultBranch
	}
	if requested == "" || strings.EqualFold(requested, own) {
		return own, nil
	}
	return "", fmt.Errorf("%w: branch %s", store.ErrForbidden, requested)
}

// readBranch resolves the branch filter for queries. Admin may query any
// branch (empty means all); everyone else sees only their own.
func (s *Service) readBranch(ctx context.Context, requested string) string {
	actor, ok := ActorFromContext(ctx)
	if ok && actor.Role == domain.RoleAdmin {
		return strings.TrimSpace(requested)
	}
	if actor.Branch != "" {
		return actor.Branch
	}
	return s.defaultBranch
}

func (s *Service) logAudit(ctx context.Context, branch, action, entityType, entityID, detail string) {
	actor, _ := ActorFromContext(ctx)
	entry := domain.ActivityLog{
		ID:            xid.New("log"),
		Branch:        branch,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.repo.CreateActivityLog(ctx, entry); err != nil {
		log.Printf("[service] WARN: failed to write activity log action=%s: %v", action, err)
	}
}

func (s *Service) ActivityLogs(ctx context.Context, branch string, limit int) ([]domain.ActivityLog, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	return s.repo.ListActivityLogs(ctx, strings.TrimSpace(branch), limit)
}

// parseDate accepts YYYY-MM-DD or RFC3339; zero input falls back to now.
func parseDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
