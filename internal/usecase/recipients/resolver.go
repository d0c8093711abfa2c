package recipients

import (
	"context"
	"sync"

	"forum-digest/internal/domain"
)

// Resolver вычисляет кандидатов в получатели по состоянию подписок.
// Видимость здесь не проверяется, этим занимается Filter.
type Resolver struct {
	cache *RunCache

	mu       sync.Mutex
	resolved map[int64][]int64
}

// NewResolver создаёт резолвер поверх кэша прохода.
func NewResolver(cache *RunCache) *Resolver {
	return &Resolver{cache: cache, resolved: make(map[int64][]int64)}
}

// ResolveCandidates возвращает отсортированные id кандидатов для обсуждения.
func (r *Resolver) ResolveCandidates(ctx context.Context, forum domain.Forum, discussion domain.Discussion) ([]int64, error) {
	r.mu.Lock()
	ids, ok := r.resolved[discussion.ID]
	r.mu.Unlock()
	if ok {
		return ids, nil
	}

	enrolled, err := r.cache.enrolledUsers(ctx, forum.CourseID)
	if err != nil {
		return nil, err
	}
	overrides, err := r.cache.discussionOverrides(ctx, forum.ID)
	if err != nil {
		return nil, err
	}
	local := overrides[discussion.ID]

	set := make(userSet)
	switch forum.SubscriptionMode {
	case domain.SubscriptionForced:
		for id := range enrolled {
			set[id] = struct{}{}
		}
	case domain.SubscriptionDisallowed:
		for id, since := range local {
			if since != nil {
				set[id] = struct{}{}
			}
		}
	default:
		subs, err := r.cache.forumSubscribers(ctx, forum.ID)
		if err != nil {
			return nil, err
		}
		for id := range subs {
			set[id] = struct{}{}
		}
		for id, since := range local {
			if since != nil {
				set[id] = struct{}{}
			} else {
				delete(set, id)
			}
		}
	}

	for id := range set {
		if _, ok := enrolled[id]; !ok {
			delete(set, id)
		}
	}
	ids = sortedIDs(set)

	r.mu.Lock()
	r.resolved[discussion.ID] = ids
	r.mu.Unlock()
	return ids, nil
}
