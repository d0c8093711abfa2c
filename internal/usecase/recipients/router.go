package recipients

import (
	"context"
	"fmt"

	"forum-digest/internal/domain"
)

// Route: куда направить уведомление.
type Route int

const (
	RouteImmediate Route = iota
	RouteDigest
)

func (r Route) String() string {
	if r == RouteDigest {
		return "digest"
	}
	return "immediate"
}

// Decision: результат маршрутизации пары (пользователь, пост).
type Decision struct {
	Route Route
	Mode  domain.DigestMode
}

// ParseForceMode разбирает политику принудительного дайджеста.
// Пустая строка отключает политику.
func ParseForceMode(v string) (domain.DigestMode, error) {
	switch v {
	case "", "off", "none":
		return domain.DigestDefault, nil
	case "full":
		return domain.DigestFull, nil
	case "subjects":
		return domain.DigestSubjects, nil
	default:
		return domain.DigestDefault, fmt.Errorf("неизвестный режим дайджеста %q", v)
	}
}

// Router решает, отправить уведомление сразу или положить в очередь дайджеста.
type Router struct {
	cache  *RunCache
	queue  domain.DigestQueueStore
	clock  domain.Clock
	forced domain.DigestMode
}

// NewRouter создаёт маршрутизатор. forced = domain.DigestDefault отключает политику.
func NewRouter(cache *RunCache, queue domain.DigestQueueStore, clock domain.Clock, forced domain.DigestMode) *Router {
	return &Router{cache: cache, queue: queue, clock: clock, forced: forced}
}

// Mode возвращает режим доставки: политика сайта, настройка форума,
// настройка пользователя и, наконец, мгновенная отправка.
func (r *Router) Mode(ctx context.Context, forumID int64, user domain.UserStub) (domain.DigestMode, error) {
	if r.forced.IsDigest() {
		return r.forced, nil
	}
	mode, found, err := r.cache.DigestPreference(ctx, forumID, user.ID)
	if err != nil {
		return domain.DigestNone, err
	}
	if found {
		return mode, nil
	}
	if user.MailDigest.IsDigest() {
		return user.MailDigest, nil
	}
	return domain.DigestNone, nil
}

// Route определяет маршрут. Для дайджеста запись очереди создаётся здесь же,
// идемпотентно по (пользователь, пост).
func (r *Router) Route(ctx context.Context, post domain.Post, discussion domain.Discussion, user domain.UserStub) (Decision, error) {
	mode, err := r.Mode(ctx, discussion.ForumID, user)
	if err != nil {
		return Decision{}, err
	}
	if !mode.IsDigest() {
		return Decision{Route: RouteImmediate, Mode: mode}, nil
	}
	entry := domain.DigestQueueEntry{
		UserID:       user.ID,
		ForumID:      discussion.ForumID,
		DiscussionID: discussion.ID,
		PostID:       post.ID,
		QueuedAt:     r.clock.Now(),
	}
	if err := r.queue.UpsertQueueEntry(ctx, entry); err != nil {
		return Decision{}, fmt.Errorf("постановка поста %d в дайджест: %w", post.ID, err)
	}
	return Decision{Route: RouteDigest, Mode: mode}, nil
}
