package mailing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"forum-digest/internal/domain"
	"forum-digest/internal/infra/metrics"
	"forum-digest/internal/usecase/recipients"
)

// Window: временное окно выборки постов.
type Window struct {
	Start time.Time
	End   time.Time
	Now   time.Time
}

// ComputeWindow: посты моложе периода редактирования ещё не рассылаются,
// а старше окна догоняния уже не рассылаются.
func ComputeWindow(now time.Time, editGrace, lookback time.Duration) Window {
	end := now.Add(-editGrace)
	return Window{Start: end.Add(-lookback), End: end, Now: now}
}

// Qualifies проверяет, должен ли пост попасть в текущий проход.
// d может быть nil, если обсуждение не найдено.
func Qualifies(p domain.Post, d *domain.Discussion, w Window, timedPosts bool) bool {
	if p.MailState != domain.MailPending {
		return false
	}
	inRange := !p.CreatedAt.Before(w.Start) && !p.CreatedAt.After(w.End)
	opened := false
	if timedPosts && d != nil && !d.TimeStart.IsZero() {
		opened = !d.TimeStart.Before(w.Start) && !d.TimeStart.After(w.Now)
	}
	if !inRange && !p.SendImmediately && !opened {
		return false
	}
	if timedPosts && !p.SendImmediately && d != nil && !d.InWindow(w.Now) {
		return false
	}
	return true
}

// Selected: захваченный пост с разрешённым контекстом.
type Selected struct {
	Post    domain.Post
	Context recipients.Context
}

// Selection: результат выборки.
type Selection struct {
	Posts []Selected
	// Dropped: захваченные посты без обсуждения, форума, курса или активности.
	Dropped []int64
	// Failed: захваченные посты, контекст которых не удалось прочитать.
	Failed []int64
}

// Selector выбирает посты для рассылки и захватывает их до отправки.
type Selector struct {
	posts domain.PostStore
	cache *recipients.RunCache
	log   zerolog.Logger
}

// NewSelector создаёт селектор.
func NewSelector(posts domain.PostStore, cache *recipients.RunCache, logger zerolog.Logger) *Selector {
	return &Selector{posts: posts, cache: cache, log: logger}
}

// SelectPendingPosts выбирает подходящие посты и переводит их Pending→Sent одной
// транзакцией. Обрабатываются только посты, которые перевёл именно этот вызов.
func (s *Selector) SelectPendingPosts(ctx context.Context, now time.Time, editGrace, lookback time.Duration, timedPosts bool) (Selection, error) {
	w := ComputeWindow(now, editGrace, lookback)
	candidates, err := s.posts.ListPendingPosts(ctx, domain.PendingPostQuery{Start: w.Start, End: w.End, Now: now, TimedPosts: timedPosts})
	if err != nil {
		return Selection{}, fmt.Errorf("выборка постов: %w", err)
	}

	byID := make(map[int64]domain.PostWithDiscussion, len(candidates))
	ids := make([]int64, 0, len(candidates))
	for _, c := range candidates {
		if !Qualifies(c.Post, c.Discussion, w, timedPosts) {
			continue
		}
		byID[c.Post.ID] = c
		ids = append(ids, c.Post.ID)
	}

	claimed, err := s.posts.ClaimPosts(ctx, ids, w.Start, now, timedPosts)
	if err != nil {
		return Selection{}, fmt.Errorf("захват постов: %w", err)
	}
	metrics.PostsSelected.Add(float64(len(claimed)))
	if skipped := len(ids) - len(claimed); skipped > 0 {
		s.log.Info().Int("skipped", skipped).Msg("mailing: posts already claimed by another run")
	}

	var out Selection
	for _, id := range claimed {
		c := byID[id]
		c.Post.MailState = domain.MailSent
		s.cache.PutPost(c.Post)
		if c.Discussion != nil {
			s.cache.PutDiscussion(*c.Discussion)
		}
		pc, err := s.cache.Resolve(ctx, c.Post)
		if err != nil {
			var missing *domain.MissingEntityError
			if errors.As(err, &missing) {
				s.log.Warn().Int64("post", id).Str("kind", missing.Kind).Int64("id", missing.ID).Msg("mailing: post dropped, entity not found")
				metrics.PostsDropped.WithLabelValues(missing.Kind).Inc()
				out.Dropped = append(out.Dropped, id)
				continue
			}
			s.log.Error().Err(err).Int64("post", id).Msg("mailing: resolve post context")
			metrics.PostsDropped.WithLabelValues("error").Inc()
			out.Failed = append(out.Failed, id)
			continue
		}
		out.Posts = append(out.Posts, Selected{Post: c.Post, Context: pc})
	}
	return out, nil
}
