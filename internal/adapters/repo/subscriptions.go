package repo

import (
	"context"
	"sort"
	"time"

	"forum-digest/internal/domain"
	"forum-digest/internal/infra/metrics"
)

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func (p *Postgres) listIDs(ctx context.Context, op, table, query string, arg int64) ([]int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, arg)
	metrics.ObserveNetworkRequest("postgres", op, table, start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListEnrolledUsers возвращает активных участников курса.
func (p *Postgres) ListEnrolledUsers(ctx context.Context, courseID int64) ([]int64, error) {
	return p.listIDs(ctx, "enrolments_list", "user_enrolments", `
SELECT DISTINCT user_id FROM user_enrolments
WHERE course_id=$1 AND active
ORDER BY user_id
`, courseID)
}

// ListForumSubscribers возвращает подписчиков форума.
func (p *Postgres) ListForumSubscribers(ctx context.Context, forumID int64) ([]int64, error) {
	return p.listIDs(ctx, "forum_subscriptions_list", "forum_subscriptions", `
SELECT user_id FROM forum_subscriptions WHERE forum_id=$1 ORDER BY user_id
`, forumID)
}

// ListDiscussionOverrides возвращает подписки и отписки на уровне обсуждений форума.
func (p *Postgres) ListDiscussionOverrides(ctx context.Context, forumID int64) ([]domain.DiscussionSubscriptionOverride, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT s.user_id, s.discussion_id, s.subscribed_since
FROM forum_discussion_subs s
WHERE s.forum_id=$1
ORDER BY s.discussion_id, s.user_id
`, forumID)
	metrics.ObserveNetworkRequest("postgres", "discussion_subs_list", "forum_discussion_subs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.DiscussionSubscriptionOverride
	for rows.Next() {
		var (
			o     domain.DiscussionSubscriptionOverride
			since *time.Time
		)
		if err := rows.Scan(&o.UserID, &o.DiscussionID, &since); err != nil {
			return nil, err
		}
		if since != nil {
			utc := since.UTC()
			o.SubscribedSince = &utc
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ListDigestPreferences возвращает настройки дайджеста пользователей для форума.
func (p *Postgres) ListDigestPreferences(ctx context.Context, forumID int64) ([]domain.DigestPreference, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT user_id, forum_id, mode FROM forum_digests WHERE forum_id=$1 ORDER BY user_id
`, forumID)
	metrics.ObserveNetworkRequest("postgres", "forum_digests_list", "forum_digests", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.DigestPreference
	for rows.Next() {
		var (
			pref domain.DigestPreference
			mode int16
		)
		if err := rows.Scan(&pref.UserID, &pref.ForumID, &mode); err != nil {
			return nil, err
		}
		pref.Mode = domain.DigestMode(mode)
		res = append(res, pref)
	}
	return res, rows.Err()
}
