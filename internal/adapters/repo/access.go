package repo

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"forum-digest/internal/domain"
	"forum-digest/internal/infra/metrics"
)

// CanView проверяет, видит ли пользователь курс и модуль форума.
// Скрытые курс и модуль доступны только обладателям соответствующих прав.
func (p *Postgres) CanView(ctx context.Context, userID int64, course domain.Course, activity domain.Activity) (bool, error) {
	if course.Visible && activity.Visible {
		return true, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	var checks []string
	if !course.Visible {
		checks = append(checks, domain.CapViewHiddenCourses)
	}
	if !activity.Visible {
		checks = append(checks, domain.CapViewHiddenActivities)
	}
	for _, capability := range checks {
		batch.Queue(hasCapabilityQuery, userID, capability, activity.ID)
	}

	start := time.Now()
	br := p.pool.SendBatch(ctx, batch)
	metrics.ObserveNetworkRequest("postgres", "capabilities_send_batch", "user_capabilities", start, nil)
	defer br.Close()
	for range checks {
		var ok bool
		start = time.Now()
		err := br.QueryRow().Scan(&ok)
		metrics.ObserveNetworkRequest("postgres", "capabilities_batch_check", "user_capabilities", start, err)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// context_id = 0 обозначает право уровня сайта.
const hasCapabilityQuery = `
SELECT EXISTS (
    SELECT 1 FROM user_capabilities
    WHERE user_id=$1 AND capability=$2 AND context_id IN (0, $3)
)`

// HasCapability проверяет право пользователя в контексте модуля.
func (p *Postgres) HasCapability(ctx context.Context, userID int64, capability string, activityID int64) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var ok bool
	start := time.Now()
	err := p.pool.QueryRow(ctx, hasCapabilityQuery, userID, capability, activityID).Scan(&ok)
	metrics.ObserveNetworkRequest("postgres", "capabilities_check", "user_capabilities", start, err)
	return ok, err
}

// IsMember проверяет членство пользователя в группе.
func (p *Postgres) IsMember(ctx context.Context, userID, groupID int64) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var ok bool
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM groups_members WHERE group_id=$1 AND user_id=$2)
`, groupID, userID).Scan(&ok)
	metrics.ObserveNetworkRequest("postgres", "groups_members_check", "groups_members", start, err)
	return ok, err
}

// GroupMode возвращает действующий режим групп модуля.
func (p *Postgres) GroupMode(_ context.Context, course domain.Course, activity domain.Activity) (domain.GroupMode, error) {
	return domain.EffectiveGroupMode(course, activity), nil
}

// MarkRead отмечает пост прочитанным.
func (p *Postgres) MarkRead(ctx context.Context, userID int64, post domain.Post, forumID int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO forum_read (user_id, forum_id, discussion_id, post_id, first_read, last_read)
VALUES ($1,$2,$3,$4,now(),now())
ON CONFLICT (user_id, post_id) DO UPDATE SET last_read=now()
`, userID, forumID, post.DiscussionID, post.ID)
	metrics.ObserveNetworkRequest("postgres", "forum_read_mark", "forum_read", start, err)
	return err
}
