package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"forum-digest/internal/domain"
	"forum-digest/internal/infra/metrics"
)

// UpsertQueueEntry добавляет пост в очередь дайджеста, повтор по (user_id, post_id) игнорируется.
func (p *Postgres) UpsertQueueEntry(ctx context.Context, entry domain.DigestQueueEntry) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO forum_queue (user_id, forum_id, discussion_id, post_id, queued_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (user_id, post_id) DO NOTHING
`, entry.UserID, entry.ForumID, entry.DiscussionID, entry.PostID, entry.QueuedAt)
	metrics.ObserveNetworkRequest("postgres", "forum_queue_upsert", "forum_queue", start, err)
	return err
}

// DeleteQueueEntriesBefore удаляет записи очереди старше before.
func (p *Postgres) DeleteQueueEntriesBefore(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM forum_queue WHERE queued_at < $1`, before)
	metrics.ObserveNetworkRequest("postgres", "forum_queue_gc", "forum_queue", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListQueueEntries возвращает записи очереди, поставленные не позже before.
func (p *Postgres) ListQueueEntries(ctx context.Context, before time.Time) ([]domain.DigestQueueEntry, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, forum_id, discussion_id, post_id, queued_at
FROM forum_queue WHERE queued_at <= $1
ORDER BY user_id, forum_id, discussion_id, post_id
`, before)
	metrics.ObserveNetworkRequest("postgres", "forum_queue_list", "forum_queue", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.DigestQueueEntry
	for rows.Next() {
		var e domain.DigestQueueEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.ForumID, &e.DiscussionID, &e.PostID, &e.QueuedAt); err != nil {
			return nil, err
		}
		e.QueuedAt = e.QueuedAt.UTC()
		res = append(res, e)
	}
	return res, rows.Err()
}

// ConsumeDigest удаляет записи пользователя и отправляет дайджест в одной транзакции.
// Если send вернул ошибку, удаление откатывается и записи остаются в очереди.
func (p *Postgres) ConsumeDigest(ctx context.Context, userID int64, entryIDs []int64, send func(ctx context.Context) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background())

	if len(entryIDs) > 0 {
		opCtx, cancel := p.connCtxWithParent(ctx)
		start := time.Now()
		tag, err := tx.Exec(opCtx, `DELETE FROM forum_queue WHERE user_id=$1 AND id = ANY($2)`, userID, entryIDs)
		metrics.ObserveNetworkRequest("postgres", "forum_queue_consume", "forum_queue", start, err)
		cancel()
		if err != nil {
			return err
		}
		// параллельный проход уже удалил часть записей и отправил их сам
		if tag.RowsAffected() < int64(len(entryIDs)) {
			return domain.ErrAlreadyConsumed
		}
	}

	if err := send(ctx); err != nil {
		return err
	}

	commitCtx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	if err := tx.Commit(commitCtx); err != nil {
		return fmt.Errorf("commit digest consume: %w", err)
	}
	return nil
}

// GetDigestLastRun возвращает время последнего дайджеста или нулевое время.
func (p *Postgres) GetDigestLastRun(ctx context.Context) (time.Time, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var at time.Time
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT last_run_at FROM forum_digest_state WHERE id=1`).Scan(&at)
	metrics.ObserveNetworkRequest("postgres", "digest_state_get", "forum_digest_state", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return at.UTC(), nil
}

// ClaimDigestRun занимает отсечку условным upsert: конкурирующий INSERT ждёт
// блокировку строки и перепроверяет условие уже по закоммиченному значению.
func (p *Postgres) ClaimDigestRun(ctx context.Context, cutoff, now time.Time) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO forum_digest_state (id, last_run_at) VALUES (1, $2)
ON CONFLICT (id) DO UPDATE SET last_run_at=EXCLUDED.last_run_at
WHERE forum_digest_state.last_run_at < $1
`, cutoff, now)
	metrics.ObserveNetworkRequest("postgres", "digest_state_claim", "forum_digest_state", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListOpenRateSamples возвращает последние отметки о прочтении, новые первыми.
func (p *Postgres) ListOpenRateSamples(ctx context.Context, userID, forumID int64, limit int) ([]domain.OpenRateSample, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT user_id, forum_id, digest_date, opened
FROM forum_digest_opens
WHERE user_id=$1 AND forum_id=$2
ORDER BY digest_date DESC
LIMIT $3
`, userID, forumID, limit)
	metrics.ObserveNetworkRequest("postgres", "digest_opens_list", "forum_digest_opens", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.OpenRateSample
	for rows.Next() {
		var s domain.OpenRateSample
		if err := rows.Scan(&s.UserID, &s.ForumID, &s.DigestDate, &s.Opened); err != nil {
			return nil, err
		}
		s.DigestDate = s.DigestDate.UTC()
		res = append(res, s)
	}
	return res, rows.Err()
}

// RecordOpenRateSample сохраняет отметку за дату дайджеста.
func (p *Postgres) RecordOpenRateSample(ctx context.Context, sample domain.OpenRateSample) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO forum_digest_opens (user_id, forum_id, digest_date, opened)
VALUES ($1,$2,$3,$4)
ON CONFLICT (user_id, forum_id, digest_date) DO UPDATE SET opened = forum_digest_opens.opened OR EXCLUDED.opened
`, sample.UserID, sample.ForumID, sample.DigestDate, sample.Opened)
	metrics.ObserveNetworkRequest("postgres", "digest_opens_record", "forum_digest_opens", start, err)
	return err
}
