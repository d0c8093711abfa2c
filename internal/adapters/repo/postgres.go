package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"forum-digest/internal/domain"
	"forum-digest/internal/infra/metrics"
)

// Postgres реализует хранилища форума на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.PostStore         = (*Postgres)(nil)
	_ domain.DiscussionStore   = (*Postgres)(nil)
	_ domain.ForumStore        = (*Postgres)(nil)
	_ domain.UserStore         = (*Postgres)(nil)
	_ domain.SubscriptionStore = (*Postgres)(nil)
	_ domain.DigestQueueStore  = (*Postgres)(nil)
	_ domain.CapabilityChecker = (*Postgres)(nil)
	_ domain.GroupMembership   = (*Postgres)(nil)
	_ domain.ReadTracker       = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

func fromNull(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func notFound(err error, kind string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", kind, id, domain.ErrNotFound)
	}
	return err
}

const postColumns = `p.id, p.discussion_id, p.parent_id, p.author_id, p.subject, p.message,
p.created_at, p.modified_at, p.mail_state, p.mail_now, p.private_reply_to`

const discussionColumns = `d.id, d.forum_id, d.name, d.first_post_id, d.author_id, d.group_id,
d.time_start, d.time_end, d.pinned, d.locked`

func scanPost(row pgx.Row, post *domain.Post) error {
	var modified *time.Time
	var state int16
	if err := row.Scan(&post.ID, &post.DiscussionID, &post.ParentID, &post.AuthorID, &post.Subject, &post.Message,
		&post.CreatedAt, &modified, &state, &post.SendImmediately, &post.PrivateReplyTo); err != nil {
		return err
	}
	post.CreatedAt = post.CreatedAt.UTC()
	post.ModifiedAt = fromNull(modified)
	post.MailState = domain.MailState(state)
	return nil
}

func scanDiscussion(row pgx.Row, d *domain.Discussion) error {
	var timeStart, timeEnd *time.Time
	if err := row.Scan(&d.ID, &d.ForumID, &d.Name, &d.FirstPostID, &d.AuthorID, &d.GroupID,
		&timeStart, &timeEnd, &d.Pinned, &d.Locked); err != nil {
		return err
	}
	d.TimeStart = fromNull(timeStart)
	d.TimeEnd = fromNull(timeEnd)
	return nil
}

// GetPost возвращает пост по id.
func (p *Postgres) GetPost(ctx context.Context, postID int64) (domain.Post, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var post domain.Post
	start := time.Now()
	err := scanPost(p.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM forum_posts p WHERE p.id=$1`, postID), &post)
	metrics.ObserveNetworkRequest("postgres", "forum_posts_get", "forum_posts", start, err)
	if err != nil {
		return domain.Post{}, notFound(err, "post", postID)
	}
	return post, nil
}

// ListPendingPosts возвращает ожидающие посты вместе с обсуждениями.
// Посты без обсуждения тоже попадают в выборку, чтобы вызывающая сторона могла их учесть.
func (p *Postgres) ListPendingPosts(ctx context.Context, q domain.PendingPostQuery) ([]domain.PostWithDiscussion, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+postColumns+`, d.id IS NOT NULL, `+nullableDiscussionColumns+`
FROM forum_posts p
LEFT JOIN forum_discussions d ON d.id = p.discussion_id
WHERE p.mail_state = 0
  AND ((p.created_at >= $1 AND p.created_at <= $2)
       OR p.mail_now
       OR ($4 AND d.time_start IS NOT NULL AND d.time_start >= $1 AND d.time_start <= $3))
ORDER BY p.id
`, q.Start, q.End, q.Now, q.TimedPosts)
	metrics.ObserveNetworkRequest("postgres", "forum_posts_list_pending", "forum_posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.PostWithDiscussion
	for rows.Next() {
		item, err := scanPendingRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

const nullableDiscussionColumns = `COALESCE(d.id,0), COALESCE(d.forum_id,0), COALESCE(d.name,''),
COALESCE(d.first_post_id,0), COALESCE(d.author_id,0), COALESCE(d.group_id,-1),
d.time_start, d.time_end, COALESCE(d.pinned,false), COALESCE(d.locked,false)`

func scanPendingRow(rows pgx.Rows) (domain.PostWithDiscussion, error) {
	var (
		post               domain.Post
		disc               domain.Discussion
		modified           *time.Time
		state              int16
		hasDisc            bool
		timeStart, timeEnd *time.Time
	)
	err := rows.Scan(&post.ID, &post.DiscussionID, &post.ParentID, &post.AuthorID, &post.Subject, &post.Message,
		&post.CreatedAt, &modified, &state, &post.SendImmediately, &post.PrivateReplyTo,
		&hasDisc, &disc.ID, &disc.ForumID, &disc.Name, &disc.FirstPostID, &disc.AuthorID, &disc.GroupID,
		&timeStart, &timeEnd, &disc.Pinned, &disc.Locked)
	if err != nil {
		return domain.PostWithDiscussion{}, err
	}
	post.CreatedAt = post.CreatedAt.UTC()
	post.ModifiedAt = fromNull(modified)
	post.MailState = domain.MailState(state)
	item := domain.PostWithDiscussion{Post: post}
	if hasDisc {
		disc.TimeStart = fromNull(timeStart)
		disc.TimeEnd = fromNull(timeEnd)
		item.Discussion = &disc
	}
	return item, nil
}

// ClaimPosts переводит посты Pending→Sent и в той же транзакции закрывает устаревшие ожидающие посты.
func (p *Postgres) ClaimPosts(ctx context.Context, postIDs []int64, staleBefore, now time.Time, timedPosts bool) ([]int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var claimed []int64
	if len(postIDs) > 0 {
		start := time.Now()
		rows, err := tx.Query(ctx, `
UPDATE forum_posts SET mail_state = 1
WHERE id = ANY($1) AND mail_state = 0
RETURNING id
`, postIDs)
		metrics.ObserveNetworkRequest("postgres", "forum_posts_claim", "forum_posts", start, err)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			claimed = append(claimed, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	_, err = tx.Exec(ctx, `
UPDATE forum_posts p SET mail_state = 1
WHERE p.mail_state = 0 AND p.created_at < $1
  AND NOT ($3 AND EXISTS (
      SELECT 1 FROM forum_discussions d
      WHERE d.id = p.discussion_id AND d.time_start IS NOT NULL AND d.time_start > $2))
`, staleBefore, now, timedPosts)
	metrics.ObserveNetworkRequest("postgres", "forum_posts_close_stale", "forum_posts", start, err)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	sortIDs(claimed)
	return claimed, nil
}

// SetMailState задаёт состояние рассылки постов.
func (p *Postgres) SetMailState(ctx context.Context, postIDs []int64, state domain.MailState) error {
	if len(postIDs) == 0 {
		return nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE forum_posts SET mail_state=$2 WHERE id = ANY($1)`, postIDs, int16(state))
	metrics.ObserveNetworkRequest("postgres", "forum_posts_set_state", "forum_posts", start, err)
	return err
}

// UserFirstPostTime возвращает время первого поста пользователя в обсуждении.
func (p *Postgres) UserFirstPostTime(ctx context.Context, discussionID, userID int64) (time.Time, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var first *time.Time
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT MIN(created_at) FROM forum_posts WHERE discussion_id=$1 AND author_id=$2
`, discussionID, userID).Scan(&first)
	metrics.ObserveNetworkRequest("postgres", "forum_posts_first_by_user", "forum_posts", start, err)
	if err != nil {
		return time.Time{}, false, err
	}
	if first == nil {
		return time.Time{}, false, nil
	}
	return first.UTC(), true, nil
}

// GetDiscussion возвращает обсуждение.
func (p *Postgres) GetDiscussion(ctx context.Context, discussionID int64) (domain.Discussion, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var d domain.Discussion
	start := time.Now()
	err := scanDiscussion(p.pool.QueryRow(ctx, `SELECT `+discussionColumns+` FROM forum_discussions d WHERE d.id=$1`, discussionID), &d)
	metrics.ObserveNetworkRequest("postgres", "forum_discussions_get", "forum_discussions", start, err)
	if err != nil {
		return domain.Discussion{}, notFound(err, "discussion", discussionID)
	}
	return d, nil
}

// GetForum возвращает форум.
func (p *Postgres) GetForum(ctx context.Context, forumID int64) (domain.Forum, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		f        domain.Forum
		kind     string
		subMode  int16
		tracking int16
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, course_id, activity_id, name, type, subscription_mode, tracking_type
FROM forums WHERE id=$1
`, forumID).Scan(&f.ID, &f.CourseID, &f.ActivityID, &f.Name, &kind, &subMode, &tracking)
	metrics.ObserveNetworkRequest("postgres", "forums_get", "forums", start, err)
	if err != nil {
		return domain.Forum{}, notFound(err, "forum", forumID)
	}
	f.Type = domain.ForumType(kind)
	f.SubscriptionMode = domain.SubscriptionMode(subMode)
	f.TrackingType = domain.TrackingType(tracking)
	return f, nil
}

// GetCourse возвращает курс.
func (p *Postgres) GetCourse(ctx context.Context, courseID int64) (domain.Course, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		c         domain.Course
		groupMode int16
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, short_name, full_name, visible, group_mode, group_mode_force
FROM courses WHERE id=$1
`, courseID).Scan(&c.ID, &c.ShortName, &c.FullName, &c.Visible, &groupMode, &c.GroupModeForce)
	metrics.ObserveNetworkRequest("postgres", "courses_get", "courses", start, err)
	if err != nil {
		return domain.Course{}, notFound(err, "course", courseID)
	}
	c.GroupMode = domain.GroupMode(groupMode)
	return c, nil
}

// GetActivity возвращает модуль курса.
func (p *Postgres) GetActivity(ctx context.Context, activityID int64) (domain.Activity, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		a         domain.Activity
		groupMode int16
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, course_id, visible, group_mode FROM course_modules WHERE id=$1
`, activityID).Scan(&a.ID, &a.CourseID, &a.Visible, &groupMode)
	metrics.ObserveNetworkRequest("postgres", "course_modules_get", "course_modules", start, err)
	if err != nil {
		return domain.Activity{}, notFound(err, "activity", activityID)
	}
	a.GroupMode = domain.GroupMode(groupMode)
	return a, nil
}

// GetUsers возвращает пользователей по списку id. Отсутствующие id пропускаются.
func (p *Postgres) GetUsers(ctx context.Context, userIDs []int64) ([]domain.User, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, email, first_name, last_name, lang, mail_format, mail_digest,
       track_forums, suspended, deleted, email_stop, COALESCE(telegram_chat_id, 0)
FROM users WHERE id = ANY($1)
ORDER BY id
`, userIDs)
	metrics.ObserveNetworkRequest("postgres", "users_get_many", "users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.User
	for rows.Next() {
		var (
			u              domain.User
			format, digest int16
		)
		if err := rows.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Lang, &format, &digest,
			&u.TrackForums, &u.Suspended, &u.Deleted, &u.EmailStop, &u.TelegramChatID); err != nil {
			return nil, err
		}
		u.MailFormat = domain.MailFormat(format)
		u.MailDigest = domain.DigestMode(digest)
		res = append(res, u)
	}
	return res, rows.Err()
}
