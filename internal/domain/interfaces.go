package domain

import (
	"context"
	"time"
)

// Clock возвращает текущее время.
type Clock interface {
	Now() time.Time
}

// SystemClock реализует Clock через time.Now.
type SystemClock struct{}

// Now возвращает текущее время в UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// PendingPostQuery задаёт грубую выборку кандидатов на рассылку.
type PendingPostQuery struct {
	Start      time.Time
	End        time.Time
	Now        time.Time
	TimedPosts bool
}

// PostWithDiscussion: пост вместе с обсуждением, в котором он опубликован.
// Discussion равен nil, если обсуждение не найдено.
type PostWithDiscussion struct {
	Post       Post
	Discussion *Discussion
}

// PostStore читает посты и владеет их состоянием рассылки.
type PostStore interface {
	GetPost(ctx context.Context, postID int64) (Post, error)
	// ListPendingPosts возвращает кандидатов со статусом MailPending.
	// Выборка может быть шире окна; точный предикат применяется вызывающей стороной.
	ListPendingPosts(ctx context.Context, q PendingPostQuery) ([]PostWithDiscussion, error)
	// ClaimPosts атомарно переводит посты Pending→Sent и возвращает id, которые
	// действительно были переведены этим вызовом. В той же транзакции помечаются
	// отправленными ожидающие посты, созданные раньше staleBefore.
	ClaimPosts(ctx context.Context, postIDs []int64, staleBefore, now time.Time, timedPosts bool) ([]int64, error)
	SetMailState(ctx context.Context, postIDs []int64, state MailState) error
	// UserFirstPostTime возвращает время первого поста пользователя в обсуждении.
	UserFirstPostTime(ctx context.Context, discussionID, userID int64) (time.Time, bool, error)
}

// DiscussionStore читает обсуждения.
type DiscussionStore interface {
	GetDiscussion(ctx context.Context, discussionID int64) (Discussion, error)
}

// ForumStore читает форумы, курсы и активности.
type ForumStore interface {
	GetForum(ctx context.Context, forumID int64) (Forum, error)
	GetCourse(ctx context.Context, courseID int64) (Course, error)
	GetActivity(ctx context.Context, activityID int64) (Activity, error)
}

// UserStore читает пользователей.
type UserStore interface {
	GetUsers(ctx context.Context, userIDs []int64) ([]User, error)
}

// SubscriptionStore читает состояние подписок и настройки дайджеста.
type SubscriptionStore interface {
	ListEnrolledUsers(ctx context.Context, courseID int64) ([]int64, error)
	ListForumSubscribers(ctx context.Context, forumID int64) ([]int64, error)
	ListDiscussionOverrides(ctx context.Context, forumID int64) ([]DiscussionSubscriptionOverride, error)
	ListDigestPreferences(ctx context.Context, forumID int64) ([]DigestPreference, error)
}

// DigestQueueStore управляет очередью дайджеста и состоянием ежедневного запуска.
type DigestQueueStore interface {
	// UpsertQueueEntry идемпотентно добавляет запись по ключу (userID, postID).
	UpsertQueueEntry(ctx context.Context, entry DigestQueueEntry) error
	DeleteQueueEntriesBefore(ctx context.Context, before time.Time) (int64, error)
	ListQueueEntries(ctx context.Context, before time.Time) ([]DigestQueueEntry, error)
	// ConsumeDigest удаляет записи очереди в транзакции и вызывает send внутри неё.
	// Ошибка send откатывает удаление. Если удалить удалось не все entryIDs,
	// send не вызывается и возвращается ErrAlreadyConsumed.
	ConsumeDigest(ctx context.Context, userID int64, entryIDs []int64, send func(ctx context.Context) error) error
	GetDigestLastRun(ctx context.Context) (time.Time, error)
	// ClaimDigestRun атомарно записывает now как время последнего дайджеста,
	// только если предыдущий запуск был раньше cutoff. false означает, что
	// отсечку уже забрал другой проход.
	ClaimDigestRun(ctx context.Context, cutoff, now time.Time) (bool, error)
	ListOpenRateSamples(ctx context.Context, userID, forumID int64, limit int) ([]OpenRateSample, error)
	RecordOpenRateSample(ctx context.Context, sample OpenRateSample) error
}

// CapabilityChecker проверяет права пользователя.
type CapabilityChecker interface {
	CanView(ctx context.Context, userID int64, course Course, activity Activity) (bool, error)
	HasCapability(ctx context.Context, userID int64, capability string, activityID int64) (bool, error)
}

// GroupMembership отвечает за группы курса.
type GroupMembership interface {
	IsMember(ctx context.Context, userID, groupID int64) (bool, error)
	GroupMode(ctx context.Context, course Course, activity Activity) (GroupMode, error)
}

// RenderMode задаёт вид отрисовки поста.
type RenderMode int

const (
	RenderImmediate RenderMode = iota
	RenderDigestFull
	RenderDigestSubject
)

// RenderInput содержит всё, что нужно для отрисовки поста.
type RenderInput struct {
	Post       Post
	Discussion Discussion
	Forum      Forum
	Course     Course
	Author     User
	Recipient  User
	Mode       RenderMode
	CanReply   bool
}

// DigestHeaderInput содержит данные для шапки дайджеста.
type DigestHeaderInput struct {
	Forum     Forum
	Course    Course
	Recipient User
	Date      time.Time
	// OpenRate: доля открытых дайджестов в процентах, -1 если статистики нет.
	OpenRate int
}

// Rendered: результат отрисовки.
type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

// MessageRenderer отрисовывает письма.
type MessageRenderer interface {
	Render(in RenderInput) (Rendered, error)
	RenderDigestHeader(in DigestHeaderInput) (Rendered, error)
}

// MailTransport доставляет письма.
type MailTransport interface {
	Send(ctx context.Context, msg Message) error
}

// ReadTracker отмечает посты прочитанными.
type ReadTracker interface {
	MarkRead(ctx context.Context, userID int64, post Post, forumID int64) error
}

// ReplyAddressGenerator строит адрес для ответа письмом.
type ReplyAddressGenerator interface {
	ReplyAddress(userID, postID int64) (string, error)
}

// RunLock защищает проход рассылки от параллельного запуска.
type RunLock interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
	Watchdog
}

// Watchdog продлевает внешний сторожевой таймер во время долгого прохода.
type Watchdog interface {
	Extend(ctx context.Context, ttl time.Duration) error
}
