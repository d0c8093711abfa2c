package domain

import "time"

// MailState описывает состояние рассылки поста.
type MailState int

const (
	// MailPending: пост ещё не обработан рассылкой.
	MailPending MailState = 0
	// MailSent: пост захвачен рассылкой (до фактической отправки).
	MailSent MailState = 1
	// MailError: при отправке хотя бы одному получателю произошла ошибка.
	MailError MailState = 2
)

func (s MailState) String() string {
	switch s {
	case MailPending:
		return "pending"
	case MailSent:
		return "sent"
	case MailError:
		return "error"
	default:
		return "unknown"
	}
}

// ForumType описывает тип форума.
type ForumType string

const (
	ForumGeneral  ForumType = "general"
	ForumEachUser ForumType = "eachuser"
	ForumSingle   ForumType = "single"
	ForumQandA    ForumType = "qanda"
	ForumBlog     ForumType = "blog"
	ForumNews     ForumType = "news"
	ForumSocial   ForumType = "social"
)

// SubscriptionMode описывает режим подписки форума.
type SubscriptionMode int

const (
	SubscriptionOptional    SubscriptionMode = 0
	SubscriptionForced      SubscriptionMode = 1
	SubscriptionAutoInitial SubscriptionMode = 2
	SubscriptionDisallowed  SubscriptionMode = 3
)

// TrackingType описывает режим отслеживания прочитанного.
type TrackingType int

const (
	TrackingOff      TrackingType = 0
	TrackingOptional TrackingType = 1
	TrackingForced   TrackingType = 2
)

// GroupMode описывает режим групп активности.
type GroupMode int

const (
	GroupModeNone     GroupMode = 0
	GroupModeSeparate GroupMode = 1
	GroupModeVisible  GroupMode = 2
)

// AllGroups обозначает обсуждение, видимое всем группам.
const AllGroups int64 = -1

// DigestMode описывает способ доставки уведомлений пользователю.
type DigestMode int

const (
	// DigestDefault: настройка форума отсутствует, используется настройка пользователя.
	DigestDefault DigestMode = -1
	// DigestNone: мгновенная отправка каждого поста.
	DigestNone DigestMode = 0
	// DigestFull: ежедневный дайджест с полными текстами.
	DigestFull DigestMode = 1
	// DigestSubjects: ежедневный дайджест только с темами.
	DigestSubjects DigestMode = 2
)

func (m DigestMode) String() string {
	switch m {
	case DigestDefault:
		return "default"
	case DigestNone:
		return "immediate"
	case DigestFull:
		return "full"
	case DigestSubjects:
		return "subjects"
	default:
		return "unknown"
	}
}

// IsDigest сообщает, что режим подразумевает очередь дайджеста.
func (m DigestMode) IsDigest() bool {
	return m == DigestFull || m == DigestSubjects
}

// MailFormat описывает предпочитаемый формат писем.
type MailFormat int

const (
	MailFormatPlain MailFormat = 0
	MailFormatHTML  MailFormat = 1
)

// Post представляет сообщение в обсуждении.
type Post struct {
	ID              int64
	DiscussionID    int64
	ParentID        int64
	AuthorID        int64
	Subject         string
	Message         string
	CreatedAt       time.Time
	ModifiedAt      time.Time
	MailState       MailState
	SendImmediately bool
	PrivateReplyTo  int64
}

// IsReply сообщает, что пост является ответом.
func (p Post) IsReply() bool {
	return p.ParentID != 0
}

// Discussion описывает ветку форума.
type Discussion struct {
	ID          int64
	ForumID     int64
	Name        string
	FirstPostID int64
	AuthorID    int64
	GroupID     int64
	TimeStart   time.Time
	TimeEnd     time.Time
	Pinned      bool
	Locked      bool
}

// InWindow сообщает, открыто ли обсуждение в момент now.
// Нулевые границы окна считаются неограниченными.
func (d Discussion) InWindow(now time.Time) bool {
	if !d.TimeStart.IsZero() && d.TimeStart.After(now) {
		return false
	}
	if !d.TimeEnd.IsZero() && !d.TimeEnd.After(now) {
		return false
	}
	return true
}

// Forum описывает экземпляр форума.
type Forum struct {
	ID               int64
	CourseID         int64
	ActivityID       int64
	Name             string
	Type             ForumType
	SubscriptionMode SubscriptionMode
	TrackingType     TrackingType
}

// Course описывает курс, которому принадлежит форум.
type Course struct {
	ID             int64
	ShortName      string
	FullName       string
	Visible        bool
	GroupMode      GroupMode
	GroupModeForce bool
}

// Activity описывает модуль курса, через который подключён форум.
type Activity struct {
	ID        int64
	CourseID  int64
	Visible   bool
	GroupMode GroupMode
}

// EffectiveGroupMode возвращает режим групп с учётом принудительной настройки курса.
func EffectiveGroupMode(course Course, activity Activity) GroupMode {
	if course.GroupModeForce {
		return course.GroupMode
	}
	return activity.GroupMode
}

// User: полная запись пользователя.
type User struct {
	ID             int64
	Email          string
	FirstName      string
	LastName       string
	Lang           string
	MailFormat     MailFormat
	MailDigest     DigestMode
	TrackForums    bool
	Suspended      bool
	Deleted        bool
	EmailStop      bool
	TelegramChatID int64
}

// FullName возвращает отображаемое имя пользователя.
func (u User) FullName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return u.LastName
	}
}

// Stub возвращает минимальную запись пользователя.
func (u User) Stub() UserStub {
	return UserStub{
		ID:             u.ID,
		Email:          u.Email,
		MailDigest:     u.MailDigest,
		Suspended:      u.Suspended,
		Deleted:        u.Deleted,
		EmailStop:      u.EmailStop,
		TelegramChatID: u.TelegramChatID,
	}
}

// UserStub: минимальная запись пользователя, достаточная для выбора получателей.
type UserStub struct {
	ID             int64
	Email          string
	MailDigest     DigestMode
	Suspended      bool
	Deleted        bool
	EmailStop      bool
	TelegramChatID int64
}

// Reachable сообщает, может ли пользователь вообще получать уведомления.
func (u UserStub) Reachable() bool {
	if u.Deleted || u.Suspended || u.EmailStop {
		return false
	}
	return u.Email != "" || u.TelegramChatID != 0
}

// ForumSubscription: подписка пользователя на весь форум.
type ForumSubscription struct {
	UserID  int64
	ForumID int64
}

// DiscussionSubscriptionOverride: подписка или отписка на уровне обсуждения.
// SubscribedSince == nil означает явную отписку.
type DiscussionSubscriptionOverride struct {
	UserID          int64
	DiscussionID    int64
	SubscribedSince *time.Time
}

// Subscribed сообщает, что запись является подпиской.
func (o DiscussionSubscriptionOverride) Subscribed() bool {
	return o.SubscribedSince != nil
}

// DigestPreference: режим доставки пользователя для форума.
type DigestPreference struct {
	UserID  int64
	ForumID int64
	Mode    DigestMode
}

// DigestQueueEntry: пост, ожидающий включения в дайджест.
type DigestQueueEntry struct {
	ID           int64
	UserID       int64
	ForumID      int64
	DiscussionID int64
	PostID       int64
	QueuedAt     time.Time
}

// DigestRunState хранит время последнего успешного дайджеста.
type DigestRunState struct {
	LastRunAt time.Time
}

// OpenRateSample: историческая отметка о прочтении дайджеста.
type OpenRateSample struct {
	UserID     int64
	ForumID    int64
	DigestDate time.Time
	Opened     bool
}

// Header: заголовок письма.
type Header struct {
	Name  string
	Value string
}

// Message: готовое к отправке письмо.
type Message struct {
	MessageID string
	To        UserStub
	ToName    string
	FromName  string
	ReplyTo   string
	Subject   string
	Text      string
	HTML      string
	Headers   []Header
}

// Header возвращает значение заголовка по имени.
func (m Message) Header(name string) string {
	for _, h := range m.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}
