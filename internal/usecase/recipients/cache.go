package recipients

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"forum-digest/internal/domain"
)

// DefaultUserLimit: сколько полных записей пользователей держит кэш прохода.
const DefaultUserLimit = 1000

// Stores объединяет хранилища, из которых читает кэш.
type Stores struct {
	Posts         domain.PostStore
	Discussions   domain.DiscussionStore
	Forums        domain.ForumStore
	Users         domain.UserStore
	Subscriptions domain.SubscriptionStore
}

type userSet map[int64]struct{}

// discussionOverrides хранит подписки на уровне обсуждений форума:
// discussionID -> userID -> время подписки (nil для отписки).
type discussionOverrides map[int64]map[int64]*time.Time

// RunCache: кэш сущностей на один проход рассылки. Создаётся заново на каждый проход.
// Полные записи пользователей хранятся до userLimit штук, дальше только заглушки;
// полная запись для заглушки перечитывается по требованию.
type RunCache struct {
	stores    Stores
	userLimit int

	mu          sync.Mutex
	posts       map[int64]domain.Post
	discussions map[int64]domain.Discussion
	forums      map[int64]domain.Forum
	courses     map[int64]domain.Course
	activities  map[int64]domain.Activity
	users       map[int64]domain.User
	stubs       map[int64]domain.UserStub
	enrolled    map[int64]userSet
	forumSubs   map[int64]userSet
	overrides   map[int64]discussionOverrides
	prefs       map[int64]map[int64]domain.DigestMode
}

// NewRunCache создаёт пустой кэш прохода.
func NewRunCache(stores Stores, userLimit int) *RunCache {
	if userLimit <= 0 {
		userLimit = DefaultUserLimit
	}
	return &RunCache{
		stores:      stores,
		userLimit:   userLimit,
		posts:       make(map[int64]domain.Post),
		discussions: make(map[int64]domain.Discussion),
		forums:      make(map[int64]domain.Forum),
		courses:     make(map[int64]domain.Course),
		activities:  make(map[int64]domain.Activity),
		users:       make(map[int64]domain.User),
		stubs:       make(map[int64]domain.UserStub),
		enrolled:    make(map[int64]userSet),
		forumSubs:   make(map[int64]userSet),
		overrides:   make(map[int64]discussionOverrides),
		prefs:       make(map[int64]map[int64]domain.DigestMode),
	}
}

func missing(kind string, id int64, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.MissingEntityError{Kind: kind, ID: id}
	}
	return fmt.Errorf("загрузка %s %d: %w", kind, id, err)
}

// PutPost кладёт уже прочитанный пост в кэш.
func (c *RunCache) PutPost(p domain.Post) {
	c.mu.Lock()
	c.posts[p.ID] = p
	c.mu.Unlock()
}

// PutDiscussion кладёт уже прочитанное обсуждение в кэш.
func (c *RunCache) PutDiscussion(d domain.Discussion) {
	c.mu.Lock()
	c.discussions[d.ID] = d
	c.mu.Unlock()
}

// Post возвращает пост по id.
func (c *RunCache) Post(ctx context.Context, id int64) (domain.Post, error) {
	c.mu.Lock()
	p, ok := c.posts[id]
	c.mu.Unlock()
	if ok {
		return p, nil
	}
	p, err := c.stores.Posts.GetPost(ctx, id)
	if err != nil {
		return domain.Post{}, missing("post", id, err)
	}
	c.PutPost(p)
	return p, nil
}

// Discussion возвращает обсуждение по id.
func (c *RunCache) Discussion(ctx context.Context, id int64) (domain.Discussion, error) {
	c.mu.Lock()
	d, ok := c.discussions[id]
	c.mu.Unlock()
	if ok {
		return d, nil
	}
	d, err := c.stores.Discussions.GetDiscussion(ctx, id)
	if err != nil {
		return domain.Discussion{}, missing("discussion", id, err)
	}
	c.PutDiscussion(d)
	return d, nil
}

// Forum возвращает форум по id.
func (c *RunCache) Forum(ctx context.Context, id int64) (domain.Forum, error) {
	c.mu.Lock()
	f, ok := c.forums[id]
	c.mu.Unlock()
	if ok {
		return f, nil
	}
	f, err := c.stores.Forums.GetForum(ctx, id)
	if err != nil {
		return domain.Forum{}, missing("forum", id, err)
	}
	c.mu.Lock()
	c.forums[id] = f
	c.mu.Unlock()
	return f, nil
}

// Course возвращает курс по id.
func (c *RunCache) Course(ctx context.Context, id int64) (domain.Course, error) {
	c.mu.Lock()
	v, ok := c.courses[id]
	c.mu.Unlock()
	if ok {
		return v, nil
	}
	v, err := c.stores.Forums.GetCourse(ctx, id)
	if err != nil {
		return domain.Course{}, missing("course", id, err)
	}
	c.mu.Lock()
	c.courses[id] = v
	c.mu.Unlock()
	return v, nil
}

// Activity возвращает модуль курса по id.
func (c *RunCache) Activity(ctx context.Context, id int64) (domain.Activity, error) {
	c.mu.Lock()
	v, ok := c.activities[id]
	c.mu.Unlock()
	if ok {
		return v, nil
	}
	v, err := c.stores.Forums.GetActivity(ctx, id)
	if err != nil {
		return domain.Activity{}, missing("activity", id, err)
	}
	c.mu.Lock()
	c.activities[id] = v
	c.mu.Unlock()
	return v, nil
}

// Context: разрешённые сущности, в которых опубликован пост.
type Context struct {
	Discussion domain.Discussion
	Forum      domain.Forum
	Course     domain.Course
	Activity   domain.Activity
}

// Resolve загружает обсуждение, форум, курс и активность поста.
// Ошибка *domain.MissingEntityError означает, что пост нужно пропустить.
func (c *RunCache) Resolve(ctx context.Context, post domain.Post) (Context, error) {
	var out Context
	var err error
	if out.Discussion, err = c.Discussion(ctx, post.DiscussionID); err != nil {
		return Context{}, err
	}
	if out.Forum, err = c.Forum(ctx, out.Discussion.ForumID); err != nil {
		return Context{}, err
	}
	if out.Course, err = c.Course(ctx, out.Forum.CourseID); err != nil {
		return Context{}, err
	}
	if out.Activity, err = c.Activity(ctx, out.Forum.ActivityID); err != nil {
		return Context{}, err
	}
	return out, nil
}

// User возвращает полную запись пользователя. Если в кэше лежит только
// заглушка или ничего, запись читается из хранилища; сохраняется полностью,
// только пока не исчерпан лимит.
func (c *RunCache) User(ctx context.Context, id int64) (domain.User, error) {
	c.mu.Lock()
	u, ok := c.users[id]
	c.mu.Unlock()
	if ok {
		return u, nil
	}
	users, err := c.stores.Users.GetUsers(ctx, []int64{id})
	if err != nil {
		return domain.User{}, fmt.Errorf("загрузка пользователя %d: %w", id, err)
	}
	if len(users) == 0 {
		return domain.User{}, &domain.MissingEntityError{Kind: "user", ID: id}
	}
	c.storeUsers(users)
	return users[0], nil
}

// Stubs возвращает минимальные записи пользователей в порядке ids.
// Отсутствующие в хранилище пользователи пропускаются.
func (c *RunCache) Stubs(ctx context.Context, ids []int64) ([]domain.UserStub, error) {
	var toFetch []int64
	c.mu.Lock()
	for _, id := range ids {
		if _, ok := c.stubs[id]; !ok {
			toFetch = append(toFetch, id)
		}
	}
	c.mu.Unlock()

	if len(toFetch) > 0 {
		users, err := c.stores.Users.GetUsers(ctx, toFetch)
		if err != nil {
			return nil, fmt.Errorf("загрузка пользователей: %w", err)
		}
		c.storeUsers(users)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.UserStub, 0, len(ids))
	for _, id := range ids {
		if s, ok := c.stubs[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *RunCache) storeUsers(users []domain.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range users {
		c.stubs[u.ID] = u.Stub()
		if _, ok := c.users[u.ID]; ok || len(c.users) < c.userLimit {
			c.users[u.ID] = u
		}
	}
}

// FullUsers возвращает число полных записей пользователей в кэше.
func (c *RunCache) FullUsers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.users)
}

func (c *RunCache) enrolledUsers(ctx context.Context, courseID int64) (userSet, error) {
	c.mu.Lock()
	set, ok := c.enrolled[courseID]
	c.mu.Unlock()
	if ok {
		return set, nil
	}
	ids, err := c.stores.Subscriptions.ListEnrolledUsers(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("загрузка участников курса %d: %w", courseID, err)
	}
	set = toSet(ids)
	c.mu.Lock()
	c.enrolled[courseID] = set
	c.mu.Unlock()
	return set, nil
}

func (c *RunCache) forumSubscribers(ctx context.Context, forumID int64) (userSet, error) {
	c.mu.Lock()
	set, ok := c.forumSubs[forumID]
	c.mu.Unlock()
	if ok {
		return set, nil
	}
	ids, err := c.stores.Subscriptions.ListForumSubscribers(ctx, forumID)
	if err != nil {
		return nil, fmt.Errorf("загрузка подписчиков форума %d: %w", forumID, err)
	}
	set = toSet(ids)
	c.mu.Lock()
	c.forumSubs[forumID] = set
	c.mu.Unlock()
	return set, nil
}

func (c *RunCache) discussionOverrides(ctx context.Context, forumID int64) (discussionOverrides, error) {
	c.mu.Lock()
	ov, ok := c.overrides[forumID]
	c.mu.Unlock()
	if ok {
		return ov, nil
	}
	rows, err := c.stores.Subscriptions.ListDiscussionOverrides(ctx, forumID)
	if err != nil {
		return nil, fmt.Errorf("загрузка подписок на обсуждения форума %d: %w", forumID, err)
	}
	ov = make(discussionOverrides)
	for _, r := range rows {
		byUser, ok := ov[r.DiscussionID]
		if !ok {
			byUser = make(map[int64]*time.Time)
			ov[r.DiscussionID] = byUser
		}
		byUser[r.UserID] = r.SubscribedSince
	}
	c.mu.Lock()
	c.overrides[forumID] = ov
	c.mu.Unlock()
	return ov, nil
}

// DiscussionOverride возвращает подписку пользователя на обсуждение.
// found=false означает, что записи нет.
func (c *RunCache) DiscussionOverride(ctx context.Context, forumID, discussionID, userID int64) (domain.DiscussionSubscriptionOverride, bool, error) {
	ov, err := c.discussionOverrides(ctx, forumID)
	if err != nil {
		return domain.DiscussionSubscriptionOverride{}, false, err
	}
	since, ok := ov[discussionID][userID]
	if !ok {
		return domain.DiscussionSubscriptionOverride{}, false, nil
	}
	return domain.DiscussionSubscriptionOverride{UserID: userID, DiscussionID: discussionID, SubscribedSince: since}, true, nil
}

// DigestPreference возвращает режим доставки пользователя для форума.
// found=false означает, что настройка форума отсутствует.
func (c *RunCache) DigestPreference(ctx context.Context, forumID, userID int64) (domain.DigestMode, bool, error) {
	c.mu.Lock()
	byUser, ok := c.prefs[forumID]
	c.mu.Unlock()
	if !ok {
		rows, err := c.stores.Subscriptions.ListDigestPreferences(ctx, forumID)
		if err != nil {
			return domain.DigestDefault, false, fmt.Errorf("загрузка настроек дайджеста форума %d: %w", forumID, err)
		}
		byUser = make(map[int64]domain.DigestMode, len(rows))
		for _, r := range rows {
			if r.Mode == domain.DigestDefault {
				continue
			}
			byUser[r.UserID] = r.Mode
		}
		c.mu.Lock()
		c.prefs[forumID] = byUser
		c.mu.Unlock()
	}
	mode, found := byUser[userID]
	return mode, found, nil
}

func toSet(ids []int64) userSet {
	set := make(userSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func sortedIDs(set userSet) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
