// Package forumtest содержит хранилище форума в памяти для тестов usecase-пакетов.
package forumtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"forum-digest/internal/domain"
)

type capKey struct {
	userID     int64
	capability string
}

type readKey struct {
	userID int64
	postID int64
}

// Store реализует хранилища, проверку прав и учёт прочитанного.
type Store struct {
	mu sync.Mutex

	posts       map[int64]domain.Post
	discussions map[int64]domain.Discussion
	forums      map[int64]domain.Forum
	courses     map[int64]domain.Course
	activities  map[int64]domain.Activity
	users       map[int64]domain.User

	enrolled    map[int64][]int64
	forumSubs   map[int64][]int64
	overrides   []domain.DiscussionSubscriptionOverride
	preferences []domain.DigestPreference
	groups      map[int64][]int64
	caps        map[capKey]bool

	queue       map[int64]domain.DigestQueueEntry
	nextQueueID int64
	lastRun     time.Time
	samples     []domain.OpenRateSample
	read        map[readKey]bool

	userQueries int
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		posts:       make(map[int64]domain.Post),
		discussions: make(map[int64]domain.Discussion),
		forums:      make(map[int64]domain.Forum),
		courses:     make(map[int64]domain.Course),
		activities:  make(map[int64]domain.Activity),
		users:       make(map[int64]domain.User),
		enrolled:    make(map[int64][]int64),
		forumSubs:   make(map[int64][]int64),
		groups:      make(map[int64][]int64),
		caps:        make(map[capKey]bool),
		queue:       make(map[int64]domain.DigestQueueEntry),
		read:        make(map[readKey]bool),
	}
}

// AddPost добавляет или заменяет пост.
func (s *Store) AddPost(p domain.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[p.ID] = p
}

// AddDiscussion добавляет обсуждение.
func (s *Store) AddDiscussion(d domain.Discussion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discussions[d.ID] = d
}

// AddForum добавляет форум.
func (s *Store) AddForum(f domain.Forum) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forums[f.ID] = f
}

// AddCourse добавляет курс.
func (s *Store) AddCourse(c domain.Course) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[c.ID] = c
}

// AddActivity добавляет модуль курса.
func (s *Store) AddActivity(a domain.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities[a.ID] = a
}

// AddUser добавляет пользователя.
func (s *Store) AddUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// Enrol записывает пользователей на курс.
func (s *Store) Enrol(courseID int64, userIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrolled[courseID] = append(s.enrolled[courseID], userIDs...)
}

// Subscribe подписывает пользователей на форум.
func (s *Store) Subscribe(forumID int64, userIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forumSubs[forumID] = append(s.forumSubs[forumID], userIDs...)
}

// SetOverride задаёт подписку на обсуждение; since == nil означает отписку.
func (s *Store) SetOverride(userID, discussionID int64, since *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.overrides {
		if o.UserID == userID && o.DiscussionID == discussionID {
			s.overrides[i].SubscribedSince = since
			return
		}
	}
	s.overrides = append(s.overrides, domain.DiscussionSubscriptionOverride{UserID: userID, DiscussionID: discussionID, SubscribedSince: since})
}

// SetPreference задаёт режим доставки пользователя для форума.
func (s *Store) SetPreference(userID, forumID int64, mode domain.DigestMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences = append(s.preferences, domain.DigestPreference{UserID: userID, ForumID: forumID, Mode: mode})
}

// AddGroupMember добавляет пользователя в группу.
func (s *Store) AddGroupMember(groupID, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[groupID] = append(s.groups[groupID], userID)
}

// Grant выдаёт пользователю право на всём сайте.
func (s *Store) Grant(userID int64, capability string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps[capKey{userID, capability}] = true
}

// GetPost возвращает пост.
func (s *Store) GetPost(_ context.Context, postID int64) (domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[postID]
	if !ok {
		return domain.Post{}, domain.ErrNotFound
	}
	return p, nil
}

// ListPendingPosts возвращает ожидающие посты, подходящие под грубый фильтр.
func (s *Store) ListPendingPosts(_ context.Context, q domain.PendingPostQuery) ([]domain.PostWithDiscussion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PostWithDiscussion
	for _, p := range s.posts {
		if p.MailState != domain.MailPending {
			continue
		}
		var disc *domain.Discussion
		if d, ok := s.discussions[p.DiscussionID]; ok {
			disc = &d
		}
		inRange := !p.CreatedAt.Before(q.Start) && !p.CreatedAt.After(q.End)
		opened := q.TimedPosts && disc != nil && !disc.TimeStart.IsZero() &&
			!disc.TimeStart.Before(q.Start) && !disc.TimeStart.After(q.Now)
		if inRange || p.SendImmediately || opened {
			out = append(out, domain.PostWithDiscussion{Post: p, Discussion: disc})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Post.ID < out[j].Post.ID })
	return out, nil
}

// ClaimPosts переводит ожидающие посты в Sent и возвращает переведённые id.
func (s *Store) ClaimPosts(_ context.Context, postIDs []int64, staleBefore, now time.Time, timedPosts bool) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []int64
	for _, id := range postIDs {
		p, ok := s.posts[id]
		if !ok || p.MailState != domain.MailPending {
			continue
		}
		p.MailState = domain.MailSent
		s.posts[id] = p
		claimed = append(claimed, id)
	}
	for id, p := range s.posts {
		if p.MailState != domain.MailPending || !p.CreatedAt.Before(staleBefore) {
			continue
		}
		if timedPosts {
			if d, ok := s.discussions[p.DiscussionID]; ok && d.TimeStart.After(now) {
				continue
			}
		}
		p.MailState = domain.MailSent
		s.posts[id] = p
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i] < claimed[j] })
	return claimed, nil
}

// SetMailState задаёт состояние рассылки постов.
func (s *Store) SetMailState(_ context.Context, postIDs []int64, state domain.MailState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range postIDs {
		if p, ok := s.posts[id]; ok {
			p.MailState = state
			s.posts[id] = p
		}
	}
	return nil
}

// UserFirstPostTime возвращает время первого поста пользователя в обсуждении.
func (s *Store) UserFirstPostTime(_ context.Context, discussionID, userID int64) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first time.Time
	found := false
	for _, p := range s.posts {
		if p.DiscussionID != discussionID || p.AuthorID != userID {
			continue
		}
		if !found || p.CreatedAt.Before(first) {
			first = p.CreatedAt
			found = true
		}
	}
	return first, found, nil
}

// MailState возвращает текущее состояние поста.
func (s *Store) MailState(postID int64) domain.MailState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posts[postID].MailState
}

// GetDiscussion возвращает обсуждение.
func (s *Store) GetDiscussion(_ context.Context, id int64) (domain.Discussion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.discussions[id]
	if !ok {
		return domain.Discussion{}, domain.ErrNotFound
	}
	return d, nil
}

// GetForum возвращает форум.
func (s *Store) GetForum(_ context.Context, id int64) (domain.Forum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.forums[id]
	if !ok {
		return domain.Forum{}, domain.ErrNotFound
	}
	return f, nil
}

// GetCourse возвращает курс.
func (s *Store) GetCourse(_ context.Context, id int64) (domain.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.courses[id]
	if !ok {
		return domain.Course{}, domain.ErrNotFound
	}
	return c, nil
}

// GetActivity возвращает модуль курса.
func (s *Store) GetActivity(_ context.Context, id int64) (domain.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activities[id]
	if !ok {
		return domain.Activity{}, domain.ErrNotFound
	}
	return a, nil
}

// GetUsers возвращает найденных пользователей в порядке ids.
func (s *Store) GetUsers(_ context.Context, ids []int64) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userQueries++
	out := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// UserQueries возвращает число обращений к GetUsers.
func (s *Store) UserQueries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userQueries
}

// ListEnrolledUsers возвращает участников курса.
func (s *Store) ListEnrolledUsers(_ context.Context, courseID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.enrolled[courseID]...), nil
}

// ListForumSubscribers возвращает подписчиков форума.
func (s *Store) ListForumSubscribers(_ context.Context, forumID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.forumSubs[forumID]...), nil
}

// ListDiscussionOverrides возвращает подписки на обсуждения форума.
func (s *Store) ListDiscussionOverrides(_ context.Context, forumID int64) ([]domain.DiscussionSubscriptionOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DiscussionSubscriptionOverride
	for _, o := range s.overrides {
		if d, ok := s.discussions[o.DiscussionID]; ok && d.ForumID == forumID {
			out = append(out, o)
		}
	}
	return out, nil
}

// ListDigestPreferences возвращает настройки дайджеста форума.
func (s *Store) ListDigestPreferences(_ context.Context, forumID int64) ([]domain.DigestPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DigestPreference
	for _, p := range s.preferences {
		if p.ForumID == forumID {
			out = append(out, p)
		}
	}
	return out, nil
}
