package recipients

import (
	"context"
	"time"

	"forum-digest/internal/domain"
	"forum-digest/internal/forumtest"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var t0 = time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)

const (
	courseID   = 10
	activityID = 20
	forumID    = 30
	discID     = 40
)

func newFixture(forumType domain.ForumType, mode domain.SubscriptionMode) *forumtest.Store {
	s := forumtest.New()
	s.AddCourse(domain.Course{ID: courseID, ShortName: "C1", Visible: true})
	s.AddActivity(domain.Activity{ID: activityID, CourseID: courseID, Visible: true})
	s.AddForum(domain.Forum{ID: forumID, CourseID: courseID, ActivityID: activityID, Name: "Forum", Type: forumType, SubscriptionMode: mode})
	s.AddDiscussion(domain.Discussion{ID: discID, ForumID: forumID, Name: "D", FirstPostID: 100, AuthorID: 1, GroupID: domain.AllGroups})
	s.AddPost(domain.Post{ID: 100, DiscussionID: discID, AuthorID: 1, Subject: "Q", CreatedAt: t0})
	for _, id := range []int64{1, 2, 3, 4} {
		s.AddUser(domain.User{ID: id, Email: "u@example.com", FirstName: "U"})
	}
	s.Enrol(courseID, 1, 2, 3, 4)
	return s
}

func storesOf(s *forumtest.Store) Stores {
	return Stores{Posts: s, Discussions: s, Forums: s, Users: s, Subscriptions: s}
}

func newFilter(s *forumtest.Store, now time.Time, policy Policy) (*Filter, *RunCache) {
	cache := NewRunCache(storesOf(s), 0)
	return NewFilter(cache, s, s, s, fixedClock{now}, policy), cache
}

func eligible(f *Filter, cache *RunCache, postID, userID int64) (bool, error) {
	ctx := context.Background()
	post, err := cache.Post(ctx, postID)
	if err != nil {
		return false, err
	}
	pc, err := cache.Resolve(ctx, post)
	if err != nil {
		return false, err
	}
	stubs, err := cache.Stubs(ctx, []int64{userID})
	if err != nil {
		return false, err
	}
	return f.IsEligible(ctx, post, pc, stubs[0])
}
