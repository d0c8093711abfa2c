package mailing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forum-digest/internal/domain"
	"forum-digest/internal/forumtest"
	"forum-digest/internal/usecase/recipients"
)

func newTestDispatcher(s *forumtest.Store, tr domain.MailTransport, n domain.Notifier, now time.Time) (*Dispatcher, *recipients.RunCache) {
	cache := recipients.NewRunCache(recipients.Stores{Posts: s, Discussions: s, Forums: s, Users: s, Subscriptions: s}, 0)
	d := NewDispatcher(cache, stubRenderer{}, tr, staticReplies{}, s, s, n, &fixedClock{now: now}, DispatchOptions{
		SiteName:               "Forum",
		SiteURL:                "https://forum.test/",
		MailDomain:             "forum.test",
		MarkReadOnNotification: true,
		OldPostCutoff:          14 * 24 * time.Hour,
	}, discard)
	return d, cache
}

func dispatch(t *testing.T, d *Dispatcher, cache *recipients.RunCache, postID, userID int64) DeliveryResult {
	t.Helper()
	ctx := context.Background()
	post, err := cache.Post(ctx, postID)
	require.NoError(t, err)
	pc, err := cache.Resolve(ctx, post)
	require.NoError(t, err)
	recipient, err := cache.User(ctx, userID)
	require.NoError(t, err)
	author, err := cache.User(ctx, post.AuthorID)
	require.NoError(t, err)
	return d.Dispatch(ctx, post, pc, recipient, author)
}

func TestDispatchThreadingHeaders(t *testing.T) {
	s := seedForum(domain.ForumGeneral, domain.SubscriptionForced)
	created := base.Add(-time.Hour)
	s.AddPost(domain.Post{ID: 100, DiscussionID: discID, AuthorID: 1, Subject: "root", CreatedAt: created})
	s.AddPost(domain.Post{ID: 101, DiscussionID: discID, ParentID: 100, AuthorID: 2, Subject: "re", CreatedAt: created.Add(time.Minute)})
	s.AddPost(domain.Post{ID: 102, DiscussionID: discID, ParentID: 101, AuthorID: 1, Subject: "re re", CreatedAt: created.Add(2 * time.Minute)})
	tr := &recordingTransport{}
	n := &recordingNotifier{}
	d, cache := newTestDispatcher(s, tr, n, base)

	res := dispatch(t, d, cache, 102, 3)
	require.True(t, res.Sent)
	require.NoError(t, res.Err)

	msgs := tr.messages()
	require.Len(t, msgs, 1)
	msg := msgs[0].msg
	rootID := domain.PostMessageID(100, 3, created, "forum.test")
	parentID := domain.PostMessageID(101, 3, created.Add(time.Minute), "forum.test")
	require.Equal(t, domain.PostMessageID(102, 3, created.Add(2*time.Minute), "forum.test"), msg.MessageID)
	require.Equal(t, parentID, msg.Header("In-Reply-To"))
	require.Equal(t, rootID+" "+parentID, msg.Header("References"))
	require.Equal(t, "Bulk", msg.Header("Precedence"))
	require.Equal(t, "All", msg.Header("X-Auto-Response-Suppress"))
	require.Equal(t, `"CS101" <forum3.forum.test>`, msg.Header("List-Id"))
	require.Equal(t, "<https://forum.test/mod/forum/subscribe.php?id=3>", msg.Header("List-Unsubscribe"))
	require.Equal(t, "reply+3-102@forum.test", msg.ReplyTo)
	require.Equal(t, "User1 (via Forum)", msg.FromName)
	require.True(t, strings.HasSuffix(msg.Text, "[reply]"))

	sent, failed := d.Counters(102)
	require.Equal(t, 1, sent)
	require.Zero(t, failed)
	require.True(t, s.IsRead(3, 102))
	require.Equal(t, 1, n.count(domain.EventPostMailed))
}

func TestDispatchMessageIDStableAcrossRuns(t *testing.T) {
	s := seedForum(domain.ForumGeneral, domain.SubscriptionForced)
	s.AddPost(domain.Post{ID: 100, DiscussionID: discID, AuthorID: 1, CreatedAt: base.Add(-time.Hour)})
	tr := &recordingTransport{}

	d1, c1 := newTestDispatcher(s, tr, nil, base)
	dispatch(t, d1, c1, 100, 2)
	d2, c2 := newTestDispatcher(s, tr, nil, base.Add(3*time.Hour))
	dispatch(t, d2, c2, 100, 2)

	msgs := tr.messages()
	require.Len(t, msgs, 2)
	require.Equal(t, msgs[0].msg.MessageID, msgs[1].msg.MessageID)
	require.Empty(t, msgs[0].msg.Header("In-Reply-To"))
}

func TestDispatchReferencesKeepRootForDeepThreads(t *testing.T) {
	s := seedForum(domain.ForumGeneral, domain.SubscriptionForced)
	created := base.Add(-time.Hour)
	s.AddPost(domain.Post{ID: 100, DiscussionID: discID, AuthorID: 1, CreatedAt: created})
	parent := int64(100)
	for id := int64(1000); id < 1030; id++ {
		s.AddPost(domain.Post{ID: id, DiscussionID: discID, ParentID: parent, AuthorID: 1, CreatedAt: created})
		parent = id
	}
	tr := &recordingTransport{}
	d, cache := newTestDispatcher(s, tr, nil, base)

	dispatch(t, d, cache, 1029, 2)
	refs := strings.Fields(tr.messages()[0].msg.Header("References"))
	require.Len(t, refs, maxReferences)
	require.Equal(t, domain.PostMessageID(100, 2, created, "forum.test"), refs[0])
	require.Equal(t, domain.PostMessageID(1028, 2, created, "forum.test"), refs[len(refs)-1])
}

func TestDispatchLockedDiscussionHasNoReplyTo(t *testing.T) {
	s := seedForum(domain.ForumGeneral, domain.SubscriptionForced)
	s.AddDiscussion(domain.Discussion{ID: discID, ForumID: forumID, FirstPostID: 100, AuthorID: 1, GroupID: domain.AllGroups, Locked: true})
	s.AddPost(domain.Post{ID: 100, DiscussionID: discID, AuthorID: 1, CreatedAt: base.Add(-time.Hour)})
	tr := &recordingTransport{}
	d, cache := newTestDispatcher(s, tr, nil, base)

	dispatch(t, d, cache, 100, 2)
	msg := tr.messages()[0].msg
	require.Empty(t, msg.ReplyTo)
	require.False(t, strings.HasSuffix(msg.Text, "[reply]"))
}

func TestDispatchFailureCounts(t *testing.T) {
	s := seedForum(domain.ForumGeneral, domain.SubscriptionForced)
	s.AddPost(domain.Post{ID: 100, DiscussionID: discID, AuthorID: 1, CreatedAt: base.Add(-time.Hour)})
	tr := &recordingTransport{failFor: map[int64]bool{2: true}}
	n := &recordingNotifier{}
	d, cache := newTestDispatcher(s, tr, n, base)

	res := dispatch(t, d, cache, 100, 2)
	require.False(t, res.Sent)
	var derr *domain.DeliveryError
	require.True(t, errors.As(res.Err, &derr))
	require.Equal(t, int64(2), derr.UserID)

	require.True(t, dispatch(t, d, cache, 100, 3).Sent)
	sent, failed := d.Counters(100)
	require.Equal(t, 1, sent)
	require.Equal(t, 1, failed)
	require.Equal(t, []int64{100}, d.FailedPosts())
	require.False(t, s.IsRead(2, 100))
	require.Equal(t, 1, n.count(domain.EventPostMailFailed))
}

func TestDispatchSkipsMarkReadForOldPosts(t *testing.T) {
	s := seedForum(domain.ForumGeneral, domain.SubscriptionForced)
	old := base.Add(-20 * 24 * time.Hour)
	s.AddPost(domain.Post{ID: 100, DiscussionID: discID, AuthorID: 1, CreatedAt: old, ModifiedAt: old, SendImmediately: true})
	tr := &recordingTransport{}
	d, cache := newTestDispatcher(s, tr, nil, base)

	require.True(t, dispatch(t, d, cache, 100, 2).Sent)
	require.False(t, s.IsRead(2, 100))
}

func TestDispatchReplyToDeletedParent(t *testing.T) {
	s := seedForum(domain.ForumGeneral, domain.SubscriptionForced)
	created := base.Add(-time.Hour)
	s.AddPost(domain.Post{ID: 100, DiscussionID: discID, AuthorID: 1, CreatedAt: created})
	s.AddPost(domain.Post{ID: 102, DiscussionID: discID, ParentID: 101, AuthorID: 1, CreatedAt: created.Add(time.Minute)})
	tr := &recordingTransport{}
	d, cache := newTestDispatcher(s, tr, nil, base)

	res := dispatch(t, d, cache, 102, 3)
	require.NoError(t, res.Err)
	require.True(t, res.Sent)

	msgs := tr.messages()
	require.Len(t, msgs, 1)
	rootID := domain.PostMessageID(100, 3, created, "forum.test")
	require.Equal(t, rootID, msgs[0].msg.Header("References"))
	require.Equal(t, rootID, msgs[0].msg.Header("In-Reply-To"))
}

func TestDispatchReplyWithoutAnyAncestors(t *testing.T) {
	s := seedForum(domain.ForumGeneral, domain.SubscriptionForced)
	s.AddPost(domain.Post{ID: 102, DiscussionID: discID, ParentID: 101, AuthorID: 1, CreatedAt: base.Add(-time.Hour)})
	tr := &recordingTransport{}
	d, cache := newTestDispatcher(s, tr, nil, base)

	require.True(t, dispatch(t, d, cache, 102, 3).Sent)
	msg := tr.messages()[0].msg
	require.Empty(t, msg.Header("References"))
	require.Empty(t, msg.Header("In-Reply-To"))
}
