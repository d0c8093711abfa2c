package forumtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forum-digest/internal/domain"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestClaimPostsSkipsFutureTimedDiscussions(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.AddDiscussion(domain.Discussion{ID: 1, ForumID: 1})
	s.AddDiscussion(domain.Discussion{ID: 2, ForumID: 1, TimeStart: now.Add(time.Hour)})
	s.AddPost(domain.Post{ID: 10, DiscussionID: 1, CreatedAt: now.Add(-time.Hour)})
	s.AddPost(domain.Post{ID: 11, DiscussionID: 1, CreatedAt: now.Add(-72 * time.Hour)})
	s.AddPost(domain.Post{ID: 12, DiscussionID: 2, CreatedAt: now.Add(-72 * time.Hour)})

	claimed, err := s.ClaimPosts(ctx, []int64{10}, now.Add(-48*time.Hour), now, true)
	require.NoError(t, err)
	require.Equal(t, []int64{10}, claimed)
	require.Equal(t, domain.MailSent, s.MailState(10))
	require.Equal(t, domain.MailSent, s.MailState(11))
	require.Equal(t, domain.MailPending, s.MailState(12))

	again, err := s.ClaimPosts(ctx, []int64{10}, now.Add(-48*time.Hour), now, true)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestQueueDeduplicatesAndConsumes(t *testing.T) {
	ctx := context.Background()
	s := New()
	entry := domain.DigestQueueEntry{UserID: 5, ForumID: 1, DiscussionID: 1, PostID: 10, QueuedAt: now}
	require.NoError(t, s.UpsertQueueEntry(ctx, entry))
	require.NoError(t, s.UpsertQueueEntry(ctx, entry))
	require.Len(t, s.QueueEntries(), 1)

	ids := []int64{s.QueueEntries()[0].ID}
	err := s.ConsumeDigest(ctx, 5, ids, func(context.Context) error { return errors.New("smtp down") })
	require.Error(t, err)
	require.Len(t, s.QueueEntries(), 1)

	require.NoError(t, s.ConsumeDigest(ctx, 5, ids, func(context.Context) error { return nil }))
	require.Empty(t, s.QueueEntries())

	called := false
	err = s.ConsumeDigest(ctx, 5, ids, func(context.Context) error { called = true; return nil })
	require.ErrorIs(t, err, domain.ErrAlreadyConsumed)
	require.False(t, called)
}

func TestClaimDigestRunOncePerCutoff(t *testing.T) {
	ctx := context.Background()
	s := New()
	cutoff := now.Add(5 * time.Hour)
	at := cutoff.Add(time.Minute)

	ok, err := s.ClaimDigestRun(ctx, cutoff, at)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ClaimDigestRun(ctx, cutoff, at.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, ok)

	last, err := s.GetDigestLastRun(ctx)
	require.NoError(t, err)
	require.True(t, last.Equal(at))
}

func TestDeleteQueueEntriesBefore(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.UpsertQueueEntry(ctx, domain.DigestQueueEntry{UserID: 1, PostID: 1, QueuedAt: now.Add(-8 * 24 * time.Hour)}))
	require.NoError(t, s.UpsertQueueEntry(ctx, domain.DigestQueueEntry{UserID: 1, PostID: 2, QueuedAt: now}))

	n, err := s.DeleteQueueEntriesBefore(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	left, err := s.ListQueueEntries(ctx, now)
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.EqualValues(t, 2, left[0].PostID)
}
