package mailing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"forum-digest/internal/domain"
	"forum-digest/internal/forumtest"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type stubRenderer struct{}

func (stubRenderer) Render(in domain.RenderInput) (domain.Rendered, error) {
	reply := ""
	if in.CanReply {
		reply = " [reply]"
	}
	return domain.Rendered{
		Subject: "C: " + in.Post.Subject,
		Text:    fmt.Sprintf("post:%d%s", in.Post.ID, reply),
		HTML:    fmt.Sprintf("<p>post:%d</p>", in.Post.ID),
	}, nil
}

func (stubRenderer) RenderDigestHeader(in domain.DigestHeaderInput) (domain.Rendered, error) {
	return domain.Rendered{Subject: "Digest " + in.Forum.Name, Text: "header", HTML: "<h1>header</h1>"}, nil
}

type sentMessage struct {
	userID int64
	msg    domain.Message
}

type recordingTransport struct {
	mu      sync.Mutex
	sent    []sentMessage
	failFor map[int64]bool
}

func (t *recordingTransport) Send(_ context.Context, msg domain.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failFor[msg.To.ID] {
		return errors.New("smtp: 550 mailbox unavailable")
	}
	t.sent = append(t.sent, sentMessage{userID: msg.To.ID, msg: msg})
	return nil
}

func (t *recordingTransport) messages() []sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentMessage(nil), t.sent...)
}

func (t *recordingTransport) countFor(userID int64) int {
	n := 0
	for _, m := range t.messages() {
		if m.userID == userID {
			n++
		}
	}
	return n
}

type staticReplies struct{}

func (staticReplies) ReplyAddress(userID, postID int64) (string, error) {
	return fmt.Sprintf("reply+%d-%d@forum.test", userID, postID), nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []domain.EventKind
}

func (n *recordingNotifier) Notify(_ context.Context, kind domain.EventKind, _ map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
	return nil
}

func (n *recordingNotifier) count(kind domain.EventKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, k := range n.kinds {
		if k == kind {
			c++
		}
	}
	return c
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, time.Duration) (bool, error) { return false, nil }
func (heldLock) Extend(context.Context, time.Duration) error          { return nil }
func (heldLock) Release(context.Context) error                        { return nil }

var discard = zerolog.New(io.Discard)

// base: 11 марта 2024, 12:00 UTC; отсечка дайджеста в 17:00.
var base = time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC)

const (
	courseID   = 1
	activityID = 2
	forumID    = 3
	discID     = 4
)

func testSettings() Settings {
	return Settings{
		EditGracePeriod:        30 * time.Minute,
		LookbackWindow:         48 * time.Hour,
		OldPostCutoff:          14 * 24 * time.Hour,
		DigestHour:             17,
		MarkReadOnNotification: true,
		QueueRetention:         7 * 24 * time.Hour,
		Workers:                4,
		UserCacheLimit:         100,
		RequireEmail:           true,
		RunLockTTL:             time.Minute,
		Location:               time.UTC,
		SiteName:               "Forum",
		SiteURL:                "https://forum.test",
		MailDomain:             "forum.test",
	}
}

func seedForum(forumType domain.ForumType, mode domain.SubscriptionMode) *forumtest.Store {
	s := forumtest.New()
	s.AddCourse(domain.Course{ID: courseID, ShortName: "CS101", Visible: true})
	s.AddActivity(domain.Activity{ID: activityID, CourseID: courseID, Visible: true})
	s.AddForum(domain.Forum{ID: forumID, CourseID: courseID, ActivityID: activityID, Name: "General", Type: forumType, SubscriptionMode: mode, TrackingType: domain.TrackingOptional})
	s.AddDiscussion(domain.Discussion{ID: discID, ForumID: forumID, Name: "Welcome", FirstPostID: 100, AuthorID: 1, GroupID: domain.AllGroups})
	for _, id := range []int64{1, 2, 3} {
		s.AddUser(domain.User{ID: id, Email: fmt.Sprintf("u%d@example.com", id), FirstName: fmt.Sprintf("User%d", id), TrackForums: true})
		s.Grant(id, domain.CapReplyPost)
	}
	s.Enrol(courseID, 1, 2, 3)
	return s
}

func newTestPipeline(s *forumtest.Store, clock domain.Clock, tr domain.MailTransport, n domain.Notifier, settings Settings) *Pipeline {
	return NewPipeline(Deps{
		Posts:         s,
		Discussions:   s,
		Forums:        s,
		Users:         s,
		Subscriptions: s,
		Queue:         s,
		Caps:          s,
		Groups:        s,
		Reads:         s,
		Renderer:      stubRenderer{},
		Transport:     tr,
		Replies:       staticReplies{},
		Notifier:      n,
		Clock:         clock,
	}, settings, discard)
}
