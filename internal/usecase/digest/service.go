package digest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"forum-digest/internal/domain"
	"forum-digest/internal/infra/metrics"
	"forum-digest/internal/usecase/recipients"
	"forum-digest/internal/usecase/schedule"
)

const (
	openRateWindow     = 30
	openRateMinSamples = 5
)

// Options: настройки ежедневного дайджеста.
type Options struct {
	Location                  *time.Location
	DigestHour                int
	QueueRetention            time.Duration
	Workers                   int
	SiteURL                   string
	MailDomain                string
	SiteName                  string
	MarkReadOnNotification    bool
	ForcedReadTrackingAllowed bool
}

// Deps: внешние зависимости агрегатора.
type Deps struct {
	Queue     domain.DigestQueueStore
	Renderer  domain.MessageRenderer
	Transport domain.MailTransport
	Reads     domain.ReadTracker
	Notifier  domain.Notifier
	Clock     domain.Clock
}

// Report: итог обработки отсечки.
type Report struct {
	Ran    bool
	Cutoff time.Time
	Purged int64
	Sent   int
	Failed int
	Posts  int
}

// Aggregator собирает очередь дайджеста в письма раз в сутки.
type Aggregator struct {
	deps   Deps
	cache  *recipients.RunCache
	filter *recipients.Filter
	router *recipients.Router
	opts   Options
	log    zerolog.Logger
}

// NewAggregator создаёт агрегатор для одного прохода рассылки.
func NewAggregator(deps Deps, cache *recipients.RunCache, filter *recipients.Filter, router *recipients.Router, opts Options, logger zerolog.Logger) *Aggregator {
	if deps.Notifier == nil {
		deps.Notifier = domain.NopNotifier{}
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Aggregator{deps: deps, cache: cache, filter: filter, router: router, opts: opts, log: logger}
}

// RunDigestCutoff отправляет дайджесты, если наступила ежедневная отсечка и
// сегодня они ещё не уходили. Ошибки отдельных получателей не прерывают работу.
func (a *Aggregator) RunDigestCutoff(ctx context.Context, now time.Time) (Report, error) {
	cutoff, err := schedule.Cutoff(now, a.opts.Location, a.opts.DigestHour)
	if err != nil {
		return Report{}, &domain.ConfigError{Field: "DigestHour", Reason: err.Error()}
	}
	report := Report{Cutoff: cutoff}

	lastRun, err := a.deps.Queue.GetDigestLastRun(ctx)
	if err != nil {
		return report, fmt.Errorf("время последнего дайджеста: %w", err)
	}
	if !schedule.Due(lastRun, cutoff, now) {
		return report, nil
	}
	claimed, err := a.deps.Queue.ClaimDigestRun(ctx, cutoff, now)
	if err != nil {
		return report, fmt.Errorf("захват отсечки дайджеста: %w", err)
	}
	if !claimed {
		a.log.Info().Time("cutoff", cutoff).Msg("digest: cutoff already taken by another pass")
		return report, nil
	}
	report.Ran = true

	purged, err := a.deps.Queue.DeleteQueueEntriesBefore(ctx, now.Add(-a.opts.QueueRetention))
	if err != nil {
		return report, fmt.Errorf("очистка очереди дайджеста: %w", err)
	}
	report.Purged = purged
	if purged > 0 {
		a.log.Info().Int64("purged", purged).Msg("digest: stale queue entries removed")
	}

	entries, err := a.deps.Queue.ListQueueEntries(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("чтение очереди дайджеста: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Workers)
	for _, ug := range groupEntries(entries) {
		g.Go(func() error {
			for _, fg := range ug.Forums {
				posts, err := a.sendForum(gctx, ug.UserID, fg, cutoff)
				mu.Lock()
				if err != nil {
					report.Failed++
				} else if posts > 0 {
					report.Sent++
					report.Posts += posts
				}
				mu.Unlock()
				if err != nil {
					aerr := &domain.AggregationError{UserID: ug.UserID, ForumID: fg.ForumID, Err: err}
					a.log.Error().Err(aerr).Msg("digest: send failed, entries kept")
					metrics.DigestsFailed.Inc()
					a.notify(gctx, domain.EventDigestFailed, map[string]any{"user_id": ug.UserID, "forum_id": fg.ForumID, "error": err.Error()})
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	a.log.Info().Time("cutoff", cutoff).Int("sent", report.Sent).Int("failed", report.Failed).Msg("digest: cutoff processed")
	return report, nil
}

type renderedPost struct {
	post     domain.Post
	rendered domain.Rendered
}

// sendForum отправляет один дайджест и возвращает число вошедших в него постов.
// Записи, по которым нечего отправлять, всё равно удаляются из очереди.
func (a *Aggregator) sendForum(ctx context.Context, userID int64, fg forumGroup, cutoff time.Time) (int, error) {
	consumeOnly := func() error {
		err := a.deps.Queue.ConsumeDigest(ctx, userID, fg.EntryIDs, func(context.Context) error { return nil })
		if errors.Is(err, domain.ErrAlreadyConsumed) {
			return nil
		}
		return err
	}

	user, err := a.cache.User(ctx, userID)
	if err != nil {
		if isMissing(err) {
			a.log.Warn().Int64("user", userID).Msg("digest: recipient not found, entries dropped")
			return 0, consumeOnly()
		}
		return 0, err
	}
	forum, err := a.cache.Forum(ctx, fg.ForumID)
	if err != nil {
		if isMissing(err) {
			a.log.Warn().Int64("forum", fg.ForumID).Msg("digest: forum not found, entries dropped")
			return 0, consumeOnly()
		}
		return 0, err
	}
	course, err := a.cache.Course(ctx, forum.CourseID)
	if err != nil {
		if isMissing(err) {
			return 0, consumeOnly()
		}
		return 0, err
	}

	mode, err := a.router.Mode(ctx, forum.ID, user.Stub())
	if err != nil {
		return 0, err
	}
	if !mode.IsDigest() {
		mode = domain.DigestFull
	}
	renderMode := domain.RenderDigestFull
	if mode == domain.DigestSubjects {
		renderMode = domain.RenderDigestSubject
	}

	var items []renderedPost
	for _, dg := range fg.Discussions {
		for _, postID := range dg.PostIDs {
			item, ok, err := a.renderPost(ctx, postID, user, renderMode)
			if err != nil {
				return 0, err
			}
			if ok {
				items = append(items, item)
			}
		}
	}
	if len(items) == 0 {
		return 0, consumeOnly()
	}

	openRate, err := a.openRate(ctx, user.ID, forum.ID)
	if err != nil {
		a.log.Warn().Err(err).Int64("user", user.ID).Msg("digest: open rate unavailable")
		openRate = -1
	}
	header, err := a.deps.Renderer.RenderDigestHeader(domain.DigestHeaderInput{
		Forum:     forum,
		Course:    course,
		Recipient: user,
		Date:      cutoff,
		OpenRate:  openRate,
	})
	if err != nil {
		return 0, fmt.Errorf("отрисовка шапки: %w", err)
	}
	msg := a.buildMessage(user, forum, course, cutoff, header, items)

	err = a.deps.Queue.ConsumeDigest(ctx, user.ID, fg.EntryIDs, func(ctx context.Context) error {
		return a.deps.Transport.Send(ctx, msg)
	})
	if errors.Is(err, domain.ErrAlreadyConsumed) {
		a.log.Info().Int64("user", user.ID).Int64("forum", forum.ID).Msg("digest: entries taken by another pass, skipped")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("отправка дайджеста: %w", err)
	}
	metrics.DigestsSent.WithLabelValues(mode.String()).Inc()

	if err := a.deps.Queue.RecordOpenRateSample(ctx, domain.OpenRateSample{UserID: user.ID, ForumID: forum.ID, DigestDate: cutoff}); err != nil {
		a.log.Warn().Err(err).Int64("user", user.ID).Msg("digest: record open rate sample")
	}
	if mode == domain.DigestFull && a.opts.MarkReadOnNotification && a.deps.Reads != nil &&
		domain.IsTracked(forum, user, a.opts.ForcedReadTrackingAllowed) {
		for _, it := range items {
			if err := a.deps.Reads.MarkRead(ctx, user.ID, it.post, forum.ID); err != nil {
				a.log.Warn().Err(err).Int64("post", it.post.ID).Int64("user", user.ID).Msg("digest: mark read failed")
			}
		}
	}
	a.notify(ctx, domain.EventDigestSent, map[string]any{"user_id": user.ID, "forum_id": forum.ID, "posts": len(items), "message_id": msg.MessageID})
	return len(items), nil
}

// renderPost перепроверяет доступ к посту на момент отправки дайджеста.
// ok=false означает, что пост удалён или больше не виден получателю.
func (a *Aggregator) renderPost(ctx context.Context, postID int64, user domain.User, mode domain.RenderMode) (renderedPost, bool, error) {
	post, err := a.cache.Post(ctx, postID)
	if err != nil {
		if isMissing(err) {
			return renderedPost{}, false, nil
		}
		return renderedPost{}, false, err
	}
	pc, err := a.cache.Resolve(ctx, post)
	if err != nil {
		if isMissing(err) {
			return renderedPost{}, false, nil
		}
		return renderedPost{}, false, err
	}
	ok, err := a.filter.IsEligible(ctx, post, pc, user.Stub())
	if err != nil {
		return renderedPost{}, false, fmt.Errorf("проверка доступа к посту %d: %w", postID, err)
	}
	if !ok {
		return renderedPost{}, false, nil
	}
	author, err := a.cache.User(ctx, post.AuthorID)
	if err != nil {
		if !isMissing(err) {
			return renderedPost{}, false, err
		}
		author = domain.User{ID: post.AuthorID}
	}
	rendered, err := a.deps.Renderer.Render(domain.RenderInput{
		Post:       post,
		Discussion: pc.Discussion,
		Forum:      pc.Forum,
		Course:     pc.Course,
		Author:     author,
		Recipient:  user,
		Mode:       mode,
	})
	if err != nil {
		return renderedPost{}, false, fmt.Errorf("отрисовка поста %d: %w", postID, err)
	}
	return renderedPost{post: post, rendered: rendered}, true, nil
}

// openRate возвращает долю открытых дайджестов в процентах или -1, если истории мало.
func (a *Aggregator) openRate(ctx context.Context, userID, forumID int64) (int, error) {
	samples, err := a.deps.Queue.ListOpenRateSamples(ctx, userID, forumID, openRateWindow)
	if err != nil {
		return -1, err
	}
	if len(samples) < openRateMinSamples {
		return -1, nil
	}
	opened := 0
	for _, s := range samples {
		if s.Opened {
			opened++
		}
	}
	return opened * 100 / len(samples), nil
}

func (a *Aggregator) buildMessage(user domain.User, forum domain.Forum, course domain.Course, cutoff time.Time, header domain.Rendered, items []renderedPost) domain.Message {
	var text, html strings.Builder
	text.WriteString(header.Text)
	html.WriteString(header.HTML)
	for _, it := range items {
		text.WriteString("\n\n")
		text.WriteString(it.rendered.Text)
		html.WriteString("\n<hr>\n")
		html.WriteString(it.rendered.HTML)
	}
	return domain.Message{
		MessageID: domain.DigestMessageID(forum.ID, user.ID, cutoff, a.opts.MailDomain),
		To:        user.Stub(),
		ToName:    user.FullName(),
		FromName:  a.opts.SiteName,
		Subject:   header.Subject,
		Text:      text.String(),
		HTML:      html.String(),
		Headers:   domain.ListHeaders(forum, course, a.opts.SiteURL, a.opts.MailDomain),
	}
}

func (a *Aggregator) notify(ctx context.Context, kind domain.EventKind, payload map[string]any) {
	if err := a.deps.Notifier.Notify(ctx, kind, payload); err != nil {
		a.log.Warn().Err(err).Str("event", string(kind)).Msg("digest: notify failed")
	}
}

func isMissing(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
