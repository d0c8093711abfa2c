package mailing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"forum-digest/internal/domain"
	"forum-digest/internal/infra/metrics"
	"forum-digest/internal/usecase/digest"
	"forum-digest/internal/usecase/recipients"
)

// Deps: внешние зависимости прохода рассылки.
type Deps struct {
	Posts         domain.PostStore
	Discussions   domain.DiscussionStore
	Forums        domain.ForumStore
	Users         domain.UserStore
	Subscriptions domain.SubscriptionStore
	Queue         domain.DigestQueueStore
	Caps          domain.CapabilityChecker
	Groups        domain.GroupMembership
	Reads         domain.ReadTracker
	Renderer      domain.MessageRenderer
	Transport     domain.MailTransport
	Replies       domain.ReplyAddressGenerator
	Notifier      domain.Notifier
	Lock          domain.RunLock
	Clock         domain.Clock
	// TransportName попадает в метки метрик.
	TransportName string
}

// RunReport: итог одного прохода.
type RunReport struct {
	RunID    string
	Skipped  bool
	Selected int
	Dropped  int
	Sent     int
	Failed   int
	Queued   int
	Errored  []int64
	Digest   digest.Report
	Duration time.Duration
}

// Pipeline выполняет проход рассылки: выборку постов, отправку и дайджест.
type Pipeline struct {
	deps     Deps
	settings Settings
	log      zerolog.Logger
}

// NewPipeline создаёт пайплайн. Настройки проверяются при каждом запуске.
func NewPipeline(deps Deps, settings Settings, logger zerolog.Logger) *Pipeline {
	if deps.Notifier == nil {
		deps.Notifier = domain.NopNotifier{}
	}
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	return &Pipeline{deps: deps, settings: settings, log: logger.With().Str("component", "mailing").Logger()}
}

type delivery struct {
	post      domain.Post
	pc        recipients.Context
	recipient int64
}

// Run выполняет один проход. Ошибка означает провал прохода целиком; ошибки
// отдельных писем только логируются и попадают в отчёт.
func (p *Pipeline) Run(ctx context.Context) (report RunReport, err error) {
	started := time.Now()
	report.RunID = uuid.NewString()
	ctx = domain.WithRunID(ctx, report.RunID)
	log := p.log.With().Str("run", report.RunID).Logger()
	defer func() {
		report.Duration = time.Since(started)
		metrics.ObserveRun(started, err)
	}()

	if err := p.settings.Validate(); err != nil {
		log.Error().Err(err).Msg("mailing: invalid configuration, run aborted")
		return report, err
	}
	s := p.settings

	if p.deps.Lock != nil {
		acquired, err := p.deps.Lock.Acquire(ctx, s.RunLockTTL)
		if err != nil {
			return report, fmt.Errorf("захват блокировки прохода: %w", err)
		}
		if !acquired {
			log.Info().Msg("mailing: another run in progress, skipping")
			report.Skipped = true
			return report, nil
		}
		stop := p.watchdog(ctx, log)
		defer func() {
			stop()
			if err := p.deps.Lock.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("mailing: release lock")
			}
		}()
	}

	now := p.deps.Clock.Now()
	cache := recipients.NewRunCache(recipients.Stores{
		Posts:         p.deps.Posts,
		Discussions:   p.deps.Discussions,
		Forums:        p.deps.Forums,
		Users:         p.deps.Users,
		Subscriptions: p.deps.Subscriptions,
	}, s.UserCacheLimit)
	filter := recipients.NewFilter(cache, p.deps.Caps, p.deps.Groups, p.deps.Posts, p.deps.Clock, recipients.Policy{
		EditGracePeriod:   s.EditGracePeriod,
		TimedPostsEnabled: s.TimedPostsEnabled,
		RequireEmail:      s.RequireEmail,
	})
	router := recipients.NewRouter(cache, p.deps.Queue, p.deps.Clock, s.forceMode())
	resolver := recipients.NewResolver(cache)
	dispatcher := NewDispatcher(cache, p.deps.Renderer, p.deps.Transport, p.deps.Replies, p.deps.Caps, p.deps.Reads, p.deps.Notifier, p.deps.Clock, DispatchOptions{
		SiteName:                  s.SiteName,
		SiteURL:                   s.SiteURL,
		MailDomain:                s.MailDomain,
		MarkReadOnNotification:    s.MarkReadOnNotification,
		ForcedReadTrackingAllowed: s.ForcedReadTrackingAllowed,
		OldPostCutoff:             s.OldPostCutoff,
		Transport:                 p.deps.TransportName,
	}, log)

	selection, err := NewSelector(p.deps.Posts, cache, log).SelectPendingPosts(ctx, now, s.EditGracePeriod, s.LookbackWindow, s.TimedPostsEnabled)
	if err != nil {
		return report, err
	}
	report.Selected = len(selection.Posts) + len(selection.Dropped) + len(selection.Failed)
	report.Dropped = len(selection.Dropped)

	var (
		mu     sync.Mutex
		queued int
	)
	var jobs []delivery
	for _, sel := range selection.Posts {
		candidates, err := resolver.ResolveCandidates(ctx, sel.Context.Forum, sel.Context.Discussion)
		if err != nil {
			log.Error().Err(err).Int64("post", sel.Post.ID).Msg("mailing: resolve subscribers")
			dispatcher.RecordFailure(sel.Post.ID)
			continue
		}
		if len(candidates) == 0 {
			continue
		}
		stubs, err := cache.Stubs(ctx, candidates)
		if err != nil {
			log.Error().Err(err).Int64("post", sel.Post.ID).Msg("mailing: load subscribers")
			dispatcher.RecordFailure(sel.Post.ID)
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.Workers)
		for _, user := range stubs {
			g.Go(func() error {
				ok, err := filter.IsEligible(gctx, sel.Post, sel.Context, user)
				if err != nil {
					log.Warn().Err(err).Int64("post", sel.Post.ID).Int64("user", user.ID).Msg("mailing: eligibility check failed")
					dispatcher.RecordFailure(sel.Post.ID)
					return nil
				}
				if !ok {
					return nil
				}
				decision, err := router.Route(gctx, sel.Post, sel.Context.Discussion, user)
				if err != nil {
					log.Warn().Err(err).Int64("post", sel.Post.ID).Int64("user", user.ID).Msg("mailing: routing failed")
					dispatcher.RecordFailure(sel.Post.ID)
					return nil
				}
				if decision.Route == recipients.RouteDigest {
					mu.Lock()
					queued++
					mu.Unlock()
					metrics.DigestQueued.Inc()
					p.notify(gctx, log, domain.EventPostQueued, map[string]any{"post_id": sel.Post.ID, "user_id": user.ID, "mode": decision.Mode.String()})
					return nil
				}
				mu.Lock()
				jobs = append(jobs, delivery{post: sel.Post, pc: sel.Context, recipient: user.ID})
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}
	report.Queued = queued

	sent, failed := p.dispatchAll(ctx, log, cache, dispatcher, jobs)
	report.Sent = sent
	report.Failed = failed

	errored := append(dispatcher.FailedPosts(), selection.Failed...)
	sort.Slice(errored, func(i, j int) bool { return errored[i] < errored[j] })
	if len(errored) > 0 {
		if err := p.deps.Posts.SetMailState(ctx, errored, domain.MailError); err != nil {
			log.Error().Err(err).Ints64("posts", errored).Msg("mailing: mark posts as errored")
		}
	}
	report.Errored = errored

	aggregator := digest.NewAggregator(digest.Deps{
		Queue:     p.deps.Queue,
		Renderer:  p.deps.Renderer,
		Transport: p.deps.Transport,
		Reads:     p.deps.Reads,
		Notifier:  p.deps.Notifier,
		Clock:     p.deps.Clock,
	}, cache, filter, router, digest.Options{
		Location:                  s.Location,
		DigestHour:                s.DigestHour,
		QueueRetention:            s.QueueRetention,
		Workers:                   s.Workers,
		SiteURL:                   s.SiteURL,
		MailDomain:                s.MailDomain,
		SiteName:                  s.SiteName,
		MarkReadOnNotification:    s.MarkReadOnNotification,
		ForcedReadTrackingAllowed: s.ForcedReadTrackingAllowed,
	}, log)
	report.Digest, err = aggregator.RunDigestCutoff(ctx, now)
	if err != nil {
		var cfgErr *domain.ConfigError
		if !errors.As(err, &cfgErr) {
			err = fmt.Errorf("дайджест: %w", err)
		}
		return report, err
	}

	log.Info().
		Int("selected", report.Selected).
		Int("dropped", report.Dropped).
		Int("sent", report.Sent).
		Int("failed", report.Failed).
		Int("queued", report.Queued).
		Bool("digest", report.Digest.Ran).
		Msg("mailing: run completed")
	p.notify(ctx, log, domain.EventRunCompleted, map[string]any{
		"selected": report.Selected,
		"sent":     report.Sent,
		"failed":   report.Failed,
		"queued":   report.Queued,
		"digests":  report.Digest.Sent,
	})
	return report, nil
}

func (p *Pipeline) dispatchAll(ctx context.Context, log zerolog.Logger, cache *recipients.RunCache, dispatcher *Dispatcher, jobs []delivery) (sent, failed int) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.settings.Workers)
	for _, job := range jobs {
		g.Go(func() error {
			recipient, err := cache.User(gctx, job.recipient)
			if err != nil {
				log.Warn().Err(err).Int64("post", job.post.ID).Int64("user", job.recipient).Msg("mailing: load recipient")
				dispatcher.RecordFailure(job.post.ID)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			author, err := cache.User(gctx, job.post.AuthorID)
			if err != nil {
				author = domain.User{ID: job.post.AuthorID}
			}
			res := dispatcher.Dispatch(gctx, job.post, job.pc, recipient, author)
			mu.Lock()
			if res.Sent {
				sent++
			} else {
				failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return sent, failed
}

// watchdog периодически продлевает блокировку прохода.
func (p *Pipeline) watchdog(ctx context.Context, log zerolog.Logger) func() {
	ttl := p.settings.RunLockTTL
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.deps.Lock.Extend(ctx, ttl); err != nil {
					log.Warn().Err(err).Msg("mailing: extend run lock")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (p *Pipeline) notify(ctx context.Context, log zerolog.Logger, kind domain.EventKind, payload map[string]any) {
	if err := p.deps.Notifier.Notify(ctx, kind, payload); err != nil {
		log.Warn().Err(err).Str("event", string(kind)).Msg("mailing: notify failed")
	}
}
