package mailing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"forum-digest/internal/domain"
	"forum-digest/internal/infra/metrics"
	"forum-digest/internal/usecase/recipients"
)

// maxReferences ограничивает длину цепочки References.
const maxReferences = 20

// DispatchOptions: настройки мгновенной рассылки.
type DispatchOptions struct {
	SiteName                  string
	SiteURL                   string
	MailDomain                string
	MarkReadOnNotification    bool
	ForcedReadTrackingAllowed bool
	OldPostCutoff             time.Duration
	Transport                 string
}

// DeliveryResult: итог отправки одного письма.
type DeliveryResult struct {
	Sent bool
	Err  error
}

type postCounter struct {
	sent   int
	failed int
}

// Dispatcher отрисовывает и отправляет мгновенные уведомления.
type Dispatcher struct {
	cache     *recipients.RunCache
	renderer  domain.MessageRenderer
	transport domain.MailTransport
	replies   domain.ReplyAddressGenerator
	caps      domain.CapabilityChecker
	reads     domain.ReadTracker
	notifier  domain.Notifier
	clock     domain.Clock
	opts      DispatchOptions
	log       zerolog.Logger

	mu       sync.Mutex
	counters map[int64]*postCounter
}

// NewDispatcher создаёт диспетчер. replies может быть nil.
func NewDispatcher(cache *recipients.RunCache, renderer domain.MessageRenderer, transport domain.MailTransport, replies domain.ReplyAddressGenerator, caps domain.CapabilityChecker, reads domain.ReadTracker, notifier domain.Notifier, clock domain.Clock, opts DispatchOptions, logger zerolog.Logger) *Dispatcher {
	if notifier == nil {
		notifier = domain.NopNotifier{}
	}
	if opts.Transport == "" {
		opts.Transport = "mail"
	}
	return &Dispatcher{
		cache:     cache,
		renderer:  renderer,
		transport: transport,
		replies:   replies,
		caps:      caps,
		reads:     reads,
		notifier:  notifier,
		clock:     clock,
		opts:      opts,
		log:       logger,
		counters:  make(map[int64]*postCounter),
	}
}

// Dispatch отправляет пост одному получателю. Повторов внутри прохода нет.
func (d *Dispatcher) Dispatch(ctx context.Context, post domain.Post, pc recipients.Context, recipient, author domain.User) DeliveryResult {
	msg, err := d.buildMessage(ctx, post, pc, recipient, author)
	if err == nil {
		err = d.transport.Send(ctx, msg)
	}
	if err != nil {
		d.RecordFailure(post.ID)
		metrics.NotificationsFailed.WithLabelValues(d.opts.Transport).Inc()
		derr := &domain.DeliveryError{PostID: post.ID, UserID: recipient.ID, Err: err}
		d.log.Warn().Err(err).Int64("post", post.ID).Int64("user", recipient.ID).Msg("mailing: delivery failed")
		d.notify(ctx, domain.EventPostMailFailed, map[string]any{"post_id": post.ID, "user_id": recipient.ID, "error": err.Error()})
		return DeliveryResult{Err: derr}
	}

	d.mu.Lock()
	d.counter(post.ID).sent++
	d.mu.Unlock()
	metrics.NotificationsSent.WithLabelValues(d.opts.Transport).Inc()

	if d.shouldMarkRead(post, pc.Forum, recipient) {
		if err := d.reads.MarkRead(ctx, recipient.ID, post, pc.Forum.ID); err != nil {
			d.log.Warn().Err(err).Int64("post", post.ID).Int64("user", recipient.ID).Msg("mailing: mark read failed")
		}
	}
	d.notify(ctx, domain.EventPostMailed, map[string]any{"post_id": post.ID, "user_id": recipient.ID, "message_id": msg.MessageID})
	return DeliveryResult{Sent: true}
}

// RecordFailure увеличивает счётчик ошибок поста.
func (d *Dispatcher) RecordFailure(postID int64) {
	d.mu.Lock()
	d.counter(postID).failed++
	d.mu.Unlock()
}

func (d *Dispatcher) counter(postID int64) *postCounter {
	c, ok := d.counters[postID]
	if !ok {
		c = &postCounter{}
		d.counters[postID] = c
	}
	return c
}

// Counters возвращает число успешных и неудачных отправок поста.
func (d *Dispatcher) Counters(postID int64) (sent, failed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.counters[postID]; ok {
		return c.sent, c.failed
	}
	return 0, 0
}

// FailedPosts возвращает посты, у которых была хотя бы одна ошибка.
func (d *Dispatcher) FailedPosts() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []int64
	for id, c := range d.counters {
		if c.failed > 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d *Dispatcher) shouldMarkRead(post domain.Post, forum domain.Forum, user domain.User) bool {
	if !d.opts.MarkReadOnNotification || d.reads == nil {
		return false
	}
	if !domain.IsTracked(forum, user, d.opts.ForcedReadTrackingAllowed) {
		return false
	}
	modified := post.ModifiedAt
	if modified.IsZero() {
		modified = post.CreatedAt
	}
	return modified.After(d.clock.Now().Add(-d.opts.OldPostCutoff))
}

func (d *Dispatcher) notify(ctx context.Context, kind domain.EventKind, payload map[string]any) {
	if err := d.notifier.Notify(ctx, kind, payload); err != nil {
		d.log.Warn().Err(err).Str("event", string(kind)).Msg("mailing: notify failed")
	}
}

func (d *Dispatcher) canReply(ctx context.Context, pc recipients.Context, userID int64) (bool, error) {
	if pc.Discussion.Locked {
		return false, nil
	}
	return d.caps.HasCapability(ctx, userID, domain.CapReplyPost, pc.Activity.ID)
}

func (d *Dispatcher) buildMessage(ctx context.Context, post domain.Post, pc recipients.Context, recipient, author domain.User) (domain.Message, error) {
	canReply, err := d.canReply(ctx, pc, recipient.ID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("проверка права ответа: %w", err)
	}
	rendered, err := d.renderer.Render(domain.RenderInput{
		Post:       post,
		Discussion: pc.Discussion,
		Forum:      pc.Forum,
		Course:     pc.Course,
		Author:     author,
		Recipient:  recipient,
		Mode:       domain.RenderImmediate,
		CanReply:   canReply,
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("отрисовка поста %d: %w", post.ID, err)
	}

	msg := domain.Message{
		MessageID: domain.PostMessageID(post.ID, recipient.ID, post.CreatedAt, d.opts.MailDomain),
		To:        recipient.Stub(),
		ToName:    recipient.FullName(),
		FromName:  fromName(author, d.opts.SiteName),
		Subject:   rendered.Subject,
		Text:      rendered.Text,
		HTML:      rendered.HTML,
		Headers:   domain.ListHeaders(pc.Forum, pc.Course, d.opts.SiteURL, d.opts.MailDomain),
	}

	if post.IsReply() {
		chain, err := d.ancestors(ctx, post, pc.Discussion)
		if err != nil {
			return domain.Message{}, err
		}
		refs := make([]string, 0, len(chain))
		for _, a := range chain {
			refs = append(refs, domain.PostMessageID(a.ID, recipient.ID, a.CreatedAt, d.opts.MailDomain))
		}
		if len(refs) > 0 {
			msg.Headers = append(msg.Headers,
				domain.Header{Name: "In-Reply-To", Value: refs[len(refs)-1]},
				domain.Header{Name: "References", Value: strings.Join(refs, " ")},
			)
		}
	}

	if canReply && d.replies != nil {
		addr, err := d.replies.ReplyAddress(recipient.ID, post.ID)
		if err != nil {
			d.log.Warn().Err(err).Int64("post", post.ID).Msg("mailing: reply address")
		} else {
			msg.ReplyTo = addr
		}
	}
	return msg, nil
}

// ancestors возвращает цепочку предков от корня обсуждения к родителю.
// Корень всегда первый, даже если промежуточные посты обрезаны или удалены.
// Удалённый предок обрывает цепочку, но не отправку.
func (d *Dispatcher) ancestors(ctx context.Context, post domain.Post, disc domain.Discussion) ([]domain.Post, error) {
	var chain []domain.Post
	seen := map[int64]bool{post.ID: true}
	parentID := post.ParentID
	for parentID != 0 && len(chain) < maxReferences && !seen[parentID] {
		parent, err := d.cache.Post(ctx, parentID)
		if errors.Is(err, domain.ErrNotFound) {
			d.log.Debug().Int64("post", post.ID).Int64("parent", parentID).Msg("mailing: ancestor missing, references truncated")
			break
		}
		if err != nil {
			return nil, fmt.Errorf("родитель поста %d: %w", post.ID, err)
		}
		seen[parentID] = true
		chain = append(chain, parent)
		parentID = parent.ParentID
	}
	if parentID != 0 && disc.FirstPostID != 0 && !seen[disc.FirstPostID] {
		root, err := d.cache.Post(ctx, disc.FirstPostID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("корень обсуждения %d: %w", disc.ID, err)
		case len(chain) == maxReferences:
			chain[len(chain)-1] = root
		default:
			chain = append(chain, root)
		}
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func fromName(author domain.User, siteName string) string {
	name := author.FullName()
	if name == "" {
		return siteName
	}
	if siteName == "" {
		return name
	}
	return fmt.Sprintf("%s (via %s)", name, siteName)
}
