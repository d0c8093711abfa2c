package recipients

import (
	"context"
	"fmt"
	"time"

	"forum-digest/internal/domain"
)

// Policy: настройки, влияющие на видимость постов.
type Policy struct {
	EditGracePeriod   time.Duration
	TimedPostsEnabled bool
	// RequireEmail отсекает пользователей без адреса, когда доставка идёт почтой.
	RequireEmail bool
}

// Filter проверяет, может ли пользователь получить уведомление о посте.
type Filter struct {
	cache  *RunCache
	caps   domain.CapabilityChecker
	groups domain.GroupMembership
	posts  domain.PostStore
	clock  domain.Clock
	policy Policy
}

// NewFilter создаёт фильтр получателей.
func NewFilter(cache *RunCache, caps domain.CapabilityChecker, groups domain.GroupMembership, posts domain.PostStore, clock domain.Clock, policy Policy) *Filter {
	return &Filter{cache: cache, caps: caps, groups: groups, posts: posts, clock: clock, policy: policy}
}

// IsEligible проверяет права пользователя на пост. Проверки идут по порядку
// и прерываются на первой неудачной.
func (f *Filter) IsEligible(ctx context.Context, post domain.Post, pc Context, user domain.UserStub) (bool, error) {
	if !user.Reachable() || (f.policy.RequireEmail && user.Email == "") {
		return false, nil
	}

	ov, found, err := f.cache.DiscussionOverride(ctx, pc.Forum.ID, pc.Discussion.ID, user.ID)
	if err != nil {
		return false, err
	}
	if found && ov.Subscribed() && ov.SubscribedSince.After(post.CreatedAt) {
		return false, nil
	}

	ok, err := f.caps.CanView(ctx, user.ID, pc.Course, pc.Activity)
	if err != nil {
		return false, fmt.Errorf("проверка видимости курса: %w", err)
	}
	if !ok {
		return false, nil
	}

	if ok, err := f.groupVisible(ctx, pc, user.ID); err != nil || !ok {
		return false, err
	}

	if pc.Forum.Type == domain.ForumQandA {
		if ok, err := f.qandaVisible(ctx, post, pc, user.ID); err != nil || !ok {
			return false, err
		}
	}

	if f.policy.TimedPostsEnabled && !pc.Discussion.InWindow(f.clock.Now()) && pc.Discussion.AuthorID != user.ID {
		ok, err := f.caps.HasCapability(ctx, user.ID, domain.CapViewHiddenTimedPosts, pc.Activity.ID)
		if err != nil {
			return false, fmt.Errorf("проверка права на отложенные посты: %w", err)
		}
		if !ok {
			return false, nil
		}
	}

	if post.PrivateReplyTo != 0 && user.ID != post.PrivateReplyTo && user.ID != post.AuthorID {
		return false, nil
	}
	return true, nil
}

func (f *Filter) groupVisible(ctx context.Context, pc Context, userID int64) (bool, error) {
	if pc.Discussion.GroupID <= 0 {
		return true, nil
	}
	mode, err := f.groups.GroupMode(ctx, pc.Course, pc.Activity)
	if err != nil {
		return false, fmt.Errorf("режим групп: %w", err)
	}
	if mode != domain.GroupModeSeparate {
		return true, nil
	}
	member, err := f.groups.IsMember(ctx, userID, pc.Discussion.GroupID)
	if err != nil {
		return false, fmt.Errorf("членство в группе %d: %w", pc.Discussion.GroupID, err)
	}
	if member {
		return true, nil
	}
	ok, err := f.caps.HasCapability(ctx, userID, domain.CapAccessAllGroups, pc.Activity.ID)
	if err != nil {
		return false, fmt.Errorf("проверка доступа ко всем группам: %w", err)
	}
	return ok, nil
}

// qandaVisible: в форуме вопросов и ответов ответы открываются только после
// собственного поста пользователя, пережившего период редактирования.
func (f *Filter) qandaVisible(ctx context.Context, post domain.Post, pc Context, userID int64) (bool, error) {
	if post.AuthorID == userID || post.ID == pc.Discussion.FirstPostID || pc.Discussion.AuthorID == userID {
		return true, nil
	}
	ok, err := f.caps.HasCapability(ctx, userID, domain.CapViewQandAWithoutPost, pc.Activity.ID)
	if err != nil {
		return false, fmt.Errorf("проверка права qanda: %w", err)
	}
	if ok {
		return true, nil
	}
	first, found, err := f.posts.UserFirstPostTime(ctx, pc.Discussion.ID, userID)
	if err != nil {
		return false, fmt.Errorf("первый пост пользователя: %w", err)
	}
	if !found {
		return false, nil
	}
	return !first.After(f.clock.Now().Add(-f.policy.EditGracePeriod)), nil
}
