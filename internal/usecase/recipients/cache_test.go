package recipients

import (
	"context"
	"testing"

	"forum-digest/internal/domain"
)

func TestRunCacheUserTiers(t *testing.T) {
	s := newFixture(domain.ForumGeneral, domain.SubscriptionForced)
	cache := NewRunCache(storesOf(s), 2)
	ctx := context.Background()

	stubs, err := cache.Stubs(ctx, []int64{1, 2, 3, 4, 99})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(stubs) != 4 {
		t.Fatalf("ожидали 4 заглушки, получили %d", len(stubs))
	}
	if cache.FullUsers() != 2 {
		t.Fatalf("ожидали 2 полные записи, получили %d", cache.FullUsers())
	}

	queries := s.UserQueries()
	if _, err := cache.Stubs(ctx, []int64{1, 2, 3, 4}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if s.UserQueries() != queries {
		t.Fatalf("заглушки должны браться из кэша")
	}

	// Полная запись за пределами лимита перечитывается.
	u, err := cache.User(ctx, 4)
	if err != nil || u.ID != 4 {
		t.Fatalf("ожидали пользователя 4, получили %+v (%v)", u, err)
	}
	if s.UserQueries() != queries+1 {
		t.Fatalf("ожидали повторное чтение пользователя")
	}
	if cache.FullUsers() != 2 {
		t.Fatalf("лимит полных записей превышен: %d", cache.FullUsers())
	}
}

func TestRunCacheMissingUser(t *testing.T) {
	s := newFixture(domain.ForumGeneral, domain.SubscriptionForced)
	cache := NewRunCache(storesOf(s), 0)
	if _, err := cache.User(context.Background(), 404); err == nil {
		t.Fatalf("ожидали ошибку для отсутствующего пользователя")
	}
}
