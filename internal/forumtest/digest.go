package forumtest

import (
	"context"
	"slices"
	"sort"
	"time"

	"forum-digest/internal/domain"
)

// UpsertQueueEntry добавляет запись очереди, если пары (пользователь, пост) ещё нет.
func (s *Store) UpsertQueueEntry(_ context.Context, entry domain.DigestQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.queue {
		if e.UserID == entry.UserID && e.PostID == entry.PostID {
			return nil
		}
	}
	s.nextQueueID++
	entry.ID = s.nextQueueID
	s.queue[entry.ID] = entry
	return nil
}

// DeleteQueueEntriesBefore удаляет записи, поставленные раньше before.
func (s *Store) DeleteQueueEntriesBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.queue {
		if e.QueuedAt.Before(before) {
			delete(s.queue, id)
			n++
		}
	}
	return n, nil
}

// ListQueueEntries возвращает записи, поставленные не позже before.
func (s *Store) ListQueueEntries(_ context.Context, before time.Time) ([]domain.DigestQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DigestQueueEntry
	for _, e := range s.queue {
		if !e.QueuedAt.After(before) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// QueueEntries возвращает все записи очереди.
func (s *Store) QueueEntries() []domain.DigestQueueEntry {
	out, _ := s.ListQueueEntries(context.Background(), time.Unix(1<<40, 0))
	return out
}

// ConsumeDigest забирает записи под блокировкой, затем вызывает send.
// Ошибка send возвращает записи в очередь; блокировка во время send не держится.
func (s *Store) ConsumeDigest(ctx context.Context, userID int64, entryIDs []int64, send func(ctx context.Context) error) error {
	taken, err := s.takeEntries(userID, entryIDs)
	if err != nil {
		return err
	}
	if err := send(ctx); err != nil {
		s.mu.Lock()
		for _, e := range taken {
			s.queue[e.ID] = e
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) takeEntries(userID int64, entryIDs []int64) ([]domain.DigestQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	taken := make([]domain.DigestQueueEntry, 0, len(entryIDs))
	for _, id := range entryIDs {
		e, ok := s.queue[id]
		if !ok || e.UserID != userID {
			return nil, domain.ErrAlreadyConsumed
		}
		taken = append(taken, e)
	}
	for _, e := range taken {
		delete(s.queue, e.ID)
	}
	return taken, nil
}

// GetDigestLastRun возвращает время последнего дайджеста.
func (s *Store) GetDigestLastRun(context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, nil
}

// ClaimDigestRun записывает now, если последний дайджест был раньше cutoff.
func (s *Store) ClaimDigestRun(_ context.Context, cutoff, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastRun.Before(cutoff) {
		return false, nil
	}
	s.lastRun = now
	return true, nil
}

// ListOpenRateSamples возвращает последние отметки о прочтении дайджестов.
func (s *Store) ListOpenRateSamples(_ context.Context, userID, forumID int64, limit int) ([]domain.OpenRateSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OpenRateSample
	for i := len(s.samples) - 1; i >= 0 && len(out) < limit; i-- {
		sm := s.samples[i]
		if sm.UserID == userID && sm.ForumID == forumID {
			out = append(out, sm)
		}
	}
	return out, nil
}

// RecordOpenRateSample сохраняет отметку о дайджесте.
func (s *Store) RecordOpenRateSample(_ context.Context, sample domain.OpenRateSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

// CanView проверяет видимость курса и модуля.
func (s *Store) CanView(_ context.Context, userID int64, course domain.Course, activity domain.Activity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !course.Visible && !s.caps[capKey{userID, domain.CapViewHiddenCourses}] {
		return false, nil
	}
	if !activity.Visible && !s.caps[capKey{userID, domain.CapViewHiddenActivities}] {
		return false, nil
	}
	return true, nil
}

// HasCapability проверяет право пользователя.
func (s *Store) HasCapability(_ context.Context, userID int64, capability string, _ int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps[capKey{userID, capability}], nil
}

// IsMember проверяет членство в группе.
func (s *Store) IsMember(_ context.Context, userID, groupID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.groups[groupID], userID), nil
}

// GroupMode возвращает действующий режим групп.
func (s *Store) GroupMode(_ context.Context, course domain.Course, activity domain.Activity) (domain.GroupMode, error) {
	return domain.EffectiveGroupMode(course, activity), nil
}

// MarkRead отмечает пост прочитанным.
func (s *Store) MarkRead(_ context.Context, userID int64, post domain.Post, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read[readKey{userID, post.ID}] = true
	return nil
}

// IsRead сообщает, отмечен ли пост прочитанным.
func (s *Store) IsRead(userID, postID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read[readKey{userID, postID}]
}

// Samples возвращает все сохранённые отметки.
func (s *Store) Samples() []domain.OpenRateSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OpenRateSample(nil), s.samples...)
}
