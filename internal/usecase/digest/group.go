package digest

import (
	"sort"

	"forum-digest/internal/domain"
)

// discussionGroup: посты одного обсуждения в порядке возрастания id.
type discussionGroup struct {
	DiscussionID int64
	PostIDs      []int64
}

// forumGroup: всё, что войдёт в одно письмо пользователю по форуму.
type forumGroup struct {
	ForumID     int64
	Discussions []discussionGroup
	EntryIDs    []int64
}

// userGroup: дайджесты одного пользователя.
type userGroup struct {
	UserID int64
	Forums []forumGroup
}

// groupEntries раскладывает записи очереди по пользователю, форуму и обсуждению.
// Все уровни упорядочены по id. Повторы поста у пользователя схлопываются.
func groupEntries(entries []domain.DigestQueueEntry) []userGroup {
	type key struct{ user, forum int64 }
	byForum := make(map[key][]domain.DigestQueueEntry)
	for _, e := range entries {
		k := key{e.UserID, e.ForumID}
		byForum[k] = append(byForum[k], e)
	}

	users := make(map[int64][]forumGroup)
	for k, list := range byForum {
		sort.Slice(list, func(i, j int) bool {
			if list[i].DiscussionID != list[j].DiscussionID {
				return list[i].DiscussionID < list[j].DiscussionID
			}
			return list[i].PostID < list[j].PostID
		})
		fg := forumGroup{ForumID: k.forum}
		for i, e := range list {
			fg.EntryIDs = append(fg.EntryIDs, e.ID)
			if i > 0 && list[i-1].PostID == e.PostID && list[i-1].DiscussionID == e.DiscussionID {
				continue
			}
			n := len(fg.Discussions)
			if n == 0 || fg.Discussions[n-1].DiscussionID != e.DiscussionID {
				fg.Discussions = append(fg.Discussions, discussionGroup{DiscussionID: e.DiscussionID})
				n++
			}
			fg.Discussions[n-1].PostIDs = append(fg.Discussions[n-1].PostIDs, e.PostID)
		}
		users[k.user] = append(users[k.user], fg)
	}

	out := make([]userGroup, 0, len(users))
	for userID, forums := range users {
		sort.Slice(forums, func(i, j int) bool { return forums[i].ForumID < forums[j].ForumID })
		out = append(out, userGroup{UserID: userID, Forums: forums})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
