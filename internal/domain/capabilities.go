package domain

// Названия прав, которые проверяет рассылка.
const (
	CapViewDiscussion       = "mod/forum:viewdiscussion"
	CapAccessAllGroups      = "moodle/site:accessallgroups"
	CapViewQandAWithoutPost = "mod/forum:viewqandawithoutposting"
	CapViewHiddenTimedPosts = "mod/forum:viewhiddentimedposts"
	CapReplyPost            = "mod/forum:replypost"
	CapViewHiddenActivities = "moodle/course:viewhiddenactivities"
	CapViewHiddenCourses    = "moodle/course:viewhiddencourses"
)

// IsTracked сообщает, ведётся ли для пользователя учёт прочитанного в форуме.
// Принудительный режим учитывается, только если он разрешён на сайте.
func IsTracked(forum Forum, user User, forcedAllowed bool) bool {
	switch forum.TrackingType {
	case TrackingForced:
		if forcedAllowed {
			return true
		}
		return user.TrackForums
	case TrackingOptional:
		return user.TrackForums
	default:
		return false
	}
}
