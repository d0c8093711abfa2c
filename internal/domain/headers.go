package domain

import (
	"fmt"
	"strings"
)

// ListHeaders возвращает заголовки против автоответчиков и заголовки рассылки форума.
func ListHeaders(forum Forum, course Course, siteURL, mailDomain string) []Header {
	listName := course.ShortName
	if listName == "" {
		listName = forum.Name
	}
	site := strings.TrimRight(siteURL, "/")
	return []Header{
		{Name: "Precedence", Value: "Bulk"},
		{Name: "X-Auto-Response-Suppress", Value: "All"},
		{Name: "Auto-Submitted", Value: "auto-generated"},
		{Name: "List-Id", Value: fmt.Sprintf("%q <forum%d.%s>", listName, forum.ID, mailDomain)},
		{Name: "List-Unsubscribe", Value: fmt.Sprintf("<%s/mod/forum/subscribe.php?id=%d>", site, forum.ID)},
		{Name: "List-Help", Value: fmt.Sprintf("<%s/mod/forum/view.php?f=%d>", site, forum.ID)},
	}
}
