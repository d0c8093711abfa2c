package renderer

import (
	"fmt"
	"html"
	"strings"

	"forum-digest/internal/domain"
)

// Renderer отрисовывает уведомления и дайджесты в текст и HTML.
type Renderer struct {
	siteURL string
}

var _ domain.MessageRenderer = (*Renderer)(nil)

// New создаёт отрисовщик для сайта siteURL.
func New(siteURL string) *Renderer {
	return &Renderer{siteURL: strings.TrimRight(siteURL, "/")}
}

// Render отрисовывает пост в одном из режимов.
func (r *Renderer) Render(in domain.RenderInput) (domain.Rendered, error) {
	switch in.Mode {
	case domain.RenderImmediate:
		return r.renderImmediate(in), nil
	case domain.RenderDigestFull:
		return r.renderDigestFull(in), nil
	case domain.RenderDigestSubject:
		return r.renderDigestSubject(in), nil
	default:
		return domain.Rendered{}, fmt.Errorf("unknown render mode %d", in.Mode)
	}
}

// RenderDigestHeader отрисовывает шапку дайджеста форума.
func (r *Renderer) RenderDigestHeader(in domain.DigestHeaderInput) (domain.Rendered, error) {
	date := in.Date.Format("2006-01-02")
	subject := fmt.Sprintf("%sДайджест форума «%s» за %s", coursePrefix(in.Course), in.Forum.Name, date)

	var text strings.Builder
	text.WriteString(subject)
	if in.Course.FullName != "" {
		text.WriteString("\n" + in.Course.FullName)
	}
	text.WriteString("\n" + r.forumURL(in.Forum.ID))
	if in.OpenRate >= 0 {
		text.WriteString(fmt.Sprintf("\nВы открываете %d%% дайджестов этого форума.", in.OpenRate))
	}

	var body strings.Builder
	body.WriteString("<h2>" + escapeHTML(subject) + "</h2>")
	if in.Course.FullName != "" {
		body.WriteString("\n<p>" + escapeHTML(in.Course.FullName) + "</p>")
	}
	body.WriteString(fmt.Sprintf("\n<p><a href=\"%s\">%s</a></p>", html.EscapeString(r.forumURL(in.Forum.ID)), escapeHTML(in.Forum.Name)))
	if in.OpenRate >= 0 {
		body.WriteString(fmt.Sprintf("\n<p><small>Вы открываете %d%% дайджестов этого форума.</small></p>", in.OpenRate))
	}

	return domain.Rendered{Subject: subject, Text: text.String(), HTML: body.String()}, nil
}

func (r *Renderer) renderImmediate(in domain.RenderInput) domain.Rendered {
	subject := coursePrefix(in.Course) + postSubject(in.Post, in.Discussion)
	link := r.postURL(in.Post)

	sections := []string{
		breadcrumb(in),
		postSubject(in.Post, in.Discussion) + "\n" + byline(in),
		strings.TrimSpace(in.Post.Message),
	}
	footer := "Открыть обсуждение: " + r.discussionURL(in.Discussion.ID)
	if in.CanReply {
		footer += "\nОтветить: " + link
	}
	footer += "\nОтписаться: " + r.subscribeURL(in.Forum.ID)
	sections = append(sections, footer)
	text := strings.Join(nonEmpty(sections), "\n\n")

	var body strings.Builder
	body.WriteString("<div class=\"navbar\">" + escapeHTML(breadcrumb(in)) + "</div>")
	body.WriteString("\n<div class=\"post\">")
	body.WriteString(fmt.Sprintf("\n<h3><a href=\"%s\">%s</a></h3>", html.EscapeString(link), escapeHTML(postSubject(in.Post, in.Discussion))))
	body.WriteString("\n<p class=\"author\">" + escapeHTML(byline(in)) + "</p>")
	body.WriteString("\n<div class=\"message\">" + formatMessage(in.Post.Message) + "</div>")
	body.WriteString("\n</div>")
	body.WriteString(fmt.Sprintf("\n<p><a href=\"%s\">Открыть обсуждение</a>", html.EscapeString(r.discussionURL(in.Discussion.ID))))
	if in.CanReply {
		body.WriteString(fmt.Sprintf(" | <a href=\"%s\">Ответить</a>", html.EscapeString(link)))
	}
	body.WriteString(fmt.Sprintf(" | <a href=\"%s\">Отписаться</a></p>", html.EscapeString(r.subscribeURL(in.Forum.ID))))

	return domain.Rendered{Subject: subject, Text: text, HTML: body.String()}
}

func (r *Renderer) renderDigestFull(in domain.RenderInput) domain.Rendered {
	subject := postSubject(in.Post, in.Discussion)
	text := strings.Join(nonEmpty([]string{
		in.Discussion.Name,
		subject + "\n" + byline(in),
		strings.TrimSpace(in.Post.Message),
		r.postURL(in.Post),
	}), "\n")

	var body strings.Builder
	body.WriteString("<div class=\"post\">")
	body.WriteString("\n<p class=\"discussion\">" + escapeHTML(in.Discussion.Name) + "</p>")
	body.WriteString(fmt.Sprintf("\n<h4><a href=\"%s\">%s</a></h4>", html.EscapeString(r.postURL(in.Post)), escapeHTML(subject)))
	body.WriteString("\n<p class=\"author\">" + escapeHTML(byline(in)) + "</p>")
	body.WriteString("\n<div class=\"message\">" + formatMessage(in.Post.Message) + "</div>")
	body.WriteString("\n</div>")
	return domain.Rendered{Subject: subject, Text: text, HTML: body.String()}
}

func (r *Renderer) renderDigestSubject(in domain.RenderInput) domain.Rendered {
	subject := postSubject(in.Post, in.Discussion)
	link := r.postURL(in.Post)
	text := fmt.Sprintf("• %s (%s)\n  %s", subject, authorName(in.Author), link)
	body := fmt.Sprintf("<p>• <a href=\"%s\">%s</a> <small>%s</small></p>",
		html.EscapeString(link), escapeHTML(subject), escapeHTML(authorName(in.Author)))
	return domain.Rendered{Subject: subject, Text: text, HTML: body}
}

func (r *Renderer) forumURL(forumID int64) string {
	return fmt.Sprintf("%s/mod/forum/view.php?f=%d", r.siteURL, forumID)
}

func (r *Renderer) discussionURL(discussionID int64) string {
	return fmt.Sprintf("%s/mod/forum/discuss.php?d=%d", r.siteURL, discussionID)
}

func (r *Renderer) postURL(post domain.Post) string {
	return fmt.Sprintf("%s/mod/forum/discuss.php?d=%d#p%d", r.siteURL, post.DiscussionID, post.ID)
}

func (r *Renderer) subscribeURL(forumID int64) string {
	return fmt.Sprintf("%s/mod/forum/subscribe.php?id=%d", r.siteURL, forumID)
}

func coursePrefix(course domain.Course) string {
	if course.ShortName == "" {
		return ""
	}
	return course.ShortName + ": "
}

func postSubject(post domain.Post, disc domain.Discussion) string {
	if s := strings.TrimSpace(post.Subject); s != "" {
		return s
	}
	if post.IsReply() {
		return "Re: " + disc.Name
	}
	return disc.Name
}

func breadcrumb(in domain.RenderInput) string {
	parts := nonEmpty([]string{in.Course.ShortName, in.Forum.Name, in.Discussion.Name})
	return strings.Join(parts, " » ")
}

func byline(in domain.RenderInput) string {
	return fmt.Sprintf("%s, %s", authorName(in.Author), in.Post.CreatedAt.UTC().Format("02.01.2006 15:04 UTC"))
}

func authorName(u domain.User) string {
	if name := strings.TrimSpace(u.FullName()); name != "" {
		return name
	}
	return fmt.Sprintf("Пользователь %d", u.ID)
}

// formatMessage экранирует текст поста и сохраняет переносы строк.
func formatMessage(message string) string {
	escaped := escapeHTML(strings.TrimSpace(message))
	return strings.ReplaceAll(escaped, "\n", "<br>\n")
}

func escapeHTML(s string) string {
	return html.EscapeString(s)
}

func nonEmpty(items []string) []string {
	res := make([]string, 0, len(items))
	for _, it := range items {
		if strings.TrimSpace(it) != "" {
			res = append(res, it)
		}
	}
	return res
}
