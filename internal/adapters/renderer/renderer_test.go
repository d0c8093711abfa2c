package renderer

import (
	"strings"
	"testing"
	"time"

	"forum-digest/internal/domain"
)

func sampleInput(mode domain.RenderMode) domain.RenderInput {
	return domain.RenderInput{
		Post: domain.Post{
			ID:           42,
			DiscussionID: 7,
			ParentID:     40,
			Subject:      "Re: <Экзамен>",
			Message:      "Когда пересдача?\nСпасибо",
			CreatedAt:    time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
		},
		Discussion: domain.Discussion{ID: 7, ForumID: 3, Name: "Экзамен"},
		Forum:      domain.Forum{ID: 3, Name: "Новости"},
		Course:     domain.Course{ID: 1, ShortName: "MATH101", FullName: "Математика"},
		Author:     domain.User{ID: 5, FirstName: "Анна", LastName: "Иванова"},
		Recipient:  domain.User{ID: 9},
		Mode:       mode,
	}
}

func TestRenderImmediate(t *testing.T) {
	r := New("https://lms.example.org/")
	in := sampleInput(domain.RenderImmediate)
	in.CanReply = true

	out, err := r.Render(in)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if out.Subject != "MATH101: Re: <Экзамен>" {
		t.Fatalf("неверная тема: %q", out.Subject)
	}
	if !strings.Contains(out.Text, "Когда пересдача?") || !strings.Contains(out.Text, "Анна Иванова") {
		t.Fatalf("текст без тела или автора: %q", out.Text)
	}
	if !strings.Contains(out.Text, "Ответить: https://lms.example.org/mod/forum/discuss.php?d=7#p42") {
		t.Fatalf("нет ссылки для ответа: %q", out.Text)
	}
	if strings.Contains(out.HTML, "<Экзамен>") {
		t.Fatalf("тема не экранирована в HTML: %q", out.HTML)
	}
	if !strings.Contains(out.HTML, "Когда пересдача?<br>") {
		t.Fatalf("переносы строк потеряны: %q", out.HTML)
	}
}

func TestRenderImmediateWithoutReply(t *testing.T) {
	r := New("https://lms.example.org")
	out, err := r.Render(sampleInput(domain.RenderImmediate))
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if strings.Contains(out.Text, "Ответить") || strings.Contains(out.HTML, "Ответить") {
		t.Fatalf("ссылка для ответа не должна появляться")
	}
}

func TestRenderDigestModes(t *testing.T) {
	r := New("https://lms.example.org")

	full, err := r.Render(sampleInput(domain.RenderDigestFull))
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if !strings.Contains(full.Text, "Спасибо") {
		t.Fatalf("полный дайджест должен содержать тело: %q", full.Text)
	}

	short, err := r.Render(sampleInput(domain.RenderDigestSubject))
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if strings.Contains(short.Text, "Спасибо") {
		t.Fatalf("дайджест тем не должен содержать тело: %q", short.Text)
	}
	if !strings.Contains(short.Text, "#p42") {
		t.Fatalf("нет ссылки на пост: %q", short.Text)
	}
}

func TestRenderUnknownMode(t *testing.T) {
	r := New("https://lms.example.org")
	if _, err := r.Render(sampleInput(domain.RenderMode(99))); err == nil {
		t.Fatalf("ожидали ошибку для неизвестного режима")
	}
}

func TestRenderDigestHeader(t *testing.T) {
	r := New("https://lms.example.org")
	in := domain.DigestHeaderInput{
		Forum:    domain.Forum{ID: 3, Name: "Новости"},
		Course:   domain.Course{ShortName: "MATH101"},
		Date:     time.Date(2024, 3, 1, 17, 0, 0, 0, time.UTC),
		OpenRate: -1,
	}
	out, err := r.RenderDigestHeader(in)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if !strings.Contains(out.Subject, "2024-03-01") || !strings.HasPrefix(out.Subject, "MATH101: ") {
		t.Fatalf("неверная тема: %q", out.Subject)
	}
	if strings.Contains(out.Text, "%") {
		t.Fatalf("статистика не должна выводиться без истории: %q", out.Text)
	}

	in.OpenRate = 40
	out, err = r.RenderDigestHeader(in)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if !strings.Contains(out.Text, "40%") {
		t.Fatalf("нет статистики открытий: %q", out.Text)
	}
}

func TestPostSubjectFallback(t *testing.T) {
	disc := domain.Discussion{Name: "Тема"}
	if got := postSubject(domain.Post{}, disc); got != "Тема" {
		t.Fatalf("ожидали имя обсуждения, получили %q", got)
	}
	if got := postSubject(domain.Post{ParentID: 1}, disc); got != "Re: Тема" {
		t.Fatalf("ожидали Re:, получили %q", got)
	}
}
