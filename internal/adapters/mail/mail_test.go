package mail

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"forum-digest/internal/domain"
)

func sampleMessage() domain.Message {
	return domain.Message{
		MessageID: "<abc@forum.example.org>",
		To:        domain.UserStub{ID: 7, Email: "student@example.org"},
		ToName:    "Пётр",
		FromName:  "Анна (via LMS)",
		ReplyTo:   "reply+7@forum.example.org",
		Subject:   "MATH101: Экзамен",
		Text:      "Привет\nмир",
		HTML:      "<p>Привет</p>",
		Headers: []domain.Header{
			{Name: "Precedence", Value: "Bulk"},
			{Name: "In-Reply-To", Value: "<parent@forum.example.org>"},
			{Name: "Subject", Value: "подмена"},
		},
	}
}

func TestBuildMIMEMultipart(t *testing.T) {
	raw, err := BuildMIME(sampleMessage(), mail.Address{Name: "LMS", Address: "noreply@example.org"}, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("письмо не разбирается: %v", err)
	}
	subject, err := new(mime.WordDecoder).DecodeHeader(parsed.Header.Get("Subject"))
	if err != nil || subject != "MATH101: Экзамен" {
		t.Fatalf("неверная тема: %q (%v)", subject, err)
	}
	if got := parsed.Header.Get("Message-Id"); got != "<abc@forum.example.org>" {
		t.Fatalf("неверный Message-ID: %q", got)
	}
	if got := parsed.Header.Get("In-Reply-To"); got != "<parent@forum.example.org>" {
		t.Fatalf("нет In-Reply-To: %q", got)
	}
	if got := parsed.Header.Get("Reply-To"); got != "reply+7@forum.example.org" {
		t.Fatalf("нет Reply-To: %q", got)
	}
	if got := parsed.Header["Subject"]; len(got) != 1 {
		t.Fatalf("служебный заголовок не должен дублироваться: %v", got)
	}
	from, err := parsed.Header.AddressList("From")
	if err != nil || len(from) != 1 || from[0].Name != "Анна (via LMS)" || from[0].Address != "noreply@example.org" {
		t.Fatalf("неверный отправитель: %v (%v)", from, err)
	}

	mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/alternative" {
		t.Fatalf("ожидали multipart/alternative, получили %q (%v)", mediaType, err)
	}
	mr := multipart.NewReader(parsed.Body, params["boundary"])
	var types []string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ошибка чтения части: %v", err)
		}
		body, _ := io.ReadAll(part)
		types = append(types, part.Header.Get("Content-Type"))
		if strings.HasPrefix(part.Header.Get("Content-Type"), "text/plain") && !strings.Contains(string(body), "Привет") {
			t.Fatalf("текстовая часть без содержимого: %q", body)
		}
	}
	if len(types) != 2 {
		t.Fatalf("ожидали две части, получили %v", types)
	}
}

func TestBuildMIMEPlainOnly(t *testing.T) {
	msg := sampleMessage()
	msg.HTML = ""
	raw, err := BuildMIME(msg, mail.Address{Address: "noreply@example.org"}, time.Now())
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("письмо не разбирается: %v", err)
	}
	if !strings.HasPrefix(parsed.Header.Get("Content-Type"), "text/plain") {
		t.Fatalf("ожидали text/plain, получили %q", parsed.Header.Get("Content-Type"))
	}
}

func TestBuildMIMERequiresEmail(t *testing.T) {
	msg := sampleMessage()
	msg.To.Email = ""
	if _, err := BuildMIME(msg, mail.Address{Address: "noreply@example.org"}, time.Now()); err == nil {
		t.Fatalf("ожидали ошибку без адреса получателя")
	}
}

func TestBuildMIMEStripsHeaderInjection(t *testing.T) {
	msg := sampleMessage()
	msg.Headers = []domain.Header{{Name: "List-Id", Value: "x\r\nBcc: evil@example.org"}}
	raw, err := BuildMIME(msg, mail.Address{Address: "noreply@example.org"}, time.Now())
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("письмо не разбирается: %v", err)
	}
	if parsed.Header.Get("Bcc") != "" {
		t.Fatalf("переводы строк в заголовке должны вырезаться")
	}
}

type flakyTransport struct {
	mu    sync.Mutex
	calls int
	fail  int
}

func (f *flakyTransport) Send(context.Context, domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return errors.New("temporary failure")
	}
	return nil
}

func (f *flakyTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestResilientRetriesUpToAttempts(t *testing.T) {
	next := &flakyTransport{fail: 2}
	r := NewResilient(next, ResilientOptions{Name: "test-retry", Attempts: 3, RetryDelay: time.Millisecond}, zerolog.Nop())

	if err := r.Send(context.Background(), sampleMessage()); err != nil {
		t.Fatalf("ожидали успех с третьей попытки: %v", err)
	}
	if next.Calls() != 3 {
		t.Fatalf("ожидали 3 вызова, получили %d", next.Calls())
	}
}

func TestResilientSingleAttemptByDefault(t *testing.T) {
	next := &flakyTransport{fail: 1}
	r := NewResilient(next, ResilientOptions{Name: "test-single"}, zerolog.Nop())

	if err := r.Send(context.Background(), sampleMessage()); err == nil {
		t.Fatalf("ожидали ошибку без повторов")
	}
	if next.Calls() != 1 {
		t.Fatalf("ожидали 1 вызов, получили %d", next.Calls())
	}
}

func TestResilientOpensCircuit(t *testing.T) {
	next := &flakyTransport{fail: 100}
	r := NewResilient(next, ResilientOptions{Name: "test-breaker", FailureThreshold: 2, OpenTimeout: time.Hour}, zerolog.Nop())

	for i := 0; i < 2; i++ {
		_ = r.Send(context.Background(), sampleMessage())
	}
	if r.State() != gobreaker.StateOpen {
		t.Fatalf("ожидали разомкнутый предохранитель, получили %s", r.State())
	}
	err := r.Send(context.Background(), sampleMessage())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("ожидали ErrOpenState, получили %v", err)
	}
	if next.Calls() != 2 {
		t.Fatalf("разомкнутый предохранитель не должен вызывать транспорт: %d", next.Calls())
	}
}
