package inbound

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"forum-digest/internal/domain"
)

const (
	localPrefix = "reply+"
	macLength   = 16
)

var (
	// ErrNotConfigured: не задан секрет или домен для адресов ответа.
	ErrNotConfigured = errors.New("reply address generator not configured")
	// ErrInvalidAddress: адрес не был выдан этим генератором.
	ErrInvalidAddress = errors.New("invalid reply address")
)

// Generator строит подписанные адреса вида reply+<user>-<post>-<mac>@domain.
type Generator struct {
	secret []byte
	domain string
}

var _ domain.ReplyAddressGenerator = (*Generator)(nil)

// NewGenerator создаёт генератор адресов ответа.
func NewGenerator(secret, mailDomain string) *Generator {
	return &Generator{secret: []byte(secret), domain: strings.TrimSpace(mailDomain)}
}

// ReplyAddress возвращает адрес, на который пользователь может ответить письмом.
func (g *Generator) ReplyAddress(userID, postID int64) (string, error) {
	if len(g.secret) == 0 || g.domain == "" {
		return "", ErrNotConfigured
	}
	return fmt.Sprintf("%s%d-%d-%s@%s", localPrefix, userID, postID, g.sign(userID, postID), g.domain), nil
}

// Parse проверяет подпись адреса и возвращает пользователя и пост.
func (g *Generator) Parse(address string) (userID, postID int64, err error) {
	if len(g.secret) == 0 {
		return 0, 0, ErrNotConfigured
	}
	local, host, ok := strings.Cut(strings.ToLower(strings.TrimSpace(address)), "@")
	if !ok || host != strings.ToLower(g.domain) || !strings.HasPrefix(local, localPrefix) {
		return 0, 0, ErrInvalidAddress
	}
	fields := strings.Split(strings.TrimPrefix(local, localPrefix), "-")
	if len(fields) != 3 {
		return 0, 0, ErrInvalidAddress
	}
	userID, err = strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, 0, ErrInvalidAddress
	}
	postID, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, ErrInvalidAddress
	}
	if !hmac.Equal([]byte(fields[2]), []byte(g.sign(userID, postID))) {
		return 0, 0, ErrInvalidAddress
	}
	return userID, postID, nil
}

func (g *Generator) sign(userID, postID int64) string {
	mac := hmac.New(sha256.New, g.secret)
	fmt.Fprintf(mac, "%d|%d", userID, postID)
	return hex.EncodeToString(mac.Sum(nil))[:macLength]
}
