package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// PostMessageID возвращает детерминированный Message-ID мгновенного уведомления.
// Один и тот же (пост, получатель, день) всегда даёт один идентификатор.
func PostMessageID(postID, recipientID int64, day time.Time, host string) string {
	return buildMessageID(fmt.Sprintf("post|%d|%d|%s", postID, recipientID, day.UTC().Format(time.DateOnly)), host)
}

// DigestMessageID возвращает Message-ID дайджеста форума.
func DigestMessageID(forumID, recipientID int64, day time.Time, host string) string {
	return buildMessageID(fmt.Sprintf("digest|%d|%d|%s", forumID, recipientID, day.Format(time.DateOnly)), host)
}

func buildMessageID(seed, host string) string {
	sum := sha256.Sum256([]byte(seed))
	host = strings.TrimSpace(host)
	if host == "" {
		host = "localhost"
	}
	return "<" + hex.EncodeToString(sum[:16]) + "@" + host + ">"
}
