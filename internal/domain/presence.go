package domain

import (
	"fmt"
	"time"
)

// PresenceRecord — состояние присутствия пользователя. Флаг Online снимается
// только при корректном disconnect, поэтому "действительно онлайн" дополнительно
// требует свежего heartbeat.
type PresenceRecord struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// EffectiveOnline защищает от упавшего клиента, оставившего online=true.
func (p *PresenceRecord) EffectiveOnline(now time.Time, window time.Duration) bool {
	if !p.Online || p.LastSeen.IsZero() {
		return false
	}
	return now.Sub(p.LastSeen) < window
}

// FormatLastSeen переводит время последней активности в человекочитаемую метку.
// Чистая функция от (lastSeen, online, now).
func FormatLastSeen(lastSeen time.Time, effectiveOnline bool, now time.Time) string {
	if lastSeen.IsZero() {
		return "last seen long time ago"
	}

	diff := now.Sub(lastSeen)
	mins := int(diff.Minutes())
	hours := int(diff.Hours())
	days := int(diff.Hours() / 24)

	if effectiveOnline && mins < 1 {
		return "online"
	}

	switch {
	case mins < 2:
		return "last seen now"
	case mins < 5:
		return "last seen few moments ago"
	case mins < 60:
		return fmt.Sprintf("last seen %dm ago", mins)
	case hours < 24:
		return fmt.Sprintf("last seen %dh ago", hours)
	case days == 1:
		return "last seen yesterday"
	case days < 7:
		return fmt.Sprintf("last seen %dd ago", days)
	default:
		return "last seen long time ago"
	}
}
