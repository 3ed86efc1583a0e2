package tgui

// MaxMessageLen is Telegram's hard cap for a single text message.
const MaxMessageLen = 4096

// Clip truncates s to fit a single Telegram message.
func Clip(s string) string {
	if len(s) <= MaxMessageLen {
		return s
	}
	return s[:MaxMessageLen-3] + "..."
}
