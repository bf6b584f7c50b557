package types

import (
	"regexp"
	"strings"
)

const (
	MaxMessageLen  = 8192
	MaxUsernameLen = 32
	MaxRoomNameLen = 80
	MaxTopicLen    = 200
	MaxFileNameLen = 128
)

var ctrlRe = regexp.MustCompile(`[\x00-\x08\x0b-\x1f\x7f]`)

// Sanitise strips control characters (keeping tab and newline), trims and cuts the string to maxLen runes.
func Sanitise(raw string, maxLen int) string {
	s := strings.TrimSpace(ctrlRe.ReplaceAllString(raw, ""))
	r := []rune(s)
	if len(r) > maxLen {
		s = string(r[:maxLen])
	}
	return s
}
