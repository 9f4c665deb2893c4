package chat

import "strings"

// NormalizePhone reduces a phone number or chat id to digits in
// international form: the chat server suffix and device part are dropped,
// a leading "00" is removed and an 11-digit national number starting with
// "0" gets countryCode in place of the zero.
func NormalizePhone(raw, countryCode string) string {
	id := raw
	if i := strings.IndexByte(id, '@'); i >= 0 {
		id = id[:i]
	}
	if i := strings.IndexByte(id, ':'); i >= 0 {
		id = id[:i]
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, id)

	digits = strings.TrimPrefix(digits, "00")
	if countryCode != "" && len(digits) == 11 && strings.HasPrefix(digits, "0") {
		digits = countryCode + digits[1:]
	}
	return digits
}

// IsPersonalChat reports whether id addresses a one-to-one chat.
func IsPersonalChat(id string) bool {
	return strings.HasSuffix(id, "@c.us") || strings.HasSuffix(id, "@s.whatsapp.net")
}
