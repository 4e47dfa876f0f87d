package utils

import "strings"

// NormalizePhone strips everything but digits from a phone number or WhatsApp
// JID ("6281234@s.whatsapp.net" becomes "6281234").
func NormalizePhone(raw string) string {
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		raw = raw[:at]
	}
	if colon := strings.IndexByte(raw, ':'); colon >= 0 {
		raw = raw[:colon]
	}
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
