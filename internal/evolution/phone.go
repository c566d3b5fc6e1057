package evolution

import "strings"

const (
	userSuffix  = "@s.whatsapp.net"
	groupSuffix = "@g.us"
)

// FormatNumber turns a phone number in any punctuation into a WhatsApp user
// JID. Brazilian numbers without the country code get 55 added; 10-digit
// numbers without an area code are assumed to be in São Paulo (11).
func FormatNumber(phone string) string {
	phone = strings.TrimSuffix(phone, userSuffix)
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)

	switch {
	case len(digits) == 10:
		digits = "5511" + digits
	case len(digits) == 11 && !strings.HasPrefix(digits, "55"):
		digits = "55" + digits
	}
	return digits + userSuffix
}

// CorrespondentFromJID strips the WhatsApp suffix from a user JID.
func CorrespondentFromJID(jid string) string {
	return strings.TrimSuffix(jid, userSuffix)
}
