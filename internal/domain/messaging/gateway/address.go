package gateway

import (
	"strings"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
)

const whatsappPrefix = "whatsapp:"

// E.164 bounds on the digit count after the plus sign
const (
	minDigits = 8
	maxDigits = 15
)

// FormatAddress converts a phone number to E.164. Numbers without a country
// code get defaultCountryCode. Formatting a canonical number returns it unchanged.
func FormatAddress(raw, defaultCountryCode string) (string, error) {
	_, s := SplitAddress(raw)
	plus := strings.HasPrefix(s, "+")

	var digits strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", entity.ErrInvalidAddress
		}
	}

	d := digits.String()
	switch {
	case plus:
	case strings.HasPrefix(d, "00"):
		d = d[2:]
	case defaultCountryCode != "" && len(d) == 10:
		d = defaultCountryCode + d
	case defaultCountryCode != "" && len(d) == 10+len(defaultCountryCode) && strings.HasPrefix(d, defaultCountryCode):
	}

	if len(d) < minDigits || len(d) > maxDigits || d[0] == '0' {
		return "", entity.ErrInvalidAddress
	}

	return "+" + d, nil
}

// ChannelAddress returns the address as the provider expects it on channel
func ChannelAddress(channel entity.Channel, address string) string {
	if channel == entity.ChannelWhatsApp {
		return whatsappPrefix + address
	}
	return address
}

// SplitAddress separates a provider address into its channel and bare number
func SplitAddress(raw string) (entity.Channel, string) {
	s := strings.TrimSpace(raw)
	if len(s) >= len(whatsappPrefix) && strings.EqualFold(s[:len(whatsappPrefix)], whatsappPrefix) {
		return entity.ChannelWhatsApp, s[len(whatsappPrefix):]
	}
	return entity.ChannelSMS, s
}
