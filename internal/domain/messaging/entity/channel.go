package entity

import "strings"

// Channel is a messaging medium with its own addressing and provider line
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// Valid reports whether the channel is a known one
func (c Channel) Valid() bool {
	return c == ChannelSMS || c == ChannelWhatsApp
}

// ParseChannel parses a channel name, case-insensitively
func ParseChannel(raw string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(raw)))
	if !c.Valid() {
		return "", ErrInvalidChannel
	}
	return c, nil
}

// SortOrder is the direction messages are listed in
type SortOrder string

const (
	// SortAsc is used by the chat view (oldest first)
	SortAsc SortOrder = "asc"
	// SortDesc is used by the flat inbox (newest first)
	SortDesc SortOrder = "desc"
)

// ParseSortOrder parses an order direction, falling back to def when raw is empty
func ParseSortOrder(raw string, def SortOrder) (SortOrder, error) {
	switch SortOrder(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return def, nil
	case SortAsc:
		return SortAsc, nil
	case SortDesc:
		return SortDesc, nil
	default:
		return "", ErrInvalidSortOrder
	}
}
