package entity

import "strings"

// Status is the delivery state of a ledger entry
type Status string

const (
	// Local states, set before the provider knows about the message
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"

	// Provider in-flight states
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"

	// Terminal states
	StatusDelivered   Status = "delivered"
	StatusRead        Status = "read"
	StatusFailed      Status = "failed"
	StatusUndelivered Status = "undelivered"

	// Inbound messages start here
	StatusReceived Status = "received"
)

var knownStatuses = map[Status]struct{}{
	StatusPending:     {},
	StatusScheduled:   {},
	StatusQueued:      {},
	StatusSending:     {},
	StatusSent:        {},
	StatusDelivered:   {},
	StatusRead:        {},
	StatusFailed:      {},
	StatusUndelivered: {},
	StatusReceived:    {},
}

// providerAliases maps provider status names onto ours
var providerAliases = map[string]Status{
	"accepted":            StatusQueued,
	"receiving":           StatusReceived,
	"canceled":            StatusFailed,
	"partially_delivered": StatusDelivered,
}

// ParseStatus parses a status reported by the provider or a client
func ParseStatus(raw string) (Status, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := providerAliases[s]; ok {
		return alias, nil
	}
	if _, ok := knownStatuses[Status(s)]; !ok {
		return "", ErrUnknownStatus
	}
	return Status(s), nil
}

// Valid reports whether s is a recognized status
func (s Status) Valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// IsTerminal reports whether no further progression is expected
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusRead, StatusFailed, StatusUndelivered:
		return true
	}
	return false
}

// IsFailure reports whether s is one of the absorbing failure states
func (s Status) IsFailure() bool {
	return s == StatusFailed || s == StatusUndelivered
}

// ResolveStatus decides the stored status when next arrives while current is stored.
// Non-terminal states are last-writer-wins. A terminal state is only replaced by
// another terminal state: delivered yields to read/failed/undelivered, failure states
// yield only to read, and read is final. The second return value reports whether
// the stored status changes.
func ResolveStatus(current, next Status) (Status, bool) {
	if current == next {
		return current, false
	}

	switch current {
	case StatusRead:
		return current, false
	case StatusFailed, StatusUndelivered:
		if next == StatusRead {
			return next, true
		}
		return current, false
	case StatusDelivered:
		if next.IsTerminal() {
			return next, true
		}
		return current, false
	}

	return next, true
}
