package models

// State is the lifecycle state of a principal. Values are spaced so that
// everything at or above StateDeceased is terminal.
type State int

const (
	StateUnknown          State = -1
	StateNormal           State = 0
	StateDeceased         State = 10
	StateDeceasedNotified State = 15
)

// Terminal reports whether the state permits no further ordinary transitions.
func (s State) Terminal() bool { return s >= StateDeceased }

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateNormal:
		return "normal"
	case StateDeceased:
		return "deceased"
	case StateDeceasedNotified:
		return "deceased_notified"
	default:
		return "invalid"
	}
}

// Principal is a registered identity tracked for liveness. The ID doubles as
// the bearer credential, so it is a long random opaque token.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	State State  `json:"state"`
}

// VerificationEntry is a one-time enrollment code bound to an email address.
// Codes are numeric with up to 18 digits.
type VerificationEntry struct {
	Email   string `json:"email"`
	Code    uint64 `json:"code"`
	Expires uint32 `json:"expires"`
}

// ExpiredAt reports whether the entry is expired relative to the given epoch
// time.
func (v VerificationEntry) ExpiredAt(now uint32) bool { return v.Expires < now }
