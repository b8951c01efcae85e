package models

// Payload is the client-supplied body for /api operations. Field names follow
// the wire protocol:
//
//	T  — client-observed epoch seconds at send time
//	Tp — reserved (ping interval), currently unused by the engine
//	Td — requested deadline offset in seconds from now
//	L  — ordered location tags, e.g. [lat, lon, label]
//	O  — free-form observation map
type Payload struct {
	T  *uint32             `json:"T,omitempty"`
	Tp *uint32             `json:"Tp,omitempty"`
	Td *uint32             `json:"Td,omitempty"`
	L  []string            `json:"L,omitempty"`
	O  map[string][]string `json:"O,omitempty"`
}

// Timestamp returns the client timestamp, zero when absent. A zero timestamp
// always passes the future-clock check.
func (p Payload) Timestamp() uint32 {
	if p.T == nil {
		return 0
	}
	return *p.T
}

// DeadlineOffset returns the requested check-in offset, zero when absent.
func (p Payload) DeadlineOffset() uint32 {
	if p.Td == nil {
		return 0
	}
	return *p.Td
}

// ServerStatus is returned by the status operation.
type ServerStatus struct {
	Hostname    string `json:"Hostname"`
	Description string `json:"Description"`
	Account     string `json:"Account"`
	Uptime      uint32 `json:"Uptime"`
	Maintenance int64  `json:"Maintenance"`
}
