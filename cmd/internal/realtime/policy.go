package realtime

// UnreadPolicy decides whether a delivered message should be counted as unread.
type UnreadPolicy interface {
	// Suppress reports whether the increment for (recipient, sender) is skipped,
	// given the recipient's live connections at fan-out time.
	Suppress(recipient, sender string, recipientConns []*Client) bool
}

// ActivePeerPolicy suppresses the increment when any recipient connection currently
// has the sender's conversation open.
type ActivePeerPolicy struct{}

func (ActivePeerPolicy) Suppress(_, sender string, conns []*Client) bool {
	for _, c := range conns {
		if c.ActivePeer() == sender {
			return true
		}
	}
	return false
}

// AlwaysCount never suppresses; the client clears counters with mark_read.
type AlwaysCount struct{}

func (AlwaysCount) Suppress(string, string, []*Client) bool { return false }

// ParseUnreadPolicy maps a config value ("active_peer", "always") to a policy.
func ParseUnreadPolicy(s string) (UnreadPolicy, bool) {
	switch s {
	case "", "active_peer":
		return ActivePeerPolicy{}, true
	case "always":
		return AlwaysCount{}, true
	default:
		return nil, false
	}
}
