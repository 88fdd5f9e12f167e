package streamguard

// Stats is a consistent snapshot of the guard.
type Stats struct {
	Active              int              `json:"active_connections"`
	ActiveUsers         int              `json:"active_users"`
	ActiveConversations int              `json:"active_conversations"`
	ByUser              map[string]int   `json:"by_user"`
	ByConversation      map[string]int   `json:"by_conversation"`
	TotalAdmitted       int64            `json:"total_admitted"`
	TotalRejected       int64            `json:"total_rejected"`
	RejectionReasons    map[Reason]int64 `json:"rejection_reasons"`
	// RejectionRate is the percentage of admission attempts that were
	// rejected.
	RejectionRate float64 `json:"rejection_rate"`
}

func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := Stats{
		Active:              len(g.conns),
		ActiveUsers:         len(g.byUser),
		ActiveConversations: len(g.byConv),
		ByUser:              make(map[string]int, len(g.byUser)),
		ByConversation:      make(map[string]int, len(g.byConv)),
		TotalAdmitted:       g.admitted,
		TotalRejected:       g.rejected,
		RejectionReasons:    make(map[Reason]int64, len(g.reasons)),
	}
	for u, s := range g.byUser {
		st.ByUser[u] = len(s)
	}
	for c, s := range g.byConv {
		st.ByConversation[c] = len(s)
	}
	for r, n := range g.reasons {
		st.RejectionReasons[r] = n
	}
	st.RejectionRate = float64(g.rejected) / float64(max(1, g.admitted+g.rejected)) * 100
	return st
}
