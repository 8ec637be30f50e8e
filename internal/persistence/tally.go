package persistence

// Tally accumulates the final token/cost counters of deleted sessions.
// cleanupSession(killMux=true) removes a session's own record, so
// without this roll-up its usage would vanish with it.
type Tally struct {
	Sessions int64   `json:"sessions"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// TallyKey is the single key the stats store uses.
const TallyKey = "totals"
