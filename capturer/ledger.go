package capturer

// Ledger remembers every connection key seen since process start.
// It never evicts, so memory grows with the number of distinct connections
// observed during a run. Not safe for concurrent use.
type Ledger struct {
	seen map[ConnKey]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{seen: make(map[ConnKey]struct{})}
}

// FilterNew returns the records whose keys were not seen before, in input
// order, and marks them seen.
func (l *Ledger) FilterNew(records []ConnRecord) []ConnRecord {
	if l.seen == nil {
		l.seen = make(map[ConnKey]struct{})
	}
	var out []ConnRecord
	for _, r := range records {
		k := r.Key()
		if _, ok := l.seen[k]; ok {
			continue
		}
		l.seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}

func (l *Ledger) Seen(k ConnKey) bool {
	_, ok := l.seen[k]
	return ok
}

func (l *Ledger) Len() int {
	return len(l.seen)
}
