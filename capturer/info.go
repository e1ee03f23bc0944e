package capturer

// InfoData carries both human readable text and structured metrics to avoid downstream string parsing.
// Zero-value is usable; nil maps are treated as empty.
type InfoData struct {
	Summary string
	// Metrics holds numeric values keyed by dotted names (e.g. "conn.new").
	Metrics map[string]float64
	// Fields can carry non-numeric metadata if needed. Leave nil when unused.
	Fields map[string]interface{}
}
