package table

// Chunk is one page of the full-load keyset-pagination scan (SPEC_FULL.md
// §4.5 step 4): rows where CursorColumn > LowerBound, ordered ascending,
// limited to PageSize rows.
type Chunk struct {
	CursorColumn string
	LowerBound   any // nil means "from the beginning"
	PageSize     int
}

// DefaultPageSize is the full-load chunk size default (spec.md §6).
const DefaultPageSize = 5000

// NewChunker returns the first Chunk to request for a full load of t,
// starting from the beginning of the table.
func NewChunker(t *Descriptor, pageSize int) (*Chunk, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	col, err := t.KeysetCursorColumn()
	if err != nil {
		return nil, err
	}
	return &Chunk{CursorColumn: col, LowerBound: nil, PageSize: pageSize}, nil
}

// Next returns the Chunk to request after a page whose last-seen cursor
// value was lastSeen.
func (c *Chunk) Next(lastSeen any) *Chunk {
	return &Chunk{CursorColumn: c.CursorColumn, LowerBound: lastSeen, PageSize: c.PageSize}
}
