package export

import "context"

// Record is one row as returned by the data source and transformed by the
// masker. The core never looks inside.
type Record map[string]any

// ChunkQuery identifies one job's data scope for the fetch and mask
// collaborators. Credential is the bearer token captured at enqueue time,
// passed through unmodified.
type ChunkQuery struct {
	JobID      string
	JobType    string
	OwnerRole  string
	Credential string
	Request    Request
}

// DataSource is the pagination contract the chunk loop consumes. The
// total is determined by a count query up front; chunks are then fetched
// strictly in offset order.
type DataSource interface {
	CountRecords(ctx context.Context, q ChunkQuery) (int64, error)
	FetchChunk(ctx context.Context, q ChunkQuery, offset, limit int64) ([]Record, error)
}

// Masker applies the per-record field masking owned by the platform's
// masking-rule service. Safe for concurrent use across workers.
type Masker interface {
	MaskRecords(ctx context.Context, records []Record, q ChunkQuery) ([]Record, error)
}

// PassthroughMasker satisfies Masker without altering records, for
// deployments where masking happens inside the data source.
type PassthroughMasker struct{}

func (PassthroughMasker) MaskRecords(_ context.Context, records []Record, _ ChunkQuery) ([]Record, error) {
	return records, nil
}
