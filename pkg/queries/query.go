package queries

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/lib/pq"

	"github.com/platinummonkey/forgehealth/pkg/augur"
	"github.com/platinummonkey/forgehealth/pkg/feather"
	"github.com/platinummonkey/forgehealth/pkg/observability"
)

// clock is replaced in tests
var clock = time.Now

// Runner is the type-erased view of a query that the task queue executes
type Runner interface {
	Name() string
	Run(ctx context.Context, db augur.DB, repos []int64) (map[int64][]byte, error)
}

// Source yields one encoded blob per requested repo, blocking until all are available
type Source interface {
	Await(ctx context.Context, query string, repos []int64) ([][]byte, error)
}

// Query is a parameterized SQL statement over augur_data and the codec for its rows.
// SQL receives the repo ids as $1 (a bigint array).
type Query[T any] struct {
	name    string
	SQL     string
	Columns []Column[T]

	// RepoID extracts the repo a row belongs to
	RepoID func(*T) int64
	// Date is the event time checked against today; nil disables the filter
	Date func(*T) time.Time
	// Normalize rewrites a row after scanning
	Normalize func(*T)
	// Less orders rows; defaults to ascending Date
	Less func(a, b *T) bool
}

// Name is the cache key component for this query
func (q *Query[T]) Name() string {
	return q.name
}

// Schema returns the Arrow schema of an encoded blob
func (q *Query[T]) Schema() *arrow.Schema {
	fields := make([]arrow.Field, len(q.Columns))
	for i, c := range q.Columns {
		fields[i] = c.Field
	}
	return arrow.NewSchema(fields, nil)
}

// Scan executes the query and returns filtered, sorted rows for all repos
func (q *Query[T]) Scan(ctx context.Context, db augur.DB, repos []int64) ([]T, error) {
	rows, err := db.QueryContext(ctx, q.SQL, pq.Array(repos))
	if err != nil {
		return nil, fmt.Errorf("%s: query: %w", q.name, err)
	}
	defer rows.Close()

	today := startOfDay(clock())
	var out []T
	for rows.Next() {
		var row T
		dest := make([]any, len(q.Columns))
		for i, c := range q.Columns {
			dest[i] = c.dest(&row)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", q.name, err)
		}
		if q.Date != nil && !q.Date(&row).Before(today) {
			continue
		}
		if q.Normalize != nil {
			q.Normalize(&row)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", q.name, err)
	}

	q.sort(out)
	return out, nil
}

// Run scans the query and encodes one blob per requested repo. Repos with no
// rows still get a zero-row blob. An empty repo list does nothing.
func (q *Query[T]) Run(ctx context.Context, db augur.DB, repos []int64) (map[int64][]byte, error) {
	if len(repos) == 0 {
		return nil, nil
	}

	rows, err := q.Scan(ctx, db, repos)
	if err != nil {
		return nil, err
	}

	byRepo := make(map[int64][]T, len(repos))
	for _, row := range rows {
		id := q.RepoID(&row)
		byRepo[id] = append(byRepo[id], row)
	}

	blobs := make(map[int64][]byte, len(repos))
	for _, repo := range repos {
		if _, done := blobs[repo]; done {
			continue
		}
		blob, err := q.Encode(byRepo[repo])
		if err != nil {
			return nil, err
		}
		blobs[repo] = blob
	}

	observability.FromContext(ctx).WithQuery(q.name, repos).
		WithField("rows", len(rows)).
		Debug("Query executed")
	return blobs, nil
}

// Encode serializes rows as a single-batch Arrow IPC file
func (q *Query[T]) Encode(rows []T) ([]byte, error) {
	b := feather.NewBuilder(q.Schema())
	defer b.Release()

	for i := range rows {
		for c, col := range q.Columns {
			col.put(b.Field(c), &rows[i])
		}
	}

	rec := b.Record()
	defer rec.Release()

	blob, err := feather.Encode(rec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", q.name, err)
	}
	return blob, nil
}

// Decode reads rows back from a blob written by Encode
func (q *Query[T]) Decode(blob []byte) ([]T, error) {
	recs, err := feather.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", q.name, err)
	}
	defer feather.Release(recs)

	schema := q.Schema()
	out := make([]T, 0, feather.Rows(recs))
	for _, rec := range recs {
		if !rec.Schema().Equal(schema) {
			return nil, fmt.Errorf("%s: schema mismatch: got %s", q.name, rec.Schema())
		}
		for i := 0; i < int(rec.NumRows()); i++ {
			var row T
			for c, col := range q.Columns {
				col.get(rec.Column(c), i, &row)
			}
			out = append(out, row)
		}
	}
	return out, nil
}

func (q *Query[T]) sort(rows []T) {
	less := q.Less
	if less == nil {
		if q.Date == nil {
			return
		}
		less = func(a, b *T) bool { return q.Date(a).Before(q.Date(b)) }
	}
	sort.SliceStable(rows, func(i, j int) bool { return less(&rows[i], &rows[j]) })
}

// Load awaits the blobs of every repo from src and returns their rows merged
// in the query's order.
func Load[T any](ctx context.Context, src Source, q *Query[T], repos []int64) ([]T, error) {
	blobs, err := src.Await(ctx, q.name, repos)
	if err != nil {
		return nil, err
	}
	if len(blobs) != len(repos) {
		return nil, fmt.Errorf("%s: got %d blobs for %d repos", q.name, len(blobs), len(repos))
	}

	var out []T
	for i, blob := range blobs {
		rows, err := q.Decode(blob)
		if err != nil {
			return nil, fmt.Errorf("repo %d: %w", repos[i], err)
		}
		out = append(out, rows...)
	}
	q.sort(out)
	return out, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
