package feather

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/apache/arrow/go/v11/arrow/array"
	"github.com/apache/arrow/go/v11/arrow/ipc"
	"github.com/apache/arrow/go/v11/arrow/memory"
)

// ContentType is the IANA media type of an Arrow IPC file
const ContentType = "application/vnd.apache.arrow.file"

// Timestamp is the column type used for every event time: microseconds in UTC,
// matching what pandas writes for tz-aware datetimes.
var Timestamp = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

var allocator memory.Allocator = memory.NewGoAllocator()

// Encode writes rec as a complete Arrow IPC file: magic, schema, one record
// batch and footer. A zero-row record still produces a valid file.
func Encode(rec arrow.Record) ([]byte, error) {
	if rec == nil {
		return nil, errors.New("feather: nil record")
	}

	var buf seekBuffer
	w, err := ipc.NewFileWriter(&buf, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(allocator))
	if err != nil {
		return nil, fmt.Errorf("feather: create writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("feather: write batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("feather: close writer: %w", err)
	}
	return buf.buf, nil
}

// seekBuffer is an in-memory io.WriteSeeker; the IPC file writer seeks
// back to patch the footer.
type seekBuffer struct {
	buf []byte
	off int64
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.off + int64(len(p))
	if end > int64(len(b.buf)) {
		if end > int64(cap(b.buf)) {
			grown := make([]byte, end, 2*end)
			copy(grown, b.buf)
			b.buf = grown
		} else {
			b.buf = b.buf[:end]
		}
	}
	copy(b.buf[b.off:end], p)
	b.off = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.off + offset
	case io.SeekEnd:
		abs = int64(len(b.buf)) + offset
	default:
		return 0, fmt.Errorf("feather: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.New("feather: negative position")
	}
	b.off = abs
	return abs, nil
}

// Decode reads every record batch of an Arrow IPC file. Callers own the
// returned records and must Release them.
func Decode(data []byte) ([]arrow.Record, error) {
	r, err := ipc.NewFileReader(bytes.NewReader(data), ipc.WithAllocator(allocator))
	if err != nil {
		return nil, fmt.Errorf("feather: open file: %w", err)
	}
	defer r.Close()

	recs := make([]arrow.Record, 0, r.NumRecords())
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			Release(recs)
			return nil, fmt.Errorf("feather: read batch %d: %w", i, err)
		}
		rec.Retain()
		recs = append(recs, rec)
	}
	return recs, nil
}

// Release releases every record in recs
func Release(recs []arrow.Record) {
	for _, rec := range recs {
		rec.Release()
	}
}

// Rows sums the row counts of recs
func Rows(recs []arrow.Record) int64 {
	var n int64
	for _, rec := range recs {
		n += rec.NumRows()
	}
	return n
}

// Builder appends rows column by column into one record
type Builder struct {
	b *array.RecordBuilder
}

// NewBuilder returns a Builder for schema
func NewBuilder(schema *arrow.Schema) *Builder {
	return &Builder{b: array.NewRecordBuilder(allocator, schema)}
}

// Field returns the builder of column i
func (b *Builder) Field(i int) array.Builder {
	return b.b.Field(i)
}

// Record returns the built record and resets the builder. The caller releases it.
func (b *Builder) Record() arrow.Record {
	return b.b.NewRecord()
}

// Release frees the builder's buffers
func (b *Builder) Release() {
	b.b.Release()
}

// AppendTime appends t to a Timestamp column builder
func AppendTime(b array.Builder, t time.Time) {
	b.(*array.TimestampBuilder).Append(arrow.Timestamp(t.UTC().UnixMicro()))
}

// AppendNullableTime appends t, or null when t is nil
func AppendNullableTime(b array.Builder, t *time.Time) {
	if t == nil {
		b.AppendNull()
		return
	}
	AppendTime(b, *t)
}

// TimeAt reads row i of a Timestamp column
func TimeAt(arr arrow.Array, i int) time.Time {
	return time.UnixMicro(int64(arr.(*array.Timestamp).Value(i))).UTC()
}

// NullableTimeAt reads row i of a Timestamp column, nil for null
func NullableTimeAt(arr arrow.Array, i int) *time.Time {
	if arr.IsNull(i) {
		return nil
	}
	t := TimeAt(arr, i)
	return &t
}
