package queries

import (
	"database/sql"
	"time"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/apache/arrow/go/v11/arrow/array"

	"github.com/platinummonkey/forgehealth/pkg/feather"
)

// Column binds one SQL result column of a row type T to an Arrow field.
// The accessor passed to each constructor returns a pointer into the row so
// the same closure serves scanning, encoding and decoding.
type Column[T any] struct {
	Field arrow.Field
	dest  func(*T) any
	put   func(array.Builder, *T)
	get   func(arrow.Array, int, *T)
}

// Int64 declares a non-null int64 column
func Int64[T any](name string, f func(*T) *int64) Column[T] {
	return Column[T]{
		Field: arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Int64},
		dest:  func(row *T) any { return f(row) },
		put:   func(b array.Builder, row *T) { b.(*array.Int64Builder).Append(*f(row)) },
		get:   func(a arrow.Array, i int, row *T) { *f(row) = a.(*array.Int64).Value(i) },
	}
}

// Float64 declares a non-null float64 column
func Float64[T any](name string, f func(*T) *float64) Column[T] {
	return Column[T]{
		Field: arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float64},
		dest:  func(row *T) any { return f(row) },
		put:   func(b array.Builder, row *T) { b.(*array.Float64Builder).Append(*f(row)) },
		get:   func(a arrow.Array, i int, row *T) { *f(row) = a.(*array.Float64).Value(i) },
	}
}

// Count declares a non-null int64 column that scans SQL NULL as 0
func Count[T any](name string, f func(*T) *int64) Column[T] {
	c := Int64(name, f)
	c.dest = func(row *T) any { return zeroInt64{f(row)} }
	return c
}

// String declares a non-null utf8 column that scans SQL NULL as ""
func String[T any](name string, f func(*T) *string) Column[T] {
	return Column[T]{
		Field: arrow.Field{Name: name, Type: arrow.BinaryTypes.String},
		dest:  func(row *T) any { return zeroString{f(row)} },
		put:   func(b array.Builder, row *T) { b.(*array.StringBuilder).Append(*f(row)) },
		get:   func(a arrow.Array, i int, row *T) { *f(row) = a.(*array.String).Value(i) },
	}
}

// Time declares a non-null timestamp column
func Time[T any](name string, f func(*T) *time.Time) Column[T] {
	return Column[T]{
		Field: arrow.Field{Name: name, Type: feather.Timestamp},
		dest:  func(row *T) any { return f(row) },
		put:   func(b array.Builder, row *T) { feather.AppendTime(b, *f(row)) },
		get:   func(a arrow.Array, i int, row *T) { *f(row) = feather.TimeAt(a, i) },
	}
}

// NullTime declares a nullable timestamp column
func NullTime[T any](name string, f func(*T) **time.Time) Column[T] {
	return Column[T]{
		Field: arrow.Field{Name: name, Type: feather.Timestamp, Nullable: true},
		dest:  func(row *T) any { return f(row) },
		put:   func(b array.Builder, row *T) { feather.AppendNullableTime(b, *f(row)) },
		get:   func(a arrow.Array, i int, row *T) { *f(row) = feather.NullableTimeAt(a, i) },
	}
}

type zeroString struct{ dst *string }

func (z zeroString) Scan(src any) error {
	var ns sql.NullString
	if err := ns.Scan(src); err != nil {
		return err
	}
	*z.dst = ns.String
	return nil
}

type zeroInt64 struct{ dst *int64 }

func (z zeroInt64) Scan(src any) error {
	var ni sql.NullInt64
	if err := ni.Scan(src); err != nil {
		return err
	}
	*z.dst = ni.Int64
	return nil
}
