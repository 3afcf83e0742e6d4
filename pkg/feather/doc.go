// Package feather serializes query results as Arrow IPC files, the on-disk
// format pandas calls feather v2. Every cached or archived blob is one file
// holding one record batch.
//
//	b := feather.NewBuilder(schema)
//	defer b.Release()
//	b.Field(0).(*array.Int64Builder).Append(repoID)
//	feather.AppendTime(b.Field(1), createdAt)
//	rec := b.Record()
//	defer rec.Release()
//	blob, err := feather.Encode(rec)
//
// Decode hands back records the caller must Release.
package feather
