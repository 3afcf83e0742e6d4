// Package archive copies query results to an S3 bucket so a snapshot can
// still be served after its cache entry expires. Objects are keyed
// {prefix}/{query}/{repo}.arrow and carry a sha256 checksum in metadata.
//
// Archiving is best effort: PutMany logs failed uploads and reports a count.
package archive
