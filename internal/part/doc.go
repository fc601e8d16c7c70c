// Package part defines the immutable unit of stored rows: typed values and
// rows, part names, part metadata and the on-disk archive format.
//
// A part archive is a small header followed by a compressed Parquet file
// holding the part's rows:
//
//	+--------+---------+-------+-------------------------+
//	| "TTLP" | version | codec | compressed parquet body |
//	+--------+---------+-------+-------------------------+
//
// Rows inside a part are kept in a deterministic order (ORDER BY columns,
// then the full row) so that every replica computes the same logical
// checksum for the same content.
package part
