// Package oxia implements metadata.MetadataStore on an Oxia cluster.
//
// Every key is written with an Oxia partition key equal to its routing
// scope (keys.ScopeOf), so all coordination records of one table share a
// shard. That is what lets Txn commit the log pointer, part registry and
// result record of a table as one write batch.
//
// Oxia versions start at 0 while metadata.Version reserves 0 for "absent";
// the store shifts versions by one in both directions.
package oxia
