// Package replication keeps the replicas of a table converged.
//
// Every part-set change of a table is an entry in a per-table replication
// log held by the coordination store: GET_PART announces an inserted part,
// MERGE_PARTS carries a merge task proposed by the table's leader. Each
// replica applies the log in order through its Queue, either executing a
// merge itself or fetching the finished part from a peer, and acknowledges
// the highest contiguous seq it has applied. Completion of an entry is one
// coordination transaction, so a replica's part set, its acknowledgement and
// the entry's result record never disagree.
package replication
