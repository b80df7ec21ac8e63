// Package statehistory records how the state of a system evolves over the
// course of an execution trace and answers point-in-time questions about it.
//
// An [Analysis] reads the events of a [TraceProject] in global timestamp
// order through a [SortedCompoundCursor] and writes attribute values into a
// [StateSystem]. Every superseded value becomes an interval stored by a
// [HistoryBackend]; once the history is closed it can be queried at any
// time within its range.
//
// # Basic Usage
//
// Build (or reuse) a history for a project:
//
//	x, err := statehistory.NewExecutor(statehistory.DefaultConfig(""))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer x.Close()
//
//	ss, err := x.Execute(ctx, statehistory.EventCounterAnalysis{}, project)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ss.Dispose()
//
// Query it:
//
//	q, _ := ss.QuarkAbsolute("count")
//	iv, err := ss.QuerySingleState(t, q)
//
// Walk a range at a fixed resolution:
//
//	steps, err := statehistory.Collect2D(ctx, ss, start, end, res, []statehistory.Quark{q})
//
// # Backends
//
//   - [MemoryBackend] keeps intervals in a B-tree and is never persisted
//   - [HistoryFileBackend] writes compressed, column-encoded nodes into one
//     artifact per analysis
//   - [SQLiteBackend] stores intervals in a sqlite database
//
// History files are written through an [ArtifactStore]: a local directory,
// memory, S3, or a local directory tiered in front of S3, optionally
// encrypted with AES-256-GCM.
package statehistory
