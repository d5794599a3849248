// Package sync drains the local mutation queue to the remote document service.
//
// Overview
//
// Every local change is recorded by the cache package as a queue item next to
// the document it touches. The orchestrator replays those items against the
// remote whenever the connectivity monitor reports online:
//
//	cache.Edit / Create / Upload / Delete
//	     │  (document row + queue item, one transaction)
//	     ▼
//	queue_items ──Drain──▶ remote.Service
//	     ▲                      │
//	     └── retry / backoff ◀──┤ network failure
//	         conflict record ◀──┘ version mismatch
//
// Ordering
//
// Items are grouped by document. Groups run concurrently (Config.Concurrency),
// items inside a group run one at a time in the order they were queued. A group stops at
// its first item that fails or is not yet eligible, so a later change to a
// document never reaches the remote before an earlier one.
//
// Failures
//
//   - Network errors and timeouts: the item is retried on a later drain after
//     an exponential backoff, up to Config.MaxRetries attempts.
//   - Auth, validation and quota errors: the item is marked permanent, later
//     items of the document wait behind it and the error is returned from
//     Drain. Retry puts the item back in line.
//   - Conflicts: the document moves to conflict, the server copy is recorded
//     and the document's queue is cleared until a resolver decides. An
//     acknowledgement that skips versions is a conflict too. When the remote
//     reports a conflict without its copy, the copy is fetched.
//   - Local store errors abort the drain.
//
// Usage
//
//	orch, err := sync.New(c, svc, monitor, nil)
//	if err != nil {
//	    return err
//	}
//
//	// One pass, e.g. from a CLI command
//	report, err := orch.Drain(ctx)
//
//	// Or keep draining on every offline -> online transition
//	go orch.Watch(ctx)
package sync
