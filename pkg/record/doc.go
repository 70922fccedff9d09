// Package record is the client-side cache and synchronisation engine for
// named, versioned JSON records.
//
// A Registry hands out shared records by name and fetches each name once:
//
//	reg := record.NewRegistry(conn, record.WithLogger(logger))
//	h, _ := reg.Get("user/42")
//	defer h.Release()
//	h.Subscribe("address.city", func(v any) { ... })
//
// Inbound messages from the transport are passed to Registry.Dispatch, which
// applies snapshots, patches and deletions to the matching record. Records
// become ready with their first snapshot; reads before that report absence and
// writes fail with ErrNotReady.
//
// A Proxy keeps a stable set of subscriptions while the record behind it is
// switched with SetName. It publishes NameChanged on every rebind and Ready
// once the bound record has data, which is immediate when the record was
// already fetched by another holder.
//
// Callbacks run on the goroutine that caused the change, after internal locks
// are released, so they may call back into the registry, records and proxies.
// Inbound messages should be dispatched from a single goroutine.
package record
