// Package schema defines the journal entry record shared by the local store,
// the sync engine and the remote API client.
//
// # Overview
//
// An Entry is the unit of synchronization. Every entry carries, next to its
// user-visible payload, two pieces of bookkeeping:
//
//   - DeletedAt: a tombstone marker. Deleted entries stay in the store until
//     the deletion has been pushed upstream.
//   - SyncState: pending, synced or failed.
//
// # Sync State Lifecycle
//
//	local create/edit/delete ──► pending ──push ok──► synced
//	                                 │
//	                                 └──push error──► failed ──backoff──► pending
//
//	remote download ──► synced (always, overwriting local payload)
//
// # Wire Format
//
// Entries travel to and from the remote API as flat JSON objects:
//
//	{
//	  "id": "01926b7e-4c1e-7c3a-9d1e-5f0e2b7a9c11",
//	  "title": "Morning run",
//	  "body": "5k along the river",
//	  "mood": 4,
//	  "entryDate": "2026-10-18",
//	  "createdAt": "2026-10-18T06:31:00Z",
//	  "updatedAt": "2026-10-18T06:31:00Z",
//	  "deletedAt": null,
//	  "syncState": "pending"
//	}
//
// The syncState field is informational on the wire; the local store decides
// the state of every row it writes.
//
// # Timestamps
//
// The store keeps timestamps as fixed-width UTC strings (see TimeLayout) so
// that ORDER BY created_at is chronological.
package schema
