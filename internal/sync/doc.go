// Package sync moves records between the local store and the remote API.
//
// Overview
//
// An Engine owns the sync cycle for one entity type. A cycle pushes every
// locally pending record, pulls the remote set and reconciles it into the
// store, then reloads the active records into the engine's snapshot:
//
//	local store ──GetUnsynced──► Push ──ok──► MarkAsSynced
//	     ▲                         └──err──► MarkAsFailed
//	     │
//	     └──Upsert◄── Pull ◄── remote API
//	                   │
//	                   └──ok──► FindAllActive ──► State.Records
//
// Failures never abort a cycle early. An upload failure marks the batch
// failed and the cycle still downloads; a download failure leaves the
// snapshot as it was. Every error ends up in State.LastError.
//
// Single flight
//
// At most one cycle runs per Engine. A Sync call made while a cycle is in
// flight returns OutcomeSkippedInFlight immediately; it is not queued.
// Engines for different entity types are independent.
//
// Usage
//
//	entries := repo.NewEntryRepository(store.RawDB())
//	client, err := remote.NewEntryClient(remote.DefaultConfig(baseURL))
//	if err != nil {
//	    return err
//	}
//	engine := sync.New[schema.Entry](entries, client, connectivity.NewFlag(true), sync.Config{
//	    Entity: schema.Entity,
//	})
//
//	if err := engine.Refresh(ctx); err != nil {
//	    return err
//	}
//	result := engine.Sync(ctx)
package sync
