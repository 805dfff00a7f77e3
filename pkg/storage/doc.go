/*
Package storage provides BoltDB-backed persistence for the pieces of the
file distributor's data model that must survive a restart: the message
cache (MDB) and the configured half of the host status array (FSA) and
retrieve-directory array (FRA). The runtime half of those tables (error
counters, active transfer counts, job_status slots, queue positions) is
never written here; it lives in pkg/regions and is reconstructed from this
store plus the config file on startup, per spec.md's passive/active
attachment model (§4.1).

Each entity gets its own bucket (mdb, fsa_config, fra_config); values are
JSON-encoded, keyed by job ID (MDB) or alias (FSA/FRA).
*/
package storage
