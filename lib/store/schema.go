// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package store

// Schema migrations per store kind. Each entry is one forward step;
// PRAGMA user_version records how many have been applied. Never edit
// a shipped entry — append a new one.

var schemas = map[Kind][]string{
	Authored:  {contentSchemaV1, contentSchemaV2},
	DHT:       {contentSchemaV1, contentSchemaV2},
	Cache:     {contentSchemaV1, contentSchemaV2},
	Conductor: {conductorSchemaV1},
	Wasm:      {wasmSchemaV1},
	PeerMeta:  {peerMetaSchemaV1},
}

// contentSchemaV1 is shared by the authored, dht, and cache kinds:
// they all hold records, ops, and the indices integration maintains.
// Hashes are stored as their full 39-byte form.
const contentSchemaV1 = `
CREATE TABLE action (
    hash       BLOB PRIMARY KEY,
    author     BLOB NOT NULL,
    prev       BLOB,
    seq        INTEGER NOT NULL,
    timestamp  INTEGER NOT NULL,
    type       TEXT NOT NULL,
    entry_hash BLOB,
    blob       BLOB NOT NULL
);
CREATE INDEX action_author_seq ON action (author, seq);
CREATE INDEX action_type ON action (type);
CREATE INDEX action_entry ON action (entry_hash) WHERE entry_hash IS NOT NULL;

CREATE TABLE entry (
    hash       BLOB PRIMARY KEY,
    visibility TEXT NOT NULL,
    blob       BLOB NOT NULL
);

CREATE TABLE dht_op (
    hash               BLOB PRIMARY KEY,
    type               TEXT NOT NULL,
    basis              BLOB NOT NULL,
    action_hash        BLOB NOT NULL,
    storage_center_loc INTEGER NOT NULL,
    authored_ts        INTEGER NOT NULL,
    integrated_ts      INTEGER,
    stage              TEXT NOT NULL,
    attempts           INTEGER NOT NULL DEFAULT 0,
    last_error         TEXT,
    withhold_publish   INTEGER NOT NULL DEFAULT 0,
    receipt_sent       INTEGER NOT NULL DEFAULT 0,
    blob               BLOB NOT NULL
);
CREATE INDEX dht_op_basis ON dht_op (basis);
CREATE INDEX dht_op_action ON dht_op (action_hash);
CREATE INDEX dht_op_stage ON dht_op (stage, basis);
CREATE INDEX dht_op_integrated ON dht_op (integrated_ts) WHERE integrated_ts IS NOT NULL;

CREATE TABLE link (
    create_action BLOB PRIMARY KEY,
    base          BLOB NOT NULL,
    target        BLOB NOT NULL,
    zome_index    INTEGER NOT NULL,
    link_type     INTEGER NOT NULL,
    tag           BLOB,
    timestamp     INTEGER NOT NULL
);
CREATE INDEX link_base ON link (base);

CREATE TABLE link_delete (
    delete_action BLOB PRIMARY KEY,
    create_action BLOB NOT NULL,
    base          BLOB NOT NULL,
    timestamp     INTEGER NOT NULL
);
CREATE INDEX link_delete_create ON link_delete (create_action);

CREATE TABLE update_marker (
    basis         BLOB NOT NULL,
    update_action BLOB NOT NULL,
    PRIMARY KEY (basis, update_action)
);

CREATE TABLE delete_marker (
    basis         BLOB NOT NULL,
    delete_action BLOB NOT NULL,
    PRIMARY KEY (basis, delete_action)
);

CREATE TABLE validation_receipt (
    op_hash     BLOB NOT NULL,
    validator   BLOB NOT NULL,
    status      TEXT NOT NULL,
    signature   BLOB NOT NULL,
    received_ts INTEGER NOT NULL,
    PRIMARY KEY (op_hash, validator)
);

CREATE TABLE warrant (
    hash        BLOB PRIMARY KEY,
    accused     BLOB NOT NULL,
    blob        BLOB NOT NULL,
    received_ts INTEGER NOT NULL
);
CREATE INDEX warrant_accused ON warrant (accused);

CREATE TABLE chain_lock (
    author     BLOB PRIMARY KEY,
    session    BLOB NOT NULL,
    expires_at INTEGER NOT NULL
);

CREATE TABLE scheduled_fn (
    zome    TEXT NOT NULL,
    fn      TEXT NOT NULL,
    kind    TEXT NOT NULL,
    expr    TEXT NOT NULL,
    next_at INTEGER NOT NULL,
    PRIMARY KEY (zome, fn)
);
CREATE INDEX scheduled_fn_due ON scheduled_fn (next_at);
`

// contentSchemaV2 adds the retry horizon for parked ops: a validation
// pass skips rows whose retry_after is still in the future.
const contentSchemaV2 = `
ALTER TABLE dht_op ADD COLUMN retry_after INTEGER NOT NULL DEFAULT 0;
`

const conductorSchemaV1 = `
CREATE TABLE app (
    app_id          TEXT PRIMARY KEY,
    dna_hash        BLOB NOT NULL,
    agent           BLOB NOT NULL,
    enabled         INTEGER NOT NULL DEFAULT 0,
    installed_ts    INTEGER NOT NULL,
    disabled_reason TEXT
);
CREATE INDEX app_agent ON app (agent);
`

const wasmSchemaV1 = `
CREATE TABLE wasm_module (
    hash              BLOB PRIMARY KEY,
    uncompressed_size INTEGER NOT NULL,
    blob              BLOB NOT NULL,
    stored_ts         INTEGER NOT NULL
);
`

const peerMetaSchemaV1 = `
CREATE TABLE peer (
    agent         BLOB PRIMARY KEY,
    arc_start     INTEGER NOT NULL,
    arc_length    INTEGER NOT NULL,
    url           TEXT,
    last_seen     INTEGER,
    backoff_until INTEGER NOT NULL DEFAULT 0,
    failures      INTEGER NOT NULL DEFAULT 0
);
`
