package entity

import "github.com/brainkernel/brain/internal/store"

// Migrations is the Entity DB's forward-only migration list.
var Migrations = []store.Migration{
	{Version: 1, SQL: `
		CREATE TABLE IF NOT EXISTS entities (
			entity_type  TEXT NOT NULL,
			id           TEXT NOT NULL,
			content      TEXT NOT NULL,
			metadata     TEXT NOT NULL DEFAULT '{}',
			content_hash TEXT NOT NULL,
			embedding    BLOB,
			created      DATETIME NOT NULL,
			updated      DATETIME NOT NULL,
			PRIMARY KEY (entity_type, id)
		);

		CREATE INDEX IF NOT EXISTS idx_entities_type_updated ON entities(entity_type, updated DESC);

		CREATE VIRTUAL TABLE IF NOT EXISTS entities_fts USING fts5(
			id, entity_type, content,
			content='entities', content_rowid='rowid'
		);

		CREATE TRIGGER IF NOT EXISTS entities_ai AFTER INSERT ON entities BEGIN
			INSERT INTO entities_fts(rowid, id, entity_type, content)
			VALUES (new.rowid, new.id, new.entity_type, new.content);
		END;

		CREATE TRIGGER IF NOT EXISTS entities_ad AFTER DELETE ON entities BEGIN
			DELETE FROM entities_fts WHERE rowid = old.rowid;
		END;

		CREATE TRIGGER IF NOT EXISTS entities_au AFTER UPDATE ON entities BEGIN
			DELETE FROM entities_fts WHERE rowid = old.rowid;
			INSERT INTO entities_fts(rowid, id, entity_type, content)
			VALUES (new.rowid, new.id, new.entity_type, new.content);
		END;
	`},
	{Version: 2, SQL: `
		CREATE TABLE IF NOT EXISTS kv_config (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`},
}
