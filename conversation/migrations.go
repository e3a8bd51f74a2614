package conversation

import "github.com/brainkernel/brain/internal/store"

// Migrations is the Conversation DB's forward-only migration list, covering
// conversations, messages, and summary_tracking.
var Migrations = []store.Migration{
	{Version: 1, SQL: `
		CREATE TABLE IF NOT EXISTS conversations (
			id             TEXT PRIMARY KEY,
			interface_type TEXT NOT NULL,
			channel_id     TEXT NOT NULL,
			started        DATETIME NOT NULL,
			last_active    DATETIME NOT NULL,
			metadata       TEXT NOT NULL DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			timestamp       DATETIME NOT NULL,
			metadata        TEXT NOT NULL DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp ASC);

		CREATE TABLE IF NOT EXISTS summary_tracking (
			conversation_id          TEXT PRIMARY KEY REFERENCES conversations(id),
			messages_since_summary   INTEGER NOT NULL DEFAULT 0,
			last_summary_at          DATETIME,
			last_summary_message_seq INTEGER NOT NULL DEFAULT 0,
			summarizing              INTEGER NOT NULL DEFAULT 0
		);
	`},
}
