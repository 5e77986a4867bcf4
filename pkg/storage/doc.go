/*
Package storage provides the BoltDB-backed task and knowledge store that
local queries read from.

# Layout

One database file, by default <dataDir>/tasks.db, holds two buckets:

	tasks      task id      → JSON types.Task
	knowledge  entry id     → JSON types.KnowledgeEntry

Reads run in db.View and may proceed concurrently with each other; writes run
in db.Update and are serialized by BoltDB. Opening a file that another
process holds fails after one second.

# Search

SearchTasks and SearchKnowledge split the query on whitespace and match every
term case-insensitively against title, body and tags. Entries whose title
alone matches come first.

# Import

Bundles are YAML documents:

	tasks:
	  - id: t-1
	    title: Rotate logs
	    status: pending
	    tags: [ops]
	knowledge:
	  - id: k-1
	    title: Restarting the agent
	    content: Run systemctl restart cocoon.

Import upserts by id.
*/
package storage
