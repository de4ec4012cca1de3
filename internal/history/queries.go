package history

const createTables = `
CREATE TABLE IF NOT EXISTS messages (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  owner TEXT NOT NULL,
  conversation_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_owner_conversation
  ON messages (owner, conversation_id, created_at, seq);
CREATE TABLE IF NOT EXISTS feedback (
  message_id TEXT NOT NULL,
  owner TEXT NOT NULL,
  rating TEXT NOT NULL CHECK (rating IN ('good', 'bad')),
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (message_id, owner)
);`

const insertMessage = `
INSERT INTO messages (id, owner, conversation_id, role, content, created_at)
VALUES (?, ?, ?, ?, ?, ?);`

const messageColumns = `m.seq, m.id, m.conversation_id, m.role, m.content, m.created_at, f.rating`

const selectAll = `
SELECT ` + messageColumns + `
FROM messages m
LEFT JOIN feedback f ON f.message_id = m.id AND f.owner = m.owner
WHERE m.owner = ? AND m.conversation_id = ?
ORDER BY m.created_at ASC, m.seq ASC;`

const selectRecent = `
SELECT ` + messageColumns + `
FROM messages m
LEFT JOIN feedback f ON f.message_id = m.id AND f.owner = m.owner
WHERE m.owner = ? AND m.conversation_id = ?
ORDER BY m.created_at DESC, m.seq DESC
LIMIT ?;`

const selectConversations = `
WITH ranked AS (
  SELECT conversation_id, content, created_at, seq,
    ROW_NUMBER() OVER (PARTITION BY conversation_id ORDER BY created_at ASC, seq ASC) AS rn,
    MAX(created_at) OVER (PARTITION BY conversation_id) AS last_at,
    MAX(seq) OVER (PARTITION BY conversation_id) AS last_seq
  FROM messages
  WHERE owner = ?
)
SELECT conversation_id, content, created_at, last_at
FROM ranked
WHERE rn = 1
ORDER BY last_at DESC, last_seq DESC;`

// The SELECT only yields a row when owner has the message, so feedback can never be
// attached across users.
const upsertFeedback = `
INSERT INTO feedback (message_id, owner, rating, updated_at)
SELECT id, owner, ?1, ?2 FROM messages WHERE id = ?3 AND owner = ?4
ON CONFLICT(message_id, owner) DO UPDATE SET rating = excluded.rating, updated_at = excluded.updated_at;`
