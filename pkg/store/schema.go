package store

// Postgres schema. Statements are idempotent so init_db can be re-run
// against an existing database.
const (
	createTableUsers = `
CREATE TABLE IF NOT EXISTS users (
  id            BIGSERIAL PRIMARY KEY,
  user_id       TEXT NOT NULL UNIQUE,
  name          TEXT NOT NULL,
  email         TEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL DEFAULT '',
  is_admin      BOOLEAN NOT NULL DEFAULT FALSE,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);`

	createTableSessions = `
CREATE TABLE IF NOT EXISTS sessions (
  id             BIGSERIAL PRIMARY KEY,
  session_id     TEXT NOT NULL UNIQUE,
  user_id        BIGINT REFERENCES users (id) ON DELETE CASCADE,
  session_key    TEXT NOT NULL UNIQUE,
  remote_addr    TEXT NOT NULL DEFAULT '',
  created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_active_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

	createTableNonces = `
CREATE TABLE IF NOT EXISTS session_nonces (
  session_id BIGINT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
  nonce      TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (session_id, nonce)
);`

	createTableRooms = `
CREATE TABLE IF NOT EXISTS rooms (
  id             BIGSERIAL PRIMARY KEY,
  room_id        TEXT NOT NULL UNIQUE,
  name           TEXT NOT NULL UNIQUE,
  is_private     BOOLEAN NOT NULL DEFAULT FALSE,
  created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_active_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

	createTableMembers = `
CREATE TABLE IF NOT EXISTS room_members (
  room_id   BIGINT NOT NULL REFERENCES rooms (id) ON DELETE CASCADE,
  user_id   BIGINT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
  is_admin  BOOLEAN NOT NULL DEFAULT FALSE,
  joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (room_id, user_id)
);`

	createTableMessages = `
CREATE TABLE IF NOT EXISTS messages (
  id              BIGSERIAL PRIMARY KEY,
  room_id         BIGINT NOT NULL REFERENCES rooms (id) ON DELETE CASCADE,
  user_id         BIGINT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
  content         TEXT NOT NULL,
  is_announcement BOOLEAN NOT NULL DEFAULT FALSE,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);`

	createIndexMessagesRoom = `
CREATE INDEX IF NOT EXISTS messages_room_created_idx
  ON messages (room_id, created_at, id);`

	createIndexSessionsActive = `
CREATE INDEX IF NOT EXISTS sessions_last_active_idx
  ON sessions (last_active_at);`
)

var schemaStatements = []string{
	createTableUsers,
	createTableSessions,
	createTableNonces,
	createTableRooms,
	createTableMembers,
	createTableMessages,
	createIndexMessagesRoom,
	createIndexSessionsActive,
}
