package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jpillora/backoff"
	"github.com/lib/pq"
)

const (
	pqUniqueViolation   = "23505"
	transientAttempts   = 3
	transientBackoffMin = 50 * time.Millisecond
	transientBackoffMax = 500 * time.Millisecond
)

// PostgresStore is the production Store backed by Postgres via lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to the database at url and verifies the
// connection.
func OpenPostgres(url string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// InitSchema creates all tables and indexes. Safe to call repeatedly.
func (p *PostgresStore) InitSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := p.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// mapErr translates driver errors into the store error taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return ErrConflict
	}
	return err
}

// retry runs fn, retrying transient connection failures with backoff.
// Constraint violations and missing rows are never retried.
func retry(fn func() error) error {
	b := &backoff.Backoff{
		Min:    transientBackoffMin,
		Max:    transientBackoffMax,
		Factor: 2,
		Jitter: true,
	}
	var err error
	for i := 0; i < transientAttempts; i++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		time.Sleep(b.Duration())
	}
	return errors.Join(ErrTransient, err)
}

func isTransient(err error) bool {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exceptions.
		return pqErr.Code.Class() == "08"
	}
	return false
}

func nullUser(userID int64) sql.NullInt64 {
	return sql.NullInt64{Int64: userID, Valid: userID != 0}
}

func (p *PostgresStore) CreateUser(u *User) error {
	return retry(func() error {
		err := p.db.QueryRow(
			`INSERT INTO users (user_id, name, email, password_hash, is_admin)
			 VALUES ($1, $2, lower($3), $4, $5)
			 RETURNING id, email, created_at`,
			u.UserID, u.Name, u.Email, u.PasswordHash, u.IsAdmin,
		).Scan(&u.ID, &u.Email, &u.CreatedAt)
		return mapErr(err)
	})
}

func (p *PostgresStore) UserByEmail(email string) (*User, error) {
	var u User
	err := retry(func() error {
		return mapErr(p.db.QueryRow(
			`SELECT id, user_id, name, email, password_hash, is_admin, created_at
			 FROM users WHERE email = lower($1)`, email,
		).Scan(&u.ID, &u.UserID, &u.Name, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt))
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *PostgresStore) UserByID(id int64) (*User, error) {
	var u User
	err := retry(func() error {
		return mapErr(p.db.QueryRow(
			`SELECT id, user_id, name, email, password_hash, is_admin, created_at
			 FROM users WHERE id = $1`, id,
		).Scan(&u.ID, &u.UserID, &u.Name, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt))
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *PostgresStore) CreateSession(s *Session) error {
	return retry(func() error {
		err := p.db.QueryRow(
			`INSERT INTO sessions (session_id, user_id, session_key, remote_addr)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id, created_at, last_active_at`,
			s.SessionID, nullUser(s.UserID), s.SessionKey, s.RemoteAddr,
		).Scan(&s.ID, &s.CreatedAt, &s.LastActiveAt)
		return mapErr(err)
	})
}

func scanSession(row *sql.Row) (*Session, error) {
	var s Session
	var userID sql.NullInt64
	err := row.Scan(&s.ID, &s.SessionID, &userID, &s.SessionKey,
		&s.RemoteAddr, &s.CreatedAt, &s.LastActiveAt)
	if err != nil {
		return nil, mapErr(err)
	}
	s.UserID = userID.Int64
	return &s, nil
}

func (p *PostgresStore) SessionBySID(sessionID string) (*Session, error) {
	var s *Session
	err := retry(func() error {
		var err error
		s, err = scanSession(p.db.QueryRow(
			`SELECT id, session_id, user_id, session_key, remote_addr, created_at, last_active_at
			 FROM sessions WHERE session_id = $1`, sessionID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) SessionsByUser(userID int64) ([]*Session, error) {
	if userID == 0 {
		return nil, nil
	}
	var out []*Session
	err := retry(func() error {
		rows, err := p.db.Query(
			`SELECT id, session_id, user_id, session_key, remote_addr, created_at, last_active_at
			 FROM sessions WHERE user_id = $1`, userID)
		if err != nil {
			return mapErr(err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var s Session
			var uid sql.NullInt64
			if err := rows.Scan(&s.ID, &s.SessionID, &uid, &s.SessionKey,
				&s.RemoteAddr, &s.CreatedAt, &s.LastActiveAt); err != nil {
				return mapErr(err)
			}
			s.UserID = uid.Int64
			out = append(out, &s)
		}
		return mapErr(rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) BindSessionUser(sessionID string, userID int64) error {
	return retry(func() error {
		return p.execOne(
			`UPDATE sessions SET user_id = $2, last_active_at = now()
			 WHERE session_id = $1`, sessionID, nullUser(userID))
	})
}

func (p *PostgresStore) TouchSession(sessionID string, at time.Time, remoteAddr string) error {
	return retry(func() error {
		if remoteAddr == "" {
			return p.execOne(
				`UPDATE sessions SET last_active_at = $2 WHERE session_id = $1`,
				sessionID, at)
		}
		return p.execOne(
			`UPDATE sessions SET last_active_at = $2, remote_addr = $3
			 WHERE session_id = $1`, sessionID, at, remoteAddr)
	})
}

func (p *PostgresStore) DeleteSession(sessionID string) error {
	return retry(func() error {
		return p.execOne(`DELETE FROM sessions WHERE session_id = $1`, sessionID)
	})
}

func (p *PostgresStore) DeleteIdleSessions(cutoff time.Time) ([]string, error) {
	var removed []string
	err := retry(func() error {
		rows, err := p.db.Query(
			`DELETE FROM sessions WHERE last_active_at < $1 RETURNING session_id`, cutoff)
		if err != nil {
			return mapErr(err)
		}
		defer rows.Close()

		removed = removed[:0]
		for rows.Next() {
			var sid string
			if err := rows.Scan(&sid); err != nil {
				return mapErr(err)
			}
			removed = append(removed, sid)
		}
		return mapErr(rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (p *PostgresStore) InsertNonce(sessionRowID int64, nonce string) error {
	return retry(func() error {
		_, err := p.db.Exec(
			`INSERT INTO session_nonces (session_id, nonce) VALUES ($1, $2)`,
			sessionRowID, nonce)
		return mapErr(err)
	})
}

func (p *PostgresStore) CreateRoomWithAdmin(r *Room, creatorUserID int64) error {
	return retry(func() error {
		tx, err := p.db.Begin()
		if err != nil {
			return mapErr(err)
		}
		defer tx.Rollback()

		err = tx.QueryRow(
			`INSERT INTO rooms (room_id, name, is_private)
			 VALUES ($1, $2, $3)
			 RETURNING id, created_at, last_active_at`,
			r.RoomID, r.Name, r.IsPrivate,
		).Scan(&r.ID, &r.CreatedAt, &r.LastActiveAt)
		if err != nil {
			return mapErr(err)
		}
		_, err = tx.Exec(
			`INSERT INTO room_members (room_id, user_id, is_admin)
			 VALUES ($1, $2, TRUE)`, r.ID, creatorUserID)
		if err != nil {
			return mapErr(err)
		}
		return mapErr(tx.Commit())
	})
}

func scanRoom(row *sql.Row) (*Room, error) {
	var r Room
	err := row.Scan(&r.ID, &r.RoomID, &r.Name, &r.IsPrivate, &r.CreatedAt, &r.LastActiveAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (p *PostgresStore) RoomByRoomID(roomID string) (*Room, error) {
	var r *Room
	err := retry(func() error {
		var err error
		r, err = scanRoom(p.db.QueryRow(
			`SELECT id, room_id, name, is_private, created_at, last_active_at
			 FROM rooms WHERE room_id = $1`, roomID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) ListPublicRooms() ([]*Room, error) {
	var out []*Room
	err := retry(func() error {
		rows, err := p.db.Query(
			`SELECT id, room_id, name, is_private, created_at, last_active_at
			 FROM rooms WHERE NOT is_private
			 ORDER BY last_active_at DESC`)
		if err != nil {
			return mapErr(err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var r Room
			if err := rows.Scan(&r.ID, &r.RoomID, &r.Name, &r.IsPrivate,
				&r.CreatedAt, &r.LastActiveAt); err != nil {
				return mapErr(err)
			}
			out = append(out, &r)
		}
		return mapErr(rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) TouchRoom(roomRowID int64, at time.Time) error {
	return retry(func() error {
		return p.execOne(
			`UPDATE rooms SET last_active_at = $2 WHERE id = $1`, roomRowID, at)
	})
}

func (p *PostgresStore) RoomByUser(userID int64) (*Room, error) {
	var r *Room
	err := retry(func() error {
		var err error
		r, err = scanRoom(p.db.QueryRow(
			`SELECT r.id, r.room_id, r.name, r.is_private, r.created_at, r.last_active_at
			 FROM rooms r
			 JOIN room_members m ON m.room_id = r.id
			 WHERE m.user_id = $1
			 ORDER BY r.last_active_at DESC
			 LIMIT 1`, userID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) AddMember(m *Member) error {
	return retry(func() error {
		err := p.db.QueryRow(
			`INSERT INTO room_members (room_id, user_id, is_admin)
			 VALUES ($1, $2, $3)
			 RETURNING joined_at`,
			m.RoomID, m.UserID, m.IsAdmin,
		).Scan(&m.JoinedAt)
		return mapErr(err)
	})
}

func (p *PostgresStore) GetMember(roomRowID, userID int64) (*Member, error) {
	var m Member
	err := retry(func() error {
		return mapErr(p.db.QueryRow(
			`SELECT room_id, user_id, is_admin, joined_at
			 FROM room_members WHERE room_id = $1 AND user_id = $2`,
			roomRowID, userID,
		).Scan(&m.RoomID, &m.UserID, &m.IsAdmin, &m.JoinedAt))
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *PostgresStore) RemoveMember(roomRowID, userID int64) error {
	return retry(func() error {
		return p.execOne(
			`DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`,
			roomRowID, userID)
	})
}

func (p *PostgresStore) SetMemberAdmin(roomRowID, userID int64, isAdmin bool) error {
	return retry(func() error {
		return p.execOne(
			`UPDATE room_members SET is_admin = $3
			 WHERE room_id = $1 AND user_id = $2`, roomRowID, userID, isAdmin)
	})
}

func (p *PostgresStore) ListMembers(roomRowID int64) ([]*MemberView, error) {
	var out []*MemberView
	err := retry(func() error {
		rows, err := p.db.Query(
			`SELECT u.user_id, u.name, m.is_admin, m.joined_at
			 FROM room_members m
			 JOIN users u ON u.id = m.user_id
			 WHERE m.room_id = $1
			 ORDER BY u.name`, roomRowID)
		if err != nil {
			return mapErr(err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var v MemberView
			if err := rows.Scan(&v.UserID, &v.Name, &v.IsAdmin, &v.JoinedAt); err != nil {
				return mapErr(err)
			}
			out = append(out, &v)
		}
		return mapErr(rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) ListMemberUserIDs(roomRowID int64) ([]int64, error) {
	var out []int64
	err := retry(func() error {
		rows, err := p.db.Query(
			`SELECT user_id FROM room_members WHERE room_id = $1 ORDER BY user_id`,
			roomRowID)
		if err != nil {
			return mapErr(err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return mapErr(err)
			}
			out = append(out, id)
		}
		return mapErr(rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) NextAdminCandidate(roomRowID int64) (*Member, error) {
	var m Member
	err := retry(func() error {
		return mapErr(p.db.QueryRow(
			`SELECT room_id, user_id, is_admin, joined_at
			 FROM room_members WHERE room_id = $1
			 ORDER BY joined_at, user_id
			 LIMIT 1`, roomRowID,
		).Scan(&m.RoomID, &m.UserID, &m.IsAdmin, &m.JoinedAt))
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *PostgresStore) AppendMessage(msg *Message) error {
	return retry(func() error {
		err := p.db.QueryRow(
			`INSERT INTO messages (room_id, user_id, content, is_announcement)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id, created_at`,
			msg.RoomID, msg.UserID, msg.Content, msg.IsAnnouncement,
		).Scan(&msg.ID, &msg.CreatedAt)
		return mapErr(err)
	})
}

func (p *PostgresStore) LastMessages(roomRowID int64, limit int) ([]*MessageView, error) {
	var out []*MessageView
	err := retry(func() error {
		rows, err := p.db.Query(
			`SELECT m.id, m.room_id, m.user_id, m.content, m.is_announcement, m.created_at,
			        u.user_id, u.name
			 FROM (
			   SELECT * FROM messages
			   WHERE room_id = $1
			   ORDER BY created_at DESC, id DESC
			   LIMIT $2
			 ) m
			 JOIN users u ON u.id = m.user_id
			 ORDER BY m.created_at, m.id`, roomRowID, limit)
		if err != nil {
			return mapErr(err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var v MessageView
			if err := rows.Scan(&v.ID, &v.RoomID, &v.UserID, &v.Content,
				&v.IsAnnouncement, &v.CreatedAt, &v.SenderUserID, &v.SenderName); err != nil {
				return mapErr(err)
			}
			out = append(out, &v)
		}
		return mapErr(rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) Counts() (int64, int64, error) {
	var rooms, members int64
	err := retry(func() error {
		return mapErr(p.db.QueryRow(
			`SELECT (SELECT count(*) FROM rooms),
			        (SELECT count(*) FROM room_members)`,
		).Scan(&rooms, &members))
	})
	if err != nil {
		return 0, 0, err
	}
	return rooms, members, nil
}

// execOne runs a statement that should affect exactly one row, returning
// ErrNotFound when it affects none.
func (p *PostgresStore) execOne(query string, args ...any) error {
	res, err := p.db.Exec(query, args...)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
