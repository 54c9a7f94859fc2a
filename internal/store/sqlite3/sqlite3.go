package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/gatekeep/internal/attachment"
	"github.com/rakunlabs/gatekeep/internal/config"
	"github.com/rakunlabs/gatekeep/internal/convo"
	gkcrypto "github.com/rakunlabs/gatekeep/internal/crypto"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

var DefaultTablePrefix = "gatekeep_"

// SQLite mirrors Postgres's convo.Store/attachment.Store implementation for
// single-node deployments, following the teacher's single-writer SQLite
// convention (WAL mode, foreign keys on, one open connection).
type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	tableSessions    exp.IdentifierExpression
	tableMessages    exp.IdentifierExpression
	tableAnnotations exp.IdentifierExpression
	tableAttachments exp.IdentifierExpression

	encKey []byte
}

func New(ctx context.Context, cfg *config.StoreSQLite, encKey []byte) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	// /////////////////////////////////////////////
	// Run migrations.
	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}

	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}

	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()

		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()

		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := MigrateDB(ctx, &migrate, db); err != nil {
		db.Close()

		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}
	// /////////////////////////////////////////////

	slog.Info("connected to store sqlite")

	dbGoqu := goqu.New("sqlite3", db)

	return &SQLite{
		db:               db,
		goqu:             dbGoqu,
		tableSessions:    goqu.T(tablePrefix + "sessions"),
		tableMessages:    goqu.T(tablePrefix + "messages"),
		tableAnnotations: goqu.T(tablePrefix + "annotations"),
		tableAttachments: goqu.T(tablePrefix + "attachments"),
		encKey:           encKey,
	}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close store sqlite connection", "error", err)
		}
	}
}

// ─── Sessions ───

func (s *SQLite) CreateSessionIfMissing(ctx context.Context, sessionID, userID, title string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	query, _, err := s.goqu.Insert(s.tableSessions).Rows(
		goqu.Record{
			"id":                   sessionID,
			"user_id":              userID,
			"title":                title,
			"message_count":        0,
			"total_tokens":         0,
			"last_message_preview": "",
			"last_message_time":    now,
			"created_at":           now,
		},
	).OnConflict(goqu.DoNothing()).ToSQL()
	if err != nil {
		return fmt.Errorf("build create session query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create session %q: %w", sessionID, err)
	}

	return nil
}

// ─── Messages ───

func (s *SQLite) AppendMessages(ctx context.Context, sessionID, userID string, msgs []convo.Message, linkAttachmentIDs []string) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var lastInsertedID string
	var addedTokens int
	var addedMessages int
	var lastPreview string
	var lastTime string

	for _, msg := range msgs {
		content := msg.Content
		if s.encKey != nil {
			content, err = gkcrypto.Encrypt(content, s.encKey)
			if err != nil {
				return fmt.Errorf("encrypt message %q: %w", msg.ID, err)
			}
		}

		query, _, err := s.goqu.Insert(s.tableMessages).Rows(
			goqu.Record{
				"id":               msg.ID,
				"session_id":       sessionID,
				"user_id":          userID,
				"role":             string(msg.Role),
				"content":          content,
				"has_attachments":  msg.HasAttachments,
				"attachment_count": msg.AttachmentCount,
				"total_tokens":     msg.TotalTokens,
				"created_at":       msg.CreatedAt.UTC().Format(time.RFC3339),
			},
		).OnConflict(goqu.DoNothing()).ToSQL()
		if err != nil {
			return fmt.Errorf("build insert message query: %w", err)
		}

		res, err := tx.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("insert message %q: %w", msg.ID, err)
		}

		if affected, _ := res.RowsAffected(); affected > 0 {
			addedTokens += msg.TotalTokens
			addedMessages++
			lastInsertedID = msg.ID
			lastPreview = preview(msg.Content)
			lastTime = msg.CreatedAt.UTC().Format(time.RFC3339)
		}
	}

	if lastInsertedID != "" {
		updateQuery, _, err := s.goqu.Update(s.tableSessions).Set(
			goqu.Record{
				"message_count":        goqu.L("? + ?", goqu.I("message_count"), addedMessages),
				"total_tokens":         goqu.L("? + ?", goqu.I("total_tokens"), addedTokens),
				"last_message_preview": lastPreview,
				"last_message_time":    lastTime,
			},
		).Where(goqu.I("id").Eq(sessionID), goqu.I("user_id").Eq(userID)).ToSQL()
		if err != nil {
			return fmt.Errorf("build session rollup query: %w", err)
		}

		if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
			return fmt.Errorf("update session rollup %q: %w", sessionID, err)
		}

		if len(linkAttachmentIDs) > 0 {
			if err := linkAttachmentsTx(ctx, tx, s.goqu, s.tableAttachments, lastInsertedID, linkAttachmentIDs); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func preview(content string) string {
	const maxLen = 140
	if len(content) <= maxLen {
		return content
	}
	return content[:maxLen]
}

func (s *SQLite) ReadMessages(ctx context.Context, sessionID, userID string) ([]convo.Message, error) {
	query, _, err := s.goqu.From(s.tableMessages).
		Select("id", "session_id", "user_id", "role", "content", "has_attachments", "attachment_count", "total_tokens", "created_at").
		Where(goqu.I("session_id").Eq(sessionID), goqu.I("user_id").Eq(userID)).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build read messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read messages for session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var out []convo.Message
	for rows.Next() {
		var m convo.Message
		var role, createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &role, &m.Content, &m.HasAttachments, &m.AttachmentCount, &m.TotalTokens, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = convo.Role(role)
		m.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at for message %q: %w", m.ID, err)
		}

		if s.encKey != nil {
			decrypted, err := gkcrypto.Decrypt(m.Content, s.encKey)
			if err != nil {
				return nil, fmt.Errorf("decrypt message %q: %w", m.ID, err)
			}
			m.Content = decrypted
		}

		out = append(out, m)
	}

	return out, rows.Err()
}

// ─── Annotations ───

func (s *SQLite) PersistAnnotations(ctx context.Context, userID, sessionID, messageID string, annotations []convo.Annotation) error {
	if len(annotations) == 0 {
		return nil
	}

	records := make([]goqu.Record, 0, len(annotations))
	for _, a := range annotations {
		records = append(records, goqu.Record{
			"id":          ulid.Make().String(),
			"message_id":  messageID,
			"session_id":  sessionID,
			"user_id":     userID,
			"type":        a.Type,
			"url":         a.URL,
			"title":       a.Title,
			"content":     a.Content,
			"start_index": a.StartIndex,
			"end_index":   a.EndIndex,
		})
	}

	query, _, err := s.goqu.Insert(s.tableAnnotations).Rows(records).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build insert annotations query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("persist annotations for message %q: %w", messageID, err)
	}

	return nil
}

// ─── Search ───

func (s *SQLite) SearchConversations(ctx context.Context, userID, pattern string, limit int) ([]convo.SearchResult, error) {
	like := "%" + pattern + "%"

	titleQuery, _, err := s.goqu.From(s.tableSessions).
		Select("id", "user_id", "title", "message_count", "total_tokens", "last_message_preview", "last_message_time", "created_at").
		Where(goqu.I("user_id").Eq(userID), goqu.I("title").Like(like)).
		Order(goqu.I("last_message_time").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build title search query: %w", err)
	}

	results, err := s.scanSessionMatches(ctx, titleQuery, convo.SearchClassTitle)
	if err != nil {
		return nil, err
	}

	previewQuery, _, err := s.goqu.From(s.tableSessions).
		Select("id", "user_id", "title", "message_count", "total_tokens", "last_message_preview", "last_message_time", "created_at").
		Where(goqu.I("user_id").Eq(userID), goqu.I("last_message_preview").Like(like)).
		Order(goqu.I("last_message_time").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build preview search query: %w", err)
	}

	previewResults, err := s.scanSessionMatches(ctx, previewQuery, convo.SearchClassPreview)
	if err != nil {
		return nil, err
	}
	results = append(results, previewResults...)

	contentQuery, _, err := s.goqu.From(s.tableMessages.As("m")).
		Join(s.tableSessions.As("sess"), goqu.On(goqu.I("m.session_id").Eq(goqu.I("sess.id")))).
		Select("sess.id", "sess.user_id", "sess.title", "sess.message_count", "sess.total_tokens", "sess.last_message_preview", "sess.last_message_time", "sess.created_at").
		Where(goqu.I("m.user_id").Eq(userID), goqu.I("m.content").Like(like)).
		Distinct().
		Order(goqu.I("sess.last_message_time").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build content search query: %w", err)
	}

	contentResults, err := s.scanSessionMatches(ctx, contentQuery, convo.SearchClassContent)
	if err != nil {
		return nil, err
	}
	results = append(results, contentResults...)

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Session.LastMessageTime.After(results[j].Session.LastMessageTime)
	})

	if len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

func (s *SQLite) scanSessionMatches(ctx context.Context, query string, class convo.SearchClass) ([]convo.SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search conversations (%s): %w", class, err)
	}
	defer rows.Close()

	var out []convo.SearchResult
	for rows.Next() {
		var sess convo.Session
		var lastMessageTime, createdAt string
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.MessageCount, &sess.TotalTokens, &sess.LastMessagePreview, &lastMessageTime, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session match: %w", err)
		}

		sess.LastMessageTime, err = time.Parse(time.RFC3339, lastMessageTime)
		if err != nil {
			return nil, fmt.Errorf("parse last_message_time for session %q: %w", sess.ID, err)
		}
		sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at for session %q: %w", sess.ID, err)
		}

		out = append(out, convo.SearchResult{Session: sess, Class: class})
	}

	return out, rows.Err()
}

// ─── Attachments ───

func (s *SQLite) GetAttachments(ctx context.Context, ids []string) ([]attachment.Attachment, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	anyIDs := make([]any, len(ids))
	for i, id := range ids {
		anyIDs[i] = id
	}

	query, _, err := s.goqu.From(s.tableAttachments).
		Select("id", "user_id", "mime", "storage_bucket", "storage_path", "status", "session_id", "message_id", "created_at").
		Where(goqu.I("id").In(anyIDs...)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get attachments query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get attachments: %w", err)
	}
	defer rows.Close()

	var out []attachment.Attachment
	for rows.Next() {
		var a attachment.Attachment
		var status, createdAt string
		var sessionID, messageID sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &a.MIME, &a.StorageBucket, &a.StoragePath, &status, &sessionID, &messageID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan attachment row: %w", err)
		}
		a.Status = attachment.Status(status)
		a.SessionID = sessionID.String
		a.MessageID = messageID.String
		a.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at for attachment %q: %w", a.ID, err)
		}
		out = append(out, a)
	}

	return out, rows.Err()
}

func (s *SQLite) LinkAttachments(ctx context.Context, messageID string, ids []string) error {
	return linkAttachmentsTx(ctx, s.db, s.goqu, s.tableAttachments, messageID, ids)
}

func (s *SQLite) CreateAttachment(ctx context.Context, a attachment.Attachment) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var sessionID, messageID *string
	if a.SessionID != "" {
		sessionID = &a.SessionID
	}
	if a.MessageID != "" {
		messageID = &a.MessageID
	}

	query, _, err := s.goqu.Insert(s.tableAttachments).Rows(
		goqu.Record{
			"id":             a.ID,
			"user_id":        a.UserID,
			"mime":           a.MIME,
			"storage_bucket": a.StorageBucket,
			"storage_path":   a.StoragePath,
			"status":         string(a.Status),
			"session_id":     sessionID,
			"message_id":     messageID,
			"created_at":     createdAt.Format(time.RFC3339),
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build create attachment query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create attachment %q: %w", a.ID, err)
	}

	return nil
}

func (s *SQLite) ListExpiredAttachments(ctx context.Context, cutoff time.Time) ([]attachment.Attachment, error) {
	query, _, err := s.goqu.From(s.tableAttachments).
		Select("id", "user_id", "mime", "storage_bucket", "storage_path", "status", "session_id", "message_id", "created_at").
		Where(
			goqu.I("message_id").IsNull(),
			goqu.I("created_at").Lt(cutoff.Format(time.RFC3339)),
		).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list expired attachments query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list expired attachments: %w", err)
	}
	defer rows.Close()

	var out []attachment.Attachment
	for rows.Next() {
		var a attachment.Attachment
		var status, createdAt string
		var sessionID, messageID sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &a.MIME, &a.StorageBucket, &a.StoragePath, &status, &sessionID, &messageID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan expired attachment row: %w", err)
		}
		a.Status = attachment.Status(status)
		a.SessionID = sessionID.String
		a.MessageID = messageID.String
		a.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at for attachment %q: %w", a.ID, err)
		}
		out = append(out, a)
	}

	return out, rows.Err()
}

func (s *SQLite) DeleteAttachments(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	anyIDs := make([]any, len(ids))
	for i, id := range ids {
		anyIDs[i] = id
	}

	query, _, err := s.goqu.Delete(s.tableAttachments).Where(goqu.I("id").In(anyIDs...)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete attachments query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete attachments: %w", err)
	}

	return nil
}

type dbExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func linkAttachmentsTx(ctx context.Context, exec dbExecer, db *goqu.Database, table exp.IdentifierExpression, messageID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) > 3 {
		ids = ids[:3]
	}

	anyIDs := make([]any, len(ids))
	for i, id := range ids {
		anyIDs[i] = id
	}

	query, _, err := db.Update(table).Set(
		goqu.Record{"message_id": messageID},
	).Where(
		goqu.I("id").In(anyIDs...),
		goqu.I("message_id").IsNull(),
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build link attachments query: %w", err)
	}

	if _, err := exec.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("link attachments to message %q: %w", messageID, err)
	}

	return nil
}
