package postgres

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
	gkcrypto "github.com/rakunlabs/gatekeep/internal/crypto"
	"github.com/rakunlabs/gatekeep/internal/convo"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3

	DefaultTablePrefix = "gatekeep_"
)

// Postgres implements convo.Store and attachment.Store over a PostgreSQL
// database, following the teacher's goqu-query-builder-plus-raw-db-exec
// pattern for CRUD and a dedicated migrate step on New.
type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableSessions    exp.IdentifierExpression
	tableMessages    exp.IdentifierExpression
	tableAnnotations exp.IdentifierExpression
	tableAttachments exp.IdentifierExpression

	// encKey encrypts message content at rest when configured. nil means
	// encryption is disabled; values are stored as plaintext.
	encKey []byte
}

func New(ctx context.Context, cfg *config.StorePostgres, encKey []byte) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
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

	if migrate.Schema == "" {
		migrate.Schema = cfg.Schema
	}

	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := MigrateDB(ctx, &migrate, db); err != nil {
		db.Close()

		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}
	// /////////////////////////////////////////////

	// Set schema search path if configured.
	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()

			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	if cfg.ConnMaxLifetime != nil {
		ConnMaxLifetime = *cfg.ConnMaxLifetime
	}
	if cfg.MaxIdleConns != nil {
		MaxIdleConns = *cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns != nil {
		MaxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to store postgres")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
		db:               db,
		goqu:             dbGoqu,
		tableSessions:    goqu.T(tablePrefix + "sessions"),
		tableMessages:    goqu.T(tablePrefix + "messages"),
		tableAnnotations: goqu.T(tablePrefix + "annotations"),
		tableAttachments: goqu.T(tablePrefix + "attachments"),
		encKey:           encKey,
	}, nil
}

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Error("close store postgres connection", "error", err)
		}
	}
}

// ─── Sessions ───

func (p *Postgres) CreateSessionIfMissing(ctx context.Context, sessionID, userID, title string) error {
	now := time.Now().UTC()

	query, _, err := p.goqu.Insert(p.tableSessions).Rows(
		goqu.Record{
			"id":                    sessionID,
			"user_id":               userID,
			"title":                 title,
			"message_count":         0,
			"total_tokens":          0,
			"last_message_preview":  "",
			"last_message_time":     now,
			"created_at":            now,
		},
	).OnConflict(goqu.DoNothing()).ToSQL()
	if err != nil {
		return fmt.Errorf("build create session query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create session %q: %w", sessionID, err)
	}

	return nil
}

// ─── Messages ───

func (p *Postgres) AppendMessages(ctx context.Context, sessionID, userID string, msgs []convo.Message, linkAttachmentIDs []string) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var lastInsertedID string
	var addedTokens int
	var addedMessages int
	var lastPreview string
	var lastTime time.Time

	for _, msg := range msgs {
		content := msg.Content
		if p.encKey != nil {
			content, err = gkcrypto.Encrypt(content, p.encKey)
			if err != nil {
				return fmt.Errorf("encrypt message %q: %w", msg.ID, err)
			}
		}

		query, _, err := p.goqu.Insert(p.tableMessages).Rows(
			goqu.Record{
				"id":               msg.ID,
				"session_id":       sessionID,
				"user_id":          userID,
				"role":             string(msg.Role),
				"content":          content,
				"has_attachments":  msg.HasAttachments,
				"attachment_count": msg.AttachmentCount,
				"total_tokens":     msg.TotalTokens,
				"created_at":       msg.CreatedAt,
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
			lastTime = msg.CreatedAt
		}
	}

	if lastInsertedID != "" {
		updateQuery, _, err := p.goqu.Update(p.tableSessions).Set(
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
			if err := linkAttachmentsTx(ctx, tx, p.goqu, p.tableAttachments, lastInsertedID, linkAttachmentIDs); err != nil {
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

func (p *Postgres) ReadMessages(ctx context.Context, sessionID, userID string) ([]convo.Message, error) {
	query, _, err := p.goqu.From(p.tableMessages).
		Select("id", "session_id", "user_id", "role", "content", "has_attachments", "attachment_count", "total_tokens", "created_at").
		Where(goqu.I("session_id").Eq(sessionID), goqu.I("user_id").Eq(userID)).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build read messages query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read messages for session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var out []convo.Message
	for rows.Next() {
		var m convo.Message
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &role, &m.Content, &m.HasAttachments, &m.AttachmentCount, &m.TotalTokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = convo.Role(role)

		if p.encKey != nil {
			decrypted, err := gkcrypto.Decrypt(m.Content, p.encKey)
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

func (p *Postgres) PersistAnnotations(ctx context.Context, userID, sessionID, messageID string, annotations []convo.Annotation) error {
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

	query, _, err := p.goqu.Insert(p.tableAnnotations).Rows(records).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build insert annotations query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("persist annotations for message %q: %w", messageID, err)
	}

	return nil
}

// ─── Search ───

func (p *Postgres) SearchConversations(ctx context.Context, userID, pattern string, limit int) ([]convo.SearchResult, error) {
	like := "%" + pattern + "%"

	titleQuery, _, err := p.goqu.From(p.tableSessions).
		Select("id", "user_id", "title", "message_count", "total_tokens", "last_message_preview", "last_message_time", "created_at").
		Where(goqu.I("user_id").Eq(userID), goqu.I("title").ILike(like)).
		Order(goqu.I("last_message_time").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build title search query: %w", err)
	}

	results, err := p.scanSessionMatches(ctx, titleQuery, convo.SearchClassTitle)
	if err != nil {
		return nil, err
	}

	previewQuery, _, err := p.goqu.From(p.tableSessions).
		Select("id", "user_id", "title", "message_count", "total_tokens", "last_message_preview", "last_message_time", "created_at").
		Where(goqu.I("user_id").Eq(userID), goqu.I("last_message_preview").ILike(like)).
		Order(goqu.I("last_message_time").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build preview search query: %w", err)
	}

	previewResults, err := p.scanSessionMatches(ctx, previewQuery, convo.SearchClassPreview)
	if err != nil {
		return nil, err
	}
	results = append(results, previewResults...)

	contentQuery, _, err := p.goqu.From(p.tableMessages.As("m")).
		Join(p.tableSessions.As("s"), goqu.On(goqu.I("m.session_id").Eq(goqu.I("s.id")))).
		Select("s.id", "s.user_id", "s.title", "s.message_count", "s.total_tokens", "s.last_message_preview", "s.last_message_time", "s.created_at").
		Where(goqu.I("m.user_id").Eq(userID), goqu.I("m.content").ILike(like)).
		Distinct().
		Order(goqu.I("s.last_message_time").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build content search query: %w", err)
	}

	contentResults, err := p.scanSessionMatches(ctx, contentQuery, convo.SearchClassContent)
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

func (p *Postgres) scanSessionMatches(ctx context.Context, query string, class convo.SearchClass) ([]convo.SearchResult, error) {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search conversations (%s): %w", class, err)
	}
	defer rows.Close()

	var out []convo.SearchResult
	for rows.Next() {
		var s convo.Session
		if err := rows.Scan(&s.ID, &s.UserID, &s.Title, &s.MessageCount, &s.TotalTokens, &s.LastMessagePreview, &s.LastMessageTime, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session match: %w", err)
		}
		out = append(out, convo.SearchResult{Session: s, Class: class})
	}

	return out, rows.Err()
}

// ─── Attachments ───

func (p *Postgres) GetAttachments(ctx context.Context, ids []string) ([]attachment.Attachment, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	anyIDs := make([]any, len(ids))
	for i, id := range ids {
		anyIDs[i] = id
	}

	query, _, err := p.goqu.From(p.tableAttachments).
		Select("id", "user_id", "mime", "storage_bucket", "storage_path", "status", "session_id", "message_id", "created_at").
		Where(goqu.I("id").In(anyIDs...)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get attachments query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get attachments: %w", err)
	}
	defer rows.Close()

	var out []attachment.Attachment
	for rows.Next() {
		var a attachment.Attachment
		var status string
		var sessionID, messageID sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &a.MIME, &a.StorageBucket, &a.StoragePath, &status, &sessionID, &messageID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment row: %w", err)
		}
		a.Status = attachment.Status(status)
		a.SessionID = sessionID.String
		a.MessageID = messageID.String
		out = append(out, a)
	}

	return out, rows.Err()
}

func (p *Postgres) LinkAttachments(ctx context.Context, messageID string, ids []string) error {
	return linkAttachmentsTx(ctx, p.db, p.goqu, p.tableAttachments, messageID, ids)
}

func (p *Postgres) CreateAttachment(ctx context.Context, a attachment.Attachment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	var sessionID, messageID *string
	if a.SessionID != "" {
		sessionID = &a.SessionID
	}
	if a.MessageID != "" {
		messageID = &a.MessageID
	}

	query, _, err := p.goqu.Insert(p.tableAttachments).Rows(
		goqu.Record{
			"id":             a.ID,
			"user_id":        a.UserID,
			"mime":           a.MIME,
			"storage_bucket": a.StorageBucket,
			"storage_path":   a.StoragePath,
			"status":         string(a.Status),
			"session_id":     sessionID,
			"message_id":     messageID,
			"created_at":     a.CreatedAt,
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build create attachment query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create attachment %q: %w", a.ID, err)
	}

	return nil
}

func (p *Postgres) ListExpiredAttachments(ctx context.Context, cutoff time.Time) ([]attachment.Attachment, error) {
	query, _, err := p.goqu.From(p.tableAttachments).
		Select("id", "user_id", "mime", "storage_bucket", "storage_path", "status", "session_id", "message_id", "created_at").
		Where(
			goqu.I("message_id").IsNull(),
			goqu.I("created_at").Lt(cutoff),
		).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list expired attachments query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list expired attachments: %w", err)
	}
	defer rows.Close()

	var out []attachment.Attachment
	for rows.Next() {
		var a attachment.Attachment
		var status string
		var sessionID, messageID sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &a.MIME, &a.StorageBucket, &a.StoragePath, &status, &sessionID, &messageID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan expired attachment row: %w", err)
		}
		a.Status = attachment.Status(status)
		a.SessionID = sessionID.String
		a.MessageID = messageID.String
		out = append(out, a)
	}

	return out, rows.Err()
}

func (p *Postgres) DeleteAttachments(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	anyIDs := make([]any, len(ids))
	for i, id := range ids {
		anyIDs[i] = id
	}

	query, _, err := p.goqu.Delete(p.tableAttachments).Where(goqu.I("id").In(anyIDs...)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete attachments query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete attachments: %w", err)
	}

	return nil
}

// dbExecer abstracts *sql.DB and *sql.Tx for the shared link helper.
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
