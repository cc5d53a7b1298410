package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/threadline/threadline/internal/db"
)

// PGStore persists conversations in PostgreSQL: one JSONB document per
// conversation plus an identifier index table for the lookup paths.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGStore creates a PostgreSQL-backed conversation store.
func NewPGStore(log *slog.Logger, pool *pgxpool.Pool) *PGStore {
	if log == nil {
		log = slog.Default()
	}
	return &PGStore{
		pool:   pool,
		logger: log.With(slog.String("service", "conversation/store")),
	}
}

// document is the JSONB payload stored per conversation row. Identifiers live
// in their own table so (type, value) and match-key lookups can be indexed.
type document struct {
	Messages []Message `json:"messages"`
	Summary  *Summary  `json:"summary,omitempty"`
	Profile  Profile   `json:"profile"`
}

func (s *PGStore) Create(ctx context.Context, conv *Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	if conv.LastActivity.IsZero() {
		conv.LastActivity = conv.CreatedAt
	}
	pgID, err := db.ParseUUID(conv.ID)
	if err != nil {
		return err
	}
	doc, err := marshalDocument(conv)
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (id, channel, doc, response_chain_token, last_activity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		pgID, string(conv.Channel), doc, conv.ResponseChainToken,
		db.TimeToPg(conv.LastActivity), db.TimeToPg(conv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	if err := insertIdentifiers(ctx, tx, pgID, conv.Identifiers); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Get(ctx context.Context, id string) (*Conversation, error) {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, channel, doc, response_chain_token, last_activity, created_at
		FROM conversations WHERE id = $1`, pgID)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := s.loadIdentifiers(ctx, []*Conversation{conv}); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *PGStore) Save(ctx context.Context, conv *Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	pgID, err := db.ParseUUID(conv.ID)
	if err != nil {
		return err
	}
	doc, err := marshalDocument(conv)
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE conversations
		SET channel = $2, doc = $3, response_chain_token = $4, last_activity = $5, updated_at = now()
		WHERE id = $1`,
		pgID, string(conv.Channel), doc, conv.ResponseChainToken, db.TimeToPg(conv.LastActivity),
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM conversation_identifiers WHERE conversation_id = $1`, pgID); err != nil {
		return fmt.Errorf("clear identifiers: %w", err)
	}
	if err := insertIdentifiers(ctx, tx, pgID, conv.Identifiers); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pgIDs := make([]pgtype.UUID, 0, len(ids))
	for _, id := range ids {
		pgID, err := db.ParseUUID(id)
		if err != nil {
			return err
		}
		pgIDs = append(pgIDs, pgID)
	}
	// Identifier rows cascade with the conversation row.
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = ANY($1)`, pgIDs); err != nil {
		return fmt.Errorf("delete conversations: %w", err)
	}
	return nil
}

func (s *PGStore) FindByIdentifier(ctx context.Context, t IdentifierType, values []string) ([]*Conversation, error) {
	if len(values) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT c.id, c.channel, c.doc, c.response_chain_token, c.last_activity, c.created_at
		FROM conversations c
		JOIN conversation_identifiers ci ON ci.conversation_id = c.id
		WHERE ci.id_type = $1 AND ci.id_value = ANY($2)
		ORDER BY c.last_activity DESC`,
		string(t), values,
	)
	if err != nil {
		return nil, fmt.Errorf("find by identifier: %w", err)
	}
	return s.collect(ctx, rows)
}

func (s *PGStore) FindByMatchKeys(ctx context.Context, keys []string) ([]*Conversation, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT c.id, c.channel, c.doc, c.response_chain_token, c.last_activity, c.created_at
		FROM conversations c
		JOIN conversation_identifiers ci ON ci.conversation_id = c.id
		WHERE ci.match_key = ANY($1) AND ci.match_key <> ''
		ORDER BY c.last_activity DESC`,
		keys,
	)
	if err != nil {
		return nil, fmt.Errorf("find by match keys: %w", err)
	}
	return s.collect(ctx, rows)
}

func (s *PGStore) ListRecent(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, channel, doc, response_chain_token, last_activity, created_at
		FROM conversations
		ORDER BY last_activity DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	return s.collect(ctx, rows)
}

func (s *PGStore) collect(ctx context.Context, rows pgx.Rows) ([]*Conversation, error) {
	defer rows.Close()
	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadIdentifiers(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStore) loadIdentifiers(ctx context.Context, convs []*Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	byID := make(map[string]*Conversation, len(convs))
	pgIDs := make([]pgtype.UUID, 0, len(convs))
	for _, conv := range convs {
		byID[conv.ID] = conv
		pgID, err := db.ParseUUID(conv.ID)
		if err != nil {
			return err
		}
		pgIDs = append(pgIDs, pgID)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id, id_type, id_value, match_key, priority, verified, added_at, verified_at
		FROM conversation_identifiers
		WHERE conversation_id = ANY($1)
		ORDER BY added_at`, pgIDs)
	if err != nil {
		return fmt.Errorf("load identifiers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			convID     pgtype.UUID
			idType     string
			id         Identifier
			addedAt    pgtype.Timestamptz
			verifiedAt pgtype.Timestamptz
		)
		if err := rows.Scan(&convID, &idType, &id.Value, &id.MatchKey, &id.Priority, &id.Verified, &addedAt, &verifiedAt); err != nil {
			return err
		}
		id.Type = IdentifierType(idType)
		id.AddedAt = db.TimeFromPg(addedAt)
		if verifiedAt.Valid {
			t := verifiedAt.Time
			id.VerifiedAt = &t
		}
		if conv, ok := byID[db.UUIDToString(convID)]; ok {
			conv.Identifiers = append(conv.Identifiers, id)
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		id           pgtype.UUID
		channel      string
		docBytes     []byte
		chainToken   string
		lastActivity pgtype.Timestamptz
		createdAt    pgtype.Timestamptz
	)
	if err := row.Scan(&id, &channel, &docBytes, &chainToken, &lastActivity, &createdAt); err != nil {
		return nil, err
	}
	var doc document
	if len(docBytes) > 0 {
		if err := json.Unmarshal(docBytes, &doc); err != nil {
			return nil, fmt.Errorf("unmarshal conversation doc: %w", err)
		}
	}
	return &Conversation{
		ID:                 db.UUIDToString(id),
		Channel:            Channel(channel),
		Messages:           doc.Messages,
		Summary:            doc.Summary,
		Profile:            doc.Profile,
		ResponseChainToken: chainToken,
		LastActivity:       db.TimeFromPg(lastActivity),
		CreatedAt:          db.TimeFromPg(createdAt),
	}, nil
}

func marshalDocument(conv *Conversation) ([]byte, error) {
	doc := document{
		Messages: conv.Messages,
		Summary:  conv.Summary,
		Profile:  conv.Profile,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation doc: %w", err)
	}
	return payload, nil
}

func insertIdentifiers(ctx context.Context, tx pgx.Tx, convID pgtype.UUID, identifiers []Identifier) error {
	for _, id := range identifiers {
		var verifiedAt pgtype.Timestamptz
		if id.VerifiedAt != nil {
			verifiedAt = db.TimeToPg(*id.VerifiedAt)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO conversation_identifiers
				(conversation_id, id_type, id_value, match_key, priority, verified, added_at, verified_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			convID, string(id.Type), id.Value, id.MatchKey, id.Priority, id.Verified,
			db.TimeToPg(id.AddedAt), verifiedAt,
		)
		if err != nil {
			return fmt.Errorf("insert identifier (%s, %s): %w", id.Type, id.Value, err)
		}
	}
	return nil
}
