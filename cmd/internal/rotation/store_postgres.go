package rotation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"clubrotor/cmd/internal/metadata"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultSchema = "clubrotor"

// Postgres error codes we translate.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Rotate runs in one ReadCommitted transaction holding a per-club
//     transactional advisory lock, so rotations of one club are totally ordered.
//   - A partial unique index on active_items(club_id) WHERE status = 'active'
//     backs the at-most-one-active invariant.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "clubrotor").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" || !isValidPGIdent(schema) {
			return fmt.Errorf("rotation: invalid schema identifier %q: %w", schema, ErrInvalidInput)
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: defaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("rotation: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the store's schema, tables and indexes if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	clubs := pgIdent(s.schema, "clubs")
	suggestions := pgIdent(s.schema, "suggestions")
	items := pgIdent(s.schema, "active_items")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id             TEXT PRIMARY KEY,
  owner_id       TEXT NOT NULL DEFAULT '',
  name           TEXT NOT NULL DEFAULT '',
  interval_weeks INTEGER NOT NULL,
  created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  id             TEXT PRIMARY KEY,
  club_id        TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  external_ref   TEXT NOT NULL,
  submitter_id   TEXT NOT NULL,
  submitter_name TEXT NOT NULL DEFAULT '',
  created_at     TIMESTAMPTZ NOT NULL,

  CONSTRAINT uq_suggestions_club_submitter UNIQUE (club_id, submitter_id)
);

CREATE INDEX IF NOT EXISTS ix_suggestions_club_queue
  ON %s (club_id, created_at, id);

CREATE TABLE IF NOT EXISTS %s (
  id             TEXT PRIMARY KEY,
  club_id        TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  external_ref   TEXT NOT NULL,
  submitter_id   TEXT NOT NULL,
  submitter_name TEXT NOT NULL DEFAULT '',
  status         TEXT NOT NULL CHECK (status IN ('active', 'archived')),
  started_at     TIMESTAMPTZ NOT NULL,
  window_end     TIMESTAMPTZ NOT NULL,
  archived_at    TIMESTAMPTZ,
  reactions      JSONB NOT NULL DEFAULT '{}'::jsonb,
  metadata       JSONB NOT NULL DEFAULT '{}'::jsonb,

  CONSTRAINT chk_active_items_archived_at CHECK ((status = 'archived') = (archived_at IS NOT NULL))
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_active_items_one_active
  ON %s (club_id) WHERE status = 'active';

CREATE INDEX IF NOT EXISTS ix_active_items_history
  ON %s (club_id, archived_at DESC, id DESC) WHERE status = 'archived';
`,
		pgx.Identifier{s.schema}.Sanitize(),
		clubs,
		suggestions, clubs,
		suggestions,
		items, clubs,
		items,
		items,
	)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// UpsertClub creates or replaces a club record. Club management is outside
// the engine; this exists for dev mode and tests.
func (s *PostgresStore) UpsertClub(ctx context.Context, c Club) error {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		return ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "clubs")+` (id, owner_id, name, interval_weeks)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		    SET owner_id = EXCLUDED.owner_id,
		        name = EXCLUDED.name,
		        interval_weeks = EXCLUDED.interval_weeks`,
		c.ID, c.OwnerID, c.Name, c.IntervalWeeks,
	)
	return err
}

// GetClub implements Store.
func (s *PostgresStore) GetClub(ctx context.Context, clubID string) (Club, error) {
	var c Club
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, interval_weeks
		   FROM `+pgIdent(s.schema, "clubs")+`
		  WHERE id = $1`,
		clubID,
	).Scan(&c.ID, &c.OwnerID, &c.Name, &c.IntervalWeeks)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Club{}, ErrNotFound
		}
		return Club{}, err
	}
	return c, nil
}

// ListClubIDs implements Store.
func (s *PostgresStore) ListClubIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM `+pgIdent(s.schema, "clubs")+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

const activeItemColumns = `id, club_id, external_ref, submitter_id, submitter_name, status,
	started_at, window_end, archived_at, reactions, metadata`

func scanActiveItem(row pgx.Row) (ActiveItem, error) {
	var (
		a             ActiveItem
		reactionsJSON []byte
		metadataJSON  []byte
	)
	if err := row.Scan(
		&a.ID,
		&a.ClubID,
		&a.ExternalRef,
		&a.SubmitterID,
		&a.SubmitterName,
		&a.Status,
		&a.StartedAt,
		&a.WindowEnd,
		&a.ArchivedAt,
		&reactionsJSON,
		&metadataJSON,
	); err != nil {
		return ActiveItem{}, err
	}

	a.StartedAt = a.StartedAt.UTC()
	a.WindowEnd = a.WindowEnd.UTC()
	if a.ArchivedAt != nil {
		t := a.ArchivedAt.UTC()
		a.ArchivedAt = &t
	}
	if len(reactionsJSON) > 0 {
		if err := json.Unmarshal(reactionsJSON, &a.Reactions); err != nil {
			return ActiveItem{}, fmt.Errorf("decode reactions: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		var md metadata.Metadata
		if err := json.Unmarshal(metadataJSON, &md); err != nil {
			return ActiveItem{}, fmt.Errorf("decode metadata: %w", err)
		}
		a.Metadata = md
	}
	return a, nil
}

// GetActiveItem implements Store.
func (s *PostgresStore) GetActiveItem(ctx context.Context, clubID string) (ActiveItem, bool, error) {
	a, err := scanActiveItem(s.pool.QueryRow(ctx,
		`SELECT `+activeItemColumns+`
		   FROM `+pgIdent(s.schema, "active_items")+`
		  WHERE club_id = $1 AND status = 'active'`,
		clubID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ActiveItem{}, false, nil
		}
		return ActiveItem{}, false, err
	}
	return a, true, nil
}

// ListHistory implements Store. Newest archive first.
func (s *PostgresStore) ListHistory(ctx context.Context, clubID string, limit int) ([]ActiveItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+activeItemColumns+`
		   FROM `+pgIdent(s.schema, "active_items")+`
		  WHERE club_id = $1 AND status = 'archived'
		  ORDER BY archived_at DESC, id DESC
		  LIMIT $2`,
		clubID, clampHistoryLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ActiveItem, 0, 8)
	for rows.Next() {
		a, err := scanActiveItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const suggestionColumns = `id, club_id, external_ref, submitter_id, submitter_name, created_at`

func scanSuggestion(row pgx.Row) (Suggestion, error) {
	var sg Suggestion
	err := row.Scan(&sg.ID, &sg.ClubID, &sg.ExternalRef, &sg.SubmitterID, &sg.SubmitterName, &sg.CreatedAt)
	sg.CreatedAt = sg.CreatedAt.UTC()
	return sg, err
}

// PeekSuggestion implements Store.
func (s *PostgresStore) PeekSuggestion(ctx context.Context, clubID string) (Suggestion, bool, error) {
	sg, err := scanSuggestion(s.pool.QueryRow(ctx,
		`SELECT `+suggestionColumns+`
		   FROM `+pgIdent(s.schema, "suggestions")+`
		  WHERE club_id = $1
		  ORDER BY created_at ASC, id ASC
		  LIMIT 1`,
		clubID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Suggestion{}, false, nil
		}
		return Suggestion{}, false, err
	}
	return sg, true, nil
}

// ListSuggestions implements Store. FIFO order.
func (s *PostgresStore) ListSuggestions(ctx context.Context, clubID string) ([]Suggestion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+suggestionColumns+`
		   FROM `+pgIdent(s.schema, "suggestions")+`
		  WHERE club_id = $1
		  ORDER BY created_at ASC, id ASC`,
		clubID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Suggestion, 0, 8)
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// UpsertSuggestion implements Store.
func (s *PostgresStore) UpsertSuggestion(ctx context.Context, sg Suggestion) (Suggestion, error) {
	if err := sg.Validate(); err != nil {
		return Suggestion{}, err
	}
	out, err := scanSuggestion(s.pool.QueryRow(ctx,
		`INSERT INTO `+pgIdent(s.schema, "suggestions")+` (`+suggestionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (club_id, submitter_id) DO UPDATE
		    SET id = EXCLUDED.id,
		        external_ref = EXCLUDED.external_ref,
		        submitter_name = EXCLUDED.submitter_name,
		        created_at = EXCLUDED.created_at
		 RETURNING `+suggestionColumns,
		sg.ID, sg.ClubID, sg.ExternalRef, sg.SubmitterID, sg.SubmitterName, sg.CreatedAt,
	))
	if err != nil {
		if pgErrCode(err) == pgForeignKeyViolation {
			return Suggestion{}, ErrNotFound
		}
		return Suggestion{}, err
	}
	return out, nil
}

// DeleteSuggestion implements Store.
func (s *PostgresStore) DeleteSuggestion(ctx context.Context, clubID, suggestionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(s.schema, "suggestions")+` WHERE club_id = $1 AND id = $2`,
		clubID, suggestionID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteSuggestionBySubmitter implements Store.
func (s *PostgresStore) DeleteSuggestionBySubmitter(ctx context.Context, clubID, submitterID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(s.schema, "suggestions")+` WHERE club_id = $1 AND submitter_id = $2`,
		clubID, submitterID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Rotate implements Store.
func (s *PostgresStore) Rotate(ctx context.Context, in RotateRecord) (RotateOutcome, error) {
	if err := ctx.Err(); err != nil {
		return RotateOutcome{}, err
	}
	if err := in.validate(); err != nil {
		return RotateOutcome{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return RotateOutcome{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	clubs := pgIdent(s.schema, "clubs")
	suggestions := pgIdent(s.schema, "suggestions")
	items := pgIdent(s.schema, "active_items")

	// Every write to a club's slot goes through this lock.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ClubID); err != nil {
		return RotateOutcome{}, fmt.Errorf("advisory lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+clubs+` WHERE id = $1)`, in.ClubID).Scan(&exists); err != nil {
		return RotateOutcome{}, err
	}
	if !exists {
		return RotateOutcome{}, ErrNotFound
	}

	var currentID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM `+items+` WHERE club_id = $1 AND status = 'active'`,
		in.ClubID,
	).Scan(&currentID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return RotateOutcome{}, err
	}
	if currentID != in.ExpectedActiveID {
		return RotateOutcome{}, ErrConflict
	}

	if in.SuggestionID != "" {
		tag, err := tx.Exec(ctx,
			`DELETE FROM `+suggestions+` WHERE club_id = $1 AND id = $2`,
			in.ClubID, in.SuggestionID,
		)
		if err != nil {
			return RotateOutcome{}, err
		}
		if tag.RowsAffected() != 1 {
			return RotateOutcome{}, ErrConflict
		}
	}

	var out RotateOutcome
	if currentID != "" {
		archived, err := scanActiveItem(tx.QueryRow(ctx,
			`UPDATE `+items+`
			    SET status = 'archived', archived_at = $2
			  WHERE id = $1 AND status = 'active'
			RETURNING `+activeItemColumns,
			currentID, in.Now,
		))
		if err != nil {
			return RotateOutcome{}, err
		}
		out.Archived = &archived
	}

	if in.NewItem != nil {
		inserted, err := insertActiveItem(ctx, tx, items, *in.NewItem)
		if err != nil {
			if pgErrCode(err) == pgUniqueViolation {
				return RotateOutcome{}, ErrConflict
			}
			return RotateOutcome{}, err
		}
		out.Inserted = &inserted
	}

	if err := tx.Commit(ctx); err != nil {
		return RotateOutcome{}, err
	}
	return out, nil
}

func insertActiveItem(ctx context.Context, tx pgx.Tx, table string, a ActiveItem) (ActiveItem, error) {
	reactionsJSON, err := json.Marshal(a.Reactions)
	if err != nil {
		return ActiveItem{}, fmt.Errorf("encode reactions: %w", err)
	}
	metadataJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return ActiveItem{}, fmt.Errorf("encode metadata: %w", err)
	}

	return scanActiveItem(tx.QueryRow(ctx,
		`INSERT INTO `+table+` (`+activeItemColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+activeItemColumns,
		a.ID,
		a.ClubID,
		a.ExternalRef,
		a.SubmitterID,
		a.SubmitterName,
		a.Status,
		a.StartedAt,
		a.WindowEnd,
		(*time.Time)(nil),
		reactionsJSON,
		metadataJSON,
	))
}

func pgErrCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
