package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rcliao/story-memory/internal/model"
)

// SQLiteStore implements Store using SQLite. Each Save rewrites a campaign's
// rows inside one transaction.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS campaigns (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		dimension   INTEGER NOT NULL,
		metric      TEXT NOT NULL,
		schema      TEXT,
		last_turn   INTEGER NOT NULL DEFAULT 0,
		next_seq    INTEGER NOT NULL DEFAULT 1,
		created_at  TEXT NOT NULL,
		saved_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cards (
		campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
		id          TEXT NOT NULL,
		kind        TEXT NOT NULL,
		name        TEXT,
		attributes  TEXT NOT NULL,
		revision    INTEGER NOT NULL,
		tags        TEXT,
		created_at  TEXT NOT NULL,
		PRIMARY KEY (campaign_id, id)
	);

	CREATE TABLE IF NOT EXISTS card_history (
		campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
		card_id     TEXT NOT NULL,
		pos         INTEGER NOT NULL,
		revision    INTEGER NOT NULL,
		op          TEXT NOT NULL,
		attribute   TEXT NOT NULL,
		old_value   TEXT,
		new_value   TEXT,
		source_turn INTEGER NOT NULL,
		PRIMARY KEY (campaign_id, card_id, pos)
	);

	CREATE TABLE IF NOT EXISTS fragments (
		campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
		id          TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		text        TEXT NOT NULL,
		embedding   BLOB NOT NULL,
		turn_id     INTEGER NOT NULL,
		card_ids    TEXT,
		importance  REAL NOT NULL DEFAULT 0,
		source      TEXT,
		PRIMARY KEY (campaign_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_fragments_seq ON fragments(campaign_id, seq);

	CREATE TABLE IF NOT EXISTS contradictions (
		campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
		id          TEXT NOT NULL,
		pos         INTEGER NOT NULL,
		resolution  TEXT NOT NULL,
		settled     INTEGER NOT NULL DEFAULT 0,
		body        TEXT NOT NULL,
		PRIMARY KEY (campaign_id, id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Save(ctx context.Context, snap *model.Snapshot) error {
	c := snap.Campaign
	if c.ID == "" {
		return &model.ValidationError{Field: "campaign", Reason: "snapshot has no campaign id"}
	}

	schemaJSON, err := json.Marshal(c.Schema)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO campaigns (id, name, dimension, metric, schema, last_turn, next_seq, created_at, saved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, dimension = excluded.dimension, metric = excluded.metric,
		   schema = excluded.schema, last_turn = excluded.last_turn, next_seq = excluded.next_seq,
		   saved_at = excluded.saved_at`,
		c.ID, c.Name, c.Dimension, c.Metric, string(schemaJSON), c.LastTurn, snap.NextSeq,
		c.CreatedAt.UTC().Format(time.RFC3339Nano), savedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert campaign: %w", err)
	}

	for _, table := range []string{"cards", "card_history", "fragments", "contradictions"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE campaign_id = ?`, c.ID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, rec := range snap.Cards {
		if err := insertCard(ctx, tx, c.ID, rec); err != nil {
			return err
		}
	}
	for _, f := range snap.Fragments {
		blob, err := encodeVector(f.Embedding)
		if err != nil {
			return fmt.Errorf("encode fragment %s: %w", f.ID, err)
		}
		idsJSON, _ := json.Marshal(f.CardIDs)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO fragments (campaign_id, id, seq, text, embedding, turn_id, card_ids, importance, source)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, f.ID, f.Seq, f.Text, blob, f.TurnID, string(idsJSON), f.Importance, f.Source)
		if err != nil {
			return fmt.Errorf("insert fragment %s: %w", f.ID, err)
		}
	}
	for i, r := range snap.Contradictions {
		body, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode contradiction %s: %w", r.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO contradictions (campaign_id, id, pos, resolution, settled, body) VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, r.ID, i, string(r.Resolution), r.Settlement != nil, string(body))
		if err != nil {
			return fmt.Errorf("insert contradiction %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

func insertCard(ctx context.Context, tx *sql.Tx, campaignID string, rec model.CardRecord) error {
	card := rec.Card
	attrs, err := json.Marshal(card.Attributes)
	if err != nil {
		return fmt.Errorf("encode card %s: %w", card.ID, err)
	}
	tags, _ := json.Marshal(card.Tags)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO cards (campaign_id, id, kind, name, attributes, revision, tags, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		campaignID, card.ID, string(card.Kind), card.Name, string(attrs), card.Revision, string(tags),
		card.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert card %s: %w", card.ID, err)
	}

	for pos, e := range rec.History {
		oldJSON, err := nullableValue(e.OldValue)
		if err != nil {
			return err
		}
		newJSON, err := nullableValue(e.NewValue)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO card_history (campaign_id, card_id, pos, revision, op, attribute, old_value, new_value, source_turn)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			campaignID, card.ID, pos, e.Revision, string(e.Op), e.Attribute, oldJSON, newJSON, e.SourceTurn)
		if err != nil {
			return fmt.Errorf("insert history for %s: %w", card.ID, err)
		}
	}
	return nil
}

func nullableValue(v *model.Value) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Load reads a campaign inside one read-only transaction, so a concurrent
// Save from another process is seen entirely or not at all.
func (s *SQLiteStore) Load(ctx context.Context, campaignID string) (*model.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	snap := &model.Snapshot{}
	c := &snap.Campaign
	var schemaJSON sql.NullString
	var createdAt, savedAt string
	err = tx.QueryRowContext(ctx,
		`SELECT id, name, dimension, metric, schema, last_turn, next_seq, created_at, saved_at
		 FROM campaigns WHERE id = ?`, campaignID).Scan(
		&c.ID, &c.Name, &c.Dimension, &c.Metric, &schemaJSON, &c.LastTurn, &snap.NextSeq, &createdAt, &savedAt)
	if err == sql.ErrNoRows {
		return nil, notFound(campaignID)
	}
	if err != nil {
		return nil, err
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, corrupt(campaignID, "bad created_at", err)
	}
	if snap.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
		return nil, corrupt(campaignID, "bad saved_at", err)
	}
	if schemaJSON.Valid && schemaJSON.String != "" && schemaJSON.String != "null" {
		if err := json.Unmarshal([]byte(schemaJSON.String), &c.Schema); err != nil {
			return nil, corrupt(campaignID, "bad schema", err)
		}
	}

	if snap.Cards, err = loadCards(ctx, tx, campaignID); err != nil {
		return nil, err
	}
	if snap.Fragments, err = loadFragments(ctx, tx, campaignID); err != nil {
		return nil, err
	}
	if snap.Contradictions, err = loadContradictions(ctx, tx, campaignID); err != nil {
		return nil, err
	}
	return snap, nil
}

func loadCards(ctx context.Context, q querier, campaignID string) ([]model.CardRecord, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, kind, name, attributes, revision, tags, created_at
		 FROM cards WHERE campaign_id = ? ORDER BY id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []model.CardRecord
	index := make(map[string]int)
	for rows.Next() {
		var card model.Card
		var kind, attrs, createdAt string
		var name, tags sql.NullString
		if err := rows.Scan(&card.ID, &kind, &name, &attrs, &card.Revision, &tags, &createdAt); err != nil {
			return nil, err
		}
		card.Kind = model.Kind(kind)
		card.Name = name.String
		if err := json.Unmarshal([]byte(attrs), &card.Attributes); err != nil {
			return nil, corrupt(campaignID, "bad attributes for card "+card.ID, err)
		}
		if card.Attributes == nil {
			card.Attributes = map[string]model.Value{}
		}
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &card.Tags); err != nil {
				return nil, corrupt(campaignID, "bad tags for card "+card.ID, err)
			}
		}
		if card.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, corrupt(campaignID, "bad created_at for card "+card.ID, err)
		}
		index[card.ID] = len(recs)
		recs = append(recs, model.CardRecord{Card: card})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hrows, err := q.QueryContext(ctx,
		`SELECT card_id, revision, op, attribute, old_value, new_value, source_turn
		 FROM card_history WHERE campaign_id = ? ORDER BY card_id, pos`, campaignID)
	if err != nil {
		return nil, err
	}
	defer hrows.Close()

	for hrows.Next() {
		var cardID, op string
		var oldJSON, newJSON sql.NullString
		var e model.HistoryEntry
		if err := hrows.Scan(&cardID, &e.Revision, &op, &e.Attribute, &oldJSON, &newJSON, &e.SourceTurn); err != nil {
			return nil, err
		}
		e.Op = model.HistoryOp(op)
		if e.OldValue, err = scanValue(oldJSON); err != nil {
			return nil, corrupt(campaignID, "bad history value for card "+cardID, err)
		}
		if e.NewValue, err = scanValue(newJSON); err != nil {
			return nil, corrupt(campaignID, "bad history value for card "+cardID, err)
		}
		i, ok := index[cardID]
		if !ok {
			return nil, corrupt(campaignID, "history for unknown card "+cardID, nil)
		}
		recs[i].History = append(recs[i].History, e)
	}
	return recs, hrows.Err()
}

func scanValue(ns sql.NullString) (*model.Value, error) {
	if !ns.Valid {
		return nil, nil
	}
	var v model.Value
	if err := json.Unmarshal([]byte(ns.String), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func loadFragments(ctx context.Context, q querier, campaignID string) ([]model.Fragment, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, seq, text, embedding, turn_id, card_ids, importance, source
		 FROM fragments WHERE campaign_id = ? ORDER BY seq`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frags []model.Fragment
	for rows.Next() {
		var f model.Fragment
		var blob []byte
		var ids, source sql.NullString
		if err := rows.Scan(&f.ID, &f.Seq, &f.Text, &blob, &f.TurnID, &ids, &f.Importance, &source); err != nil {
			return nil, err
		}
		if f.Embedding, err = decodeVector(blob); err != nil {
			return nil, corrupt(campaignID, "bad embedding for fragment "+f.ID, err)
		}
		if ids.Valid && ids.String != "" {
			if err := json.Unmarshal([]byte(ids.String), &f.CardIDs); err != nil {
				return nil, corrupt(campaignID, "bad card ids for fragment "+f.ID, err)
			}
		}
		f.Source = source.String
		frags = append(frags, f)
	}
	return frags, rows.Err()
}

func loadContradictions(ctx context.Context, q querier, campaignID string) ([]model.Contradiction, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, body FROM contradictions WHERE campaign_id = ? ORDER BY pos`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []model.Contradiction
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		var r model.Contradiction
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, corrupt(campaignID, "bad contradiction "+id, err)
		}
		if r.ID != id {
			return nil, corrupt(campaignID, "contradiction id mismatch "+id, nil)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, campaignID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, campaignID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(campaignID)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]model.Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, dimension, metric, last_turn, created_at FROM campaigns ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []model.Campaign{}
	for rows.Next() {
		var c model.Campaign
		var createdAt string
		if err := rows.Scan(&c.ID, &c.Name, &c.Dimension, &c.Metric, &c.LastTurn, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
