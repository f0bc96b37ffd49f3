package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath      string          `json:"db_path"`
	DBSizeBytes int64           `json:"db_size_bytes"`
	Campaigns   []CampaignStats `json:"campaigns"`
}

// CampaignStats holds per-campaign row counts.
type CampaignStats struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	LastTurn       int64  `json:"last_turn"`
	Cards          int    `json:"cards"`
	HistoryEntries int    `json:"history_entries"`
	Fragments      int    `json:"fragments"`
	Contradictions int    `json:"contradictions"`
	Open           int    `json:"open_contradictions"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBPath: s.path, Campaigns: []CampaignStats{}}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.last_turn,
		       (SELECT COUNT(*) FROM cards WHERE campaign_id = c.id),
		       (SELECT COUNT(*) FROM card_history WHERE campaign_id = c.id),
		       (SELECT COUNT(*) FROM fragments WHERE campaign_id = c.id),
		       (SELECT COUNT(*) FROM contradictions WHERE campaign_id = c.id),
		       (SELECT COUNT(*) FROM contradictions
		         WHERE campaign_id = c.id AND resolution = 'flagged-for-review' AND settled = 0)
		FROM campaigns c ORDER BY c.id`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var cs CampaignStats
		if err := rows.Scan(&cs.ID, &cs.Name, &cs.LastTurn, &cs.Cards, &cs.HistoryEntries, &cs.Fragments, &cs.Contradictions, &cs.Open); err != nil {
			return st, err
		}
		st.Campaigns = append(st.Campaigns, cs)
	}
	return st, rows.Err()
}
