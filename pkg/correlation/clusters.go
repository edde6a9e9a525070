package correlation

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// defaultClusteringWindow is CLUSTERING_WINDOW from §4.1: episodes no more
// than this far apart merge into the same cluster.
const defaultClusteringWindow = 4 * time.Hour

// episode is one symptom occurrence, flattened to its start/end and tags,
// used only for clustering.
type episode struct {
	startedAt time.Time
	endedAt   time.Time
	tags      []string
	severity  int
}

// Cluster is a group of temporally adjacent symptom episodes (§4.1,
// supplemented from the original implementation's get_symptom_clusters).
// This is a read-only reporting surface; it does not feed confidence
// scoring or gate run eligibility.
type Cluster struct {
	Start          time.Time
	End            time.Time
	Tags           []string
	PeakSeverity   int
	EpisodeCount   int
}

// SymptomClusters groups userID's symptom episodes in [start, end] into
// clusters, merging episodes transitively when consecutive gaps are ≤
// window. window <= 0 uses the default (4h).
func SymptomClusters(ctx context.Context, db *sql.DB, userID uuid.UUID, start, end time.Time, window time.Duration) ([]Cluster, error) {
	if window <= 0 {
		window = defaultClusteringWindow
	}

	rows, err := db.QueryContext(ctx,
		`SELECT s.started_at, COALESCE(s.ended_at, s.started_at),
		        COALESCE(array_agg(tag->>'name'), '{}'),
		        COALESCE(max((tag->>'severity')::int), 0)
		 FROM symptoms s
		 LEFT JOIN LATERAL jsonb_array_elements(s.tags) AS tag ON true
		 WHERE s.user_id = $1 AND s.started_at BETWEEN $2 AND $3
		 GROUP BY s.id, s.started_at, s.ended_at
		 ORDER BY s.started_at ASC`,
		userID, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("symptom episode query: %w", err)
	}
	defer rows.Close()

	var episodes []episode
	for rows.Next() {
		var e episode
		var tags []string
		if err := rows.Scan(&e.startedAt, &e.endedAt, &tags, &e.severity); err != nil {
			return nil, fmt.Errorf("scan symptom episode: %w", err)
		}
		e.tags = tags
		episodes = append(episodes, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return mergeClusters(episodes, window), nil
}

// mergeClusters folds temporally-sorted episodes into clusters by
// transitively merging any pair whose gap is ≤ window.
func mergeClusters(episodes []episode, window time.Duration) []Cluster {
	var clusters []Cluster
	for _, e := range episodes {
		if len(clusters) > 0 {
			last := &clusters[len(clusters)-1]
			if e.startedAt.Sub(last.End) <= window {
				last.End = maxTime(last.End, e.endedAt)
				last.Tags = mergeTags(last.Tags, e.tags)
				if e.severity > last.PeakSeverity {
					last.PeakSeverity = e.severity
				}
				last.EpisodeCount++
				continue
			}
		}
		clusters = append(clusters, Cluster{
			Start:        e.startedAt,
			End:          e.endedAt,
			Tags:         append([]string(nil), e.tags...),
			PeakSeverity: e.severity,
			EpisodeCount: 1,
		})
	}
	return clusters
}

func mergeTags(existing, next []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		seen[t] = true
	}
	out := existing
	for _, t := range next {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
