package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "trendbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteLedger struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Ledger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l := &sqliteLedger{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := l.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *sqliteLedger) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, string(b))
	return err
}

func (l *sqliteLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *sqliteLedger) Ping(ctx context.Context) error {
	if l == nil || l.db == nil {
		return ErrDisabled
	}
	return l.db.PingContext(ctx)
}

// ---- item transitions ----

func (l *sqliteLedger) SaveItem(ctx context.Context, it Item) error {
	if l == nil || l.db == nil {
		return ErrDisabled
	}
	if it.CollectedAt.IsZero() {
		it.CollectedAt = time.Now()
	}
	if it.Status == "" {
		it.Status = StatusCollected
	}
	// Re-collected items keep their existing row (and status).
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO items(external_id, run_id, grp, title, url, permalink, popularity, comments, approval_ratio, created_at, collected_at, status)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(external_id) DO NOTHING`,
		it.ExternalID, it.RunID, it.Group, it.Title, nullStr(it.URL), nullStr(it.Permalink),
		it.Popularity, it.Comments, it.ApprovalRatio,
		fmtTime(it.CreatedAt), fmtTime(it.CollectedAt), string(it.Status),
	)
	return err
}

func (l *sqliteLedger) MarkScored(ctx context.Context, externalID string, score float64, passed bool) error {
	return l.guardedUpdate(ctx,
		`UPDATE items SET score=?, passed=?, status=? WHERE external_id=? AND status=?`,
		score, boolInt(passed), string(StatusScored), externalID, string(StatusCollected),
	)
}

func (l *sqliteLedger) MarkGenerated(ctx context.Context, externalID, text string) error {
	return l.guardedUpdate(ctx,
		`UPDATE items SET generated_text=?, status=? WHERE external_id=? AND status=?`,
		text, string(StatusGenerated), externalID, string(StatusScored),
	)
}

func (l *sqliteLedger) MarkPublished(ctx context.Context, externalID, postID, postURL string, at time.Time) error {
	return l.guardedUpdate(ctx,
		`UPDATE items SET post_id=?, post_url=?, published_at=?, status=? WHERE external_id=? AND status=?`,
		postID, postURL, fmtTime(at), string(StatusPublished), externalID, string(StatusGenerated),
	)
}

func (l *sqliteLedger) MarkMetricsCollected(ctx context.Context, externalID string, m Metrics, at time.Time) error {
	return l.guardedUpdate(ctx,
		`UPDATE items SET likes=?, retweets=?, replies=?, quotes=?, impressions=?, engagement_score=?,
		        metrics_collected_at=?, status=?
		 WHERE external_id=? AND status=?`,
		m.Likes, m.Retweets, m.Replies, m.Quotes, m.Impressions, m.EngagementScore(),
		fmtTime(at), string(StatusMetricsCollected), externalID, string(StatusPublished),
	)
}

// MarkItemFailed is idempotent: items already terminal are left untouched.
func (l *sqliteLedger) MarkItemFailed(ctx context.Context, externalID, reason string) error {
	if l == nil || l.db == nil {
		return ErrDisabled
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE items SET fail_reason=?, status=? WHERE external_id=? AND status NOT IN (?, ?)`,
		nullStr(reason), string(StatusFailed), externalID,
		string(StatusFailed), string(StatusMetricsCollected),
	)
	return err
}

func (l *sqliteLedger) guardedUpdate(ctx context.Context, q string, args ...any) error {
	if l == nil || l.db == nil {
		return ErrDisabled
	}
	res, err := l.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// ---- run transitions ----

func (l *sqliteLedger) CreateRun(ctx context.Context, r Run) error {
	if l == nil || l.db == nil {
		return ErrDisabled
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if r.Stage == "" {
		r.Stage = "idle"
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs(id, started_at, stage, min_score, groups) VALUES(?,?,?,?,?)`,
		r.ID, fmtTime(r.StartedAt), r.Stage, r.MinScore, nullStr(strings.Join(r.Groups, ",")),
	)
	return err
}

func (l *sqliteLedger) UpdateRunStage(ctx context.Context, runID, stage string, c RunCounters) error {
	if l == nil || l.db == nil {
		return ErrDisabled
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE runs SET stage=?, collected=?, scored=?, generated=?, published=?, failed=?
		 WHERE id=? AND completed_at IS NULL`,
		stage, c.Collected, c.Scored, c.Generated, c.Published, c.Failed, runID,
	)
	return err
}

// CompleteRun sets completed_at exactly once; a second call is a no-op.
func (l *sqliteLedger) CompleteRun(ctx context.Context, runID string, c RunCounters, outcome, errDetail string, at time.Time) error {
	if l == nil || l.db == nil {
		return ErrDisabled
	}
	stage := "completed"
	if outcome == "failed" {
		stage = "failed"
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE runs SET stage=?, collected=?, scored=?, generated=?, published=?, failed=?,
		        outcome=?, error=?, completed_at=?
		 WHERE id=? AND completed_at IS NULL`,
		stage, c.Collected, c.Scored, c.Generated, c.Published, c.Failed,
		outcome, nullStr(errDetail), fmtTime(at), runID,
	)
	return err
}

// ---- queries ----

const itemCols = `external_id, run_id, grp, title, url, permalink, popularity, comments, approval_ratio,
	created_at, collected_at, status, score, passed, generated_text, post_id, post_url, published_at,
	metrics_collected_at, likes, retweets, replies, quotes, impressions, fail_reason`

func (l *sqliteLedger) ItemsNeedingMetrics(ctx context.Context, minAge time.Duration, now time.Time) ([]Item, error) {
	if l == nil || l.db == nil {
		return nil, ErrDisabled
	}
	cutoff := now.Add(-minAge)
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+itemCols+` FROM items
		 WHERE status=? AND metrics_collected_at IS NULL AND published_at <= ?
		 ORDER BY published_at ASC`,
		string(StatusPublished), fmtTime(cutoff),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

const runCols = `id, started_at, completed_at, stage, collected, scored, generated, published, failed, outcome, error, min_score, groups`

func (l *sqliteLedger) GetRun(ctx context.Context, runID string) (Run, bool, error) {
	if l == nil || l.db == nil {
		return Run{}, false, ErrDisabled
	}
	row := l.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE id=?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return r, true, nil
}

func (l *sqliteLedger) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if l == nil || l.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+runCols+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *sqliteLedger) Stats24h(ctx context.Context, now time.Time) (Stats, error) {
	if l == nil || l.db == nil {
		return Stats{}, ErrDisabled
	}
	since := fmtTime(now.Add(-24 * time.Hour))

	var st Stats
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN outcome='success' THEN 1 ELSE 0 END), 0)
		 FROM runs WHERE started_at >= ?`, since,
	).Scan(&st.Runs, &st.Succeeded)
	if err != nil {
		return Stats{}, err
	}
	if st.Runs > 0 {
		st.SuccessRate = float64(st.Succeeded) / float64(st.Runs)
	}

	err = l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items WHERE published_at >= ?`, since,
	).Scan(&st.Published)
	if err != nil {
		return Stats{}, err
	}

	var avg sql.NullFloat64
	err = l.db.QueryRowContext(ctx,
		`SELECT AVG(engagement_score) FROM items WHERE metrics_collected_at >= ?`, since,
	).Scan(&avg)
	if err != nil {
		return Stats{}, err
	}
	if avg.Valid {
		st.AvgEngagement = avg.Float64
	}
	return st, nil
}

func (l *sqliteLedger) CreateSnapshot(ctx context.Context, now time.Time) error {
	st, err := l.Stats24h(ctx, now)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO snapshots(at, runs, succeeded, success_rate, published, avg_engagement)
		 VALUES(?,?,?,?,?,?)`,
		fmtTime(now), st.Runs, st.Succeeded, st.SuccessRate, st.Published, st.AvgEngagement,
	)
	return err
}

func (l *sqliteLedger) Cleanup(ctx context.Context, keepDays, snapshotDays int, now time.Time) (int64, error) {
	if l == nil || l.db == nil {
		return 0, ErrDisabled
	}
	if keepDays <= 0 {
		keepDays = 30
	}
	if snapshotDays <= 0 {
		snapshotDays = 7
	}
	cutoff := fmtTime(now.AddDate(0, 0, -keepDays))
	snapCutoff := fmtTime(now.AddDate(0, 0, -snapshotDays))

	var total int64
	res, err := l.db.ExecContext(ctx, `DELETE FROM items WHERE collected_at < ?`, cutoff)
	if err != nil {
		return total, err
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = l.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return total, err
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = l.db.ExecContext(ctx, `DELETE FROM snapshots WHERE at < ?`, snapCutoff)
	if err != nil {
		return total, err
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	return total, nil
}

// ---- scanning helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var (
		it                                   Item
		url, permalink, status               sql.NullString
		createdAt, collectedAt               string
		score                                sql.NullFloat64
		passed                               sql.NullInt64
		genText, postID, postURL, failReason sql.NullString
		publishedAt, metricsAt               sql.NullString
		likes, rts, replies, quotes, imps    sql.NullInt64
	)
	err := row.Scan(
		&it.ExternalID, &it.RunID, &it.Group, &it.Title, &url, &permalink,
		&it.Popularity, &it.Comments, &it.ApprovalRatio,
		&createdAt, &collectedAt, &status, &score, &passed, &genText,
		&postID, &postURL, &publishedAt, &metricsAt,
		&likes, &rts, &replies, &quotes, &imps, &failReason,
	)
	if err != nil {
		return Item{}, err
	}
	it.URL = url.String
	it.Permalink = permalink.String
	it.Status = ItemStatus(status.String)
	it.CreatedAt = parseTime(createdAt)
	it.CollectedAt = parseTime(collectedAt)
	it.Score = score.Float64
	it.Passed = passed.Int64 != 0
	it.GeneratedText = genText.String
	it.PostID = postID.String
	it.PostURL = postURL.String
	it.PublishedAt = parseTime(publishedAt.String)
	it.MetricsCollectedAt = parseTime(metricsAt.String)
	it.Metrics = Metrics{
		Likes:       int(likes.Int64),
		Retweets:    int(rts.Int64),
		Replies:     int(replies.Int64),
		Quotes:      int(quotes.Int64),
		Impressions: int(imps.Int64),
	}
	it.FailReason = failReason.String
	return it, nil
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r                       Run
		startedAt               string
		completedAt             sql.NullString
		outcome, errStr, groups sql.NullString
	)
	err := row.Scan(
		&r.ID, &startedAt, &completedAt, &r.Stage,
		&r.Counters.Collected, &r.Counters.Scored, &r.Counters.Generated,
		&r.Counters.Published, &r.Counters.Failed,
		&outcome, &errStr, &r.MinScore, &groups,
	)
	if err != nil {
		return Run{}, err
	}
	r.StartedAt = parseTime(startedAt)
	r.CompletedAt = parseTime(completedAt.String)
	r.Outcome = outcome.String
	r.Error = errStr.String
	if g := strings.TrimSpace(groups.String); g != "" {
		r.Groups = strings.Split(g, ",")
	}
	return r, nil
}

// timeLayout is fixed-width so the lexicographic comparisons in the SQL
// (cutoffs, ORDER BY) match chronological order down to the nanosecond.
// RFC3339Nano would drop trailing zeros and break that.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if strings.TrimSpace(s) == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
