package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/juaninavos/jerseymarket/core/logger"
)

// categoryRevenue is the paid revenue of one category. Jerseys without a category
// are reported with a nil CategoryID.
type categoryRevenue struct {
	CategoryID *uuid.UUID `json:"category_id"`
	Name       string     `json:"name"`
	Revenue    int64      `json:"revenue"`
}

type topJersey struct {
	JerseyID uuid.UUID `json:"jersey_id"`
	Title    string    `json:"title"`
	Bids     int64     `json:"bids"`
}

// Dashboard is the administrative overview of the marketplace
type Dashboard struct {
	Accounts          int64             `json:"accounts"`
	JerseysByStatus   map[string]int64  `json:"jerseys_by_status"`
	ActiveAuctions    int64             `json:"active_auctions"`
	ScheduledAuctions int64             `json:"scheduled_auctions"`
	Purchases         int64             `json:"purchases"`
	PendingPayments   int64             `json:"pending_payments"`
	Revenue           int64             `json:"revenue"`
	RevenueByCategory []categoryRevenue `json:"revenue_by_category"`
	TopJerseys        []topJersey       `json:"top_jerseys"`
	FailingJobs       int64             `json:"failing_jobs"`
	UnpublishedEvents int64             `json:"unpublished_events"`
}

// Dashboard collects the dashboard figures
func (b *Backend) Dashboard(ctx context.Context) (Dashboard, error) {
	d := Dashboard{
		JerseysByStatus:   map[string]int64{},
		RevenueByCategory: []categoryRevenue{},
		TopJerseys:        []topJersey{},
	}
	now := b.now().UTC()

	err := b.db.QueryRowContext(ctx, b.db.WithSchema(`SELECT
(SELECT count(*) FROM {schema}.account),
(SELECT count(*) FROM {schema}.auction WHERE state IN ('scheduled','active') AND starts_at <= $1 AND ends_at > $1),
(SELECT count(*) FROM {schema}.auction WHERE state IN ('scheduled','active') AND starts_at > $1),
(SELECT count(*) FROM {schema}.purchase),
(SELECT count(*) FROM {schema}.purchase WHERE status = 'pending_payment'),
(SELECT COALESCE(sum(total), 0) FROM {schema}.purchase WHERE status = 'paid'),
(SELECT count(*) FROM {schema}."_job_" WHERE `+failingJobsCondition+`),
(SELECT count(*) FROM {schema}."_outbox_" WHERE published_at IS NULL);`), now).Scan(
		&d.Accounts, &d.ActiveAuctions, &d.ScheduledAuctions, &d.Purchases, &d.PendingPayments,
		&d.Revenue, &d.FailingJobs, &d.UnpublishedEvents)
	if err != nil {
		return d, err
	}

	rows, err := b.db.QueryContext(ctx, b.db.WithSchema(`SELECT status, count(*) FROM {schema}.jersey GROUP BY status ORDER BY status;`))
	if err != nil {
		return d, err
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return d, err
		}
		d.JerseysByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return d, err
	}

	rows, err = b.db.QueryContext(ctx, b.db.WithSchema(`SELECT c.category_id, COALESCE(c.name, ''), sum(p.total) AS revenue
FROM {schema}.purchase p JOIN {schema}.jersey j ON j.jersey_id = p.jersey_id
LEFT JOIN {schema}.category c ON c.category_id = j.category_id
WHERE p.status = 'paid'
GROUP BY c.category_id, c.name ORDER BY revenue DESC, c.name;`))
	if err != nil {
		return d, err
	}
	for rows.Next() {
		var c categoryRevenue
		if err := rows.Scan(&c.CategoryID, &c.Name, &c.Revenue); err != nil {
			rows.Close()
			return d, err
		}
		d.RevenueByCategory = append(d.RevenueByCategory, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return d, err
	}

	rows, err = b.db.QueryContext(ctx, b.db.WithSchema(`SELECT j.jersey_id, j.title, count(*) AS bids
FROM {schema}.bid x JOIN {schema}.auction a ON a.auction_id = x.auction_id
JOIN {schema}.jersey j ON j.jersey_id = a.jersey_id
GROUP BY j.jersey_id, j.title ORDER BY bids DESC, j.jersey_id LIMIT 5;`))
	if err != nil {
		return d, err
	}
	defer rows.Close()
	for rows.Next() {
		var t topJersey
		if err := rows.Scan(&t.JerseyID, &t.Title, &t.Bids); err != nil {
			return d, err
		}
		d.TopJerseys = append(d.TopJerseys, t)
	}
	return d, rows.Err()
}

func (b *Backend) handleDashboard(router *mux.Router) {
	logger.Default().Debugln("dashboard")
	logger.Default().Debugln("  handle route: /admin/dashboard GET")

	router.HandleFunc("/admin/dashboard", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		dashboard, err := b.Dashboard(r.Context())
		if err != nil {
			writeError(w, r, 4601, err)
			return
		}
		jsonData, _ := json.Marshal(dashboard)
		etag := bytesToEtag(jsonData)
		w.Header().Set("Etag", etag)
		if ifNoneMatchFound(r.Header.Get("If-None-Match"), etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write(jsonData)
	}).Methods(http.MethodOptions, http.MethodGet)
}

func bytesToEtag(data []byte) string {
	sum := sha256.Sum256(data)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// ifNoneMatchFound returns true if etag is in the If-None-Match header value
func ifNoneMatchFound(ifNoneMatch, etag string) bool {
	ifNoneMatch = strings.Trim(ifNoneMatch, " ")
	if len(ifNoneMatch) == 0 {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	for _, s := range strings.Split(ifNoneMatch, ",") {
		s = strings.Trim(s, " \"")
		t := strings.Trim(etag, " \"")
		if s == t {
			return true
		}
	}
	return false
}
