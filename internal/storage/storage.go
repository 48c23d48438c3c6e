// Package storage reads the staged ownership-change database. The SQLite
// file is opened read-only; all writes happen upstream in the build
// pipeline that produces the remote database.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	busyTimeoutMs = 60000
	pingTimeout   = 5 * time.Second
	dateLayout    = "2006-01-02"
)

// Security identifies a listed instrument.
type Security struct {
	ISIN   string `json:"isin"`
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
}

// InvestorFlow aggregates one investor's buys and sells in a security over
// a date range. Sell quantities and amounts are reported positive; NetAmount
// keeps its sign.
type InvestorFlow struct {
	InvestorID   string  `json:"investorId"`
	InvestorName string  `json:"investorName"`
	InvestorType string  `json:"investorType"`
	Observations int     `json:"observations"`
	BuyQty       float64 `json:"buyQty"`
	BuyAmount    float64 `json:"buyAmount"`
	SellQty      float64 `json:"sellQty"`
	SellAmount   float64 `json:"sellAmount"`
	NetAmount    float64 `json:"netAmount"`
}

// TopChange is one position change ranked by absolute traded amount.
type TopChange struct {
	Date         string  `json:"date"`
	ISIN         string  `json:"isin"`
	Ticker       string  `json:"ticker"`
	Name         string  `json:"name"`
	InvestorID   string  `json:"investorId"`
	InvestorName string  `json:"investorName"`
	ChangeQty    float64 `json:"changeQty"`
	Price        float64 `json:"price"`
	Amount       float64 `json:"amount"`
}

// Store wraps the read-only connection to the staged database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens the staged SQLite file read-only and verifies the connection.
func Open(ctx context.Context, logger *zap.Logger, path string) (*Store, error) {
	logger.Info("opening staged database", zap.String("path", path))

	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=%d", path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A local file needs few connections; keep the pool small.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SearchSecurities matches tickers and issuer names, ranking prefix hits
// before substring hits. Queries shorter than two characters return no
// rows, matching the dashboard's suggestion behaviour.
func (s *Store) SearchSecurities(ctx context.Context, query string, limit int) ([]Security, error) {
	q := strings.ToUpper(strings.TrimSpace(query))
	if len(q) < 2 {
		return []Security{}, nil
	}
	if limit <= 0 {
		limit = 50
	}

	const sqlText = `
SELECT
    isin,
    COALESCE(ticker,'') AS ticker,
    COALESCE(isin_name,'') AS isin_name
FROM security
WHERE
    UPPER(COALESCE(ticker,'')) LIKE :pfx
    OR UPPER(COALESCE(isin_name,'')) LIKE :pfx
    OR UPPER(COALESCE(ticker,'')) LIKE :any
    OR UPPER(COALESCE(isin_name,'')) LIKE :any
ORDER BY
    CASE
        WHEN UPPER(COALESCE(ticker,'')) LIKE :pfx THEN 0
        WHEN UPPER(COALESCE(isin_name,'')) LIKE :pfx THEN 1
        ELSE 2
    END,
    COALESCE(ticker,'') ASC,
    COALESCE(isin_name,'') ASC
LIMIT :lim`

	rows, err := s.db.QueryContext(ctx, sqlText,
		sql.Named("pfx", q+"%"),
		sql.Named("any", "%"+q+"%"),
		sql.Named("lim", limit),
	)
	if err != nil {
		return nil, fmt.Errorf("search securities: %w", err)
	}
	defer rows.Close()

	results := []Security{}
	for rows.Next() {
		var sec Security
		if err := rows.Scan(&sec.ISIN, &sec.Ticker, &sec.Name); err != nil {
			return nil, fmt.Errorf("scan security: %w", err)
		}
		results = append(results, sec)
	}
	return results, rows.Err()
}

// InvestorFlows aggregates buys and sells per investor for one security in
// [from, to]. Changes without a usable price on the day fall back to the
// next day's maximum reported price; rows with no price at all are skipped.
func (s *Store) InvestorFlows(ctx context.Context, isin string, from, to time.Time) ([]InvestorFlow, error) {
	const sqlText = `
WITH prices AS (
    SELECT
        isin,
        date(date_today) AS d,
        MAX(price_yesterday) AS p
    FROM position_change
    WHERE COALESCE(price_yesterday, 0) > 0
    GROUP BY isin, date(date_today)
),
trades AS (
    SELECT
        pc.investor_id AS investor_id,
        pc.change_qty AS change_qty,
        COALESCE(NULLIF(pc.price_yesterday, 0), p2.p) AS trade_price
    FROM position_change pc
    LEFT JOIN prices p2
      ON p2.isin = pc.isin
     AND p2.d = date(pc.date_today, '+1 day')
    WHERE pc.isin = ?
      AND pc.date_today BETWEEN ? AND ?
)
SELECT
    t.investor_id AS investor_id,
    COALESCE(i.first_name,'') AS first_name,
    COALESCE(i.last_name,'') AS last_name,
    COALESCE(i.investor_type,'') AS investor_type,

    COUNT(*) AS observations,

    SUM(CASE WHEN COALESCE(t.change_qty,0) > 0 THEN COALESCE(t.change_qty,0) ELSE 0 END) AS buy_qty,
    SUM(CASE WHEN COALESCE(t.change_qty,0) > 0 THEN COALESCE(t.change_qty,0) * t.trade_price ELSE 0 END) AS buy_amount,

    SUM(CASE WHEN COALESCE(t.change_qty,0) < 0 THEN ABS(COALESCE(t.change_qty,0)) ELSE 0 END) AS sell_qty,
    SUM(CASE WHEN COALESCE(t.change_qty,0) < 0 THEN ABS(COALESCE(t.change_qty,0) * t.trade_price) ELSE 0 END) AS sell_amount,

    SUM(COALESCE(t.change_qty,0) * t.trade_price) AS net_amount
FROM trades t
LEFT JOIN investor i ON i.investor_id = t.investor_id
WHERE COALESCE(t.trade_price,0) > 0
GROUP BY t.investor_id, i.first_name, i.last_name, i.investor_type
ORDER BY ABS(net_amount) DESC`

	rows, err := s.db.QueryContext(ctx, sqlText, isin, from.Format(dateLayout), to.Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("investor flows: %w", err)
	}
	defer rows.Close()

	results := []InvestorFlow{}
	for rows.Next() {
		var (
			flow        InvestorFlow
			first, last string
		)
		if err := rows.Scan(
			&flow.InvestorID, &first, &last, &flow.InvestorType,
			&flow.Observations,
			&flow.BuyQty, &flow.BuyAmount,
			&flow.SellQty, &flow.SellAmount,
			&flow.NetAmount,
		); err != nil {
			return nil, fmt.Errorf("scan investor flow: %w", err)
		}
		flow.InvestorName = cleanName(first, last, flow.InvestorID)
		results = append(results, flow)
	}
	return results, rows.Err()
}

// TopChanges returns the day's position changes ranked by absolute traded
// amount.
func (s *Store) TopChanges(ctx context.Context, day time.Time, limit int) ([]TopChange, error) {
	if limit <= 0 {
		limit = 50
	}

	const sqlText = `
SELECT
    pc.date_today AS date_today,
    pc.isin AS isin,
    COALESCE(s.ticker,'') AS ticker,
    COALESCE(s.isin_name,'') AS isin_name,
    pc.investor_id AS investor_id,
    COALESCE(i.first_name,'') AS first_name,
    COALESCE(i.last_name,'') AS last_name,
    COALESCE(pc.change_qty,0) AS change_qty,
    COALESCE(NULLIF(pc.price_yesterday,0),0) AS price,
    COALESCE(pc.change_qty,0) * COALESCE(NULLIF(pc.price_yesterday,0),0) AS amount
FROM position_change pc
JOIN security s ON s.isin = pc.isin
LEFT JOIN investor i ON i.investor_id = pc.investor_id
WHERE date(pc.date_today) = date(?)
ORDER BY ABS(COALESCE(pc.change_qty,0) * COALESCE(NULLIF(pc.price_yesterday,0),0)) DESC
LIMIT ?`

	rows, err := s.db.QueryContext(ctx, sqlText, day.Format(dateLayout), limit)
	if err != nil {
		return nil, fmt.Errorf("top changes: %w", err)
	}
	defer rows.Close()

	results := []TopChange{}
	for rows.Next() {
		var (
			change      TopChange
			first, last string
		)
		if err := rows.Scan(
			&change.Date, &change.ISIN, &change.Ticker, &change.Name,
			&change.InvestorID, &first, &last,
			&change.ChangeQty, &change.Price, &change.Amount,
		); err != nil {
			return nil, fmt.Errorf("scan top change: %w", err)
		}
		change.InvestorName = cleanName(first, last, change.InvestorID)
		results = append(results, change)
	}
	return results, rows.Err()
}

// cleanName joins first and last name, falling back to the raw investor id
// when both are empty or placeholder values.
func cleanName(first, last, fallback string) string {
	fix := func(x string) string {
		x = strings.TrimSpace(x)
		if strings.EqualFold(x, "nan") {
			return ""
		}
		return x
	}

	name := strings.TrimSpace(fix(first) + " " + fix(last))
	if name == "" {
		return fallback
	}
	return name
}
