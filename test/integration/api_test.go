package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap/zaptest"

	"github.com/topchanges/handler-dash/internal/application"
	"github.com/topchanges/handler-dash/internal/config"
)

// seedRemote builds a small ownership-change database standing in for the
// copy on the network share.
func seedRemote(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "topchanges.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open seed database: %v", err)
	}
	defer db.Close()

	schema := `
CREATE TABLE investor (investor_id TEXT PRIMARY KEY, investor_type TEXT, first_name TEXT, last_name TEXT);
CREATE TABLE security (isin TEXT PRIMARY KEY, ticker TEXT, isin_name TEXT);
CREATE TABLE position_change (
    isin TEXT NOT NULL, investor_id TEXT NOT NULL, date_today TEXT NOT NULL,
    price_yesterday REAL, change_qty REAL, source_file TEXT,
    PRIMARY KEY (isin, investor_id, date_today)
);
INSERT INTO security (isin, ticker, isin_name) VALUES
    ('NO0010096985', 'EQNR', 'Equinor'),
    ('NO0010208051', 'YAR', 'Yara International');
INSERT INTO investor (investor_id, investor_type, first_name, last_name) VALUES
    ('INV1', 'Person', 'Kari', 'Nordmann'),
    ('INV2', 'Company', NULL, 'Folketrygdfondet');
INSERT INTO position_change (isin, investor_id, date_today, price_yesterday, change_qty, source_file) VALUES
    ('NO0010096985', 'INV1', '2024-03-01', 300, 10000, 'f1'),
    ('NO0010096985', 'INV2', '2024-03-01', 300, -4000, 'f1'),
    ('NO0010208051', 'INV1', '2024-03-01', 330, 1000, 'f1');
`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("seed schema: %v", err)
	}
	return path
}

func seedListDir(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	// Latin-1 encoded entry with a Norwegian O-slash in the company name.
	content := []byte("# portfolio watchlist\nEQNR;Equinor\nSOFF;Solstad Offsh\xf8re\n")
	if err := os.WriteFile(filepath.Join(dir, "watchlist.txt"), content, 0o644); err != nil {
		t.Fatalf("write list file: %v", err)
	}
	return dir
}

func newApp(t *testing.T) *application.App {
	t.Helper()

	cfg := config.Config{
		RemoteDBFull:         seedRemote(t),
		ListDir:              seedListDir(t),
		LocalWorkdir:         filepath.Join(t.TempDir(), "cache"),
		LocalDBName:          "topchanges.db",
		BindAddress:          "127.0.0.1",
		BindPort:             8598,
		DatabaseVariant:      config.VariantFull,
		ShutdownGracePeriod:  time.Second,
		ReadHeaderTimeout:    time.Second,
		WriteTimeout:         5 * time.Second,
		IdleTimeout:          5 * time.Second,
		EnableRequestLogging: false,
		RateLimitRPS:         100,
		RateLimitBurst:       100,
	}
	cfg.RemoteDBRecent = cfg.RemoteDBFull

	logger := zaptest.NewLogger(t)
	app, err := application.New(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("application.New: %v", err)
	}
	t.Cleanup(func() {
		_ = app.Close()
	})
	return app
}

func performRequest(t *testing.T, handler http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestIntegrationFlow(t *testing.T) {
	app := newApp(t)
	handler := app.Server().Handler

	rec := performRequest(t, handler, http.MethodGet, "/api/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from health, got %d", rec.Code)
	}

	rec = performRequest(t, handler, http.MethodGet, "/api/meta")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from meta, got %d", rec.Code)
	}
	var meta struct {
		Copied  bool   `json:"copiedOnStartup"`
		Variant string `json:"databaseVariant"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&meta); err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	if !meta.Copied || meta.Variant != "full" {
		t.Fatalf("unexpected meta payload: %+v", meta)
	}

	rec = performRequest(t, handler, http.MethodGet, "/api/securities?q=eq")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from securities search, got %d", rec.Code)
	}
	var search struct {
		Securities []struct {
			ISIN   string `json:"isin"`
			Ticker string `json:"ticker"`
		} `json:"securities"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&search); err != nil {
		t.Fatalf("decode search: %v", err)
	}
	if len(search.Securities) != 1 || search.Securities[0].Ticker != "EQNR" {
		t.Fatalf("unexpected search payload: %+v", search)
	}

	rec = performRequest(t, handler, http.MethodGet, "/api/securities/NO0010096985/flows?from=2024-02-01&to=2024-03-31")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from flows, got %d", rec.Code)
	}
	var flows struct {
		Flows []struct {
			InvestorName string  `json:"investorName"`
			NetAmount    float64 `json:"netAmount"`
		} `json:"flows"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&flows); err != nil {
		t.Fatalf("decode flows: %v", err)
	}
	if len(flows.Flows) != 2 {
		t.Fatalf("expected two investor flows, got %+v", flows)
	}
	if flows.Flows[0].InvestorName != "Kari Nordmann" || flows.Flows[0].NetAmount != 3_000_000 {
		t.Fatalf("expected the largest absolute flow first, got %+v", flows.Flows[0])
	}

	rec = performRequest(t, handler, http.MethodGet, "/api/top-changes?date=2024-03-01&limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from top changes, got %d", rec.Code)
	}
	var top struct {
		Changes []struct {
			Ticker string  `json:"ticker"`
			Amount float64 `json:"amount"`
		} `json:"changes"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&top); err != nil {
		t.Fatalf("decode top changes: %v", err)
	}
	if len(top.Changes) != 2 || top.Changes[0].Ticker != "EQNR" || top.Changes[0].Amount != 3_000_000 {
		t.Fatalf("unexpected top changes payload: %+v", top)
	}

	rec = performRequest(t, handler, http.MethodGet, "/api/lists")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from lists, got %d", rec.Code)
	}
	var names struct {
		Lists []string `json:"lists"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&names); err != nil {
		t.Fatalf("decode lists: %v", err)
	}
	if len(names.Lists) != 1 || names.Lists[0] != "watchlist.txt" {
		t.Fatalf("unexpected lists payload: %+v", names)
	}

	rec = performRequest(t, handler, http.MethodGet, "/api/lists/watchlist.txt")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from list read, got %d", rec.Code)
	}
	var list struct {
		Entries []struct {
			Ticker string `json:"ticker"`
			Name   string `json:"name"`
		} `json:"entries"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Entries) != 2 || list.Entries[1].Name != "Solstad Offshøre" {
		t.Fatalf("expected Latin-1 names decoded to UTF-8, got %+v", list.Entries)
	}
}

func TestIntegrationRejectsBadInput(t *testing.T) {
	app := newApp(t)
	handler := app.Server().Handler

	rec := performRequest(t, handler, http.MethodGet, "/api/securities?q=e")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for one-character query, got %d", rec.Code)
	}

	rec = performRequest(t, handler, http.MethodGet, "/api/top-changes?date=yesterday")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed date, got %d", rec.Code)
	}

	rec = performRequest(t, handler, http.MethodGet, "/api/lists/no-such-list.txt")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown list, got %d", rec.Code)
	}
}
