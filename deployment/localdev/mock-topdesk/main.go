package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/miradorstack/topdesk-stats/internal/models"
	"github.com/miradorstack/topdesk-stats/internal/utils"
)

// mock-topdesk serves the product version endpoint and the reporting OData lists with a
// fixed set of generated tickets. It only understands the filters topdesk-stats renders.
func main() {
	var (
		addr     string
		username string
		password string
		tickets  int
		seed     uint64
	)
	flag.StringVar(&addr, "addr", ":8085", "Listen address")
	flag.StringVar(&username, "username", "demo", "Basic auth username")
	flag.StringVar(&password, "password", "demo", "Basic auth password")
	flag.IntVar(&tickets, "tickets", 250, "Tickets generated per category")
	flag.Uint64Var(&seed, "seed", 42, "Random seed for generated tickets")
	flag.Parse()

	logger := utils.NewLogger(os.Getenv("LOG_LEVEL"), false)
	now := time.Now().UTC()
	store := map[models.Category][]models.Ticket{}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for _, c := range models.Categories() {
		store[c] = generate(rng, c, tickets, now)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/tas/api/productVersion", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]int{"major": 11, "minor": 2, "patch": 5})
	})
	for _, c := range models.Categories() {
		policy, err := models.PolicyFor(c)
		if err != nil {
			logger.Error("policy lookup failed", slog.Any("error", err))
			os.Exit(1)
		}
		mux.HandleFunc(policy.BasePath, func(w http.ResponseWriter, r *http.Request) {
			serveList(w, r, policy, store[policy.Category])
		})
	}

	handler := basicAuth(username, password, mux)
	logger.Info("mock TOPdesk listening", slog.String("address", addr), slog.Int("tickets", tickets))
	if err := http.ListenAndServe(addr, logRequests(logger, handler)); err != nil {
		logger.Error("mock TOPdesk exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func generate(rng *rand.Rand, c models.Category, n int, now time.Time) []models.Ticket {
	out := make([]models.Ticket, 0, n)
	for i := 0; i < n; i++ {
		age := time.Duration(rng.IntN(60*24)) * time.Hour
		if rng.IntN(10) == 0 {
			age = time.Duration(rng.IntN(int(time.Since(utils.StartOfDayUTC(now)).Minutes())+1)) * time.Minute
		}
		t := models.Ticket{ID: i + 1, CreationDate: now.Add(-age)}
		switch c {
		case models.CategoryIncident:
			t.Completed = rng.IntN(3) > 0
			t.Closed = t.Completed && rng.IntN(2) == 0
		case models.CategoryChange:
			t.Closed = rng.IntN(2) == 0
		}
		if t.Closed {
			t.ClosureDate = t.CreationDate.Add(time.Duration(rng.Int64N(int64(age) + 1)))
		}
		out = append(out, t)
	}
	return out
}

// serveList answers "$select=id&$filter=..." by matching the filter text against the
// category's own templates, then evaluating that template over the generated tickets.
func serveList(w http.ResponseWriter, r *http.Request, policy models.Policy, tickets []models.Ticket) {
	if sel := r.URL.Query().Get("$select"); sel != "id" {
		http.Error(w, `only "$select=id" is supported`, http.StatusBadRequest)
		return
	}
	raw := strings.TrimSpace(r.URL.Query().Get("$filter"))
	now := time.Now().UTC()

	var filter models.Filter
	for _, mf := range policy.Filters {
		if mf.Filter.Render(now) == raw {
			filter = mf.Filter
			break
		}
	}
	if filter == nil {
		http.Error(w, "unsupported $filter: "+raw, http.StatusBadRequest)
		return
	}

	values := make([]map[string]int, 0, len(tickets))
	for _, t := range tickets {
		if filter.Matches(t, now) {
			values = append(values, map[string]int{"id": t.ID})
		}
	}
	writeJSON(w, map[string]any{
		"@odata.context": "$metadata#" + path.Base(policy.BasePath) + "(id)",
		"value":          values,
	})
}

func basicAuth(username, password string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != username || pass != password {
			w.Header().Set("WWW-Authenticate", `Basic realm="TOPdesk"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("request", slog.String("path", r.URL.Path), slog.String("filter", r.URL.Query().Get("$filter")), slog.Duration("took", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
