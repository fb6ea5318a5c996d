package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"afflow.org/internal/auth"
	"afflow.org/internal/ledger"
	"afflow.org/internal/obs"
	"afflow.org/internal/payout"
	"afflow.org/internal/stream"
)

// ReadyProbe checks backing-service health (e.g., a DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the ledger store and the payout engine.
type API struct {
	router     *mux.Router
	store      ledger.Store
	engine     *payout.Engine
	events     *stream.Stream
	readyProbe ReadyProbe
	version    string

	rateBurst  int
	ratePerSec int
}

// New wires routes. All dependencies are injected; the API owns no state.
func New(rp ReadyProbe, version string, store ledger.Store, engine *payout.Engine, events *stream.Stream) *API {
	a := &API{
		router:     mux.NewRouter(),
		store:      store,
		engine:     engine,
		events:     events,
		readyProbe: rp,
		version:    version,
		rateBurst:  20,
		ratePerSec: 10,
	}

	r := a.router
	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/auth/token", a.issueToken).Methods(http.MethodPost)

	r.HandleFunc("/v1/affiliates", a.createAffiliate).Methods(http.MethodPost)
	r.HandleFunc("/v1/affiliates", a.listAffiliates).Methods(http.MethodGet)
	r.HandleFunc("/v1/affiliates/{id}", a.getAffiliate).Methods(http.MethodGet)
	r.HandleFunc("/v1/affiliates/{id}", a.deleteAffiliate).Methods(http.MethodDelete)
	r.HandleFunc("/v1/affiliates/{id}/status", a.setAffiliateStatus).Methods(http.MethodPatch)

	r.HandleFunc("/v1/conversions", a.createConversion).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversions", a.listConversions).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversions/{id}", a.getConversion).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversions/{id}/status", a.setConversionStatus).Methods(http.MethodPatch)

	r.HandleFunc("/v1/payouts", a.createPayout).Methods(http.MethodPost)
	r.HandleFunc("/v1/payouts", a.listPayouts).Methods(http.MethodGet)
	r.HandleFunc("/v1/payouts/{id}", a.getPayout).Methods(http.MethodGet)
	r.Handle("/v1/payouts/{id}/process",
		RequireRole("operator")(http.HandlerFunc(a.processPayout))).Methods(http.MethodPost)

	r.HandleFunc("/v1/events", a.streamEvents).Methods(http.MethodGet)

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "afflow-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "afflow-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

type tokenRequest struct {
	User  string   `json:"user"`
	Roles []string `json:"roles"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// issueToken mints an operator token. Dev/ops issuance endpoint: identity
// management proper lives outside this service.
func (a *API) issueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.User) == "" {
		writeError(w, r, http.StatusBadRequest, "user is required")
		return
	}
	token, err := auth.GenerateToken(req.User, req.Roles, time.Hour)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}
