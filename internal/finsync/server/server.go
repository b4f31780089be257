// Package server is an in-memory implementation of the remote sync service.
//
// It backs the engine's end-to-end tests, the load test and the
// `finsync mock-server` command. Writes go through the same last-write-wins
// resolver the client uses, are deduplicated by change id, and are stamped
// with a strictly increasing server sync time that clients use as their pull
// cursor.
//
// Fault injection (FailNext, SetDelay, RejectEntity, FailEntity) lets tests
// drive the client's transient and permanent error paths.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/remote"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/resolve"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// DefaultPageSize is used when a pull does not name a limit.
	DefaultPageSize = 500
	// MaxPageSize caps the limit a client may ask for.
	MaxPageSize = 1000
)

// Config configures a Server.
type Config struct {
	// Token, when set, is required as a bearer token on every request
	// except /health.
	Token string

	// Provider serves POST /sync/financial. Without one the endpoint
	// answers 503.
	Provider remote.InstitutionProvider

	// Logger defaults to stderr with a "[server] " prefix.
	Logger *log.Logger

	// Verbose logs every request.
	Verbose bool
}

type entityKey struct {
	typ schema.EntityType
	id  string
}

// Server holds the authoritative copy of every entity.
type Server struct {
	cfg    Config
	logger *log.Logger
	router chi.Router

	mu         sync.Mutex
	entities   map[entityKey]*schema.Snapshot
	applied    map[string]bool
	lastSynced time.Time
	accounts   map[string]string // accountID -> institution access token
	faults     faults
	stats      Stats
	now        func() time.Time
}

type faults struct {
	failNext   int
	failStatus int
	delay      time.Duration
	reject     map[string]string // entityID -> rejection code
	transient  map[string]bool
}

// Stats counts requests and outcomes since the server started.
type Stats struct {
	Pushes     int `json:"pushes"`
	Pulls      int `json:"pulls"`
	Applied    int `json:"applied"`
	Duplicates int `json:"duplicates"`
	Conflicts  int `json:"conflicts"`
	Rejected   int `json:"rejected"`
	Injected   int `json:"injected_failures"`
}

// New creates a server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		entities: make(map[entityKey]*schema.Snapshot),
		applied:  make(map[string]bool),
		accounts: make(map[string]string),
		faults: faults{
			reject:    make(map[string]string),
			transient: make(map[string]bool),
		},
		now: time.Now,
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler serving the sync API.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.cfg.Verbose {
		r.Use(s.logRequests)
	}

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.injectFaults)
		r.Post("/sync", s.handleSync)
		r.Post("/sync/financial", s.handleFinancial)
		r.Get("/stats", s.handleStats)
	})
	return r
}

// SetEntity stores snap as the server's version without validation or
// conflict checks and stamps it with the next sync time. Tests use it to
// simulate an edit made by another device.
func (s *Server) SetEntity(snap *schema.Snapshot) *schema.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(snap.Clone())
}

// Entity returns a copy of the server's version, or nil.
func (s *Server) Entity(typ schema.EntityType, id string) *schema.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entities[entityKey{typ, id}].Clone()
}

// Len returns the number of stored entities, tombstones included.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

// Stats returns a copy of the request counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// LinkAccount associates an account with an institution access token for
// financial refreshes.
func (s *Server) LinkAccount(accountID, accessToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[accountID] = accessToken
}

// FailNext makes the next n authenticated requests answer status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults.failNext = n
	s.faults.failStatus = status
}

// SetDelay delays every authenticated request by d.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults.delay = d
}

// RejectEntity makes every pushed change for entityID fail permanently
// with code. An empty code clears the rule.
func (s *Server) RejectEntity(entityID, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code == "" {
		delete(s.faults.reject, entityID)
		return
	}
	s.faults.reject[entityID] = code
}

// FailEntity makes every pushed change for entityID fail transiently until
// cleared with on=false.
func (s *Server) FailEntity(entityID string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.faults.transient[entityID] = true
	} else {
		delete(s.faults.transient, entityID)
	}
}

// nextSyncedLocked returns a server sync time strictly after every earlier one.
func (s *Server) nextSyncedLocked() time.Time {
	t := s.now().UTC()
	if !t.After(s.lastSynced) {
		t = s.lastSynced.Add(time.Nanosecond)
	}
	s.lastSynced = t
	return t
}

func (s *Server) storeLocked(snap *schema.Snapshot) *schema.Snapshot {
	key := entityKey{snap.EntityType, snap.EntityID}
	if prev, ok := s.entities[key]; ok && snap.Deleted && len(snap.Payload) == 0 {
		// Tombstones keep the last payload for audit.
		snap.Payload = prev.Payload
	}
	synced := s.nextSyncedLocked()
	snap.LastSynced = &synced
	snap.Dirty = false
	s.entities[key] = snap
	return snap.Clone()
}

// applyLocked applies one pushed change and returns its result. A conflict
// is returned alongside when the server kept its own version.
func (s *Server) applyLocked(c *schema.ChangeRecord) (remote.ChangeResult, *resolve.Conflict) {
	res := remote.ChangeResult{ChangeID: c.ID}

	if s.applied[c.ID] {
		s.stats.Duplicates++
		res.Outcome = remote.OutcomeDuplicate
		return res, nil
	}
	if s.faults.transient[c.EntityID] {
		res.Outcome = remote.OutcomeTransient
		res.Message = "injected transient failure"
		return res, nil
	}
	if code, ok := s.faults.reject[c.EntityID]; ok {
		s.stats.Rejected++
		res.Outcome = remote.OutcomeRejected
		res.Code = code
		res.Message = "injected rejection"
		return res, nil
	}
	if err := c.Validate(); err != nil {
		s.stats.Rejected++
		res.Outcome = remote.OutcomeRejected
		res.Code = remote.CodeValidation
		res.Message = err.Error()
		return res, nil
	}

	existing := s.entities[entityKey{c.EntityType, c.EntityID}]
	if existing == nil && c.Operation != schema.OpCreate {
		s.stats.Rejected++
		res.Outcome = remote.OutcomeRejected
		res.Code = remote.CodeNotFound
		res.Message = fmt.Sprintf("%s %s does not exist", c.EntityType, c.EntityID)
		return res, nil
	}

	incoming := c.Snapshot()
	outcome := resolve.Resolve(incoming, existing)
	if outcome.Resolution == resolve.Remote {
		s.stats.Conflicts++
		res.Outcome = remote.OutcomeConflict
		res.Snapshot = existing.Clone()
		return res, outcome.Conflict
	}

	res.Snapshot = s.storeLocked(incoming)
	res.Outcome = remote.OutcomeApplied
	s.applied[c.ID] = true
	s.stats.Applied++
	return res, nil
}

// pullLocked returns up to limit snapshots of typ synced after since, in
// server sync order.
func (s *Server) pullLocked(typ schema.EntityType, since *time.Time, limit int) ([]*schema.Snapshot, bool) {
	var out []*schema.Snapshot
	for key, snap := range s.entities {
		if key.typ != typ {
			continue
		}
		if since != nil && !snap.LastSynced.After(*since) {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSynced.Before(*out[j].LastSynced)
	})

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	for i, snap := range out {
		out[i] = snap.Clone()
	}
	return out, hasMore
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req remote.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, remote.CodeValidation, "invalid request body: "+err.Error())
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, remote.CodeValidation, "deviceId is required")
		return
	}
	if !req.EntityType.Valid() {
		writeError(w, http.StatusBadRequest, remote.CodeValidation, fmt.Sprintf("invalid entityType %q", req.EntityType))
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	s.mu.Lock()
	resp := remote.SyncResponse{
		Changes:   []*schema.Snapshot{},
		Conflicts: []resolve.Conflict{},
	}
	if req.Mode != remote.ModePull {
		s.stats.Pushes++
		for _, c := range req.Changes {
			if c == nil {
				continue
			}
			if c.EntityType != req.EntityType {
				resp.Results = append(resp.Results, remote.ChangeResult{
					ChangeID: c.ID,
					Outcome:  remote.OutcomeRejected,
					Code:     remote.CodeValidation,
					Message:  fmt.Sprintf("change is %s, batch is %s", c.EntityType, req.EntityType),
				})
				continue
			}
			result, conflict := s.applyLocked(c)
			resp.Results = append(resp.Results, result)
			if conflict != nil {
				resp.Conflicts = append(resp.Conflicts, *conflict)
			}
		}
	}
	if req.Mode != remote.ModePush {
		s.stats.Pulls++
		resp.Changes, resp.HasMore = s.pullLocked(req.EntityType, req.LastSyncTimestamp, limit)
	}
	resp.Timestamp = s.now().UTC()
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFinancial(w http.ResponseWriter, r *http.Request) {
	var req remote.FinancialSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, remote.CodeValidation, "invalid request body: "+err.Error())
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, remote.CodeValidation, "accountId is required")
		return
	}
	if req.SyncType == "" {
		req.SyncType = remote.SyncFull
	}
	if !req.SyncType.Valid() {
		writeError(w, http.StatusBadRequest, remote.CodeValidation, fmt.Sprintf("invalid syncType %q", req.SyncType))
		return
	}
	if s.cfg.Provider == nil {
		writeError(w, http.StatusServiceUnavailable, "", "no institution provider configured")
		return
	}

	s.mu.Lock()
	token, ok := s.accounts[req.AccountID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, remote.CodeNotFound, fmt.Sprintf("account %s is not linked", req.AccountID))
		return
	}

	data, err := s.cfg.Provider.GetAccountData(r.Context(), token)
	if err != nil {
		s.logger.Printf("WARNING: institution refresh for %s failed: %v", req.AccountID, err)
		status := http.StatusBadGateway
		if errors.Is(err, ErrUnknownToken) {
			status = http.StatusNotFound
		}
		writeError(w, status, "", err.Error())
		return
	}

	resp := remote.FinancialSyncResponse{}
	s.mu.Lock()
	now := s.now().UTC()
	if req.SyncType != remote.SyncTransactions {
		for _, a := range data.Accounts {
			s.storeLocked(&schema.Snapshot{
				EntityType: schema.EntityAccount,
				EntityID:   a.ID,
				Payload:    schema.MustPayload(a),
				UpdatedAt:  now,
			})
			resp.Accounts++
		}
	}
	if req.SyncType != remote.SyncBalances {
		for _, t := range data.Transactions {
			if t.AccountID != req.AccountID {
				continue
			}
			s.storeLocked(&schema.Snapshot{
				EntityType: schema.EntityTransaction,
				EntityID:   t.ID,
				Payload:    schema.MustPayload(t),
				UpdatedAt:  now,
			})
			resp.Transactions++
		}
	}
	resp.Timestamp = now
	s.mu.Unlock()

	s.logger.Printf("Refreshed %s (%s): accounts=%d transactions=%d",
		req.AccountID, req.SyncType, resp.Accounts, resp.Transactions)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		delay := s.faults.delay
		var status int
		if s.faults.failNext > 0 {
			s.faults.failNext--
			s.stats.Injected++
			status = s.faults.failStatus
		}
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			writeError(w, status, "injected", http.StatusText(status))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Printf("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, remote.ErrorBody{Error: msg, Code: code})
}
