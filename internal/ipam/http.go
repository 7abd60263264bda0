package ipam

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"ipamd/internal/models"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

type HTTP struct {
	engine  *Engine
	prov    *Provisioner
	sweeper *Sweeper
}

func NewHTTP(e *Engine, p *Provisioner, s *Sweeper) *HTTP {
	return &HTTP{engine: e, prov: p, sweeper: s}
}

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1/ipam").Subrouter()

	// Lifecycle
	// POST /api/v1/ipam/addresses/assign  { address, device_type, device_id, actor, attrs, notes }
	api.HandleFunc("/addresses/assign", h.assign).Methods(http.MethodPost)
	// POST /api/v1/ipam/addresses/release { address, actor, skip_quarantine, notes }
	api.HandleFunc("/addresses/release", h.release).Methods(http.MethodPost)
	api.HandleFunc("/addresses/reserve", h.reserve).Methods(http.MethodPost)
	api.HandleFunc("/addresses/unreserve", h.unreserve).Methods(http.MethodPost)

	// GET /api/v1/ipam/addresses/10.0.0.2
	api.HandleFunc("/addresses/{address}", h.lookup).Methods(http.MethodGet)
	// GET /api/v1/ipam/addresses/10.0.0.2/duplicate?exclude=12
	api.HandleFunc("/addresses/{address}/duplicate", h.checkDuplicate).Methods(http.MethodGet)

	// GET /api/v1/ipam/suggest?pool_id=&vlan_id=&connection_type=private
	api.HandleFunc("/suggest", h.suggest).Methods(http.MethodGet)

	// POST /api/v1/ipam/bulk-assign { range, device_type, device_id, actor, notes }
	api.HandleFunc("/bulk-assign", h.bulkAssign).Methods(http.MethodPost)

	api.HandleFunc("/quarantine", h.quarantine).Methods(http.MethodGet)
	api.HandleFunc("/quarantine/sweep", h.sweep).Methods(http.MethodPost)

	// GET /api/v1/ipam/history?address=&device_type=&device_id=&limit=
	api.HandleFunc("/history", h.history).Methods(http.MethodGet)

	h.registerTopology(api)
}

func (h *HTTP) assign(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var in AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Address == "" {
		http.Error(w, "invalid body (need {address, device_type, device_id})", http.StatusBadRequest)
		return
	}
	rec, err := h.engine.Assign(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(rec)
}

func (h *HTTP) release(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var in ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Address == "" {
		http.Error(w, "invalid body (need {address})", http.StatusBadRequest)
		return
	}
	rec, err := h.engine.Release(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(rec)
}

func (h *HTTP) reserve(w http.ResponseWriter, r *http.Request) {
	h.administrative(w, r, h.engine.Reserve)
}

func (h *HTTP) unreserve(w http.ResponseWriter, r *http.Request) {
	h.administrative(w, r, h.engine.Unreserve)
}

func (h *HTTP) administrative(w http.ResponseWriter, r *http.Request, op func(context.Context, ReserveRequest) (*models.Address, error)) {
	w.Header().Set("Content-Type", "application/json")
	var in ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Address == "" {
		http.Error(w, "invalid body (need {address})", http.StatusBadRequest)
		return
	}
	rec, err := op(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(rec)
}

func (h *HTTP) lookup(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	res, err := h.engine.Lookup(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		writeError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(res)
}

func (h *HTTP) checkDuplicate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var exclude uint
	if s := r.URL.Query().Get("exclude"); s != "" {
		u, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			http.Error(w, "invalid exclude id", http.StatusBadRequest)
			return
		}
		exclude = uint(u)
	}
	rec, err := h.engine.CheckDuplicate(r.Context(), mux.Vars(r)["address"], exclude)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"duplicate": rec != nil,
		"existing":  rec,
	})
}

func (h *HTTP) suggest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	q := SuggestQuery{Hint: r.URL.Query().Get("connection_type")}
	var err error
	if q.PoolID, err = optionalID(r, "pool_id"); err != nil {
		http.Error(w, "invalid pool_id", http.StatusBadRequest)
		return
	}
	if q.VLANID, err = optionalID(r, "vlan_id"); err != nil {
		http.Error(w, "invalid vlan_id", http.StatusBadRequest)
		return
	}
	rec, err := h.engine.Suggest(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	nearby, err := h.engine.Nearby(r.Context(), rec, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"suggested": rec,
		"nearby":    nearby,
	})
}

func (h *HTTP) bulkAssign(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var in BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Spec == "" {
		http.Error(w, "invalid body (need {range, device_type, device_id})", http.StatusBadRequest)
		return
	}
	res, err := h.prov.BulkAssign(r.Context(), in)
	if err != nil && res == nil {
		writeError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(res)
}

func (h *HTTP) quarantine(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := h.engine.QuarantineList(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (h *HTTP) sweep(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	n, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]int{"expired": n})
}

func (h *HTTP) history(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	q := r.URL.Query()
	f := HistoryFilter{
		Address:    q.Get("address"),
		DeviceType: q.Get("device_type"),
		Action:     q.Get("action"),
		BatchID:    q.Get("batch_id"),
	}
	if s := q.Get("device_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			http.Error(w, "invalid device_id", http.StatusBadRequest)
			return
		}
		f.DeviceID = &id
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	out, err := h.engine.Ledger().List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(out)
}

// statusOf maps engine error kinds onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrMalformedInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, ErrInvariantViolation), errors.Is(err, ErrQuarantineActive):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error(), "kind": errorKind(err)}
	var qe *QuarantineActiveError
	if errors.As(err, &qe) {
		body["days_remaining"] = qe.RemainingDays()
		body["quarantine_until"] = qe.Until
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(err))
	_ = json.NewEncoder(w).Encode(body)
}

func optionalID(r *http.Request, key string) (*uint, error) {
	s := strings.TrimSpace(r.URL.Query().Get(key))
	if s == "" {
		return nil, nil
	}
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil || u == 0 {
		return nil, errors.Errorf("invalid %s", key)
	}
	id := uint(u)
	return &id, nil
}

func pathID(r *http.Request, key string) (uint, bool) {
	u, err := strconv.ParseUint(mux.Vars(r)[key], 10, 64)
	if err != nil || u == 0 {
		return 0, false
	}
	return uint(u), true
}
