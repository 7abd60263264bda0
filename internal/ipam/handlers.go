package ipam

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

func (h *HTTP) registerTopology(api *mux.Router) {
	repo := h.engine.Repo()

	api.HandleFunc("/networks", h.createNetwork).Methods(http.MethodPost)
	api.HandleFunc("/networks", func(w http.ResponseWriter, r *http.Request) {
		out, err := repo.ListNetworks(r.Context())
		writeJSON(w, out, err)
	}).Methods(http.MethodGet)
	api.HandleFunc("/networks/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			http.Error(w, "invalid network id", http.StatusBadRequest)
			return
		}
		out, err := repo.GetNetwork(r.Context(), id)
		writeJSON(w, out, err)
	}).Methods(http.MethodGet)
	// GET /api/v1/ipam/networks/{id}/stats
	api.HandleFunc("/networks/{id}/stats", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			http.Error(w, "invalid network id", http.StatusBadRequest)
			return
		}
		if _, err := repo.GetNetwork(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		out, err := h.engine.Stats(r.Context(), &id)
		writeJSON(w, out, err)
	}).Methods(http.MethodGet)
	api.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		out, err := h.engine.Stats(r.Context(), nil)
		writeJSON(w, out, err)
	}).Methods(http.MethodGet)

	api.HandleFunc("/vlans", h.createVLAN).Methods(http.MethodPost)
	api.HandleFunc("/vlans", func(w http.ResponseWriter, r *http.Request) {
		out, err := repo.ListVLANs(r.Context())
		writeJSON(w, out, err)
	}).Methods(http.MethodGet)

	api.HandleFunc("/ranges", h.createRange).Methods(http.MethodPost)
	// GET /api/v1/ipam/ranges?network_id=1
	api.HandleFunc("/ranges", func(w http.ResponseWriter, r *http.Request) {
		nid, err := optionalID(r, "network_id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out, err := repo.ListRanges(r.Context(), nid)
		writeJSON(w, out, err)
	}).Methods(http.MethodGet)
	api.HandleFunc("/ranges/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			http.Error(w, "invalid range id", http.StatusBadRequest)
			return
		}
		out, err := repo.GetRange(r.Context(), id)
		writeJSON(w, out, err)
	}).Methods(http.MethodGet)
	api.HandleFunc("/ranges/{id}", h.deleteRange).Methods(http.MethodDelete)
	// POST /api/v1/ipam/ranges/{id}/materialize
	api.HandleFunc("/ranges/{id}/materialize", h.materialize).Methods(http.MethodPost)

	api.HandleFunc("/pools", h.createPool).Methods(http.MethodPost)
	api.HandleFunc("/pools", func(w http.ResponseWriter, r *http.Request) {
		out, err := repo.ListPools(r.Context())
		writeJSON(w, out, err)
	}).Methods(http.MethodGet)
	// POST /api/v1/ipam/pools/{id}/ranges/{rangeID}  { addresses: [...] } (пусто = весь диапазон)
	api.HandleFunc("/pools/{id}/ranges/{rangeID}", h.assignToPool).Methods(http.MethodPost)
}

func (h *HTTP) createNetwork(w http.ResponseWriter, r *http.Request) {
	var in NetworkInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.CIDR == "" {
		http.Error(w, "invalid body (need {cidr})", http.StatusBadRequest)
		return
	}
	out, err := h.engine.Repo().CreateNetwork(r.Context(), in)
	writeCreated(w, out, err)
}

func (h *HTTP) createVLAN(w http.ResponseWriter, r *http.Request) {
	var in VLANInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid body (need {vlan_number})", http.StatusBadRequest)
		return
	}
	out, err := h.engine.Repo().CreateVLAN(r.Context(), in)
	writeCreated(w, out, err)
}

func (h *HTTP) createRange(w http.ResponseWriter, r *http.Request) {
	var in RangeInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.StartIP == "" || in.EndIP == "" {
		http.Error(w, "invalid body (need {network_id, start_ip, end_ip})", http.StatusBadRequest)
		return
	}
	out, err := h.engine.Repo().CreateRange(r.Context(), in)
	writeCreated(w, out, err)
}

func (h *HTTP) deleteRange(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid range id", http.StatusBadRequest)
		return
	}
	if _, err := h.engine.Repo().DeleteRange(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) materialize(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid range id", http.StatusBadRequest)
		return
	}
	n, err := h.prov.MaterializeRange(r.Context(), id)
	writeJSON(w, map[string]int{"created": n}, err)
}

func (h *HTTP) createPool(w http.ResponseWriter, r *http.Request) {
	var in PoolInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		http.Error(w, "invalid body (need {name})", http.StatusBadRequest)
		return
	}
	out, err := h.engine.Repo().CreatePool(r.Context(), in)
	writeCreated(w, out, err)
}

func (h *HTTP) assignToPool(w http.ResponseWriter, r *http.Request) {
	poolID, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid pool id", http.StatusBadRequest)
		return
	}
	rangeID, ok := pathID(r, "rangeID")
	if !ok {
		http.Error(w, "invalid range id", http.StatusBadRequest)
		return
	}
	var in struct {
		Addresses []string `json:"addresses"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
	}
	n, err := h.engine.Repo().AssignToPool(r.Context(), poolID, rangeID, in.Addresses)
	writeJSON(w, map[string]int64{"updated": n}, err)
}

func writeJSON(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeCreated(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated) // 201
	_ = json.NewEncoder(w).Encode(v)
}
