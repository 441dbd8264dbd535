package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"netlock/services/events"
	"netlock/services/targets"
)

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req targets.Registration
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	id, err := a.store.Registry.Register(ctx, req)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) handlePing(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.store.Ingestor.Ping(ctx, chi.URLParam(r, "id")); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ev, err := events.Decode(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	id := chi.URLParam(r, "id")
	entry, err := a.store.Ingestor.Apply(ctx, id, ev)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			a.log.Error().Err(err).Str("target_id", id).Str("event", string(ev.Kind())).Msg("apply event")
		}
		respondError(w, status, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"log": entry})
}

func (a *API) handleDeregister(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	target, err := a.store.Registry.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	if err := target.Delete(ctx); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
