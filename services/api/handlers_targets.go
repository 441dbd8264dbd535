package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"netlock/services/targets"
)

func (a *API) handleListTargets(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	list, err := a.store.Registry.List(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"targets": list})
}

func (a *API) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	target, err := a.store.Registry.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	snap, err := target.Snapshot(ctx)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"target": snap})
}

func (a *API) handleTargetLogs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	target, err := a.store.Registry.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	entries, err := target.Logs(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"logs": nonNil(entries)})
}

func (a *API) handleListLogs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	entries, err := a.store.Registry.Logs(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"logs": nonNil(entries)})
}

func (a *API) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	id := chi.URLParam(r, "id")
	resp := map[string]any{}

	if a.config.ArchiveOnDelete {
		obj, err := a.store.Archive.Upload(ctx, id)
		switch {
		case errors.Is(err, targets.ErrNotFound):
			respondError(w, http.StatusNotFound, err)
			return
		case err != nil:
			a.log.Error().Err(err).Str("target_id", id).Msg("archive before delete")
			respondError(w, http.StatusBadGateway, err)
			return
		}
		resp["archive"] = obj
	}

	deleted, err := a.store.Registry.Delete(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, targets.ErrNotFound)
		return
	}
	resp["deleted"] = true
	respondJSON(w, http.StatusOK, resp)
}

func nonNil(entries []targets.LogEntry) []targets.LogEntry {
	if entries == nil {
		return []targets.LogEntry{}
	}
	return entries
}
