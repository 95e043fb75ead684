package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mentree/api/internal/platform/httpx"
	"github.com/mentree/api/internal/repositories"
)

const maxRequestBodySize = 64 * 1024

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSONBody parses the request body into dst, enforcing a size cap and
// rejecting trailing garbage.
func decodeJSONBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("empty request body")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected trailing content")
	}
	return nil
}

// writeRepositoryError maps persistence failures that escaped the service
// layer onto the generic error envelope.
func writeRepositoryError(r *http.Request, w http.ResponseWriter, err error) {
	ctx := r.Context()
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			httpx.WriteError(ctx, w, httpx.NewError("not_found", "resource not found", http.StatusNotFound))
			return
		case repoErr.IsConflict():
			httpx.WriteError(ctx, w, httpx.NewError("conflict", "resource version conflict", http.StatusConflict))
			return
		case repoErr.IsUnavailable():
			httpx.WriteError(ctx, w, httpx.NewError("storage_unavailable", "storage temporarily unavailable", http.StatusServiceUnavailable))
			return
		}
	}
	httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
}
