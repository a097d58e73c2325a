package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"berkut-cases/core/cases"
)

type actorKey struct{}

// WithActor stores the acting user id for handlers further down the chain.
func WithActor(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// Actor returns the acting user id, or zero when the request carries none.
func Actor(r *http.Request) int64 {
	id, _ := r.Context().Value(actorKey{}).(int64)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError sends service rejections as their dotted code with the status
// the code carries. Anything else is a server error.
func writeError(w http.ResponseWriter, err error) {
	var ce *cases.Error
	if errors.As(err, &ce) {
		http.Error(w, ce.Code, ce.Status)
		return
	}
	http.Error(w, "server error", http.StatusInternalServerError)
}
