package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/flowkeep/engine/internal/apierrors"
	"github.com/flowkeep/engine/internal/executor"
	"github.com/flowkeep/engine/internal/node"
	"github.com/flowkeep/engine/internal/store"
)

// mapError is the one place spec §7's error taxonomy crosses into
// apierrors.ServiceError — the core packages never import apierrors
// themselves, so every store/node/executor error type gets translated here.
func mapError(err error) *apierrors.ServiceError {
	if err == nil {
		return nil
	}
	if svcErr := apierrors.GetServiceError(err); svcErr != nil {
		return svcErr
	}

	var dbErr *store.DBError
	if errors.As(err, &dbErr) {
		// Memory/Postgres/BackupStore all report a missing id as a
		// LocationLoad DBError wrapping a "not found" cause; there's no
		// dedicated sentinel, so this is the one place that distinguishes
		// it from a genuine load failure.
		if dbErr.Location == store.LocationLoad && strings.Contains(dbErr.Error(), "not found") {
			return apierrors.NotFound("node", dbErr.Query)
		}
		return apierrors.DatabaseError(string(dbErr.Location), err)
	}
	var cycleErr *store.PointerCycleError
	if errors.As(err, &cycleErr) {
		return apierrors.Internal("pointer chain exceeded maximum hops", err)
	}
	var syncErr *store.SyncError
	if errors.As(err, &syncErr) {
		return apierrors.Internal("sync failed", err)
	}
	var serErr *node.SerializationError
	if errors.As(err, &serErr) {
		return apierrors.Wrap(apierrors.CodeInvalidInput, "malformed stored node", http.StatusBadRequest, err)
	}
	var progErr *node.ErrProgramming
	if errors.As(err, &progErr) {
		return apierrors.Internal("programming error", err)
	}
	var notFound *executor.NotFoundError
	if errors.As(err, &notFound) {
		return apierrors.ExecutorError("lookup", err)
	}
	return apierrors.Internal("internal error", err)
}

func writeError(w http.ResponseWriter, err error) {
	svcErr := mapError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(svcErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(svcErr)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
