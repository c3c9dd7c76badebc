package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/sessiond/internal/errors"
)

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}
