package httpx

import (
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/target/quotaflow/internal/errors"
)

// pathParam returns a trimmed path value or writes a 400 and returns false.
func pathParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(r.PathValue(name))
	if v == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_path",
			Err:     errors.New(name + " is required"),
		})
		return "", false
	}
	return v, true
}

// writeServiceError renders a service error with the status and code of its classification.
// Unclassified errors are reported as internal without echoing their text.
func writeServiceError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	if code == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: string(apperrors.ErrCodeInternal),
			Err:     errors.New("internal error"),
		})
		return
	}
	p := ErrorParams{Code: apperrors.HTTPStatus(err), ErrCode: string(code), Err: err}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		p.Field = appErr.Field
	}
	WriteError(w, p)
}
