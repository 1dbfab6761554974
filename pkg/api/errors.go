package api

import (
	"errors"
	"net/http"

	"github.com/cuemby/quilt/pkg/quiltrrors"
)

// statusFor classifies an engine/store error into an HTTP status,
// matching spec section 7's propagation rule: validation and
// not-found are synchronous client errors, everything else (including
// database errors, which the spec says must never be hidden) surfaces
// as a server error.
func statusFor(err error) int {
	var nf *quiltrrors.NotFound
	if errors.As(err, &nf) {
		return http.StatusNotFound
	}

	var vf *quiltrrors.ValidationFailed
	if errors.As(err, &vf) {
		return http.StatusBadRequest
	}

	var dn *quiltrrors.DuplicateName
	if errors.As(err, &dn) {
		return http.StatusConflict
	}
	var di *quiltrrors.DuplicateID
	if errors.As(err, &di) {
		return http.StatusConflict
	}

	var nip *quiltrrors.NoAvailableIP
	if errors.As(err, &nip) {
		return http.StatusServiceUnavailable
	}

	var to *quiltrrors.Timeout
	if errors.As(err, &to) {
		return http.StatusGatewayTimeout
	}

	return http.StatusInternalServerError
}
