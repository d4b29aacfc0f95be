package activitypub

import (
	"errors"
	"net/http"
)

var (
	ErrSignatureInvalid      = errors.New("signature invalid")
	ErrUnauthorized          = errors.New("not authorized")
	ErrMalformed             = errors.New("malformed request")
	ErrSchemaInvalid         = errors.New("invalid activity")
	ErrObjectNotFound        = errors.New("object not found")
	ErrDownloadLimitExceeded = errors.New("download limit exceeded")
	ErrDeliveryTransient     = errors.New("transient delivery failure")
	ErrDeliveryPermanent     = errors.New("permanent delivery failure")
)

// StatusFor maps an inbox error to the HTTP status reported to the sender.
// Anything unclassified is an internal fault.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusAccepted
	case errors.Is(err, ErrSignatureInvalid), errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrSchemaInvalid), errors.Is(err, ErrDownloadLimitExceeded):
		return http.StatusBadRequest
	case errors.Is(err, ErrObjectNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// isBusinessRejection reports whether err is the sender's fault rather than ours.
func isBusinessRejection(err error) bool {
	s := StatusFor(err)
	return s >= 400 && s < 500
}
