package gmail

import (
	stderrors "errors"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"

	"github.com/Martian-dev/mailsync/internal/mailerr"
)

// mapErr converts Gmail client errors to the shared taxonomy. Rate limit
// reasons reported as 403 are treated as 429.
func mapErr(err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if stderrors.As(err, &gerr) {
		status := gerr.Code
		reason := ""
		if len(gerr.Errors) > 0 {
			reason = gerr.Errors[0].Reason
		}
		if status == http.StatusForbidden && (reason == "rateLimitExceeded" || reason == "userRateLimitExceeded") {
			status = http.StatusTooManyRequests
		}
		return mailerr.FromHTTPStatus(status, reason, gerr.Message)
	}

	if mailerr.IsAuthenticationNeeded(err) || mailerr.IsCanceled(err) {
		return err
	}

	var uerr *url.Error
	if stderrors.As(err, &uerr) {
		return &mailerr.NetworkError{Err: err}
	}
	return err
}

func isNotFound(err error) bool {
	var apiErr *mailerr.APIError
	return stderrors.As(err, &apiErr) && apiErr.HTTPStatus == http.StatusNotFound
}

func errDraftNotFound(messageID string) error {
	return errors.WithStack(mailerr.FromHTTPStatus(http.StatusNotFound, "notFound", "no draft holds message "+messageID))
}
