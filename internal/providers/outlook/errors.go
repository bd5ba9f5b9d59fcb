package outlook

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/url"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/mailerr"
)

// Graph error codes for a delta link that can no longer be replayed
var expiredDeltaCodes = map[string]bool{
	"syncStateNotFound": true,
	"SyncStateNotFound": true,
	"resyncRequired":    true,
	"syncStateInvalid":  true,
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}

	var odataErr *odataerrors.ODataError
	if stderrors.As(err, &odataErr) {
		status := odataErr.ResponseStatusCode
		code, message := "", odataErr.Error()
		if main := odataErr.GetErrorEscaped(); main != nil {
			code = deref(main.GetCode())
			if m := main.GetMessage(); m != nil {
				message = *m
			}
		}
		if status == http.StatusGone || expiredDeltaCodes[code] {
			return errors.Wrap(mailerr.ErrSyncTokenExpired, message)
		}
		return mailerr.FromHTTPStatus(status, code, message)
	}

	var apiErr *abstractions.ApiError
	if stderrors.As(err, &apiErr) && apiErr.ResponseStatusCode != 0 {
		return mailerr.FromHTTPStatus(apiErr.ResponseStatusCode, "", apiErr.Error())
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

// tokenCredential serves Graph requests from an oauth2 token source
type tokenCredential struct {
	src oauth2.TokenSource
}

func (c *tokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.src.Token()
	if err != nil {
		return azcore.AccessToken{}, err
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expires}, nil
}
