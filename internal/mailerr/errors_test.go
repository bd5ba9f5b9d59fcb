package mailerr

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"service unavailable", &APIError{HTTPStatus: http.StatusServiceUnavailable}, ClassTransient},
		{"rate limited", &APIError{HTTPStatus: http.StatusTooManyRequests}, ClassTransient},
		{"not found", &APIError{HTTPStatus: http.StatusNotFound, ProviderCode: "ErrorItemNotFound"}, ClassPermanent},
		{"unauthorized", FromHTTPStatus(http.StatusUnauthorized, "", "token expired"), ClassAuth},
		{"wrapped auth", errors.Wrap(ErrAuthenticationNeeded, "list folders"), ClassAuth},
		{"setup", &SetupError{Provider: "yahoo"}, ClassSetup},
		{"network", &NetworkError{Err: fmt.Errorf("connection reset")}, ClassTransient},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "sync messages"), ClassTransient},
		{"canceled", fmt.Errorf("page 2: %w", context.Canceled), ClassCanceled},
		{"sync canceled", ErrCanceled, ClassCanceled},
		{"unknown", errors.New("boom"), ClassPermanent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestFromHTTPStatus(t *testing.T) {
	err := FromHTTPStatus(http.StatusBadGateway, "", "upstream")
	var apiErr *APIError
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.HTTPStatus)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsAuthenticationNeeded(err))
}
