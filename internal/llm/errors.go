package llm

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/comigor/mira-go/internal/apperr"
	"github.com/comigor/mira-go/internal/logger"
)

// bodyLogLimit bounds how much of a provider error body reaches debug logs.
const bodyLogLimit = 400

// classifyStatus turns a non-2xx provider answer into a provider error kind.
func classifyStatus(provider string, status int, body string) error {
	logger.L.Debug("provider returned an error", "provider", provider, "status", status, "body", logger.Truncate(body, bodyLogLimit))
	switch {
	case status == 401 || status == 403,
		status == 400 && strings.Contains(strings.ToLower(body), "api key"):
		return apperr.Newf(apperr.KindProviderAuth, "%s rejected the api key, please check it in settings", provider).WithProvider(provider)
	case status == 429:
		return apperr.Newf(apperr.KindProviderQuota, "%s quota exceeded, please try again later", provider).WithProvider(provider)
	case status >= 500:
		return apperr.Newf(apperr.KindProviderUnavailable, "%s is unavailable right now, please try again", provider).WithProvider(provider)
	default:
		return apperr.Newf(apperr.KindProviderInvalidResponse, "%s could not process the request (status %d)", provider, status).WithProvider(provider)
	}
}

// classifyTransport maps network failures and deadlines to provider_unavailable.
func classifyTransport(provider string, err error) error {
	msg := "could not reach %s, please try again"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "%s did not answer in time, please try again"
	}
	e := apperr.Newf(apperr.KindProviderUnavailable, msg, provider).WithProvider(provider)
	e.Err = err
	return e
}

// classifyCallError handles SDK failures that carry no HTTP status: network trouble and
// deadlines are unavailability, anything else is an answer that could not be decoded.
func classifyCallError(provider string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &netErr) {
		return classifyTransport(provider, err)
	}
	return invalidResponse(provider, err)
}

func invalidResponse(provider string, err error) error {
	e := apperr.Newf(apperr.KindProviderInvalidResponse, "%s returned an unexpected response", provider).WithProvider(provider)
	e.Err = err
	return e
}
