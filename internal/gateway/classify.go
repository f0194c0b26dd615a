package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hydrophone-downloader/internal/errkind"
)

// permission failures arrive as HTTP 400 with these markers in the body.
var permissionMarkers = []string{"api error 71", "api error 141", "permission"}

func classifyStatus(op string, resp *http.Response, body []byte, now time.Time) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, msg)

	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errkind.New(errkind.Auth, op, cause)
	case code == http.StatusTooManyRequests:
		return errkind.RateLimited(op, parseRetryAfter(resp.Header.Get("Retry-After"), now), cause)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		lower := strings.ToLower(msg)
		for _, m := range permissionMarkers {
			if strings.Contains(lower, m) {
				return errkind.New(errkind.Auth, op, cause)
			}
		}
		return errkind.New(errkind.Validation, op, cause)
	case code == http.StatusNotFound || code == http.StatusGone:
		return errkind.New(errkind.NotFound, op, cause)
	case code == http.StatusAccepted || code == http.StatusConflict:
		return errkind.New(errkind.NotReady, op, cause)
	case code >= 500:
		return errkind.New(errkind.TransientNetwork, op, cause)
	default:
		return errkind.New(errkind.Validation, op, cause)
	}
}

func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return errkind.New(errkind.Cancelled, op, err)
	}
	return errkind.New(errkind.TransientNetwork, op, err)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
