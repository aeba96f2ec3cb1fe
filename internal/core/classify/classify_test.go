package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"testing"

	"golang.org/x/oauth2"

	"github.com/vietddude/cloudlink/internal/core/domain"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func retrieveErr(status int, code, desc string) error {
	return &oauth2.RetrieveError{
		Response:         &http.Response{StatusCode: status},
		ErrorCode:        code,
		ErrorDescription: desc,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		expect domain.ErrorKind
	}{
		{"nil", nil, domain.ErrorKindNone},
		{"deadline", fmt.Errorf("exchange: %w", context.DeadlineExceeded), domain.ErrorKindNetworkTimeout},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, domain.ErrorKindNetworkTimeout},
		{"invalid grant", retrieveErr(400, "invalid_grant", "Bad Request"), domain.ErrorKindInvalidRefreshToken},
		{"revoked grant", retrieveErr(400, "invalid_grant", "Token has been revoked."), domain.ErrorKindInvalidRefreshToken},
		{"expired grant", retrieveErr(400, "invalid_grant", "Token has been expired or revoked."), domain.ErrorKindExpiredRefreshToken},
		{"429", retrieveErr(429, "", ""), domain.ErrorKindAPIQuotaExceeded},
		{"503", retrieveErr(503, "", ""), domain.ErrorKindServiceUnavailable},
		{"temporarily unavailable", retrieveErr(400, "temporarily_unavailable", ""), domain.ErrorKindServiceUnavailable},
		{"504", &domain.ProviderError{StatusCode: 504}, domain.ErrorKindNetworkTimeout},
		{"500", &domain.ProviderError{StatusCode: 500}, domain.ErrorKindServiceUnavailable},
		{"403 quota", &domain.ProviderError{StatusCode: 403, Body: `{"reason":"userRateLimitExceeded","message":"Quota exceeded"}`}, domain.ErrorKindAPIQuotaExceeded},
		{"403 plain", &domain.ProviderError{StatusCode: 403, Body: "forbidden"}, domain.ErrorKindUnknown},
		{"401 probe", &domain.ProviderError{StatusCode: 401, Code: "invalid_token"}, domain.ErrorKindUnknown},
		{"wrapped provider error", fmt.Errorf("probe: %w", &domain.ProviderError{StatusCode: 502}), domain.ErrorKindServiceUnavailable},
		{"text quota", errors.New("daily quota exceeded"), domain.ErrorKindAPIQuotaExceeded},
		{"text 503", errors.New("http 503: Service Unavailable"), domain.ErrorKindServiceUnavailable},
		{"text reset", errors.New("read tcp: connection reset by peer"), domain.ErrorKindNetworkTimeout},
		{"text invalid grant", errors.New(`oauth2: "invalid_grant"`), domain.ErrorKindInvalidRefreshToken},
		{"unmatched", errors.New("malformed json in response"), domain.ErrorKindUnknown},
		{"text duration with 500", errors.New("upload timed out after 1500ms"), domain.ErrorKindNetworkTimeout},
		{"text count with 503", errors.New("copied 5030 files before abort"), domain.ErrorKindUnknown},
		{"text count with 429", errors.New("skipped 14290 entries"), domain.ErrorKindUnknown},
		{"text 502", errors.New("proxy returned 502"), domain.ErrorKindServiceUnavailable},
		{"url timeout", &url.Error{Op: "Post", URL: "https://oauth2.example.com/token", Err: timeoutErr{}}, domain.ErrorKindNetworkTimeout},
		{"url refused", &url.Error{
			Op:  "Post",
			URL: "https://oauth2.example.com/token",
			Err: &net.OpError{Op: "dial", Err: errors.New("connect: connection refused")},
		}, domain.ErrorKindNetworkTimeout},
		{"url tls", &url.Error{
			Op:  "Post",
			URL: "https://oauth2.example.com/token",
			Err: errors.New("tls: failed to verify certificate: x509: certificate signed by unknown authority"),
		}, domain.ErrorKindUnknown},
		{"url scheme", &url.Error{
			Op:  "Post",
			URL: "ftp://oauth2.example.com/token",
			Err: errors.New(`unsupported protocol scheme "ftp"`),
		}, domain.ErrorKindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expect {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.expect)
			}
		})
	}
}

func TestClassify_NeverReturnsNoneForError(t *testing.T) {
	for _, err := range []error{errors.New(""), errors.New("x"), &domain.ProviderError{}} {
		if got := Classify(err); !got.Valid() {
			t.Errorf("Classify(%q) = %q, want a known kind", err, got)
		}
	}
}
