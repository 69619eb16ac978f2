package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"warden/internal/middleware"
	"warden/internal/models"

	"github.com/disgoorg/snowflake/v2"
	"github.com/hashicorp/go-retryablehttp"
)

// HTTPConfig points the HTTP platform client at the membership API.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// Retries is the transport-level retry budget for connection errors and 5xx.
	Retries int
}

// HTTPPlatform implements Platform against the community platform's REST API.
type HTTPPlatform struct {
	client  *retryablehttp.Client
	baseURL string
	token   string
}

// slogLeveled adapts slog to retryablehttp's leveled logger.
type slogLeveled struct {
	logger *slog.Logger
}

// Error is logged at WARN because the transport retries before giving up.
func (l slogLeveled) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Warn(msg, keysAndValues...)
}

func (l slogLeveled) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn(msg, keysAndValues...)
}

func (l slogLeveled) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, keysAndValues...)
}

func (l slogLeveled) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

// NewHTTPPlatform builds a platform client over a retrying HTTP transport.
// Rate-limit responses are not retried here; the Gateway owns that policy.
func NewHTTPPlatform(cfg HTTPConfig) *HTTPPlatform {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.Retries
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = retryablehttp.LeveledLogger(slogLeveled{middleware.Logger})
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}

	return &HTTPPlatform{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
	}
}

type sanctionBody struct {
	Reason string     `json:"reason,omitempty"`
	Until  *time.Time `json:"until,omitempty"`
}

func (p *HTTPPlatform) ApplySanction(ctx context.Context, req SanctionRequest) error {
	body := sanctionBody{Reason: req.Reason, Until: req.Until}
	switch req.Kind.Class() {
	case models.ClassBan:
		return p.do(ctx, "apply", http.MethodPut, banPath(req.CommunityID, req.SubjectID), body, nil, ErrMemberNotFound)
	case models.ClassMute:
		return p.do(ctx, "apply", http.MethodPut, mutePath(req.CommunityID, req.SubjectID), body, nil, ErrMemberNotFound)
	default:
		return p.do(ctx, "apply", http.MethodDelete, memberPath(req.CommunityID, req.SubjectID), body, nil, ErrMemberNotFound)
	}
}

func (p *HTTPPlatform) ReverseSanction(ctx context.Context, req SanctionRequest) error {
	switch req.Kind.Class() {
	case models.ClassBan:
		return p.do(ctx, "reverse", http.MethodDelete, banPath(req.CommunityID, req.SubjectID), nil, nil, ErrNotSanctioned)
	case models.ClassMute:
		return p.do(ctx, "reverse", http.MethodDelete, mutePath(req.CommunityID, req.SubjectID), nil, nil, ErrNotSanctioned)
	default:
		return fmt.Errorf("kind %s cannot be reversed", req.Kind)
	}
}

func (p *HTTPPlatform) FetchMemberStatus(ctx context.Context, communityID, subjectID snowflake.ID) (MemberStatus, error) {
	var st MemberStatus
	path := memberPath(communityID, subjectID) + "/status"
	if err := p.do(ctx, "status", http.MethodGet, path, nil, &st, ErrMemberNotFound); err != nil {
		return MemberStatus{}, err
	}
	return st, nil
}

func banPath(communityID, subjectID snowflake.ID) string {
	return fmt.Sprintf("/communities/%s/bans/%s", communityID, subjectID)
}

func memberPath(communityID, subjectID snowflake.ID) string {
	return fmt.Sprintf("/communities/%s/members/%s", communityID, subjectID)
}

func mutePath(communityID, subjectID snowflake.ID) string {
	return memberPath(communityID, subjectID) + "/mute"
}

// do sends one logical request. notFound is the error a 404 maps to for this call.
func (p *HTTPPlatform) do(ctx context.Context, op, method, path string, in, out any, notFound error) error {
	var raw []byte
	if in != nil {
		var err error
		if raw, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
	}

	var body interface{}
	if raw != nil {
		body = raw
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bot "+p.token)
	req.Header.Set("Accept", "application/json")
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && resp.StatusCode != http.StatusNoContent {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode %s response: %w", op, err)
			}
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return notFound
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Second
}
