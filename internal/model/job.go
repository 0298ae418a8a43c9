package model

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrInvalidTransition is returned when a job status change is not allowed.
var ErrInvalidTransition = errors.New("invalid job status transition")

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobFailed:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from s to next.
// Processing may be re-entered so a worker restarted mid-job can resume it.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobProcessing || next == JobFailed
	case JobProcessing:
		return next == JobProcessing || next == JobCompleted || next == JobFailed
	default:
		return false
	}
}

// Auth types and token transports accepted in AuthConfig.
const (
	AuthBasic        = "basic"
	AuthSessionToken = "session_token"

	TokenCookie = "cookie"
	TokenBearer = "bearer"
)

// AuthConfig describes how a crawl session authenticates against the target.
type AuthConfig struct {
	AuthType   string `json:"auth_type" yaml:"auth_type"`
	Username   string `json:"username,omitempty" yaml:"username,omitempty"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty"`
	TokenType  string `json:"token_type,omitempty" yaml:"token_type,omitempty"`
	TokenName  string `json:"token_name,omitempty" yaml:"token_name,omitempty"`
	TokenValue string `json:"token_value,omitempty" yaml:"token_value,omitempty"`
}

// Validate checks that the fields required by the auth type are present.
func (a *AuthConfig) Validate() error {
	if a == nil {
		return nil
	}
	switch a.AuthType {
	case "", AuthBasic:
		if a.Username == "" || a.Password == "" {
			return fmt.Errorf("basic auth requires a username and password")
		}
	case AuthSessionToken:
		if a.TokenType != TokenCookie && a.TokenType != TokenBearer {
			return fmt.Errorf("token_type must be %q or %q", TokenCookie, TokenBearer)
		}
		if a.TokenName == "" || a.TokenValue == "" {
			return fmt.Errorf("session_token auth requires token_name and token_value")
		}
	default:
		return fmt.Errorf("unsupported auth_type %q", a.AuthType)
	}
	return nil
}

// Job is a batch of URLs processed together.
type Job struct {
	ID         string      `json:"job_id" yaml:"job_id"`
	URLs       []string    `json:"urls" yaml:"urls"`
	AuthConfig *AuthConfig `json:"auth_config,omitempty" yaml:"auth_config,omitempty"`
	RateLimit  int         `json:"rate_limit_requests_per_minute" yaml:"rate_limit_requests_per_minute"`
	Status     JobStatus   `json:"status" yaml:"status"`
	Message    string      `json:"message,omitempty" yaml:"message,omitempty"`
	CreatedAt  time.Time   `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at" yaml:"updated_at"`
}

// ValidateURLs checks that the job has at least one absolute http(s) URL.
func ValidateURLs(urls []string) error {
	if len(urls) == 0 {
		return fmt.Errorf("at least one URL is required")
	}
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid URL %q: %w", raw, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid URL %q: must be an absolute http or https URL", raw)
		}
	}
	return nil
}
