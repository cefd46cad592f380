// Package gate provides quality gate evaluation and manual approval
// coordination for conveyor stages.
package gate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

// Verdict is the quality service's judgment for a project.
type Verdict string

const (
	VerdictPass         Verdict = "pass"
	VerdictUnsuccessful Verdict = "unsuccessful"
	VerdictPending      Verdict = "pending"
)

// QualityService submits a project for analysis and reports the verdict.
// Verdicts arrive asynchronously; implementations block or poll until one
// is available or ctx is done.
type QualityService interface {
	Submit(ctx context.Context, projectKey string) (Verdict, error)
}

// Result is a gate evaluation outcome, independent of any step exit code.
type Result struct {
	Verdict Verdict
	Passed  bool
}

// Evaluator wraps a quality gate stage. The external tool may exit zero
// while the service still reports a failing verdict asynchronously, so
// the evaluator inspects the verdict, never the exit code.
type Evaluator struct {
	service QualityService
}

// NewEvaluator creates a gate evaluator backed by the given service.
func NewEvaluator(service QualityService) *Evaluator {
	return &Evaluator{service: service}
}

// Evaluate blocks until the service reports a terminal verdict.
func (e *Evaluator) Evaluate(ctx context.Context, projectKey string) (*Result, error) {
	verdict, err := e.service.Submit(ctx, projectKey)
	if err != nil {
		return nil, fmt.Errorf("quality gate submit: %w", err)
	}
	return &Result{Verdict: verdict, Passed: verdict == VerdictPass}, nil
}

// HTTPQualityService polls an HTTP quality service for a project verdict.
// The response body is JSON; the verdict is read from a configurable
// gjson path (e.g. projectStatus.status), treating "OK"/"PASSED" as pass
// and "NONE"/"IN_PROGRESS"/"PENDING" as not yet available.
type HTTPQualityService struct {
	BaseURL      string
	Token        string
	VerdictPath  string
	PollInterval time.Duration
	Client       *http.Client
}

// NewHTTPQualityService creates a polling HTTP quality service client.
func NewHTTPQualityService(baseURL string) *HTTPQualityService {
	return &HTTPQualityService{
		BaseURL:      baseURL,
		VerdictPath:  "projectStatus.status",
		PollInterval: 5 * time.Second,
		Client:       &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit polls the service until it reports a terminal verdict or ctx is
// done.
func (s *HTTPQualityService) Submit(ctx context.Context, projectKey string) (Verdict, error) {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for {
		verdict, err := s.poll(ctx, projectKey)
		if err != nil {
			return "", err
		}
		if verdict != VerdictPending {
			return verdict, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *HTTPQualityService) poll(ctx context.Context, projectKey string) (Verdict, error) {
	u := fmt.Sprintf("%s/api/qualitygates/project_status?projectKey=%s", s.BaseURL, url.QueryEscape(projectKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	if s.Token != "" {
		req.SetBasicAuth(s.Token, "")
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("query quality service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read quality response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("quality service returned %d", resp.StatusCode)
	}

	status := gjson.GetBytes(body, s.VerdictPath).String()
	switch status {
	case "OK", "PASSED":
		return VerdictPass, nil
	case "NONE", "IN_PROGRESS", "PENDING", "":
		return VerdictPending, nil
	default:
		return VerdictUnsuccessful, nil
	}
}
