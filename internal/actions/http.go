package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/basket/conductor/internal/pipeline"
)

// HTTPConfig points the executor at a GitHub-style VCS API and the remote
// validate and verify endpoints.
type HTTPConfig struct {
	BaseURL     string
	Token       string
	Repo        string
	Workflow    string
	Ref         string
	ValidateURL string
	VerifyURL   string
	Timeout     time.Duration
	Retries     int
	Logger      *slog.Logger
}

// HTTPExecutor performs actions over HTTP. Transport errors and 5xx
// responses are retried inside a single attempt; anything else that is
// not 2xx fails the attempt.
type HTTPExecutor struct {
	cfg    HTTPConfig
	client *retryablehttp.Client
}

func NewHTTPExecutor(cfg HTTPConfig) *HTTPExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Ref == "" {
		cfg.Ref = "main"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.Retries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = cfg.Logger
	return &HTTPExecutor{cfg: cfg, client: client}
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

func (x *HTTPExecutor) do(ctx context.Context, method, url string, body, out any) error {
	if url == "" {
		return fmt.Errorf("%s: endpoint not configured", method)
	}
	var payload any
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if x.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+x.cfg.Token)
	}
	resp, err := x.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, URL: url, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s response: %w", url, err)
		}
	}
	return nil
}

func (x *HTTPExecutor) repoURL(parts ...string) string {
	return x.cfg.BaseURL + "/repos/" + x.cfg.Repo + "/" + strings.Join(parts, "/")
}

func (x *HTTPExecutor) Execute(ctx context.Context, action Action, run *pipeline.Run) (Result, error) {
	switch action {
	case ActionDispatch:
		return x.dispatch(ctx, run)
	case ActionCreatePR:
		return x.createPR(ctx, run)
	case ActionValidate:
		return x.check(ctx, x.cfg.ValidateURL, pipeline.TopicValidationPassed, run)
	case ActionMerge:
		return x.merge(ctx, run)
	case ActionVerify:
		return x.check(ctx, x.cfg.VerifyURL, pipeline.TopicVerifyPassed, run)
	}
	return Result{}, fmt.Errorf("unknown action %q", action)
}

func branchFor(taskID string) string {
	return "conductor/" + taskID
}

func (x *HTTPExecutor) dispatch(ctx context.Context, run *pipeline.Run) (Result, error) {
	url := x.repoURL("actions", "workflows", x.cfg.Workflow, "dispatches")
	body := map[string]any{
		"ref":    x.cfg.Ref,
		"inputs": map[string]string{"task_id": run.TaskID, "branch": branchFor(run.TaskID)},
	}
	if err := x.do(ctx, http.MethodPost, url, body, nil); err != nil {
		return Result{}, err
	}
	workflowURL := x.repoURL("actions", "workflows", x.cfg.Workflow)
	return Result{
		Detail: "workflow dispatched",
		Events: []pipeline.Event{{
			Topic:    pipeline.TopicBuildStarted,
			Metadata: map[string]any{"workflow_url": workflowURL},
		}},
	}, nil
}

func (x *HTTPExecutor) createPR(ctx context.Context, run *pipeline.Run) (Result, error) {
	var out struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	body := map[string]any{
		"title": "conductor: " + run.TaskID,
		"head":  branchFor(run.TaskID),
		"base":  x.cfg.Ref,
	}
	if err := x.do(ctx, http.MethodPost, x.repoURL("pulls"), body, &out); err != nil {
		return Result{}, err
	}
	if out.Number <= 0 {
		return Result{}, fmt.Errorf("create pull request: response carried no number")
	}
	return Result{
		Detail: "pull request #" + strconv.Itoa(out.Number),
		Events: []pipeline.Event{{
			Topic:    pipeline.TopicPRCreated,
			Metadata: map[string]any{"pr_number": out.Number, "pr_url": out.HTMLURL},
		}},
	}, nil
}

func (x *HTTPExecutor) merge(ctx context.Context, run *pipeline.Run) (Result, error) {
	if run.PRNumber <= 0 {
		return Result{}, fmt.Errorf("merge: run has no pull request number")
	}
	var out struct {
		SHA     string `json:"sha"`
		Merged  bool   `json:"merged"`
		Message string `json:"message"`
	}
	body := map[string]any{"merge_method": "squash"}
	if err := x.do(ctx, http.MethodPut, x.repoURL("pulls", strconv.Itoa(run.PRNumber), "merge"), body, &out); err != nil {
		return Result{}, err
	}
	if !out.Merged || out.SHA == "" {
		return Result{}, &NotOKError{Detail: out.Message}
	}
	return Result{
		Detail: "merged " + out.SHA,
		Events: []pipeline.Event{{
			Topic:    pipeline.TopicPRMerged,
			Metadata: map[string]any{"merge_sha": out.SHA, "pr_number": run.PRNumber},
		}},
	}, nil
}

// check calls a remote pass/fail endpoint. A "passed": false answer is a
// failed attempt, so the verdict is retried with backoff before the run fails.
func (x *HTTPExecutor) check(ctx context.Context, url, passTopic string, run *pipeline.Run) (Result, error) {
	var out struct {
		Passed bool   `json:"passed"`
		Detail string `json:"detail"`
	}
	body := map[string]any{
		"task_id":    run.TaskID,
		"pr_number":  run.PRNumber,
		"pr_url":     run.PRURL,
		"merge_sha":  run.MergeSHA,
		"deploy_ref": run.DeployRef,
	}
	if err := x.do(ctx, http.MethodPost, url, body, &out); err != nil {
		return Result{}, err
	}
	if !out.Passed {
		return Result{}, &NotOKError{Detail: out.Detail}
	}
	return Result{
		Detail: out.Detail,
		Events: []pipeline.Event{{
			Topic:    passTopic,
			Metadata: map[string]any{"detail": out.Detail},
		}},
	}, nil
}
