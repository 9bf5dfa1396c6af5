package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/reelflow/internal/engine"
	"github.com/rendis/reelflow/pkg/schema"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxErrorBody          = 4 * 1024
)

// artifactKeys are the output lists searched, in order, for a job's file.
var artifactKeys = []string{"images", "gifs", "videos"}

// Config configures a render backend client.
type Config struct {
	BaseURL string
	// RequestTimeout bounds the wait for response headers, default 30s.
	// Bodies are bounded only by the caller's context, so long artifact
	// downloads are not cut off.
	RequestTimeout time.Duration
	HTTPClient     *http.Client // overrides the default transport when set
	ClientID       string       // identifies this process to the backend queue
}

// Client talks to a ComfyUI-compatible render queue.
type Client struct {
	baseURL  string
	http     *http.Client
	clientID string
	logger   *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: newTransport(cfg.RequestTimeout)}
	}
	id := cfg.ClientID
	if id == "" {
		id = uuid.New().String()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     hc,
		clientID: id,
		logger:   logger.With(slog.String("component", "render")),
	}
}

func newTransport(timeout time.Duration) *http.Transport {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = timeout
	return t
}

// Submit fills the template and enqueues it, returning the backend's job ID.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	graph, err := FillTemplate(ctx, req)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(map[string]any{"prompt": graph, "client_id": c.clientID})
	if err != nil {
		return "", schema.NewError(schema.ErrCodeJobError, "encode job graph").WithCause(err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/prompt", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusErr("job rejected", resp)
	}
	var pr promptResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", schema.NewError(schema.ErrCodeJobError, "decode submit response").WithCause(err)
	}
	if pr.PromptID == "" {
		return "", schema.NewError(schema.ErrCodeJobError, "backend returned no job id").
			WithDetails(map[string]any{"node_errors": pr.NodeErrors})
	}
	c.logger.DebugContext(ctx, "job submitted", slog.String("job_id", pr.PromptID), slog.Int("queue_number", pr.Number))
	return pr.PromptID, nil
}

// PollStatus reports a job's state: history first, then the live queue.
// A completed status carries the artifact reference.
func (c *Client) PollStatus(ctx context.Context, jobID string) (JobStatus, error) {
	rec, found, err := c.history(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	if found {
		return statusFromHistory(rec), nil
	}

	q, err := c.queue(ctx)
	if err != nil {
		return JobStatus{}, err
	}
	if queueContains(q.Running, jobID) {
		return JobStatus{State: StateRunning}, nil
	}
	if queueContains(q.Pending, jobID) {
		return JobStatus{State: StatePending}, nil
	}
	return JobStatus{State: StateNotFound}, nil
}

// FetchArtifactRef returns the output file of a completed job.
func (c *Client) FetchArtifactRef(ctx context.Context, jobID string) (ArtifactRef, error) {
	rec, found, err := c.history(ctx, jobID)
	if err != nil {
		return ArtifactRef{}, err
	}
	if !found {
		return ArtifactRef{}, schema.NewErrorf(schema.ErrCodeNotFound, "job %s has no history", jobID)
	}
	st := statusFromHistory(rec)
	if st.State != StateCompleted {
		return ArtifactRef{}, schema.NewErrorf(schema.ErrCodeJobError, "job %s did not complete: %s", jobID, st.Message)
	}
	return *st.Artifact, nil
}

// Download streams an artifact's bytes into dst.
func (c *Client) Download(ctx context.Context, ref ArtifactRef, dst io.Writer) error {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	typ := ref.Type
	if typ == "" {
		typ = "output"
	}
	q.Set("type", typ)

	resp, err := c.do(ctx, http.MethodGet, "/view?"+q.Encode(), "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusErr("artifact download failed", resp)
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return classify(ctx, "read artifact", err)
	}
	return nil
}

// UploadImage stores an image in the backend's input folder and returns the
// name a LoadImage node should reference.
func (c *Client) UploadImage(ctx context.Context, name string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", name)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeJobError, "build upload").WithCause(err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return "", schema.NewError(schema.ErrCodeJobError, "read seed image").WithCause(err)
	}
	_ = mw.WriteField("overwrite", "true")
	if err := mw.Close(); err != nil {
		return "", schema.NewError(schema.ErrCodeJobError, "build upload").WithCause(err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/upload/image", mw.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusErr("seed upload rejected", resp)
	}
	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return "", schema.NewError(schema.ErrCodeJobError, "decode upload response").WithCause(err)
	}
	if ur.Name == "" {
		ur.Name = name
	}
	if ur.Subfolder != "" {
		return ur.Subfolder + "/" + ur.Name, nil
	}
	return ur.Name, nil
}

// Interrupt asks the backend to stop the job it is currently executing.
// It reports false on any failure; callers treat it as best-effort.
func (c *Client) Interrupt(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodPost, "/interrupt", "application/json", strings.NewReader("{}"))
	if err != nil {
		c.logger.WarnContext(ctx, "interrupt failed", slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Ping checks that the backend is reachable and answering.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.queue(ctx)
	return err
}

func (c *Client) history(ctx context.Context, jobID string) (historyRecord, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(jobID), "", nil)
	if err != nil {
		return historyRecord{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return historyRecord{}, false, statusErr("history lookup failed", resp)
	}
	var all map[string]historyRecord
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return historyRecord{}, false, schema.NewError(schema.ErrCodeJobError, "decode history").WithCause(err)
	}
	rec, ok := all[jobID]
	return rec, ok, nil
}

func (c *Client) queue(ctx context.Context) (queueResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/queue", "", nil)
	if err != nil {
		return queueResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return queueResponse{}, statusErr("queue lookup failed", resp)
	}
	var q queueResponse
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return queueResponse{}, schema.NewError(schema.ErrCodeJobError, "decode queue").WithCause(err)
	}
	return q, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build request %s %s", method, path).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.DebugContext(ctx, "render request failed", slog.String("path", path), slog.String("error", err.Error()))
		return nil, classify(ctx, method+" "+path, err)
	}
	return resp, nil
}

func statusFromHistory(rec historyRecord) JobStatus {
	if rec.Status.StatusStr == "error" {
		return JobStatus{State: StateError, Message: executionError(rec)}
	}
	if ref, ok := firstArtifact(rec.Outputs); ok {
		return JobStatus{State: StateCompleted, Artifact: &ref}
	}
	if rec.Status.Completed || rec.Status.StatusStr == "success" {
		return JobStatus{State: StateError, Message: "job finished without an output file"}
	}
	return JobStatus{State: StateRunning}
}

// firstArtifact scans outputs in node-id order so the choice is stable.
func firstArtifact(outputs map[string]map[string]any) (ArtifactRef, bool) {
	nodes := make([]string, 0, len(outputs))
	for id := range outputs {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	for _, key := range artifactKeys {
		for _, id := range nodes {
			items, _ := outputs[id][key].([]any)
			if len(items) == 0 {
				continue
			}
			m, _ := items[0].(map[string]any)
			name, _ := m["filename"].(string)
			if name == "" {
				continue
			}
			sub, _ := m["subfolder"].(string)
			typ, _ := m["type"].(string)
			return ArtifactRef{Filename: name, Subfolder: sub, Type: typ}, true
		}
	}
	return ArtifactRef{}, false
}

// executionError pulls the exception message out of the history messages,
// which arrive as [event, payload] pairs.
func executionError(rec historyRecord) string {
	for _, m := range rec.Status.Messages {
		if len(m) < 2 {
			continue
		}
		if ev, _ := m[0].(string); ev != "execution_error" {
			continue
		}
		payload, _ := m[1].(map[string]any)
		if msg, _ := payload["exception_message"].(string); msg != "" {
			return strings.TrimSpace(msg)
		}
	}
	return "job failed on render backend"
}

func queueContains(entries [][]any, jobID string) bool {
	for _, e := range entries {
		if len(e) > 1 {
			if id, _ := e[1].(string); id == jobID {
				return true
			}
		}
	}
	return false
}

// classify maps a transport failure to CANCELLED or JOB_TIMEOUT when our own
// context ended, BACKEND_OFFLINE when the backend could not be reached, and
// JOB_ERROR otherwise.
func classify(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return schema.NewErrorf(schema.ErrCodeCancelled, "%s cancelled", op).WithCause(err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return schema.NewErrorf(schema.ErrCodeJobTimeout, "%s: deadline exceeded", op).WithCause(err)
	case engine.IsUnreachable(err):
		return schema.NewErrorf(schema.ErrCodeBackendOffline, "render backend unreachable (%s)", op).WithCause(err)
	default:
		return schema.NewErrorf(schema.ErrCodeJobError, "%s: %v", op, err).WithCause(err)
	}
}

func statusErr(what string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return schema.NewErrorf(schema.ErrCodeJobError, "%s: status %d", what, resp.StatusCode).
		WithDetails(map[string]any{"status": resp.StatusCode, "body": strings.TrimSpace(string(b))})
}

// IsBackendOffline reports whether err, at any depth, is a BACKEND_OFFLINE error.
func IsBackendOffline(err error) bool {
	return schema.HasCode(err, schema.ErrCodeBackendOffline)
}
