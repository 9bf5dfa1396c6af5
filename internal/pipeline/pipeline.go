// Package pipeline runs one execution of a workflow: prompt generation, an
// optional seed image, sequential clip renders and the final assembly.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/reelflow/internal/logging"
	"github.com/rendis/reelflow/internal/memory"
	"github.com/rendis/reelflow/internal/render"
	"github.com/rendis/reelflow/internal/schedule"
	"github.com/rendis/reelflow/pkg/schema"
)

// RenderClient is the part of the render backend the pipeline drives.
type RenderClient interface {
	Submit(ctx context.Context, req render.SubmitRequest) (string, error)
	PollStatus(ctx context.Context, jobID string) (render.JobStatus, error)
	Download(ctx context.Context, ref render.ArtifactRef, dst io.Writer) error
	UploadImage(ctx context.Context, name string, r io.Reader) (string, error)
}

// PromptGenerator writes one prompt per clip.
type PromptGenerator interface {
	GeneratePrompts(ctx context.Context, ownerID, concept string, n int, summaries, previous []string) ([]string, error)
}

// Memory supplies anti-repetition context and records finished runs.
type Memory interface {
	RetrieveContext(ctx context.Context, workflowID, concept string, limit int) (memory.Context, error)
	RecordRun(ctx context.Context, workflowID, concept string, prompts []string) (*schema.PromptHistoryEntry, error)
}

// StateStore is the workflow state the pipeline reports into.
type StateStore interface {
	GetState(ctx context.Context, ownerID, workflowID string) (*schema.WorkflowState, error)
	UpdateState(ctx context.Context, ownerID, workflowID string, patch schema.StatePatch) (*schema.WorkflowState, error)
}

// Config holds the pipeline's paths and timings.
type Config struct {
	OutputDir      string        // default output folder; relative definition folders resolve under it
	WorkDir        string        // parent of per-execution workspaces, default os.TempDir()
	PollInterval   time.Duration // default 2s
	ImageTimeout   time.Duration // default 5m
	VideoTimeout   time.Duration // default 10m, per clip
	OutputNameExpr string        // default DefaultOutputNameExpr
}

// Deps are the pipeline's collaborators. Memory and Muxer are optional.
type Deps struct {
	Render  RenderClient
	Prompts PromptGenerator
	Memory  Memory
	Store   StateStore
	Muxer   Muxer
}

// Result describes a successful execution.
type Result struct {
	ExecutionID string        `json:"executionId"`
	OutputPath  string        `json:"outputPath"`
	Prompts     []string      `json:"prompts"`
	JobIDs      []string      `json:"jobIds"`
	SeedImage   string        `json:"seedImage,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Pipeline is safe for concurrent use; each Run owns its own workspace.
type Pipeline struct {
	cfg     Config
	render  RenderClient
	prompts PromptGenerator
	memory  Memory
	store   StateStore
	muxer   Muxer
	namer   *Namer
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Pipeline.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Pipeline, error) {
	if deps.Render == nil || deps.Prompts == nil || deps.Store == nil {
		return nil, errors.New("pipeline: render, prompts and store are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ImageTimeout <= 0 {
		cfg.ImageTimeout = 5 * time.Minute
	}
	if cfg.VideoTimeout <= 0 {
		cfg.VideoTimeout = 10 * time.Minute
	}
	namer, err := NewNamer(cfg.OutputNameExpr)
	if err != nil {
		return nil, err
	}
	muxer := deps.Muxer
	if muxer == nil {
		muxer = &FFmpegMuxer{Logger: logger}
	}
	return &Pipeline{
		cfg:     cfg,
		render:  deps.Render,
		prompts: deps.Prompts,
		memory:  deps.Memory,
		store:   deps.Store,
		muxer:   muxer,
		namer:   namer,
		logger:  logger.With(slog.String("component", "pipeline")),
		now:     time.Now,
	}, nil
}

// execution is the per-run bookkeeping.
type execution struct {
	def       *schema.WorkflowDefinition
	owner     string
	wf        string
	id        string
	run       int
	started   time.Time
	workspace string
}

// Run performs one execution of def and records the outcome on the
// workflow's state. The caller must already hold the workflow's run gate
// (isRunning=true); Run always releases it.
func (p *Pipeline) Run(ctx context.Context, def *schema.WorkflowDefinition, workflowID string) (*Result, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if workflowID == "" {
		workflowID = def.ID
	}
	ex := &execution{
		def:     def,
		owner:   def.OwnerID,
		wf:      workflowID,
		id:      uuid.NewString(),
		started: p.now().UTC(),
	}
	ctx = logging.WithExecutionID(logging.WithIDs(ctx, ex.owner, ex.wf), ex.id)

	res, err := p.start(ctx, ex)
	p.finish(ctx, ex, res, err)
	return res, err
}

func (p *Pipeline) start(ctx context.Context, ex *execution) (*Result, error) {
	st, err := p.store.UpdateState(ctx, ex.owner, ex.wf, schema.StatePatch{
		LastExecutionTime: &ex.started,
		ExecutionPhase:    schema.Ptr(schema.PhaseGeneratingPrompts),
		ExecutionProgress: schema.Ptr(0),
	})
	if err != nil {
		return nil, err
	}
	ex.run = st.ExecutionCount + 1

	ws, err := os.MkdirTemp(p.cfg.WorkDir, "reelflow-"+Slug(ex.wf)+"-*")
	if err != nil {
		return nil, schema.NewError(schema.ErrCodePipelineAbort, "create workspace").WithWorkflow(ex.wf).WithCause(err)
	}
	ex.workspace = ws
	defer func() {
		if rmErr := os.RemoveAll(ws); rmErr != nil {
			p.logger.WarnContext(ctx, "workspace cleanup failed", slog.String("path", ws), slog.String("error", rmErr.Error()))
		}
	}()

	p.logger.InfoContext(ctx, "execution started",
		slog.Int("clips", ex.def.Clips()),
		slog.Bool("image_seeded", ex.def.ImageSeeded()),
		slog.Int("run", ex.run))
	return p.execute(ctx, ex)
}

func (p *Pipeline) execute(ctx context.Context, ex *execution) (*Result, error) {
	def := ex.def
	concept := def.EffectiveConcept()
	n := def.Clips()

	prompts, err := p.generatePrompts(ctx, ex, concept, n)
	if err != nil {
		return nil, abort(ex, "generate prompts", err)
	}

	p.patch(ctx, ex, schema.StatePatch{ExecutionPhase: schema.Ptr(schema.PhaseExecutingRender)})

	res := &Result{ExecutionID: ex.id, Prompts: prompts}
	if def.ImageSeeded() {
		seed, jobID, err := p.renderSeed(ctx, ex, concept)
		if jobID != "" {
			res.JobIDs = append(res.JobIDs, jobID)
		}
		if err != nil {
			return nil, abort(ex, "seed image", err)
		}
		res.SeedImage = seed
	}

	clips := make([]string, 0, n)
	for i, prompt := range prompts {
		path, jobID, err := p.renderClip(ctx, ex, i+1, prompt, res.SeedImage)
		if jobID != "" {
			res.JobIDs = append(res.JobIDs, jobID)
		}
		if err != nil {
			return nil, abort(ex, fmt.Sprintf("clip %d/%d", i+1, n), err)
		}
		clips = append(clips, path)
		p.patch(ctx, ex, schema.StatePatch{ExecutionProgress: schema.Ptr((i + 1) * 90 / n)})
	}

	out, err := p.assemble(ctx, ex, clips)
	if err != nil {
		return nil, abort(ex, "assemble output", err)
	}
	res.OutputPath = out

	p.remember(ctx, ex, concept, prompts)
	res.Duration = p.now().Sub(ex.started)
	return res, nil
}

// generatePrompts asks for n prompts, steering away from similar past runs,
// and corrects the count.
func (p *Pipeline) generatePrompts(ctx context.Context, ex *execution, concept string, n int) ([]string, error) {
	var mc memory.Context
	if p.memory != nil {
		var err error
		mc, err = p.memory.RetrieveContext(ctx, ex.wf, concept, schema.DefaultContextLimit)
		if err != nil {
			p.logger.WarnContext(ctx, "prompt memory unavailable, generating without context",
				slog.String("code", schema.ErrCodeMemoryDegraded),
				slog.String("error", err.Error()))
			mc = memory.Context{}
		}
	}
	// Summaries are the compact form; raw prompts are only sent without them.
	previous := mc.Prompts
	if len(mc.Summaries) > 0 {
		previous = nil
	}

	raw, err := p.prompts.GeneratePrompts(ctx, ex.owner, concept, n, mc.Summaries, previous)
	if err != nil {
		return nil, err
	}
	prompts := NormalizePrompts(raw, n, concept)
	if len(raw) != n {
		p.logger.WarnContext(ctx, "prompt count corrected", slog.Int("got", len(raw)), slog.Int("want", n))
	}
	return prompts, nil
}

// NormalizePrompts returns exactly n prompts. Extra prompts are dropped;
// missing or blank ones repeat the last non-blank prompt, or concept when
// there is none yet.
func NormalizePrompts(raw []string, n int, concept string) []string {
	out := make([]string, 0, n)
	last := strings.TrimSpace(concept)
	for _, pr := range raw {
		if len(out) == n {
			break
		}
		pr = strings.TrimSpace(pr)
		if pr == "" {
			pr = last
		} else {
			last = pr
		}
		out = append(out, pr)
	}
	for len(out) < n {
		out = append(out, last)
	}
	return out
}

// renderSeed renders the seed image, downloads it once and uploads it once.
// It returns the backend name every clip references.
func (p *Pipeline) renderSeed(ctx context.Context, ex *execution, concept string) (seed, jobID string, err error) {
	jobID, err = p.render.Submit(ctx, render.SubmitRequest{
		Template: ex.def.ImageTemplate.Graph,
		Prompt:   concept,
		Settings: ex.def.AdvancedSettings,
	})
	if err != nil {
		return "", "", err
	}
	ctx = logging.WithJobID(ctx, jobID)
	p.patch(ctx, ex, schema.StatePatch{LastJobID: &jobID})

	ref, err := p.await(ctx, ex, jobID, p.cfg.ImageTimeout)
	if err != nil {
		return "", jobID, err
	}
	ext := extOr(ref.Ext(), ".png")
	local := filepath.Join(ex.workspace, "seed"+ext)
	if err := p.download(ctx, ref, local); err != nil {
		return "", jobID, err
	}

	f, err := os.Open(local)
	if err != nil {
		return "", jobID, schema.NewError(schema.ErrCodeJobError, "open seed image").WithCause(err)
	}
	defer f.Close()
	seed, err = p.render.UploadImage(ctx, "reelflow_seed_"+ex.id+ext, f)
	if err != nil {
		return "", jobID, err
	}
	p.logger.InfoContext(ctx, "seed image ready", slog.String("seed", seed))
	return seed, jobID, nil
}

// renderClip renders clip index (1-based) into the workspace.
func (p *Pipeline) renderClip(ctx context.Context, ex *execution, index int, prompt, seed string) (path, jobID string, err error) {
	req := render.SubmitRequest{Template: ex.def.VideoTemplate.Graph, Prompt: prompt}
	if seed != "" {
		// Dimensions come from the seed image.
		s := ex.def.AdvancedSettings
		req.ImageName = seed
		req.Settings = schema.AdvancedSettings{
			NegativePrompt: s.NegativePrompt,
			FPS:            s.FPS,
			Steps:          s.Steps,
			Length:         s.Length,
			Seed:           s.Seed,
		}
	} else {
		req.Settings = ex.def.AdvancedSettings
	}

	jobID, err = p.render.Submit(ctx, req)
	if err != nil {
		return "", "", err
	}
	ctx = logging.WithJobID(ctx, jobID)
	p.patch(ctx, ex, schema.StatePatch{LastJobID: &jobID})

	ref, err := p.await(ctx, ex, jobID, p.cfg.VideoTimeout)
	if err != nil {
		return "", jobID, err
	}
	path = filepath.Join(ex.workspace, fmt.Sprintf("clip_%03d%s", index, extOr(ref.Ext(), ".mp4")))
	if err := p.download(ctx, ref, path); err != nil {
		return "", jobID, err
	}
	p.logger.InfoContext(ctx, "clip rendered", slog.Int("clip", index), slog.String("artifact", ref.Filename))
	return path, jobID, nil
}

// await polls jobID until it completes, fails, times out or the run is
// cancelled. Cancellation is observed at every poll.
func (p *Pipeline) await(ctx context.Context, ex *execution, jobID string, timeout time.Duration) (render.ArtifactRef, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if p.cancelRequested(wctx, ex) {
			return render.ArtifactRef{}, cancelledErr(ex)
		}
		st, err := p.render.PollStatus(wctx, jobID)
		if err != nil {
			if ctx.Err() == nil && wctx.Err() != nil {
				return render.ArtifactRef{}, timeoutErr(ex, jobID, timeout)
			}
			return render.ArtifactRef{}, err
		}
		switch st.State {
		case render.StateCompleted:
			if st.Artifact == nil {
				return render.ArtifactRef{}, schema.NewErrorf(schema.ErrCodeJobError, "job %s completed without an artifact", jobID)
			}
			return *st.Artifact, nil
		case render.StateError:
			return render.ArtifactRef{}, schema.NewErrorf(schema.ErrCodeJobError, "job %s failed: %s", jobID, st.Message).
				WithDetails(map[string]any{"jobId": jobID})
		}

		select {
		case <-wctx.Done():
			if ctx.Err() != nil {
				return render.ArtifactRef{}, cancelledErr(ex)
			}
			return render.ArtifactRef{}, timeoutErr(ex, jobID, timeout)
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) cancelRequested(ctx context.Context, ex *execution) bool {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return true
	}
	st, err := p.store.GetState(ctx, ex.owner, ex.wf)
	if err != nil {
		return false
	}
	return st.Cancelled
}

func (p *Pipeline) download(ctx context.Context, ref render.ArtifactRef, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return schema.NewError(schema.ErrCodeJobError, "create "+filepath.Base(path)).WithCause(err)
	}
	err = p.render.Download(ctx, ref, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = schema.NewError(schema.ErrCodeJobError, "write "+filepath.Base(path)).WithCause(cerr)
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// assemble produces the final artifact and moves it into the output folder.
// Nothing lands in the output folder unless assembly succeeds.
func (p *Pipeline) assemble(ctx context.Context, ex *execution, clips []string) (string, error) {
	ext := filepath.Ext(clips[0])
	name, err := p.namer.Name(NameEnv{
		WorkflowID:  ex.wf,
		OwnerID:     ex.owner,
		Name:        ex.def.Name,
		Concept:     ex.def.EffectiveConcept(),
		ExecutionID: ex.id,
		Run:         ex.run,
		Clips:       len(clips),
		Ext:         ext,
		StartedAt:   ex.started,
	})
	if err != nil {
		return "", err
	}

	dir := p.outputDir(ex.def)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", schema.NewError(schema.ErrCodeMux, "create output folder").WithCause(err)
	}

	staged := clips[0]
	if len(clips) > 1 {
		staged = filepath.Join(ex.workspace, "joined"+ext)
		if err := p.muxer.Concat(ctx, clips, staged); err != nil {
			return "", err
		}
	}

	final := filepath.Join(dir, name)
	if err := moveFile(staged, final); err != nil {
		return "", schema.NewError(schema.ErrCodeMux, "place output").WithCause(err)
	}
	return final, nil
}

func (p *Pipeline) outputDir(def *schema.WorkflowDefinition) string {
	switch {
	case def.OutputFolder == "":
		return p.cfg.OutputDir
	case filepath.IsAbs(def.OutputFolder):
		return def.OutputFolder
	default:
		return filepath.Join(p.cfg.OutputDir, def.OutputFolder)
	}
}

func (p *Pipeline) remember(ctx context.Context, ex *execution, concept string, prompts []string) {
	if p.memory == nil {
		return
	}
	if _, err := p.memory.RecordRun(ctx, ex.wf, concept, prompts); err != nil {
		p.logger.WarnContext(ctx, "prompt history not recorded",
			slog.String("code", schema.ErrCodeMemoryDegraded),
			slog.String("error", err.Error()))
	}
}

// patch applies an intermediate state update. Failures are logged only.
func (p *Pipeline) patch(ctx context.Context, ex *execution, patch schema.StatePatch) {
	if _, err := p.store.UpdateState(ctx, ex.owner, ex.wf, patch); err != nil {
		p.logger.WarnContext(ctx, "state update failed", slog.String("error", err.Error()))
	}
}

// finish records the terminal outcome and releases the run gate. Success
// moves the next run forward; failure and cancellation leave it alone.
func (p *Pipeline) finish(ctx context.Context, ex *execution, res *Result, err error) {
	ctx = context.WithoutCancel(ctx)
	now := p.now().UTC()
	patch := schema.StatePatch{
		IsRunning:      schema.Ptr(false),
		ExecutionPhase: schema.Ptr(schema.PhaseNone),
	}

	switch {
	case err == nil:
		next, nerr := schedule.Next(ex.def, now)
		if nerr != nil {
			next = schedule.After(ex.def, now)
		}
		patch.NextExecutionTime = &next
		patch.IncrementExecutionCount = true
		patch.ExecutionProgress = schema.Ptr(100)
		patch.LastError = schema.Ptr("")
		patch.LastOutputPath = &res.OutputPath
	case IsCancelled(err):
		patch.LastError = schema.Ptr("cancelled")
	default:
		patch.LastError = schema.Ptr(err.Error())
	}

	if _, uerr := p.store.UpdateState(ctx, ex.owner, ex.wf, patch); uerr != nil {
		p.logger.ErrorContext(ctx, "final state update failed", slog.String("error", uerr.Error()))
	}

	switch {
	case err == nil:
		p.logger.InfoContext(ctx, "execution finished",
			slog.String("output", res.OutputPath),
			slog.Duration("duration", res.Duration),
			slog.Time("next_execution", *patch.NextExecutionTime))
	case IsCancelled(err):
		p.logger.InfoContext(ctx, "execution cancelled")
	default:
		p.logger.ErrorContext(ctx, "execution failed",
			slog.String("code", schema.CodeOf(err)),
			slog.String("error", err.Error()))
	}
}

// IsCancelled reports whether err ends a run because it was cancelled.
func IsCancelled(err error) bool {
	return schema.HasCode(err, schema.ErrCodeCancelled) || errors.Is(err, context.Canceled)
}

// abort wraps a step failure as PIPELINE_ABORT. Cancellation passes through.
func abort(ex *execution, step string, err error) error {
	if IsCancelled(err) {
		return cancelledErr(ex)
	}
	return schema.NewErrorf(schema.ErrCodePipelineAbort, "%s: %v", step, err).
		WithWorkflow(ex.wf).
		WithCause(err).
		WithDetails(map[string]any{"step": step, "executionId": ex.id})
}

func cancelledErr(ex *execution) error {
	return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithWorkflow(ex.wf)
}

func timeoutErr(ex *execution, jobID string, timeout time.Duration) error {
	return schema.NewErrorf(schema.ErrCodeJobTimeout, "job %s did not finish within %s", jobID, timeout).
		WithWorkflow(ex.wf).
		WithDetails(map[string]any{"jobId": jobID})
}

func extOr(ext, fallback string) string {
	if ext == "" {
		return fallback
	}
	return ext
}

// moveFile renames src to dst, copying when they are on different devices.
// The copy goes through a temporary name so dst never holds a partial file.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
