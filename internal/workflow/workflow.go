// Package workflow drives a submission through the review state machine:
// INIT, DOMAIN_DETECT, CONTEXT_PREP, PARALLEL_REVIEW, SYNTHESIS, FINALIZE.
// State is checkpointed after every stage so a crashed or cancelled run can
// resume without repeating completed work.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"peerflow/internal/agents"
	"peerflow/internal/classify"
	"peerflow/internal/config"
	"peerflow/internal/dedup"
	"peerflow/internal/embedding"
	"peerflow/internal/gate"
	"peerflow/internal/logging"
	"peerflow/internal/review"
	"peerflow/internal/store"
	"peerflow/internal/synthesis"
)

var (
	// ErrAlreadyRunning is returned when a review for the submission id is
	// already in flight in this process.
	ErrAlreadyRunning = errors.New("workflow: review already running for submission")

	// ErrNotRunning is returned by Cancel when nothing is in flight.
	ErrNotRunning = errors.New("workflow: no running review for submission")
)

// contextChunks is how many related passages agents receive.
const contextChunks = 3

// Deps are the injected collaborators of the orchestrator.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Classifier *classify.Classifier
	Agents     map[review.AgentType]*agents.Agent
	Gate       *gate.Gate
	Dedup      *dedup.Deduplicator
	Synthesis  *synthesis.Synthesizer

	// Retriever is optional; nil disables CONTEXT_PREP enrichment.
	Retriever *embedding.Retriever
}

// Orchestrator owns the review lifecycle for all submissions.
type Orchestrator struct {
	deps Deps

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates an Orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Config == nil || deps.Store == nil || deps.Classifier == nil ||
		deps.Gate == nil || deps.Dedup == nil || deps.Synthesis == nil {
		return nil, fmt.Errorf("workflow: missing required dependency")
	}
	if len(deps.Agents) == 0 {
		return nil, fmt.Errorf("workflow: no agents configured")
	}
	return &Orchestrator{
		deps:    deps,
		running: make(map[string]context.CancelFunc),
	}, nil
}

// StartReview runs the full review for a submission, blocking until it
// reaches a terminal stage. A second concurrent start for the same id
// returns ErrAlreadyRunning.
func (o *Orchestrator) StartReview(ctx context.Context, submissionID string) error {
	return o.execute(ctx, submissionID, false)
}

// Resume continues an interrupted review from its checkpoint. Stages whose
// outputs are already present are skipped; agents with stored critiques are
// not re-invoked.
func (o *Orchestrator) Resume(ctx context.Context, submissionID string) error {
	return o.execute(ctx, submissionID, true)
}

func (o *Orchestrator) execute(ctx context.Context, submissionID string, resume bool) error {
	sub, err := o.deps.Store.GetSubmission(submissionID)
	if err != nil {
		return fmt.Errorf("failed to load submission: %w", err)
	}
	if sub.Status.Terminal() {
		return fmt.Errorf("submission %s is already %s", submissionID, sub.Status)
	}

	runCtx, cancel, err := o.acquire(ctx, submissionID)
	if err != nil {
		return err
	}
	defer o.release(submissionID, cancel)

	state, err := o.loadOrInitState(submissionID, resume)
	if err != nil {
		return err
	}

	sub.Status = review.StatusRunning
	sub.UpdatedAt = time.Now().UTC()
	if err := o.deps.Store.PutSubmission(sub); err != nil {
		return fmt.Errorf("failed to mark submission running: %w", err)
	}

	return o.run(runCtx, state, sub)
}

// acquire registers the submission as running, enforcing one live workflow
// per submission id.
func (o *Orchestrator) acquire(ctx context.Context, submissionID string) (context.Context, context.CancelFunc, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[submissionID]; ok {
		return nil, nil, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running[submissionID] = cancel
	return runCtx, cancel, nil
}

func (o *Orchestrator) release(submissionID string, cancel context.CancelFunc) {
	cancel()
	o.mu.Lock()
	delete(o.running, submissionID)
	o.mu.Unlock()
}

// Cancel stops a running review at the next stage boundary. The submission
// returns to pending with its checkpoint intact, so it can be resumed.
func (o *Orchestrator) Cancel(submissionID string) error {
	o.mu.Lock()
	cancel, ok := o.running[submissionID]
	o.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	logging.Get(logging.CategoryWorkflow).Infof("cancelling review for %s", submissionID)
	cancel()
	return nil
}

// Status describes a submission's progress.
type Status struct {
	SubmissionID string
	Title        string
	Status       review.Status
	Stage        review.Stage
	Domain       string
	Degraded     bool
	ErrorDetail  string
}

// GetStatus reports the stored state of a submission.
func (o *Orchestrator) GetStatus(submissionID string) (*Status, error) {
	sub, err := o.deps.Store.GetSubmission(submissionID)
	if err != nil {
		return nil, err
	}
	st := &Status{
		SubmissionID: sub.ID,
		Title:        sub.Title,
		Status:       sub.Status,
		Domain:       sub.Domain,
		Degraded:     sub.Degraded,
		ErrorDetail:  sub.ErrorDetail,
	}
	if state, err := o.deps.Store.LoadCheckpoint(submissionID); err == nil {
		st.Stage = state.Stage
	} else if sub.Status == review.StatusCompleted {
		st.Stage = review.StageCompleted
	}
	return st, nil
}

// GetReport returns the final report of a completed review.
func (o *Orchestrator) GetReport(submissionID string) (*review.FinalReport, error) {
	sub, err := o.deps.Store.GetSubmission(submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Report == nil {
		return nil, fmt.Errorf("no report available for %s (status %s)", submissionID, sub.Status)
	}
	return sub.Report, nil
}

func (o *Orchestrator) loadOrInitState(submissionID string, resume bool) (*review.WorkflowState, error) {
	if resume {
		state, err := o.deps.Store.LoadCheckpoint(submissionID)
		if err == nil {
			if state.Stage.Terminal() {
				return nil, fmt.Errorf("checkpoint for %s is terminal (%s)", submissionID, state.Stage)
			}
			logging.Get(logging.CategoryWorkflow).Infof("resuming %s from stage %s", submissionID, state.Stage)
			return state, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to load checkpoint: %w", err)
		}
	}
	return review.NewWorkflowState(submissionID), nil
}

// run advances the state machine until a terminal stage. Cancellation is
// honored at stage boundaries only; a stage that has started completes or
// times out.
func (o *Orchestrator) run(ctx context.Context, state *review.WorkflowState, sub *review.Submission) error {
	log := logging.Get(logging.CategoryWorkflow)

	for !state.Stage.Terminal() {
		if err := ctx.Err(); err != nil {
			return o.handleCancellation(state, sub)
		}

		next, err := o.runStage(ctx, state, sub)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return o.handleCancellation(state, sub)
			}
			return o.handleFailure(state, sub, err)
		}

		log.Infof("%s: %s -> %s", state.SubmissionID, state.Stage, next)
		state.Stage = next
		state.CheckpointAt = time.Now().UTC()
		if !state.Stage.Terminal() {
			if err := o.deps.Store.SaveCheckpoint(state); err != nil {
				return o.handleFailure(state, sub, fmt.Errorf("checkpoint failed: %w", err))
			}
		}
	}
	return nil
}

// runStage executes the current stage and returns the next one.
func (o *Orchestrator) runStage(ctx context.Context, state *review.WorkflowState, sub *review.Submission) (review.Stage, error) {
	stageCtx := ctx
	if d := o.deps.Config.StageTimeout(string(state.Stage)); d > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	switch state.Stage {
	case review.StageInit:
		return review.StageDomainDetect, nil

	case review.StageDomainDetect:
		o.stageDomainDetect(state, sub)
		return review.StageContextPrep, nil

	case review.StageContextPrep:
		o.stageContextPrep(stageCtx, state, sub)
		return review.StageParallelReview, nil

	case review.StageParallelReview:
		if err := o.stageParallelReview(stageCtx, state, sub); err != nil {
			return "", err
		}
		return review.StageSynthesis, nil

	case review.StageSynthesis:
		if err := o.stageSynthesis(stageCtx, state, sub); err != nil {
			return "", err
		}
		return review.StageFinalize, nil

	case review.StageFinalize:
		if err := o.stageFinalize(state, sub); err != nil {
			return "", err
		}
		return review.StageCompleted, nil

	default:
		return "", fmt.Errorf("unknown stage %s", state.Stage)
	}
}

// stageDomainDetect classifies the manuscript and fixes the weight profile.
// A checkpointed domain is kept as-is on resume.
func (o *Orchestrator) stageDomainDetect(state *review.WorkflowState, sub *review.Submission) {
	if state.Domain != "" {
		return
	}
	result := o.deps.Classifier.Detect(sub.Title, sub.Content)
	state.Domain = result.Domain
	state.Weights = o.deps.Classifier.Profile(result.Domain)
	sub.Domain = result.Domain
	sub.Weights = state.Weights
}

// stageContextPrep embeds the manuscript and retrieves related passages as
// optional agent context. Any failure degrades to empty context; the review
// itself proceeds.
func (o *Orchestrator) stageContextPrep(ctx context.Context, state *review.WorkflowState, sub *review.Submission) {
	if state.ContextReady {
		return
	}
	state.ContextReady = true
	if o.deps.Retriever == nil {
		return
	}

	log := logging.Get(logging.CategoryWorkflow)
	chunks, err := o.deps.Retriever.EmbedDocument(ctx, sub.Content)
	if err != nil {
		log.Warnf("context prep failed for %s, continuing without context: %v", state.SubmissionID, err)
		return
	}
	query := sub.Title
	if query == "" {
		query = truncateRunes(sub.Content, 500)
	}
	related, err := o.deps.Retriever.RelatedChunks(ctx, chunks, query, contextChunks)
	if err != nil {
		log.Warnf("context retrieval failed for %s, continuing without context: %v", state.SubmissionID, err)
		return
	}
	state.Context = related
}

// stageParallelReview fans out to the specialists. Agents with checkpointed
// critiques are skipped. A single agent failing entirely degrades the review
// instead of failing it; all agents failing is fatal.
func (o *Orchestrator) stageParallelReview(ctx context.Context, state *review.WorkflowState, sub *review.Submission) error {
	log := logging.Get(logging.CategoryWorkflow)
	timer := logging.StartTimer(logging.CategoryWorkflow, "parallel review")
	defer timer.Stop()

	outcomes := make(map[review.AgentType]*agentOutcome, len(review.CanonicalAgents))
	var outMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, agentType := range review.CanonicalAgents {
		if state.Critiques[agentType] != nil {
			log.Debugf("%s: %s critique already checkpointed, skipping", state.SubmissionID, agentType)
			continue
		}
		agent, ok := o.deps.Agents[agentType]
		if !ok {
			continue
		}
		g.Go(func() error {
			res := o.reviewWithGate(gctx, agent, state, sub)
			outMu.Lock()
			outcomes[agentType] = res
			outMu.Unlock()
			// Agent errors degrade rather than abort the group.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		// A stage timeout keeps whatever the agents produced in time and
		// degrades the review; cancellation abandons the stage.
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		log.Warnf("%s: parallel review timed out, keeping partial results", state.SubmissionID)
		state.Degraded = true
	}

	// Merge in canonical order so results never depend on completion order.
	for _, agentType := range review.CanonicalAgents {
		res, ok := outcomes[agentType]
		if !ok {
			continue
		}
		state.Attempts[agentType] = res.attempts
		if res.err != nil {
			log.Warnf("%s: %s agent failed, proceeding without it: %v", state.SubmissionID, agentType, res.err)
			state.Degraded = true
			continue
		}
		state.Critiques[agentType] = res.critique
		if res.degraded {
			state.Degraded = true
		}
	}

	if len(state.AvailableCritiques()) == 0 {
		return fmt.Errorf("all specialist agents failed")
	}
	sub.Degraded = state.Degraded
	return nil
}

// agentOutcome is one specialist's result in the fan-out.
type agentOutcome struct {
	critique *review.Critique
	attempts int
	degraded bool
	err      error
}

// reviewWithGate runs one agent through the quality gate with its single
// retry budget.
func (o *Orchestrator) reviewWithGate(ctx context.Context, agent *agents.Agent, state *review.WorkflowState, sub *review.Submission) *agentOutcome {
	res := &agentOutcome{}

	req := agents.ReviewRequest{
		Title:   sub.Title,
		Content: sub.Content,
		Domain:  state.Domain,
		Context: state.Context,
	}

	critique, err := agent.Review(ctx, req)
	if err != nil {
		res.err = err
		return res
	}
	verdict := o.deps.Gate.Check(critique)
	if verdict.Passed {
		res.critique = critique
		return res
	}

	// One retry with a stricter, targeted instruction.
	res.attempts = 1
	req.RetryHint = o.deps.Gate.RetryInstruction(critique, verdict)
	retried, err := agent.Review(ctx, req)
	if err != nil {
		// First response exists; keep it rather than dropping the agent.
		logging.Get(logging.CategoryWorkflow).Warnf("%s retry call failed, keeping first response: %v", agent.Kind(), err)
		res.critique = critique
		res.degraded = true
		return res
	}
	if o.deps.Gate.Check(retried).Passed {
		res.critique = retried
		return res
	}

	// Second failure: accept as-is, degraded.
	logging.Get(logging.CategoryGate).Warnf("%s critique failed the gate twice, accepting as-is", agent.Kind())
	res.critique = retried
	res.degraded = true
	return res
}

// stageSynthesis deduplicates issues and produces the final report. Failure
// here is fatal.
func (o *Orchestrator) stageSynthesis(ctx context.Context, state *review.WorkflowState, sub *review.Submission) error {
	if sub.Report != nil {
		return nil
	}
	critiques := state.AvailableCritiques()
	issues := o.deps.Dedup.Deduplicate(critiques)

	report, err := o.deps.Synthesis.Synthesize(ctx, synthesis.Input{
		Title:     sub.Title,
		Domain:    state.Domain,
		Weights:   state.Weights,
		Critiques: critiques,
		Issues:    issues,
		Degraded:  state.Degraded,
	})
	if err != nil {
		return err
	}

	sub.Report = report
	sub.UpdatedAt = time.Now().UTC()
	if err := o.deps.Store.PutSubmission(sub); err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}
	return nil
}

// stageFinalize marks the submission complete and removes the checkpoint.
func (o *Orchestrator) stageFinalize(state *review.WorkflowState, sub *review.Submission) error {
	sub.Status = review.StatusCompleted
	sub.Degraded = state.Degraded
	sub.UpdatedAt = time.Now().UTC()
	if err := o.deps.Store.PutSubmission(sub); err != nil {
		return fmt.Errorf("failed to finalize submission: %w", err)
	}
	if err := o.deps.Store.DeleteCheckpoint(state.SubmissionID); err != nil {
		logging.Get(logging.CategoryWorkflow).Warnf("failed to delete checkpoint for %s: %v", state.SubmissionID, err)
	}
	logging.Get(logging.CategoryWorkflow).Infof("review completed for %s: %s", state.SubmissionID, sub.Report.Summary())
	return nil
}

// handleCancellation returns the submission to pending, keeping the
// checkpoint so the run can be resumed later.
func (o *Orchestrator) handleCancellation(state *review.WorkflowState, sub *review.Submission) error {
	logging.Get(logging.CategoryWorkflow).Infof("review cancelled for %s at stage %s", state.SubmissionID, state.Stage)
	sub.Status = review.StatusPending
	sub.UpdatedAt = time.Now().UTC()
	if err := o.deps.Store.PutSubmission(sub); err != nil {
		return fmt.Errorf("failed to record cancellation: %w", err)
	}
	return context.Canceled
}

func (o *Orchestrator) handleFailure(state *review.WorkflowState, sub *review.Submission, cause error) error {
	logging.Get(logging.CategoryWorkflow).Errorf("review failed for %s at stage %s: %v", state.SubmissionID, state.Stage, cause)

	state.Stage = review.StageFailed
	state.CheckpointAt = time.Now().UTC()
	if err := o.deps.Store.SaveCheckpoint(state); err != nil {
		logging.Get(logging.CategoryWorkflow).Warnf("failed to checkpoint failure: %v", err)
	}

	sub.Status = review.StatusFailed
	sub.ErrorDetail = cause.Error()
	sub.UpdatedAt = time.Now().UTC()
	if err := o.deps.Store.PutSubmission(sub); err != nil {
		logging.Get(logging.CategoryWorkflow).Warnf("failed to record failure: %v", err)
	}
	return cause
}

// truncateRunes cuts s to at most max runes, never splitting a character.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
