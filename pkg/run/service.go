package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/internal/tracing"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/hooks"
	"github.com/droverhq/drover/pkg/lanes"
	"github.com/droverhq/drover/pkg/provider"
	"github.com/droverhq/drover/pkg/runcontrol"
	"github.com/droverhq/drover/pkg/sandbox"
	"github.com/droverhq/drover/pkg/seed"
	"github.com/droverhq/drover/pkg/steering"
	"github.com/droverhq/drover/pkg/transcript"
)

// InboundAction describes what HandleInbound did with a message.
type InboundAction string

const (
	// ActionStarted means a new run was submitted for the message.
	ActionStarted InboundAction = "started"
	// ActionSteered means the message was injected into the active run.
	ActionSteered InboundAction = "steered"
	// ActionQueued means a follow-up run was queued behind the active one.
	ActionQueued InboundAction = "queued"
	// ActionIgnored means the arbiter classified the message as noise.
	ActionIgnored InboundAction = "ignored"
)

// queuedWarnAfter bounds how long a queued follow-up may wait behind the
// active run before a wait event is surfaced.
const queuedWarnAfter = 30 * time.Second

// ServiceConfig wires the run service's collaborators.
type ServiceConfig struct {
	Store    *transcript.Store
	Provider provider.ChatProvider
	Registry *sandbox.Registry
	Sessions *sandbox.Manager
	Hooks    *hooks.Manager
	Bus      *events.Bus
	Arbiter  *steering.Arbiter

	SystemPrompt string

	Model            string
	TriageModel      string
	PostProcessModel string
	Temperature      float64
	MaxTokens        int

	MaxTurns        int
	ToolOutputLimit int
	SandboxName     string
	WorkDir         string

	// PollInterval bounds how long a paused run sleeps between re-polls.
	PollInterval time.Duration

	RequireFinalReply bool

	Logger zerolog.Logger
}

// Service owns job submission, per-session serialization, and run control.
// One session key maps to one lane, so runs against the same session never
// overlap.
type Service struct {
	cfg    ServiceConfig
	queue  *lanes.Queue
	logger zerolog.Logger

	mu        sync.Mutex
	seq       uint64
	active    map[string]*activeRun // keyed by job id
	bySession map[string]string     // session key -> active job id
	wg        sync.WaitGroup
}

type activeRun struct {
	jobID      string
	agentID    string
	sessionKey string
	objective  string
	seq        uint64
	port       *runcontrol.MemoryPort
}

// NewService creates the run service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("run service requires a store")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("run service requires a provider")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("run service requires a tool registry")
	}
	return &Service{
		cfg:       cfg,
		queue:     lanes.New(),
		logger:    cfg.Logger.With().Str("component", "run-service").Logger(),
		active:    make(map[string]*activeRun),
		bySession: make(map[string]string),
	}, nil
}

// SubmitOptions tunes one submission.
type SubmitOptions struct {
	// Resume seeds the new run with the salvageable prefix of the
	// session's previous transcript.
	Resume bool
	// Objective overrides the work-item description; defaults to the
	// message text.
	Objective string
}

// Submit creates a job for the message and queues it on the session's
// lane. It returns as soon as the job exists; execution is asynchronous.
func (s *Service) Submit(ctx context.Context, agentID, sessionKey, text string, opts SubmitOptions) (*transcript.Job, error) {
	job, err := s.cfg.Store.CreateJob(ctx, agentID, sessionKey)
	if err != nil {
		return nil, err
	}

	objective := opts.Objective
	if objective == "" {
		objective = text
	}

	run := &activeRun{
		jobID:      job.ID,
		agentID:    agentID,
		sessionKey: sessionKey,
		objective:  objective,
		port:       runcontrol.NewMemoryPort(),
	}
	s.track(run)

	s.wg.Add(1)
	go s.dispatch(run, job, text, opts)

	s.logger.Info().
		Str("job_id", job.ID).
		Str("agent_id", agentID).
		Str("session_key", sessionKey).
		Bool("resume", opts.Resume).
		Msg("Job submitted")
	return job, nil
}

func (s *Service) dispatch(run *activeRun, job *transcript.Job, text string, opts SubmitOptions) {
	defer s.wg.Done()
	defer s.untrack(run)

	lane := "session-" + run.sessionKey
	base := context.Background()
	base = tracing.WithJobID(base, job.ID)
	base = tracing.WithAgentID(base, run.agentID)
	base = tracing.WithSessionKey(base, run.sessionKey)

	_, err := s.queue.Enqueue(base, lane, func(ctx context.Context) (interface{}, error) {
		return s.execute(ctx, run, job, text, opts)
	}, &lanes.Options{
		WarnAfter: queuedWarnAfter,
		OnWait: func(wait time.Duration, queuePos int) {
			if s.cfg.Bus != nil {
				s.cfg.Bus.Publish(events.Event{
					JobID: job.ID,
					Type:  "job.waiting",
					Data: map[string]interface{}{
						"wait_ms":   wait.Milliseconds(),
						"queue_pos": queuePos,
					},
					At: time.Now(),
				})
			}
		},
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("run did not complete")
		if errors.Is(err, lanes.ErrReset) {
			// The run never started; leave a terminal status behind.
			if failErr := s.cfg.Store.FailJob(context.Background(), job.ID, "service shut down before the run started"); failErr != nil {
				s.logger.Error().Err(failErr).Str("job_id", job.ID).Msg("failed to mark rejected job")
			}
		}
	}
}

func (s *Service) execute(ctx context.Context, run *activeRun, job *transcript.Job, text string, opts SubmitOptions) (*Result, error) {
	traceID := tracing.NewTraceID()
	ctx = tracing.WithTraceID(ctx, traceID)

	messages, err := s.seedMessages(ctx, run.sessionKey, job.ID, text, opts.Resume)
	if err != nil {
		return nil, err
	}

	rc := &RunContext{
		Job:     job,
		TraceID: traceID,
		Seed:    messages,

		Provider:    s.cfg.Provider,
		Model:       s.cfg.Model,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
		Tools:       s.cfg.Registry.Definitions(),

		Store:    s.cfg.Store,
		Executor: s.cfg.Registry,
		Gate:     runcontrol.NewGate(run.port, &pauseRecorder{store: s.cfg.Store, jobID: job.ID}, s.cfg.PollInterval),
		Hooks:    s.cfg.Hooks,
		Bus:      s.cfg.Bus,
		Sessions: s.cfg.Sessions,

		MaxTurns:        s.cfg.MaxTurns,
		ToolOutputLimit: s.cfg.ToolOutputLimit,
		SandboxName:     s.cfg.SandboxName,
		WorkDir:         s.cfg.WorkDir,

		Objective:         run.objective,
		TriageModel:       s.cfg.TriageModel,
		PostProcessModel:  s.cfg.PostProcessModel,
		RequireFinalReply: s.cfg.RequireFinalReply,
	}

	return Execute(ctx, rc)
}

// seedMessages assembles the prompt seed: the system prompt, a salvaged
// prefix of the previous transcript when resuming, then the new user text.
func (s *Service) seedMessages(ctx context.Context, sessionKey, jobID, text string, resume bool) ([]transcript.Message, error) {
	messages := []transcript.Message{transcript.SystemMessage(s.cfg.SystemPrompt)}

	if resume {
		prior, err := s.cfg.Store.PreviousJobBySession(ctx, sessionKey, jobID)
		if err != nil {
			return nil, fmt.Errorf("load prior session job: %w", err)
		}
		if prior != nil {
			stored, err := s.cfg.Store.ListMessagesByJob(ctx, prior.ID)
			if err != nil {
				return nil, fmt.Errorf("load prior transcript: %w", err)
			}
			sd := seed.Build(stored, text)
			messages = append(messages, sd.Messages...)
			if sd.DroppedIncompleteTrailingTurn || sd.SkippedInitialDuplicateUser {
				s.logger.Debug().
					Str("prior_job_id", prior.ID).
					Bool("dropped_trailing_turn", sd.DroppedIncompleteTrailingTurn).
					Bool("skipped_duplicate_user", sd.SkippedInitialDuplicateUser).
					Msg("retry seed adjusted")
			}
		}
	}

	return append(messages, transcript.UserMessage(text)), nil
}

// HandleInbound routes a message that may land while a run is active on the
// same session. With no active run it starts one; otherwise the steering
// arbiter decides between immediate injection, queueing behind the active
// run, and discarding.
func (s *Service) HandleInbound(ctx context.Context, agentID, sessionKey, sender, text string) (*transcript.Job, InboundAction, error) {
	run := s.activeForSession(sessionKey)
	if run == nil {
		job, err := s.Submit(ctx, agentID, sessionKey, text, SubmitOptions{})
		return job, ActionStarted, err
	}

	verdict := s.decide(ctx, run, sender, text)
	switch verdict.Decision {
	case steering.DecisionInterruptNow:
		run.port.Steer(runcontrol.SteeringMessage{Text: text, SenderName: sender})
		s.logger.Info().Str("job_id", run.jobID).Str("reason", verdict.Reason).Msg("steering injected into active run")
		return nil, ActionSteered, nil
	case steering.DecisionIgnore:
		s.logger.Info().Str("session_key", sessionKey).Str("reason", verdict.Reason).Msg("inbound message ignored")
		return nil, ActionIgnored, nil
	default:
		// Lane serialization delivers the queued job after the active run.
		job, err := s.Submit(ctx, agentID, sessionKey, text, SubmitOptions{})
		if err == nil {
			s.logger.Info().
				Str("job_id", job.ID).
				Str("session_key", sessionKey).
				Int("queue_depth", s.queue.QueueSize("session-"+sessionKey)).
				Str("reason", verdict.Reason).
				Msg("follow-up queued behind active run")
		}
		return job, ActionQueued, err
	}
}

func (s *Service) decide(ctx context.Context, run *activeRun, sender, text string) steering.Verdict {
	if s.cfg.Arbiter == nil {
		return steering.Verdict{Decision: steering.DecisionDoNotInterrupt, Reason: "no arbiter configured"}
	}
	return s.cfg.Arbiter.Decide(ctx, steering.Input{
		AgentID:    run.agentID,
		SessionKey: run.sessionKey,
		Objective:  run.objective,
		Pending:    []steering.PendingMessage{{Sender: sender, Text: text}},
		ActiveWork: []string{run.objective},
	})
}

// Pause asks the job's run to pause at its next poll point.
func (s *Service) Pause(jobID string) error {
	run, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	run.port.Pause()
	return nil
}

// Resume lifts a pause.
func (s *Service) Resume(jobID string) error {
	run, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	run.port.Resume()
	return nil
}

// Cancel asks the job's run to stop at its next poll point. Cancellation is
// cooperative; in-flight model calls and tool executions finish first.
func (s *Service) Cancel(jobID string) error {
	run, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	run.port.Cancel()
	return nil
}

// Steer queues a message for injection into the job's run.
func (s *Service) Steer(jobID string, msg runcontrol.SteeringMessage) error {
	run, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	run.port.Steer(msg)
	return nil
}

// IsRunning reports whether the job is still tracked as active.
func (s *Service) IsRunning(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[jobID]
	return ok
}

// ActiveJobForSession returns the active job id for a session, if any.
func (s *Service) ActiveJobForSession(sessionKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySession[sessionKey]
	return id, ok
}

// Shutdown cancels every active run and waits for them to drain, then
// closes the lane queue and remote sessions.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	for _, run := range s.active {
		run.port.Cancel()
	}
	s.mu.Unlock()

	if rejected := s.queue.Reset(); rejected > 0 {
		s.logger.Info().Int("rejected", rejected).Msg("queued runs rejected at shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("shutdown deadline passed with runs still active")
	}

	_ = s.queue.Close()
	if s.cfg.Sessions != nil {
		s.cfg.Sessions.CloseAll(context.Background())
	}
	s.logger.Info().Msg("Run service stopped")
}

func (s *Service) track(run *activeRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	run.seq = s.seq
	s.active[run.jobID] = run
	if _, busy := s.bySession[run.sessionKey]; !busy {
		s.bySession[run.sessionKey] = run.jobID
	}
}

func (s *Service) untrack(run *activeRun) {
	s.mu.Lock()
	delete(s.active, run.jobID)
	if s.bySession[run.sessionKey] == run.jobID {
		delete(s.bySession, run.sessionKey)
		// Promote the oldest queued sibling, if one is waiting.
		var oldest *activeRun
		for _, r := range s.active {
			if r.sessionKey != run.sessionKey {
				continue
			}
			if oldest == nil || r.seq < oldest.seq {
				oldest = r
			}
		}
		if oldest != nil {
			s.bySession[run.sessionKey] = oldest.jobID
		}
	}
	s.mu.Unlock()

	if s.cfg.Bus != nil {
		s.cfg.Bus.Clear(run.jobID)
	}
}

func (s *Service) lookup(jobID string) (*activeRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.active[jobID]
	if !ok {
		return nil, fmt.Errorf("no active run for job %s", jobID)
	}
	return run, nil
}

func (s *Service) activeForSession(sessionKey string) *activeRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySession[sessionKey]
	if !ok {
		return nil
	}
	return s.active[id]
}

// pauseRecorder mirrors pause edges into the job row so operators can see
// PAUSED in job listings.
type pauseRecorder struct {
	store Store
	jobID string
}

func (p *pauseRecorder) OnPaused(ctx context.Context) {
	_ = p.store.MarkPaused(ctx, p.jobID, true)
}

func (p *pauseRecorder) OnResumed(ctx context.Context) {
	_ = p.store.MarkPaused(ctx, p.jobID, false)
}

func (p *pauseRecorder) OnCancelled(context.Context) {}
