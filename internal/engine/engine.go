package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Rogers-F/threadline/internal/domain"
	"github.com/Rogers-F/threadline/internal/errclass"
	"github.com/Rogers-F/threadline/internal/executor"
	"github.com/Rogers-F/threadline/internal/logging"
	"github.com/Rogers-F/threadline/internal/manifest"
	"github.com/Rogers-F/threadline/internal/metrics"
	"github.com/Rogers-F/threadline/internal/planner"
	"github.com/Rogers-F/threadline/internal/scoring"
	"github.com/Rogers-F/threadline/internal/thread"
)

const (
	defaultBackoff          = 200 * time.Millisecond
	defaultMaxActions       = 256
	defaultProbeConcurrency = 4
)

// Config wires an Engine. Graph, Store, Scorer and Executor are required.
type Config struct {
	Graph       *manifest.Graph
	Store       thread.Store
	Scorer      scoring.Scorer
	Executor    executor.Executor
	Synthesizer planner.Synthesizer
	Classifier  *errclass.Classifier
	Policy      Policy
	Logger      *zap.Logger
	Metrics     *metrics.Metrics

	// MaxRetries caps local retries of a retryable failure; it never
	// exceeds errclass.MaxRetries.
	MaxRetries int
	// Backoff is the first retry delay; later delays double.
	Backoff          time.Duration
	ProbeConcurrency int
	// MaxActions bounds the actions one call may run before it must reach a
	// suspension point.
	MaxActions int

	Now   func() time.Time
	NewID func() string
}

// SubmitOptions qualify a submitted message.
type SubmitOptions struct {
	DryRun bool
}

// Engine drives threads through Decide, one action at a time per thread.
// Independent threads run in parallel.
type Engine struct {
	graphMu sync.RWMutex
	graph   *manifest.Graph

	store      thread.Store
	scorer     scoring.Scorer
	exec       executor.Executor
	synth      planner.Synthesizer
	classifier *errclass.Classifier
	policy     Policy
	log        *zap.Logger
	metrics    *metrics.Metrics

	maxRetries  int
	backoff     time.Duration
	concurrency int
	maxActions  int
	now         func() time.Time
	newID       func() string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Engine, error) {
	var missing []string
	if cfg.Graph == nil {
		missing = append(missing, "graph")
	}
	if cfg.Store == nil {
		missing = append(missing, "store")
	}
	if cfg.Scorer == nil {
		missing = append(missing, "scorer")
	}
	if cfg.Executor == nil {
		missing = append(missing, "executor")
	}
	if len(missing) > 0 {
		return nil, domain.Detail(domain.ErrConfigInvalid, "engine needs %s", strings.Join(missing, ", "))
	}

	e := &Engine{
		graph:       cfg.Graph,
		store:       cfg.Store,
		scorer:      cfg.Scorer,
		exec:        cfg.Executor,
		synth:       cfg.Synthesizer,
		classifier:  cfg.Classifier,
		policy:      cfg.Policy,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		maxRetries:  cfg.MaxRetries,
		backoff:     cfg.Backoff,
		concurrency: cfg.ProbeConcurrency,
		maxActions:  cfg.MaxActions,
		now:         cfg.Now,
		newID:       cfg.NewID,
		locks:       make(map[string]*sync.Mutex),
	}
	if e.classifier == nil {
		c, err := errclass.New(nil)
		if err != nil {
			return nil, err
		}
		e.classifier = c
	}
	def := DefaultPolicy()
	if e.policy.Meta == nil {
		e.policy.Meta = def.Meta
	}
	if e.policy.Guardrails == nil {
		e.policy.Guardrails = def.Guardrails
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.maxRetries <= 0 || e.maxRetries > errclass.MaxRetries {
		e.maxRetries = errclass.MaxRetries
	}
	if e.backoff <= 0 {
		e.backoff = defaultBackoff
	}
	if e.concurrency <= 0 {
		e.concurrency = defaultProbeConcurrency
	}
	if e.maxActions <= 0 {
		e.maxActions = defaultMaxActions
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e, nil
}

// Graph returns the graph new decisions use.
func (e *Engine) Graph() *manifest.Graph {
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()
	return e.graph
}

// Reload swaps the graph. Threads already routed keep the steps snapshotted
// in their logs.
func (e *Engine) Reload(g *manifest.Graph) {
	if g == nil {
		return
	}
	e.graphMu.Lock()
	e.graph = g
	e.graphMu.Unlock()
	e.log.Info("manifest reloaded", zap.Int("domains", len(g.Domains())))
}

func (e *Engine) lock(threadID string) func() {
	e.locksMu.Lock()
	mu, ok := e.locks[threadID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[threadID] = mu
	}
	e.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Submit records user text on a thread and runs it until it pauses or
// closes. An empty threadID starts a new thread; the returned events carry
// its id. A message on a live thread re-routes it.
func (e *Engine) Submit(ctx context.Context, threadID, text string, opts SubmitOptions) ([]domain.Event, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.ErrEmptyIntent
	}
	if threadID == "" {
		threadID = e.newID()
	}
	unlock := e.lock(threadID)
	defer unlock()

	s, err := e.load(ctx, threadID)
	if errors.Is(err, domain.ErrThreadNotFound) {
		if err = e.store.Create(ctx, threadID, e.now()); err != nil {
			return nil, err
		}
		e.log.Info("thread created", logging.Thread(threadID))
		s, err = State{ThreadID: threadID, Status: StatusIdle}, nil
	}
	if err != nil {
		return nil, err
	}
	if s.Closed || s.Status == StatusAborted {
		return nil, domain.Detail(domain.ErrThreadClosed, "%s is %s", threadID, s.Status)
	}

	p := e.newPass(threadID, s)
	if err := p.append(ctx, []Draft{{domain.EventUserMessage, domain.UserMessage{Text: text, DryRun: opts.DryRun}}}); err != nil {
		return p.appended, err
	}
	err = e.run(ctx, p)
	return p.appended, err
}

// Respond applies a human decision to the pause a thread is waiting on and
// runs the thread on.
func (e *Engine) Respond(ctx context.Context, threadID string, r domain.HumanResponse) ([]domain.Event, error) {
	unlock := e.lock(threadID)
	defer unlock()

	s, err := e.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if err := ValidateResponse(s, r); err != nil {
		return nil, err
	}
	p := e.newPass(threadID, s)
	if err := p.append(ctx, []Draft{{domain.EventHumanResponse, r}}); err != nil {
		return p.appended, err
	}
	err = e.run(ctx, p)
	return p.appended, err
}

// Resume runs a thread from its stored log without new input. A step
// started but never completed runs again.
func (e *Engine) Resume(ctx context.Context, threadID string) ([]domain.Event, error) {
	unlock := e.lock(threadID)
	defer unlock()

	s, err := e.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	p := e.newPass(threadID, s)
	err = e.run(ctx, p)
	return p.appended, err
}

// State folds the stored log of a thread.
func (e *Engine) State(ctx context.Context, threadID string) (State, error) {
	return e.load(ctx, threadID)
}

// Events returns the log of a thread after sinceSeq.
func (e *Engine) Events(ctx context.Context, threadID string, sinceSeq int64) ([]domain.Event, error) {
	return e.store.LoadSince(ctx, threadID, sinceSeq)
}

func (e *Engine) load(ctx context.Context, threadID string) (State, error) {
	events, err := e.store.Load(ctx, threadID)
	if err != nil {
		return State{}, err
	}
	s, err := Fold(events)
	if err != nil {
		return State{}, err
	}
	s.ThreadID = threadID
	return s, nil
}

// pass is one driver invocation on a locked thread.
type pass struct {
	e        *Engine
	threadID string
	graph    *manifest.Graph
	state    State
	appended []domain.Event
}

func (e *Engine) newPass(threadID string, s State) *pass {
	return &pass{e: e, threadID: threadID, graph: e.Graph(), state: s}
}

// append stamps drafts, stores them as one batch, and folds the stored
// events into the pass state.
func (p *pass) append(ctx context.Context, drafts []Draft) error {
	if len(drafts) == 0 {
		return fmt.Errorf("append: no events")
	}
	at := p.e.now()
	evs := make([]domain.Event, 0, len(drafts))
	for _, d := range drafts {
		ev, err := domain.NewEvent(p.threadID, d.Type, at, d.Payload)
		if err != nil {
			return err
		}
		evs = append(evs, ev)
	}
	stored, err := p.e.store.Append(ctx, p.threadID, p.state.LastSeq, evs)
	if err != nil {
		return err
	}
	for _, ev := range stored {
		if err := p.state.apply(ev); err != nil {
			return err
		}
		p.appended = append(p.appended, ev)
		p.e.log.Debug("event appended",
			logging.Thread(p.threadID),
			zap.Int64("seq", ev.Seq),
			zap.String("type", string(ev.Type)),
		)
	}
	p.e.metrics.ObserveEvents(stored)
	return nil
}

func (e *Engine) run(ctx context.Context, p *pass) error {
	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if n >= e.maxActions {
			return domain.Detail(domain.ErrRunawayThread, "%s after %d actions", p.threadID, n)
		}

		act := Decide(p.graph, e.policy, p.state)
		var err error
		switch act.Kind {
		case ActAwait, ActDone:
			e.logStop(p)
			return nil
		case ActEmit:
			err = p.append(ctx, act.Drafts)
		case ActScore:
			err = e.score(ctx, p)
		case ActProbe:
			err = e.probe(ctx, p, act)
		case ActSynthesize:
			err = e.synthesize(ctx, p, act)
		case ActExecute:
			err = e.execute(ctx, p, act)
		case ActCompensate:
			err = e.compensate(ctx, p, act)
		default:
			err = fmt.Errorf("unknown action %q", act.Kind)
		}
		if err != nil {
			e.log.Warn("thread action failed",
				logging.Thread(p.threadID),
				zap.String("action", string(act.Kind)),
				zap.Error(err),
			)
			return err
		}
	}
}

func (e *Engine) logStop(p *pass) {
	s := p.state
	fields := []zap.Field{logging.Thread(p.threadID), zap.String("status", string(s.Status)), zap.Int64("last_seq", s.LastSeq)}
	switch {
	case s.Pending != nil:
		e.log.Info("thread awaiting response", append(fields,
			zap.String("checkpoint_id", s.Pending.ID),
			zap.String("pause", string(s.Pending.Type)),
		)...)
	case s.Closed:
		e.log.Info("thread closed", fields...)
	}
}

func (e *Engine) score(ctx context.Context, p *pass) error {
	sc := scoring.Context{PriorDomains: p.state.Touched, Entities: entities(p.state)}
	cands, err := e.scorer.Score(ctx, p.state.Intent, sc)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.WrapEngineError(domain.ErrScorerFailed.Code, p.threadID, err)
	}
	return p.append(ctx, Dispatch(p.graph, e.policy, p.state, scoring.Rank(cands)))
}

// entities names the resources earlier phases of the thread produced, in
// words the scorer can match.
func entities(s State) []string {
	seen := map[string]bool{}
	var out []string
	for _, po := range s.Outputs {
		for k := range po.Outputs {
			name := strings.ReplaceAll(k, "_", " ")
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (e *Engine) probe(ctx context.Context, p *pass, act Action) error {
	obs := make([]Observation, len(act.Probes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, pr := range act.Probes {
		g.Go(func() error {
			o, err := e.call(gctx, "probe", pr.Action, nil)
			obs[i] = o
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	ph := p.state.Phase
	dry := p.state.DryRun && !ph.Real
	return p.append(ctx, ProbeDrafts(act.Probes, obs, act.StepIndex, act.Step.ID, dry))
}

func (e *Engine) synthesize(ctx context.Context, p *pass, act Action) error {
	if e.synth == nil {
		return domain.Detail(domain.ErrSynthesizerMissing, "guided plan for %s", act.Domain)
	}
	plan, err := e.synth.Synthesize(ctx, act.Intent, p.graph.PrimitivesIn(act.Domain))
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		e.log.Warn("plan synthesis failed", logging.Thread(p.threadID), zap.Error(err))
	}
	return p.append(ctx, PlanDrafts(p.graph, e.policy, act.Intent, plan, err, nil))
}

func (e *Engine) execute(ctx context.Context, p *pass, act Action) error {
	started := domain.StepStarted{Index: act.StepIndex, StepID: act.Step.ID, Action: act.Step.Action}
	if err := p.append(ctx, []Draft{{domain.EventStepStarted, started}}); err != nil {
		return err
	}
	o, err := e.call(ctx, "execute", act.Step.Action, act.Step.ExpectedErrors)
	if err != nil {
		return err
	}
	return p.append(ctx, StepDrafts(act.StepIndex, act.Step, o))
}

// compensate runs accepted inverse actions one at a time in proposal order.
func (e *Engine) compensate(ctx context.Context, p *pass, act Action) error {
	obs := make([]Observation, 0, len(act.Items))
	for _, it := range act.Items {
		o, err := e.call(ctx, "compensate", it.Action, nil)
		if err != nil {
			return err
		}
		if !o.Result.Success {
			e.log.Warn("compensation failed",
				logging.Thread(p.threadID),
				zap.String("step_id", it.StepID),
				zap.String("category", string(o.Verdict.Category)),
			)
		}
		obs = append(obs, o)
	}
	return p.append(ctx, CompensationDrafts(p.state.Compensation, act.Items, obs))
}

// call runs one action, retrying retryable failures with exponential
// backoff. Only context cancellation is returned as an error; executor
// errors become failed results.
func (e *Engine) call(ctx context.Context, op string, a domain.ActionDescriptor, expected []domain.ErrorOverride) (Observation, error) {
	delay := e.backoff
	for attempt := 1; ; attempt++ {
		start := time.Now()
		var res domain.Result
		var err error
		if op == "probe" {
			res, err = e.exec.Probe(ctx, a)
		} else {
			res, err = e.exec.Execute(ctx, a)
		}
		if err != nil {
			if ctx.Err() != nil {
				return Observation{}, ctx.Err()
			}
			res = domain.Result{Error: &domain.ErrorSignature{Code: "executor_error", Message: err.Error()}}
		}
		e.metrics.ObserveCall(op, a.Kind, res.Success, time.Since(start))

		o := Observation{Result: res, Attempts: attempt}
		if res.Success {
			return o, nil
		}
		sig := domain.ErrorSignature{Message: "action reported failure without detail"}
		if res.Error != nil {
			sig = *res.Error
		}
		o.Verdict = e.classifier.Classify(sig, expected)
		if !o.Verdict.Retryable || attempt > min(o.Verdict.MaxRetries, e.maxRetries) {
			return o, nil
		}

		e.metrics.Retry(op)
		e.log.Debug("retrying action",
			zap.String("op", op),
			zap.String("kind", a.Kind),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("error", sig.Message),
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return Observation{}, ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}
