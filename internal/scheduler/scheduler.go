package scheduler

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ods-labs/agentrt/internal/errs"
)

// ModelHandle is the shared, non-reentrant LLM capability the scheduler
// drives. Exactly one Generate call is ever in flight at a time; the
// scheduler worker is the only caller. stateIn is the conditioning-state
// snapshot to resume from (nil for the model's base state); the returned
// stateOut is snapshotted back into the StateCache under the request's
// state id, if any.
type ModelHandle interface {
	Generate(ctx context.Context, prompt string, params DecodingParams, stateIn []byte) (text string, stateOut []byte, err error)
}

// Config controls the scheduler's queuing discipline.
type Config struct {
	QueueDepth            int
	MaxConcurrentPerAgent int
	StateLRUCapacity      int
	DefaultDeadline       time.Duration
}

// ModelScheduler serializes every inference call onto one model handle:
// a single-writer actor reading off two priority queues,
// applying decoding params, stop sequences, and grammar enforcement.
type ModelScheduler struct {
	model  ModelHandle
	cfg    Config
	states *StateCache

	highCh   chan *Request
	normalCh chan *Request
	queueLen int32

	agentSemMu sync.Mutex
	agentSems  map[string]chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a ModelScheduler over model and starts its worker goroutine.
func New(model ModelHandle, cfg Config) (*ModelScheduler, error) {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.MaxConcurrentPerAgent <= 0 {
		cfg.MaxConcurrentPerAgent = 1
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 30 * time.Second
	}

	states, err := NewStateCache(cfg.StateLRUCapacity)
	if err != nil {
		return nil, err
	}

	s := &ModelScheduler{
		model:     model,
		cfg:       cfg,
		states:    states,
		highCh:    make(chan *Request, cfg.QueueDepth),
		normalCh:  make(chan *Request, cfg.QueueDepth),
		agentSems: make(map[string]chan struct{}),
		stopCh:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// QueueLen reports how many requests are currently waiting in the
// scheduler's queues, for introspection endpoints.
func (s *ModelScheduler) QueueLen() int {
	return int(atomic.LoadInt32(&s.queueLen))
}

// Stop lets the decode in progress finish and stops the worker; it
// blocks until the worker goroutine exits. Requests still queued are not
// processed, and their submitters return when their deadline passes.
func (s *ModelScheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *ModelScheduler) agentSemaphore(agent string) chan struct{} {
	s.agentSemMu.Lock()
	defer s.agentSemMu.Unlock()
	sem, ok := s.agentSems[agent]
	if !ok {
		sem = make(chan struct{}, s.cfg.MaxConcurrentPerAgent)
		s.agentSems[agent] = sem
	}
	return sem
}

// Submit enqueues req and blocks until it reaches a terminal state or
// ctx is done. Exactly one terminal Result is ever observed for a
// request.
func (s *ModelScheduler) Submit(ctx context.Context, req *Request) (Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, errs.New(errs.KindInvalidInput, "prompt must not be empty")
	}

	sem := s.agentSemaphore(req.AgentName)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return Result{State: StateCancelled}, errs.Wrap(errs.KindCancelled, "cancelled waiting for agent concurrency slot", ctx.Err())
	}
	defer func() { <-sem }()

	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(s.cfg.DefaultDeadline)
	}
	reqCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	req.ctx = reqCtx
	req.cancel = cancel
	req.result = make(chan Result, 1)

	targetCh := s.normalCh
	if req.Priority == PriorityHigh {
		targetCh = s.highCh
	}

	select {
	case targetCh <- req:
		atomic.AddInt32(&s.queueLen, 1)
	default:
		return Result{State: StateFailed}, errs.New(errs.KindOverloaded, "scheduler queue is full")
	}

	select {
	case res := <-req.result:
		return res, res.Err
	case <-reqCtx.Done():
		var res Result
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			res = Result{State: StateTimedOut, Err: errs.Wrap(errs.KindTimedOut, "request deadline exceeded", reqCtx.Err())}
		} else {
			res = Result{State: StateCancelled, Err: errs.Wrap(errs.KindCancelled, "request cancelled", reqCtx.Err())}
		}
		return res, res.Err
	}
}

// run is the scheduler's single worker loop: the only goroutine that
// ever touches the model handle or the state cache.
func (s *ModelScheduler) run() {
	defer s.wg.Done()
	for {
		// Drain any ready high-priority work before falling back to a
		// blocking select, so high priority jumps the queue without
		// preempting a decode already in progress.
		select {
		case <-s.stopCh:
			return
		case req := <-s.highCh:
			atomic.AddInt32(&s.queueLen, -1)
			s.process(req)
			continue
		default:
		}

		select {
		case <-s.stopCh:
			return
		case req := <-s.highCh:
			atomic.AddInt32(&s.queueLen, -1)
			s.process(req)
		case req := <-s.normalCh:
			atomic.AddInt32(&s.queueLen, -1)
			s.process(req)
		}
	}
}

func (s *ModelScheduler) process(req *Request) {
	if req.ctx.Err() != nil {
		// Caller already gave up; don't burn a decode on stale work.
		s.deliver(req, Result{State: StateCancelled, Err: errs.Wrap(errs.KindCancelled, "request cancelled before running", req.ctx.Err())})
		return
	}

	var stateIn []byte
	if cs := s.states.Load(req.StateID); cs != nil {
		stateIn = cs.Data
	}

	text, stateOut, err := s.model.Generate(req.ctx, req.Prompt, req.Decoding, stateIn)
	if err != nil {
		if errors.Is(req.ctx.Err(), context.DeadlineExceeded) {
			s.deliver(req, Result{State: StateTimedOut, Err: errs.Wrap(errs.KindTimedOut, "generation deadline exceeded", err)})
			return
		}
		if errors.Is(req.ctx.Err(), context.Canceled) {
			s.deliver(req, Result{State: StateCancelled, Err: errs.Wrap(errs.KindCancelled, "generation cancelled", err)})
			return
		}
		s.deliver(req, Result{State: StateFailed, Err: errs.Wrap(errs.KindModelFailed, "model generation failed", err)})
		return
	}

	if req.StateID != "" {
		s.states.Store(req.StateID, stateOut)
	}

	text, _ = applyStops(text, req.StopSequences)

	if req.Grammar != nil {
		if verr := req.Grammar.Validate(text); verr != nil {
			// The grammar admitted no conforming output. Nothing of the
			// reply is trustworthy, so the content is dropped and the
			// submitter observes GrammarTerminated alongside the empty
			// prefix.
			gerr := errs.Wrap(errs.KindGrammarTerminated, "reply violated output grammar", verr)
			log.Printf("[SCHEDULER] agent %s: %v", req.AgentName, gerr)
			s.deliver(req, Result{Text: "", State: StateCompleted, Warning: gerr.Error(), Err: gerr})
			return
		}
	}

	s.deliver(req, Result{Text: text, State: StateCompleted})
}

// deliver sends res to the single waiting receiver. The result channel
// is buffered by one, so this never blocks even if Submit's caller has
// already given up and stopped listening.
func (s *ModelScheduler) deliver(req *Request, res Result) {
	req.result <- res
}

// applyStops truncates text at the first occurrence of any stop
// sequence, reporting whether truncation happened.
func applyStops(text string, stops []string) (string, bool) {
	cut := -1
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		if idx := strings.Index(text, stop); idx != -1 && (cut == -1 || idx < cut) {
			cut = idx
		}
	}
	if cut == -1 {
		return text, false
	}
	return text[:cut], true
}
