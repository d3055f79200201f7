package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/m2tx/weather_agent/internal/model"
	"github.com/m2tx/weather_agent/internal/repository"
	"github.com/m2tx/weather_agent/internal/tracer"
)

const (
	defaultMaxRoundTrips     = 5
	defaultCompletionTimeout = 60 * time.Second
	defaultToolTimeout       = 10 * time.Second
	defaultMaxSessions       = 1000

	unknownToolMessage = "Unknown tool."
	fallbackMessage    = "I wasn't able to finish this request within the allowed number of tool calls. Please try again or ask a more specific question."
)

type state int

const (
	stateAwaitingCompletion state = iota
	stateDispatchingTools
	stateDone
)

type Options struct {
	SystemInstruction string
	MaxRoundTrips     int
	CompletionTimeout time.Duration
	ToolTimeout       time.Duration

	// MaxSessions bounds the conversations kept in memory. When a new
	// session would exceed it, the least recently used idle sessions are
	// dropped. Sessions idle for longer than SessionIdleTTL are dropped as
	// well; zero disables the TTL.
	MaxSessions    int
	SessionIdleTTL time.Duration

	Logger *slog.Logger
}

type Agent struct {
	completer         Completer
	registry          *Registry
	systemInstruction string
	maxRoundTrips     int
	completionTimeout time.Duration
	toolTimeout       time.Duration
	maxSessions       int
	sessionIdleTTL    time.Duration
	archive           repository.TurnArchive
	logger            *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	// clock orders sessions by last use.
	clock uint64
}

// session fields other than lock and conv are guarded by Agent.mu.
type session struct {
	lock chan struct{}
	conv *conversation

	// refs counts callers holding or waiting for lock.
	refs     int
	lastTick uint64
	lastUsed time.Time
}

func (s *session) acquire(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) release() {
	<-s.lock
}

// New builds an agent and seals registry.
func New(completer Completer, registry *Registry, opts Options) *Agent {
	if opts.MaxRoundTrips <= 0 {
		opts.MaxRoundTrips = defaultMaxRoundTrips
	}
	if opts.CompletionTimeout <= 0 {
		opts.CompletionTimeout = defaultCompletionTimeout
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = defaultToolTimeout
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = defaultMaxSessions
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	registry.Seal()

	return &Agent{
		completer:         completer,
		registry:          registry,
		systemInstruction: opts.SystemInstruction,
		maxRoundTrips:     opts.MaxRoundTrips,
		completionTimeout: opts.CompletionTimeout,
		toolTimeout:       opts.ToolTimeout,
		maxSessions:       opts.MaxSessions,
		sessionIdleTTL:    opts.SessionIdleTTL,
		logger:            opts.Logger,
		sessions:          make(map[string]*session),
	}
}

// NewWithArchive builds an agent that hands every finished turn to archive.
func NewWithArchive(completer Completer, registry *Registry, opts Options, archive repository.TurnArchive) *Agent {
	a := New(completer, registry, opts)
	a.archive = archive
	return a
}

// checkout returns the session with a reference taken, creating it when
// create is set. A non-nil result must be handed back with checkin.
func (a *Agent) checkout(sessionID string, create bool) *session {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[sessionID]
	if !ok {
		if !create {
			return nil
		}
		a.evictLocked(time.Now())
		s = &session{
			lock: make(chan struct{}, 1),
			conv: newConversation(a.systemInstruction),
		}
		a.sessions[sessionID] = s
	}
	s.refs++
	a.touchLocked(s)
	return s
}

func (a *Agent) checkin(s *session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s.refs--
	a.touchLocked(s)
}

func (a *Agent) touchLocked(s *session) {
	a.clock++
	s.lastTick = a.clock
	s.lastUsed = time.Now()
}

// evictLocked drops idle sessions past the TTL, then the least recently used
// idle sessions until one more fits. Sessions in use are never dropped, so
// the map may briefly exceed maxSessions.
func (a *Agent) evictLocked(now time.Time) {
	idle := make([]string, 0, len(a.sessions))
	for id, s := range a.sessions {
		if s.refs > 0 {
			continue
		}
		if a.sessionIdleTTL > 0 && now.Sub(s.lastUsed) > a.sessionIdleTTL {
			delete(a.sessions, id)
			a.logger.Debug("session expired", "session_id", id)
			continue
		}
		idle = append(idle, id)
	}

	excess := len(a.sessions) - a.maxSessions + 1
	if excess <= 0 {
		return
	}
	sort.Slice(idle, func(i, j int) bool {
		return a.sessions[idle[i]].lastTick < a.sessions[idle[j]].lastTick
	})
	for _, id := range idle {
		if excess == 0 {
			break
		}
		delete(a.sessions, id)
		excess--
		a.logger.Debug("session evicted", "session_id", id)
	}
	if excess > 0 {
		a.logger.Warn("session limit exceeded, all sessions busy", "max_sessions", a.maxSessions, "sessions", len(a.sessions))
	}
}

// Send runs one user turn to completion. Turns of the same session are
// serialized.
func (a *Agent) Send(ctx context.Context, sessionID string, prompt string) (*model.TurnResult, error) {
	ctx, span := tracer.StartTurn(ctx, sessionID)
	defer span.End()

	s := a.checkout(sessionID, true)
	defer a.checkin(s)
	if err := s.acquire(ctx); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("send: acquire session %q: %w", sessionID, err)
	}
	defer s.release()

	conv := s.conv
	if err := conv.beginTurn(prompt); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("send: %w", err)
	}

	result := &model.TurnResult{}
	var requests []model.ToolRequest

	for st := stateAwaitingCompletion; st != stateDone; {
		switch st {
		case stateAwaitingCompletion:
			if result.RoundTrips >= a.maxRoundTrips {
				if err := conv.appendAssistant(model.NewAssistantMessage(fallbackMessage)); err != nil {
					tracer.RecordError(span, err)
					return nil, fmt.Errorf("send: %w", err)
				}
				a.logger.Warn("turn truncated",
					"session_id", sessionID,
					"max_round_trips", a.maxRoundTrips,
					"error", ErrRoundTripLimit,
				)
				result.FinalMessage = fallbackMessage
				result.Truncated = true
				st = stateDone
				continue
			}

			result.RoundTrips++
			resp, err := a.complete(ctx, conv, result.RoundTrips)
			if err == nil {
				resp.Message = conv.assignRequestIDs(resp.Message, newID)
				err = conv.appendAssistant(resp.Message)
			}
			if err != nil {
				cerr := &CompletionError{SessionID: sessionID, RoundTrip: result.RoundTrips, Err: err}
				tracer.RecordError(span, cerr)
				a.logger.Error("completion failed", "session_id", sessionID, "round_trip", result.RoundTrips, "error", err)
				return nil, cerr
			}
			result.Usage.Add(resp.Usage)

			a.logger.Debug("llm response",
				"session_id", sessionID,
				"round_trip", result.RoundTrips,
				"tool_requests", len(resp.Message.ToolRequests),
				"tokens", resp.Usage.TotalTokens,
			)

			if resp.Message.HasToolRequests() {
				requests = resp.Message.ToolRequests
				st = stateDispatchingTools
				continue
			}
			result.FinalMessage = resp.Message.Content
			st = stateDone

		case stateDispatchingTools:
			if err := conv.appendToolResults(a.dispatch(ctx, requests)); err != nil {
				tracer.RecordError(span, err)
				return nil, fmt.Errorf("send: %w", err)
			}
			requests = nil
			st = stateAwaitingCompletion
		}
	}

	result.ToolsUsed = ToolsUsed(conv.toolsUsed)
	a.archiveTurn(ctx, sessionID, prompt, conv, result)

	tracer.EndTurn(span, result)
	return result, nil
}

func (a *Agent) complete(ctx context.Context, conv *conversation, roundTrip int) (*CompletionResponse, error) {
	history := conv.history()
	ctx, span := tracer.StartCompletion(ctx, roundTrip, len(history))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, a.completionTimeout)
	defer cancel()

	resp, err := a.completer.Complete(ctx, CompletionRequest{
		Messages:   history,
		Tools:      a.registry.Schemas(),
		ToolChoice: ToolChoiceAuto,
	})
	if err == nil && resp == nil {
		err = errors.New("empty completion response")
	}
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	if resp.Message.Role == "" {
		resp.Message.Role = model.RoleAssistant
	}
	if !resp.Message.HasToolRequests() && strings.TrimSpace(resp.Message.Content) == "" {
		tracer.RecordError(span, ErrEmptyCompletion)
		return nil, ErrEmptyCompletion
	}

	tracer.SetOK(span)
	return resp, nil
}

// dispatch runs every request concurrently and returns the tool messages in
// request order.
func (a *Agent) dispatch(ctx context.Context, requests []model.ToolRequest) []model.Message {
	results := make([]model.Message, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(idx int, r model.ToolRequest) {
			defer wg.Done()
			results[idx] = model.NewToolMessage(r.ID, r.Name, a.executeTool(ctx, r))
		}(i, req)
	}
	wg.Wait()
	return results
}

func (a *Agent) executeTool(ctx context.Context, req model.ToolRequest) string {
	ctx, span := tracer.StartTool(ctx, req)
	defer span.End()

	fd, err := a.registry.Resolve(req.Name)
	if err != nil {
		tracer.RecordError(span, err)
		a.logger.Warn("unknown tool requested", "tool", req.Name, "call_id", req.ID)
		return unknownToolMessage
	}

	args, err := prepareArguments(fd, req.Arguments)
	if err != nil {
		tracer.RecordError(span, err)
		a.logger.Warn("invalid tool arguments", "tool", fd.Name, "call_id", req.ID, "error", err)
		return fmt.Sprintf("Invalid arguments for %s: %v", fd.Name, err)
	}

	timeout := a.toolTimeout
	if fd.Timeout > 0 {
		timeout = fd.Timeout
	}

	start := time.Now()
	out := a.callTool(ctx, fd, args, timeout)
	a.logger.Debug("tool executed",
		"tool", fd.Name,
		"call_id", req.ID,
		"duration", time.Since(start),
	)

	tracer.SetOK(span)
	return out
}

func (a *Agent) callTool(ctx context.Context, fd *FunctionDeclaration, args map[string]any, timeout time.Duration) string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan string, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("tool panicked", "tool", fd.Name, "panic", r)
				done <- fmt.Sprintf("Tool %s failed unexpectedly.", fd.Name)
			}
		}()
		done <- fd.FunctionCall(ctx, args)
	}()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Sprintf("Tool %s was cancelled.", fd.Name)
		}
		return fmt.Sprintf("Tool %s timed out after %s.", fd.Name, timeout)
	}
}

func (a *Agent) archiveTurn(ctx context.Context, sessionID, prompt string, conv *conversation, result *model.TurnResult) {
	if a.archive == nil {
		return
	}

	now := time.Now()
	record := model.TurnRecord{
		ID:           newID(),
		SessionID:    sessionID,
		UserText:     prompt,
		FinalMessage: result.FinalMessage,
		ToolsUsed:    result.ToolsUsed,
		Messages:     conv.turnMessages(),
		RoundTrips:   result.RoundTrips,
		Truncated:    result.Truncated,
		Usage:        result.Usage,
		CreatedAt:    now,
	}
	if err := a.archive.Save(ctx, record); err != nil {
		a.logger.Warn("archive turn failed", "session_id", sessionID, "error", err)
	}
}

// GetSession returns a copy of the in-memory history of sessionID.
func (a *Agent) GetSession(ctx context.Context, sessionID string) ([]model.Message, error) {
	s := a.checkout(sessionID, false)
	if s == nil {
		return []model.Message{}, nil
	}
	defer a.checkin(s)

	if err := s.acquire(ctx); err != nil {
		return nil, fmt.Errorf("GetSession: %w", err)
	}
	defer s.release()

	return s.conv.history(), nil
}

// ClearSession drops the history of sessionID and its archived turns.
func (a *Agent) ClearSession(ctx context.Context, sessionID string) error {
	if s := a.checkout(sessionID, false); s != nil {
		err := s.acquire(ctx)
		if err == nil {
			s.conv = newConversation(a.systemInstruction)
			s.release()
		}
		a.checkin(s)
		if err != nil {
			return fmt.Errorf("ClearSession: %w", err)
		}
	}

	if a.archive != nil {
		if err := a.archive.DeleteSession(ctx, sessionID); err != nil {
			a.logger.Warn("delete archived session failed", "session_id", sessionID, "error", err)
		}
	}
	return nil
}

func newID() string {
	return ulid.Make().String()
}
