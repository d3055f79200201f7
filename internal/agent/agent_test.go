package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/m2tx/weather_agent/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	weatherSummary = "Weather in Paris,FR: clear sky | Temperature: 15° (feels like 14°) | Humidity: 60% | Wind speed: 3 m/s"
	airSummary     = "Air quality at ZIP 10001 (13:00): AQI 42 (Good) for PM2.5"
)

type step func(req CompletionRequest) (*CompletionResponse, error)

// scriptedCompleter replays steps in order and records every request.
type scriptedCompleter struct {
	mu       sync.Mutex
	steps    []step
	requests []CompletionRequest
}

func newScripted(steps ...step) *scriptedCompleter {
	return &scriptedCompleter{steps: steps}
}

func (s *scriptedCompleter) Complete(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := len(s.requests)
	s.requests = append(s.requests, req)
	if idx >= len(s.steps) {
		return nil, fmt.Errorf("unexpected completion call %d", idx+1)
	}
	return s.steps[idx](req)
}

func (s *scriptedCompleter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func requestTools(reqs ...model.ToolRequest) step {
	return func(CompletionRequest) (*CompletionResponse, error) {
		return &CompletionResponse{
			Message: model.NewAssistantMessage("", reqs...),
			Usage:   model.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, nil
	}
}

func answer(text string) step {
	return func(CompletionRequest) (*CompletionResponse, error) {
		return &CompletionResponse{
			Message: model.NewAssistantMessage(text),
			Usage:   model.Usage{PromptTokens: 20, CompletionTokens: 8, TotalTokens: 28},
		}, nil
	}
}

func fail(err error) step {
	return func(CompletionRequest) (*CompletionResponse, error) {
		return nil, err
	}
}

func staticTool(name, out string, params ...Parameter) *FunctionDeclaration {
	return &FunctionDeclaration{
		Name:        name,
		Description: "returns " + out,
		Parameters:  params,
		FunctionCall: func(context.Context, map[string]any) string {
			return out
		},
	}
}

func weatherTool(fn FunctionCallFn) *FunctionDeclaration {
	return &FunctionDeclaration{
		Name:        "get_current_weather",
		Description: "Get the current weather for a city",
		Parameters: []Parameter{
			{Name: "city", Type: TypeString, Required: true},
			{Name: "country", Type: TypeString, Required: true},
			{Name: "units", Type: TypeString, Enum: []string{"metric", "imperial"}, Required: true, Default: "metric"},
		},
		FunctionCall: fn,
	}
}

func airQualityTool(fn FunctionCallFn) *FunctionDeclaration {
	return &FunctionDeclaration{
		Name:        "get_current_air_quality",
		Description: "Get the current air quality for a US ZIP code",
		Parameters: []Parameter{
			{Name: "zip_code", Type: TypeString, Required: true},
		},
		FunctionCall: fn,
	}
}

func newTestAgent(t *testing.T, completer Completer, opts Options, tools ...*FunctionDeclaration) *Agent {
	t.Helper()
	reg := NewRegistry()
	for _, fd := range tools {
		require.NoError(t, reg.Register(fd))
	}
	if opts.SystemInstruction == "" {
		opts.SystemInstruction = "You are a helpful assistant."
	}
	return New(completer, reg, opts)
}

// lookup returns the live session without touching it.
func (a *Agent) lookup(sessionID string) *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[sessionID]
}

func okCompleter() Completer {
	return CompleterFunc(func(context.Context, CompletionRequest) (*CompletionResponse, error) {
		return &CompletionResponse{Message: model.NewAssistantMessage("ok")}, nil
	})
}

// assertPaired checks that every tool request in history got exactly one
// result before the next assistant message.
func assertPaired(t *testing.T, history []model.Message) {
	t.Helper()
	pending := map[string]bool{}
	for _, msg := range history {
		require.NoError(t, msg.Validate())
		switch msg.Role {
		case model.RoleAssistant, model.RoleUser:
			assert.Empty(t, pending, "unanswered tool requests before %s message", msg.Role)
			for _, req := range msg.ToolRequests {
				pending[req.ID] = true
			}
		case model.RoleTool:
			assert.True(t, pending[msg.ToolCallID], "tool message %q has no pending request", msg.ToolCallID)
			delete(pending, msg.ToolCallID)
		}
	}
	assert.Empty(t, pending)
}

func TestSendFinalAnswerWithoutTools(t *testing.T) {
	completer := newScripted(answer("Hello there!"))
	a := newTestAgent(t, completer, Options{}, staticTool("noop", "x"))

	res, err := a.Send(context.Background(), "s1", "hi")
	require.NoError(t, err)

	assert.Equal(t, "Hello there!", res.FinalMessage)
	assert.Empty(t, res.ToolsUsed)
	assert.Equal(t, 1, res.RoundTrips)
	assert.False(t, res.Truncated)
	assert.Equal(t, "No tools used.", FormatUsage(res.ToolsUsed))

	req := completer.requests[0]
	assert.Equal(t, ToolChoiceAuto, req.ToolChoice)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "noop", req.Tools[0].Name)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, model.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, model.NewUserMessage("hi"), req.Messages[1])
}

func TestSendParisWeather(t *testing.T) {
	var gotArgs map[string]any
	completer := newScripted(
		requestTools(model.ToolRequest{
			ID:        "call_1",
			Name:      "get_current_weather",
			Arguments: map[string]any{"city": "Paris", "country": "FR", "units": "metric"},
		}),
		func(req CompletionRequest) (*CompletionResponse, error) {
			last := req.Messages[len(req.Messages)-1]
			return &CompletionResponse{Message: model.NewAssistantMessage("Right now: " + last.Content)}, nil
		},
	)
	a := newTestAgent(t, completer, Options{}, weatherTool(func(_ context.Context, args map[string]any) string {
		gotArgs = args
		return weatherSummary
	}))

	res, err := a.Send(context.Background(), "s1", "What's the weather in Paris, FR?")
	require.NoError(t, err)

	assert.Equal(t, []string{"get_current_weather"}, res.ToolsUsed)
	assert.Contains(t, res.FinalMessage, weatherSummary)
	assert.Equal(t, 2, res.RoundTrips)
	assert.Equal(t, map[string]any{"city": "Paris", "country": "FR", "units": "metric"}, gotArgs)
	assert.Equal(t, "Tools used: get_current_weather", FormatUsage(res.ToolsUsed))

	history, err := a.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, model.NewToolMessage("call_1", "get_current_weather", weatherSummary), history[3])
	assertPaired(t, history)
}

func TestSendResultsFollowRequestOrder(t *testing.T) {
	const n = 5
	reqs := make([]model.ToolRequest, n)
	for i := range reqs {
		reqs[i] = model.ToolRequest{ID: fmt.Sprintf("call_%d", i), Name: "echo", Arguments: map[string]any{"i": float64(i)}}
	}

	completer := newScripted(requestTools(reqs...), answer("done"))
	echo := &FunctionDeclaration{
		Name:       "echo",
		Parameters: []Parameter{{Name: "i", Type: TypeInteger, Required: true}},
		FunctionCall: func(ctx context.Context, args map[string]any) string {
			i := int(args["i"].(float64))
			// Later requests finish first.
			time.Sleep(time.Duration(n-i) * 5 * time.Millisecond)
			return fmt.Sprintf("result %d", i)
		},
	}
	a := newTestAgent(t, completer, Options{}, echo)

	_, err := a.Send(context.Background(), "s1", "go")
	require.NoError(t, err)

	second := completer.requests[1].Messages
	toolMsgs := second[len(second)-n:]
	for i, msg := range toolMsgs {
		assert.Equal(t, model.RoleTool, msg.Role)
		assert.Equal(t, fmt.Sprintf("call_%d", i), msg.ToolCallID)
		assert.Equal(t, fmt.Sprintf("result %d", i), msg.Content)
	}
	assertPaired(t, second)
}

func TestSendWeatherAndAirQualityKeepRequestOrder(t *testing.T) {
	finished := make(chan string, 2)
	weather := weatherTool(func(ctx context.Context, _ map[string]any) string {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
		}
		finished <- "weather"
		return weatherSummary
	})
	air := airQualityTool(func(context.Context, map[string]any) string {
		finished <- "air"
		return airSummary
	})

	completer := newScripted(
		requestTools(
			model.ToolRequest{ID: "w", Name: "get_current_weather", Arguments: map[string]any{"city": "New York", "country": "US"}},
			model.ToolRequest{ID: "a", Name: "get_current_air_quality", Arguments: map[string]any{"zip_code": "10001"}},
		),
		answer("Sunny with good air."),
	)
	a := newTestAgent(t, completer, Options{}, weather, air)

	res, err := a.Send(context.Background(), "s1", "Weather in New York and air quality at 10001?")
	require.NoError(t, err)

	assert.Equal(t, "air", <-finished)
	assert.Equal(t, "weather", <-finished)

	msgs := completer.requests[1].Messages
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, "w", msgs[len(msgs)-2].ToolCallID)
	assert.Equal(t, weatherSummary, msgs[len(msgs)-2].Content)
	assert.Equal(t, "a", msgs[len(msgs)-1].ToolCallID)
	assert.Equal(t, airSummary, msgs[len(msgs)-1].Content)

	assert.Equal(t, []string{"get_current_air_quality", "get_current_weather"}, res.ToolsUsed)
	assert.Equal(t, "Tools used: get_current_air_quality, get_current_weather", FormatUsage(res.ToolsUsed))
}

func TestSendUnknownTool(t *testing.T) {
	completer := newScripted(
		requestTools(model.ToolRequest{ID: "x", Name: "get_stock_price", Arguments: map[string]any{"ticker": "ACME"}}),
		answer("Sorry, I can't do that."),
	)
	a := newTestAgent(t, completer, Options{}, staticTool("noop", "x"))

	res, err := a.Send(context.Background(), "s1", "price of ACME?")
	require.NoError(t, err)
	assert.Equal(t, "Sorry, I can't do that.", res.FinalMessage)
	assert.Equal(t, []string{"get_stock_price"}, res.ToolsUsed)

	msgs := completer.requests[1].Messages
	assert.Equal(t, model.NewToolMessage("x", "get_stock_price", "Unknown tool."), msgs[len(msgs)-1])
}

func TestSendServiceNotConfiguredContinues(t *testing.T) {
	const notConfigured = "Weather service is not configured (missing OPENWEATHER_API_KEY)."
	completer := newScripted(
		requestTools(model.ToolRequest{ID: "w", Name: "get_current_weather", Arguments: map[string]any{"city": "Paris", "country": "FR"}}),
		func(req CompletionRequest) (*CompletionResponse, error) {
			last := req.Messages[len(req.Messages)-1]
			require.Equal(t, notConfigured, last.Content)
			return &CompletionResponse{Message: model.NewAssistantMessage("The weather service is unavailable.")}, nil
		},
	)
	a := newTestAgent(t, completer, Options{}, weatherTool(func(context.Context, map[string]any) string {
		return notConfigured
	}))

	res, err := a.Send(context.Background(), "s1", "weather in Paris?")
	require.NoError(t, err)
	assert.Equal(t, 2, completer.calls())
	assert.Equal(t, "The weather service is unavailable.", res.FinalMessage)
	assert.Equal(t, []string{"get_current_weather"}, res.ToolsUsed)
}

func TestSendRoundTripCap(t *testing.T) {
	var steps []step
	for i := 0; i < 10; i++ {
		steps = append(steps, requestTools(model.ToolRequest{
			ID:        fmt.Sprintf("loop_%d", i),
			Name:      "get_current_air_quality",
			Arguments: map[string]any{"zip_code": "10001"},
		}))
	}
	completer := newScripted(steps...)
	var executed atomic.Int32
	a := newTestAgent(t, completer, Options{MaxRoundTrips: 3}, airQualityTool(func(context.Context, map[string]any) string {
		executed.Add(1)
		return airSummary
	}))

	res, err := a.Send(context.Background(), "s1", "keep going")
	require.NoError(t, err)

	assert.Equal(t, 3, completer.calls())
	assert.Equal(t, int32(3), executed.Load())
	assert.Equal(t, 3, res.RoundTrips)
	assert.True(t, res.Truncated)
	assert.Equal(t, fallbackMessage, res.FinalMessage)
	assert.Equal(t, model.Usage{PromptTokens: 30, CompletionTokens: 15, TotalTokens: 45}, res.Usage)

	history, err := a.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, model.NewAssistantMessage(fallbackMessage), history[len(history)-1])
	assertPaired(t, history)
}

func TestSendDeterministicTranscript(t *testing.T) {
	run := func() []model.Message {
		completer := newScripted(
			requestTools(
				model.ToolRequest{ID: "w", Name: "get_current_weather", Arguments: map[string]any{"city": "Paris", "country": "FR"}},
				model.ToolRequest{ID: "a", Name: "get_current_air_quality", Arguments: map[string]any{"zip_code": 10001}},
			),
			answer("done"),
		)
		a := newTestAgent(t, completer, Options{},
			weatherTool(func(context.Context, map[string]any) string { return weatherSummary }),
			airQualityTool(func(context.Context, map[string]any) string { return airSummary }),
		)
		_, err := a.Send(context.Background(), "s1", "both please")
		require.NoError(t, err)
		history, err := a.GetSession(context.Background(), "s1")
		require.NoError(t, err)
		return history
	}

	first := run()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, run())
	}
}

func TestSendCompletionErrorKeepsStateConsistent(t *testing.T) {
	boom := errors.New("service unavailable")
	completer := newScripted(
		fail(boom),
		answer("second turn works"),
	)
	a := newTestAgent(t, completer, Options{}, staticTool("noop", "x"))

	_, err := a.Send(context.Background(), "s1", "first")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCompletion)
	assert.ErrorIs(t, err, boom)

	var cerr *CompletionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 1, cerr.RoundTrip)
	assert.Contains(t, cerr.UserMessage(), "service unavailable")

	history, err := a.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.NewUserMessage("first"), history[1])

	res, err := a.Send(context.Background(), "s1", "second")
	require.NoError(t, err)
	assert.Equal(t, "second turn works", res.FinalMessage)
}

func TestSendCompletionErrorAfterTools(t *testing.T) {
	completer := newScripted(
		requestTools(model.ToolRequest{ID: "a", Name: "get_current_air_quality", Arguments: map[string]any{"zip_code": "10001"}}),
		fail(errors.New("timeout")),
		answer("recovered"),
	)
	a := newTestAgent(t, completer, Options{}, airQualityTool(func(context.Context, map[string]any) string {
		return airSummary
	}))

	_, err := a.Send(context.Background(), "s1", "air?")
	require.ErrorIs(t, err, ErrCompletion)

	history, err := a.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	// system, user, assistant with request, one tool result; nothing partial.
	require.Len(t, history, 4)
	assertPaired(t, history)

	res, err := a.Send(context.Background(), "s1", "again?")
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.FinalMessage)
	assert.Empty(t, res.ToolsUsed)
}

func TestSendInvalidArguments(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"enum mismatch", map[string]any{"city": "Paris", "country": "FR", "units": "kelvin"}, "units"},
		{"unknown field", map[string]any{"city": "Paris", "country": "FR", "days": 3}, "days"},
		{"wrong type", map[string]any{"city": true, "country": "FR"}, "city"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var called atomic.Bool
			completer := newScripted(
				requestTools(model.ToolRequest{ID: "w", Name: "get_current_weather", Arguments: tt.args}),
				answer("bad args"),
			)
			a := newTestAgent(t, completer, Options{}, weatherTool(func(context.Context, map[string]any) string {
				called.Store(true)
				return weatherSummary
			}))

			_, err := a.Send(context.Background(), "s1", "weather?")
			require.NoError(t, err)
			assert.False(t, called.Load())

			msgs := completer.requests[1].Messages
			content := msgs[len(msgs)-1].Content
			assert.True(t, strings.HasPrefix(content, "Invalid arguments for get_current_weather: "), content)
			assert.Contains(t, content, tt.want)
		})
	}
}

func TestSendToolTimeout(t *testing.T) {
	slow := &FunctionDeclaration{
		Name: "slow",
		FunctionCall: func(ctx context.Context, _ map[string]any) string {
			<-ctx.Done()
			return "too late"
		},
	}
	completer := newScripted(
		requestTools(model.ToolRequest{ID: "s", Name: "slow"}),
		answer("gave up"),
	)
	a := newTestAgent(t, completer, Options{ToolTimeout: 20 * time.Millisecond}, slow)

	res, err := a.Send(context.Background(), "s1", "slow please")
	require.NoError(t, err)
	assert.Equal(t, "gave up", res.FinalMessage)

	msgs := completer.requests[1].Messages
	assert.Equal(t, "Tool slow timed out after 20ms.", msgs[len(msgs)-1].Content)
}

func TestSendToolPanicIsRecovered(t *testing.T) {
	boom := &FunctionDeclaration{
		Name: "boom",
		FunctionCall: func(context.Context, map[string]any) string {
			panic("kaboom")
		},
	}
	completer := newScripted(
		requestTools(model.ToolRequest{ID: "b", Name: "boom"}),
		answer("handled"),
	)
	a := newTestAgent(t, completer, Options{}, boom)

	_, err := a.Send(context.Background(), "s1", "explode")
	require.NoError(t, err)

	msgs := completer.requests[1].Messages
	assert.Equal(t, "Tool boom failed unexpectedly.", msgs[len(msgs)-1].Content)
}

func TestSendFillsMissingRequestIDs(t *testing.T) {
	completer := newScripted(
		requestTools(
			model.ToolRequest{Name: "get_current_air_quality", Arguments: map[string]any{"zip_code": "10001"}},
			model.ToolRequest{Name: "get_current_air_quality", Arguments: map[string]any{"zip_code": "94103"}},
		),
		answer("ok"),
	)
	a := newTestAgent(t, completer, Options{}, airQualityTool(func(_ context.Context, args map[string]any) string {
		return "AQI for " + args["zip_code"].(string)
	}))

	_, err := a.Send(context.Background(), "s1", "two zips")
	require.NoError(t, err)

	history, err := a.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assertPaired(t, history)

	reqs := history[2].ToolRequests
	require.Len(t, reqs, 2)
	assert.NotEmpty(t, reqs[0].ID)
	assert.NotEqual(t, reqs[0].ID, reqs[1].ID)
	assert.Equal(t, reqs[0].ID, history[3].ToolCallID)
	assert.Equal(t, "AQI for 10001", history[3].Content)
	assert.Equal(t, "AQI for 94103", history[4].Content)
}

func TestSendToolsUsedResetEachTurn(t *testing.T) {
	completer := newScripted(
		requestTools(model.ToolRequest{ID: "a", Name: "get_current_air_quality", Arguments: map[string]any{"zip_code": "10001"}}),
		answer("good air"),
		answer("you're welcome"),
	)
	a := newTestAgent(t, completer, Options{}, airQualityTool(func(context.Context, map[string]any) string {
		return airSummary
	}))

	res, err := a.Send(context.Background(), "s1", "air at 10001?")
	require.NoError(t, err)
	assert.Equal(t, []string{"get_current_air_quality"}, res.ToolsUsed)

	res, err = a.Send(context.Background(), "s1", "thanks")
	require.NoError(t, err)
	assert.Empty(t, res.ToolsUsed)
	assert.Len(t, completer.requests[2].Messages, 6)
}

func TestSendSerializesTurnsPerSession(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	slowAnswer := func(CompletionRequest) (*CompletionResponse, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return &CompletionResponse{Message: model.NewAssistantMessage("ok")}, nil
	}
	completer := CompleterFunc(func(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
		return slowAnswer(req)
	})
	a := newTestAgent(t, completer, Options{}, staticTool("noop", "x"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.Send(context.Background(), "shared", fmt.Sprintf("msg %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	history, err := a.GetSession(context.Background(), "shared")
	require.NoError(t, err)
	assert.Len(t, history, 1+4*2)
}

func TestSendCancelledWhileWaitingForSession(t *testing.T) {
	release := make(chan struct{})
	completer := CompleterFunc(func(context.Context, CompletionRequest) (*CompletionResponse, error) {
		<-release
		return &CompletionResponse{Message: model.NewAssistantMessage("ok")}, nil
	})
	a := newTestAgent(t, completer, Options{}, staticTool("noop", "x"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = a.Send(context.Background(), "s1", "first")
	}()

	require.Eventually(t, func() bool {
		s := a.lookup("s1")
		return s != nil && len(s.lock) == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := a.Send(ctx, "s1", "second")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-done
}

type fakeArchive struct {
	mu      sync.Mutex
	records []model.TurnRecord
	deleted []string
	saveErr error
}

func (f *fakeArchive) Save(_ context.Context, r model.TurnRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.records = append(f.records, r)
	return nil
}

func (f *fakeArchive) ListSession(_ context.Context, sessionID string) ([]model.TurnRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.TurnRecord
	for _, r := range f.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeArchive) DeleteSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sessionID)
	return nil
}

func TestSendArchivesFinishedTurns(t *testing.T) {
	archive := &fakeArchive{}
	completer := newScripted(
		requestTools(model.ToolRequest{ID: "w", Name: "get_current_weather", Arguments: map[string]any{"city": "Paris", "country": "FR"}}),
		answer("Clear in Paris."),
		fail(errors.New("down")),
	)
	reg := NewRegistry()
	require.NoError(t, reg.Register(weatherTool(func(context.Context, map[string]any) string { return weatherSummary })))
	a := NewWithArchive(completer, reg, Options{SystemInstruction: "sys"}, archive)

	_, err := a.Send(context.Background(), "s1", "Paris?")
	require.NoError(t, err)
	_, err = a.Send(context.Background(), "s1", "again")
	require.Error(t, err)

	require.Len(t, archive.records, 1)
	rec := archive.records[0]
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, "Paris?", rec.UserText)
	assert.Equal(t, "Clear in Paris.", rec.FinalMessage)
	assert.Equal(t, []string{"get_current_weather"}, rec.ToolsUsed)
	assert.Equal(t, 2, rec.RoundTrips)
	require.Len(t, rec.Messages, 4)
	assert.Equal(t, model.RoleUser, rec.Messages[0].Role)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestSendArchiveFailureDoesNotFailTurn(t *testing.T) {
	archive := &fakeArchive{saveErr: errors.New("mongo down")}
	reg := NewRegistry()
	a := NewWithArchive(newScripted(answer("fine")), reg, Options{}, archive)

	res, err := a.Send(context.Background(), "s1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "fine", res.FinalMessage)
}

func TestClearSession(t *testing.T) {
	archive := &fakeArchive{}
	reg := NewRegistry()
	a := NewWithArchive(newScripted(answer("one"), answer("two")), reg, Options{SystemInstruction: "sys"}, archive)

	_, err := a.Send(context.Background(), "s1", "first")
	require.NoError(t, err)

	require.NoError(t, a.ClearSession(context.Background(), "s1"))
	assert.Equal(t, []string{"s1"}, archive.deleted)

	history, err := a.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []model.Message{model.NewSystemMessage("sys")}, history)

	_, err = a.Send(context.Background(), "s1", "second")
	require.NoError(t, err)
	history, err = a.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestGetSessionUnknown(t *testing.T) {
	a := newTestAgent(t, newScripted(), Options{})
	history, err := a.GetSession(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestNewSealsRegistry(t *testing.T) {
	reg := NewRegistry()
	New(newScripted(), reg, Options{})
	err := reg.Register(staticTool("late", "x"))
	assert.ErrorIs(t, err, ErrRegistrySealed)
}

func TestSendRekeysRequestIDsReusedAcrossRounds(t *testing.T) {
	completer := newScripted(
		requestTools(model.ToolRequest{ID: "call_1", Name: "get_current_air_quality", Arguments: map[string]any{"zip_code": "10001"}}),
		requestTools(model.ToolRequest{ID: "call_1", Name: "get_current_air_quality", Arguments: map[string]any{"zip_code": "94103"}}),
		answer("both fine"),
		requestTools(model.ToolRequest{ID: "call_1", Name: "get_current_air_quality", Arguments: map[string]any{"zip_code": "60601"}}),
		answer("also fine"),
	)
	a := newTestAgent(t, completer, Options{}, airQualityTool(func(_ context.Context, args map[string]any) string {
		return "AQI for " + args["zip_code"].(string)
	}))

	_, err := a.Send(context.Background(), "s1", "two zips")
	require.NoError(t, err)
	_, err = a.Send(context.Background(), "s1", "and Chicago")
	require.NoError(t, err)

	history, err := a.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assertPaired(t, history)

	ids := map[string]int{}
	results := map[string]string{}
	for _, msg := range history {
		for _, req := range msg.ToolRequests {
			ids[req.ID]++
		}
		if msg.Role == model.RoleTool {
			results[msg.ToolCallID] = msg.Content
		}
	}
	require.Len(t, ids, 3)
	for id, n := range ids {
		assert.Equal(t, 1, n, "request id %q used more than once", id)
	}
	assert.Equal(t, 1, ids["call_1"])
	assert.Equal(t, "AQI for 10001", results["call_1"])

	second := history[4].ToolRequests[0]
	assert.NotEqual(t, "call_1", second.ID)
	assert.Equal(t, "AQI for 94103", results[second.ID])
}

func TestSendRejectsEmptyCompletion(t *testing.T) {
	empty := func(CompletionRequest) (*CompletionResponse, error) {
		return &CompletionResponse{Message: model.NewAssistantMessage("  ")}, nil
	}
	completer := newScripted(empty, answer("Hello!"))
	a := newTestAgent(t, completer, Options{SystemInstruction: "sys"})

	res, err := a.Send(context.Background(), "s1", "hi")
	require.Nil(t, res)
	var cerr *CompletionError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, ErrEmptyCompletion)
	assert.ErrorIs(t, err, ErrCompletion)

	history, err := a.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []model.Message{model.NewSystemMessage("sys"), model.NewUserMessage("hi")}, history)

	res, err = a.Send(context.Background(), "s1", "hi again")
	require.NoError(t, err)
	assert.Equal(t, "Hello!", res.FinalMessage)
}

func TestSessionsEvictedLeastRecentlyUsed(t *testing.T) {
	a := newTestAgent(t, okCompleter(), Options{MaxSessions: 2})
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		_, err := a.Send(ctx, id, "hello")
		require.NoError(t, err)
	}
	assert.Nil(t, a.lookup("s1"))
	assert.NotNil(t, a.lookup("s2"))
	assert.NotNil(t, a.lookup("s3"))

	// Reading s2 makes s3 the least recently used.
	_, err := a.GetSession(ctx, "s2")
	require.NoError(t, err)
	_, err = a.Send(ctx, "s4", "hello")
	require.NoError(t, err)

	assert.Nil(t, a.lookup("s3"))
	history, err := a.GetSession(ctx, "s2")
	require.NoError(t, err)
	assert.Len(t, history, 3)

	history, err = a.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSessionsExpireAfterIdleTTL(t *testing.T) {
	a := newTestAgent(t, okCompleter(), Options{SessionIdleTTL: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := a.Send(ctx, "old", "hello")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	_, err = a.Send(ctx, "new", "hello")
	require.NoError(t, err)

	assert.Nil(t, a.lookup("old"))
	assert.NotNil(t, a.lookup("new"))
}

func TestBusySessionIsNotEvicted(t *testing.T) {
	release := make(chan struct{})
	completer := CompleterFunc(func(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
		if req.Messages[len(req.Messages)-1].Content == "slow" {
			<-release
		}
		return &CompletionResponse{Message: model.NewAssistantMessage("ok")}, nil
	})
	a := newTestAgent(t, completer, Options{MaxSessions: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := a.Send(context.Background(), "busy", "slow")
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool {
		s := a.lookup("busy")
		return s != nil && len(s.lock) == 1
	}, time.Second, time.Millisecond)

	_, err := a.Send(context.Background(), "other", "fast")
	require.NoError(t, err)
	assert.NotNil(t, a.lookup("busy"))

	close(release)
	<-done

	history, err := a.GetSession(context.Background(), "busy")
	require.NoError(t, err)
	assert.Len(t, history, 3)
}
