package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mux-ai/mux/internal/bgprocess"
	"github.com/mux-ai/mux/internal/event"
	"github.com/mux-ai/mux/internal/history"
	"github.com/mux-ai/mux/internal/provider"
	"github.com/mux-ai/mux/internal/repetition"
	"github.com/mux-ai/mux/internal/runtime"
	"github.com/mux-ai/mux/internal/tool"
	"github.com/mux-ai/mux/pkg/types"
)

const testWorkspace = types.WorkspaceID("ws-engine")

// fakeStream replays scripted events. With blockAtEnd set, Recv blocks
// after the script until Close, standing in for a stalled provider.
type fakeStream struct {
	mu         sync.Mutex
	events     []provider.Event
	idx        int
	errAfter   int // return err at this index; -1 disables
	err        error
	errGate    chan struct{} // when set, the error waits for this
	blockAtEnd bool
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeStream(events ...provider.Event) *fakeStream {
	return &fakeStream{events: events, errAfter: -1, closed: make(chan struct{})}
}

func (f *fakeStream) Recv() (provider.Event, error) {
	f.mu.Lock()
	select {
	case <-f.closed:
		f.mu.Unlock()
		return nil, errors.New("stream closed")
	default:
	}
	if f.errAfter >= 0 && f.idx == f.errAfter {
		f.mu.Unlock()
		if f.errGate != nil {
			<-f.errGate
		}
		return nil, f.err
	}
	if f.idx < len(f.events) {
		ev := f.events[f.idx]
		f.idx++
		f.mu.Unlock()
		return ev, nil
	}
	f.mu.Unlock()
	if f.blockAtEnd {
		<-f.closed
		return nil, errors.New("stream closed")
	}
	return nil, io.EOF
}

func (f *fakeStream) Close() {
	f.closeOnce.Do(func() { close(f.closed) })
}

// fakeTool runs a caller-supplied function.
type fakeTool struct {
	id  string
	run func(ctx context.Context, input json.RawMessage, toolCtx *tool.Context) (*tool.Result, error)
}

func (t *fakeTool) ID() string                       { return t.id }
func (t *fakeTool) Description() string              { return "test tool" }
func (t *fakeTool) Parameters() json.RawMessage      { return json.RawMessage(`{"type":"object"}`) }
func (t *fakeTool) EinoTool() einotool.InvokableTool { return nil }

func (t *fakeTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *tool.Context) (*tool.Result, error) {
	return t.run(ctx, input, toolCtx)
}

type testEngine struct {
	manager   *Manager
	history   *history.Store
	bus       *event.Bus
	tools     *tool.Registry
	providers *provider.Registry
}

func newTestEngine(t *testing.T, cfg Config) *testEngine {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })

	hist := history.New(t.TempDir())
	tools := tool.NewRegistry()
	procs := bgprocess.NewManager(bus)
	providers := provider.NewRegistry("")

	m := NewManager(providers, tools, hist, procs, bus, cfg)
	m.RegisterWorkspace(Workspace{
		ID:      testWorkspace,
		Runtime: runtime.NewLocal(),
		WorkDir: t.TempDir(),
	})
	return &testEngine{manager: m, history: hist, bus: bus, tools: tools, providers: providers}
}

// collectEvents records bus events of the given types.
func (e *testEngine) collectEvents(t *testing.T, kinds ...event.Type) func() []event.Event {
	t.Helper()
	var mu sync.Mutex
	var got []event.Event
	want := make(map[event.Type]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	unsub := e.bus.SubscribeAll(func(ev event.Event) {
		if len(want) > 0 && !want[ev.Type] {
			return
		}
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	t.Cleanup(unsub)
	return func() []event.Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]event.Event, len(got))
		copy(out, got)
		return out
	}
}

func TestStreamTextCommit(t *testing.T) {
	e := newTestEngine(t, Config{})
	events := e.collectEvents(t, event.StreamStarted, event.StreamDelta, event.StreamEnded)

	stream := newFakeStream(
		provider.TextDelta{Text: "Hello, "},
		provider.TextDelta{Text: "world"},
		provider.StepUsage{Usage: types.TokenUsage{Input: 10, Output: 2}},
		provider.Finish{Reason: provider.FinishStop},
	)
	reason, err := e.manager.StartStream(context.Background(), StartOptions{Workspace: testWorkspace}, stream)
	require.NoError(t, err)
	assert.Equal(t, provider.FinishStop, reason)
	assert.Equal(t, StateIdle, e.manager.State(testWorkspace))

	entries, err := e.history.Entries(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.RoleAssistant, entries[0].Role)
	require.Len(t, entries[0].Parts, 1)
	text, ok := entries[0].Parts[0].(*types.TextPart)
	require.True(t, ok)
	assert.Equal(t, "Hello, world", text.Text)

	// Partial slot is cleared by the commit.
	_, err = e.history.ReadPartial(context.Background(), testWorkspace)
	assert.ErrorIs(t, err, history.ErrNoPartial)

	evs := events()
	require.NotEmpty(t, evs)
	assert.Equal(t, event.StreamStarted, evs[0].Type)
	last := evs[len(evs)-1]
	require.Equal(t, event.StreamEnded, last.Type)
	end := last.Data.(event.StreamEndedData)
	assert.Equal(t, ReasonStop, end.Reason)
	assert.Equal(t, 10, end.Usage.Input)
}

func TestStreamMutualExclusion(t *testing.T) {
	e := newTestEngine(t, Config{})

	blocked := newFakeStream(provider.TextDelta{Text: "partial"})
	blocked.blockAtEnd = true

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.manager.StartStream(context.Background(), StartOptions{Workspace: testWorkspace}, blocked)
	}()

	require.Eventually(t, func() bool {
		return e.manager.State(testWorkspace) == StateStreaming
	}, time.Second, 5*time.Millisecond)

	second := newFakeStream(provider.Finish{Reason: provider.FinishStop})
	_, err := e.manager.StartStream(context.Background(), StartOptions{Workspace: testWorkspace}, second)
	assert.ErrorIs(t, err, ErrAlreadyStreaming)

	require.NoError(t, e.manager.Interrupt(testWorkspace, InterruptOptions{Soft: true}))
	<-done
	assert.Equal(t, StateIdle, e.manager.State(testWorkspace))
}

func TestToolCallDispatch(t *testing.T) {
	e := newTestEngine(t, Config{})
	var gotInput json.RawMessage
	e.tools.Register(&fakeTool{id: "echo", run: func(_ context.Context, input json.RawMessage, _ *tool.Context) (*tool.Result, error) {
		gotInput = input
		return &tool.Result{Title: "echoed", Output: "ok"}, nil
	}})

	stream := newFakeStream(
		provider.ToolCallStart{CallID: "call-1", Name: "echo"},
		provider.ToolCallDelta{CallID: "call-1", Args: `{"msg":`},
		provider.ToolCallDelta{CallID: "call-1", Args: `"hi"}`},
		provider.ToolCallEnd{CallID: "call-1", Name: "echo", Args: `{"msg":"hi"}`},
		provider.Finish{Reason: provider.FinishToolCalls},
	)
	reason, err := e.manager.StartStream(context.Background(), StartOptions{Workspace: testWorkspace}, stream)
	require.NoError(t, err)
	assert.Equal(t, provider.FinishToolCalls, reason)
	assert.JSONEq(t, `{"msg":"hi"}`, string(gotInput))

	entries, err := e.history.Entries(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Parts, 1)
	tp, ok := entries[0].Parts[0].(*types.ToolPart)
	require.True(t, ok)
	assert.Equal(t, "echo", tp.Tool)
	assert.Equal(t, types.ToolStateCompleted, tp.State)
	require.NotNil(t, tp.Output)
	assert.Equal(t, "ok", *tp.Output)
	assert.Equal(t, "hi", tp.Input["msg"])
}

func TestToolDeltaBeforeStartReconciles(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.tools.Register(&fakeTool{id: "echo", run: func(_ context.Context, _ json.RawMessage, _ *tool.Context) (*tool.Result, error) {
		return &tool.Result{Output: "ok"}, nil
	}})

	// Argument fragments arrive before the call is announced. The preview
	// part must be reused, and the end frame's arguments win.
	stream := newFakeStream(
		provider.ToolCallDelta{CallID: "call-1", Args: `{"a":1}`},
		provider.ToolCallStart{CallID: "call-1", Name: "echo"},
		provider.ToolCallEnd{CallID: "call-1", Name: "echo", Args: `{"a":2}`},
		provider.Finish{Reason: provider.FinishToolCalls},
	)
	_, err := e.manager.StartStream(context.Background(), StartOptions{Workspace: testWorkspace}, stream)
	require.NoError(t, err)

	entries, err := e.history.Entries(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Parts, 1, "fragments and start must reconcile into one part")
	tp := entries[0].Parts[0].(*types.ToolPart)
	assert.Equal(t, float64(2), tp.Input["a"])
}

func TestOrphanToolResult(t *testing.T) {
	e := newTestEngine(t, Config{})

	stream := newFakeStream(
		provider.ToolResult{CallID: "call-9", Output: "leftover"},
		provider.Finish{Reason: provider.FinishStop},
	)
	_, err := e.manager.StartStream(context.Background(), StartOptions{Workspace: testWorkspace}, stream)
	require.NoError(t, err)

	entries, err := e.history.Entries(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	tp := entries[0].Parts[0].(*types.ToolPart)
	assert.Nil(t, tp.Input)
	assert.Equal(t, types.ToolStateCompleted, tp.State)
	require.NotNil(t, tp.Output)
	assert.Equal(t, "leftover", *tp.Output)
}

func repetitiveEvents(n int) []provider.Event {
	events := make([]provider.Event, 0, n+1)
	for i := 0; i < n; i++ {
		events = append(events, provider.TextDelta{Text: "I will now repeat this sentence. "})
	}
	events = append(events, provider.Finish{Reason: provider.FinishStop})
	return events
}

func TestRepetitionAbort(t *testing.T) {
	e := newTestEngine(t, Config{
		Repetition: repetition.Config{Threshold: 3},
	})
	events := e.collectEvents(t, event.StreamEnded)

	stream := newFakeStream(repetitiveEvents(20)...)
	_, err := e.manager.StartStream(context.Background(), StartOptions{
		Workspace: testWorkspace,
		Model:     "openai/gpt-5.1",
	}, stream)
	require.NoError(t, err)

	evs := events()
	require.Len(t, evs, 1)
	assert.Equal(t, ReasonRepetition, evs[0].Data.(event.StreamEndedData).Reason)

	// The aborted turn is still committed, tagged as repetitive.
	entries, err := e.history.Entries(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].Metadata["repetition"])
}

func TestRepetitionGuardAllowlistOnly(t *testing.T) {
	e := newTestEngine(t, Config{
		Repetition: repetition.Config{Threshold: 3},
	})
	events := e.collectEvents(t, event.StreamEnded)

	// Same degenerate output, but the model is not on the allowlist.
	stream := newFakeStream(repetitiveEvents(20)...)
	reason, err := e.manager.StartStream(context.Background(), StartOptions{
		Workspace: testWorkspace,
		Model:     "anthropic/claude-sonnet-4-20250514",
	}, stream)
	require.NoError(t, err)
	assert.Equal(t, provider.FinishStop, reason)

	evs := events()
	require.Len(t, evs, 1)
	assert.Equal(t, ReasonStop, evs[0].Data.(event.StreamEndedData).Reason)
}

func TestSoftInterruptDrainsTools(t *testing.T) {
	e := newTestEngine(t, Config{})
	release := make(chan struct{})
	e.tools.Register(&fakeTool{id: "slow", run: func(_ context.Context, _ json.RawMessage, _ *tool.Context) (*tool.Result, error) {
		<-release
		return &tool.Result{Output: "finished"}, nil
	}})

	stream := newFakeStream(
		provider.TextDelta{Text: "running a tool"},
		provider.ToolCallEnd{CallID: "call-1", Name: "slow", Args: `{}`},
	)
	stream.blockAtEnd = true

	var reason string
	done := make(chan struct{})
	go func() {
		defer close(done)
		reason, _ = e.manager.StartStream(context.Background(), StartOptions{Workspace: testWorkspace}, stream)
	}()

	require.Eventually(t, func() bool {
		return e.manager.State(testWorkspace) == StateStreaming
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, e.manager.Interrupt(testWorkspace, InterruptOptions{Soft: true}))

	// The stream stops consuming but waits for the tool.
	select {
	case <-done:
		t.Fatal("stream finished before in-flight tool completed")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-done
	assert.Equal(t, provider.FinishStop, reason)

	entries, err := e.history.Entries(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].Metadata["interrupted"])

	var toolPart *types.ToolPart
	for _, p := range entries[0].Parts {
		if tp, ok := p.(*types.ToolPart); ok {
			toolPart = tp
		}
	}
	require.NotNil(t, toolPart)
	assert.Equal(t, types.ToolStateCompleted, toolPart.State)
	require.NotNil(t, toolPart.Output)
	assert.Equal(t, "finished", *toolPart.Output)
}

func TestHardInterruptDiscardsPartial(t *testing.T) {
	e := newTestEngine(t, Config{FlushInterval: time.Millisecond, FlushBytes: 1})
	events := e.collectEvents(t, event.StreamEnded)

	stream := newFakeStream(provider.TextDelta{Text: "half a thought"})
	stream.blockAtEnd = true

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.manager.StartStream(context.Background(), StartOptions{Workspace: testWorkspace}, stream)
	}()

	// Wait for the partial snapshot to land before interrupting.
	require.Eventually(t, func() bool {
		_, err := e.history.ReadPartial(context.Background(), testWorkspace)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.manager.Interrupt(testWorkspace, InterruptOptions{}))
	<-done

	entries, err := e.history.Entries(context.Background(), testWorkspace)
	require.NoError(t, err)
	assert.Empty(t, entries, "hard interrupt without salvage discards the turn")
	_, err = e.history.ReadPartial(context.Background(), testWorkspace)
	assert.ErrorIs(t, err, history.ErrNoPartial)

	evs := events()
	require.Len(t, evs, 1)
	assert.Equal(t, ReasonInterrupted, evs[0].Data.(event.StreamEndedData).Reason)
}

func TestHardInterruptDrainsPendingFlush(t *testing.T) {
	e := newTestEngine(t, Config{})

	stream := newFakeStream(provider.TextDelta{Text: "half a thought"})
	stream.blockAtEnd = true

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.manager.StartStream(context.Background(), StartOptions{Workspace: testWorkspace}, stream)
	}()

	require.Eventually(t, func() bool {
		return e.manager.State(testWorkspace) == StateStreaming
	}, time.Second, 5*time.Millisecond)

	e.manager.mu.Lock()
	s := e.manager.sessions[testWorkspace]
	e.manager.mu.Unlock()
	require.NotNil(t, s)

	// A partial write still in flight when the stream is torn down. The
	// discard must not complete until it lands, or the write would put the
	// abandoned turn back on disk.
	s.flushes.Add(1)
	go func() {
		defer s.flushes.Done()
		time.Sleep(50 * time.Millisecond)
		e.history.WritePartial(context.Background(), testWorkspace, &types.PartialEntry{
			MessageID: s.messageID,
			Parts:     s.snapshot(),
		})
	}()

	require.NoError(t, e.manager.Interrupt(testWorkspace, InterruptOptions{}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish")
	}

	_, err := e.history.ReadPartial(context.Background(), testWorkspace)
	assert.ErrorIs(t, err, history.ErrNoPartial, "late flush must not survive the discard")
	entries, err := e.history.Entries(context.Background(), testWorkspace)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHardInterruptSalvageCommits(t *testing.T) {
	e := newTestEngine(t, Config{})

	stream := newFakeStream(provider.TextDelta{Text: "worth keeping"})
	stream.blockAtEnd = true

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.manager.StartStream(context.Background(), StartOptions{Workspace: testWorkspace}, stream)
	}()

	require.Eventually(t, func() bool {
		return e.manager.State(testWorkspace) == StateStreaming
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, e.manager.Interrupt(testWorkspace, InterruptOptions{Salvage: true}))
	<-done

	entries, err := e.history.Entries(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].Metadata["interrupted"])
	text := entries[0].Parts[0].(*types.TextPart)
	assert.Equal(t, "worth keeping", text.Text)
}

func TestInterruptWithoutStream(t *testing.T) {
	e := newTestEngine(t, Config{})
	assert.ErrorIs(t, e.manager.Interrupt(testWorkspace, InterruptOptions{}), ErrNotStreaming)
}

func TestStreamErrorCommitsWithMarker(t *testing.T) {
	e := newTestEngine(t, Config{})
	events := e.collectEvents(t, event.StreamFailed)

	stream := newFakeStream(provider.TextDelta{Text: "partial answer"})
	stream.errAfter = 1
	stream.err = errors.New("connection reset")

	_, err := e.manager.StartStream(context.Background(), StartOptions{Workspace: testWorkspace}, stream)
	require.Error(t, err)

	// Partial work survives, tagged with the error.
	entries, err := e.history.Entries(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Metadata["error"], "connection reset")
	text := entries[0].Parts[0].(*types.TextPart)
	assert.Equal(t, "partial answer", text.Text)

	evs := events()
	require.Len(t, evs, 1)
	assert.Contains(t, evs[0].Data.(event.StreamFailedData).Error, "connection reset")
}

func TestStreamErrorSetsErrorState(t *testing.T) {
	e := newTestEngine(t, Config{})

	stream := newFakeStream(provider.TextDelta{Text: "partial answer"})
	stream.errAfter = 1
	stream.err = errors.New("connection reset")
	stream.errGate = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.manager.StartStream(context.Background(), StartOptions{Workspace: testWorkspace}, stream)
	}()

	require.Eventually(t, func() bool {
		return e.manager.State(testWorkspace) == StateStreaming
	}, time.Second, 5*time.Millisecond)

	e.manager.mu.Lock()
	s := e.manager.sessions[testWorkspace]
	e.manager.mu.Unlock()
	require.NotNil(t, s)

	close(stream.errGate)
	<-done

	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	assert.Equal(t, StateError, st)

	// The workspace slot itself is free again.
	assert.Equal(t, StateIdle, e.manager.State(testWorkspace))
}

func TestToolFailureIsNotFatal(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.tools.Register(&fakeTool{id: "broken", run: func(_ context.Context, _ json.RawMessage, _ *tool.Context) (*tool.Result, error) {
		return nil, errors.New("disk on fire")
	}})

	stream := newFakeStream(
		provider.ToolCallEnd{CallID: "call-1", Name: "broken", Args: `{}`},
		provider.TextDelta{Text: "carried on"},
		provider.Finish{Reason: provider.FinishStop},
	)
	reason, err := e.manager.StartStream(context.Background(), StartOptions{Workspace: testWorkspace}, stream)
	require.NoError(t, err)
	assert.Equal(t, provider.FinishStop, reason)

	entries, err := e.history.Entries(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var toolPart *types.ToolPart
	for _, p := range entries[0].Parts {
		if tp, ok := p.(*types.ToolPart); ok {
			toolPart = tp
		}
	}
	require.NotNil(t, toolPart)
	assert.Equal(t, types.ToolStateError, toolPart.State)
	require.NotNil(t, toolPart.Error)
	assert.Contains(t, *toolPart.Error, "disk on fire")
}

func TestUnknownToolRecordedAsError(t *testing.T) {
	e := newTestEngine(t, Config{})

	stream := newFakeStream(
		provider.ToolCallEnd{CallID: "call-1", Name: "no-such-tool", Args: `{}`},
		provider.Finish{Reason: provider.FinishStop},
	)
	_, err := e.manager.StartStream(context.Background(), StartOptions{Workspace: testWorkspace}, stream)
	require.NoError(t, err)

	entries, err := e.history.Entries(context.Background(), testWorkspace)
	require.NoError(t, err)
	tp := entries[0].Parts[0].(*types.ToolPart)
	assert.Equal(t, types.ToolStateError, tp.State)
	require.NotNil(t, tp.Error)
	assert.Contains(t, *tp.Error, "unknown tool")
}

func TestPartialFlushDuringStream(t *testing.T) {
	e := newTestEngine(t, Config{FlushInterval: time.Millisecond, FlushBytes: 1})

	stream := newFakeStream(
		provider.TextDelta{Text: "first chunk "},
		provider.TextDelta{Text: "second chunk"},
	)
	stream.blockAtEnd = true

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.manager.StartStream(context.Background(), StartOptions{Workspace: testWorkspace}, stream)
	}()

	require.Eventually(t, func() bool {
		p, err := e.history.ReadPartial(context.Background(), testWorkspace)
		if err != nil || len(p.Parts) == 0 {
			return false
		}
		text, ok := p.Parts[0].(*types.TextPart)
		return ok && text.Text != ""
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.manager.Interrupt(testWorkspace, InterruptOptions{Soft: true}))
	<-done
}

func TestSequentialStreamsShareWorkspace(t *testing.T) {
	e := newTestEngine(t, Config{})

	for i := 0; i < 3; i++ {
		stream := newFakeStream(
			provider.TextDelta{Text: "turn"},
			provider.Finish{Reason: provider.FinishStop},
		)
		_, err := e.manager.StartStream(context.Background(), StartOptions{Workspace: testWorkspace}, stream)
		require.NoError(t, err)
	}

	entries, err := e.history.Entries(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, entry := range entries {
		assert.Equal(t, int64(i+1), entry.Sequence)
	}
}
