package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdev/agentd/internal/agent/models"
	"github.com/agentdev/agentd/internal/agent/parser"
	"github.com/agentdev/agentd/internal/common/logger"
)

// recordingObserver captures the full event stream for assertions.
type recordingObserver struct {
	mu        sync.Mutex
	messages  []*parser.ParsedMessage
	errs      []error
	completes []Result
	statuses  []models.AgentStatus
}

func (o *recordingObserver) OnMessage(agentID string, msg *parser.ParsedMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
}

func (o *recordingObserver) OnStatusChange(agentID string, status models.AgentStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

func (o *recordingObserver) OnError(agentID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) OnComplete(agentID string, result Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completes = append(o.completes, result)
}

func (o *recordingObserver) snapshot() (int, int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.messages), len(o.errs), len(o.completes)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func syntheticAgent(schedule []map[string]any) *models.Agent {
	sched := make([]any, len(schedule))
	for i, s := range schedule {
		sched[i] = s
	}
	return models.NewAgent(models.AgentTypeSynthetic, "scripted", models.AgentConfig{
		Metadata: map[string]any{"schedule": sched},
	})
}

func TestSyntheticScriptedRun(t *testing.T) {
	r := NewSyntheticRunner(logger.Default())
	agent := syntheticAgent([]map[string]any{
		{"delay": 10, "type": "message", "data": map[string]any{"content": "m1"}},
		{"delay": 10, "type": "message", "data": map[string]any{"content": "m2"}},
		{"delay": 10, "type": "complete"},
	})

	obs := &recordingObserver{}
	r.Subscribe(agent.ID, obs)
	require.NoError(t, r.Start(context.Background(), agent))

	waitFor(t, func() bool {
		_, _, completes := obs.snapshot()
		return completes == 1
	})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.messages, 2)
	assert.Equal(t, "m1", obs.messages[0].Content)
	assert.Equal(t, "m2", obs.messages[1].Content)
	assert.Equal(t, ResultSuccess, obs.completes[0].Status)
	assert.Equal(t, 2, obs.completes[0].MessageCount)
}

// The scripted error schedule: one message, then an error.
func TestSyntheticErrorSchedule(t *testing.T) {
	r := NewSyntheticRunner(logger.Default())
	agent := syntheticAgent([]map[string]any{
		{"delay": 100, "type": "message", "data": map[string]any{"content": "m1"}},
		{"delay": 200, "type": "error", "data": map[string]any{"message": "boom"}},
	})

	obs := &recordingObserver{}
	r.Subscribe(agent.ID, obs)
	require.NoError(t, r.Start(context.Background(), agent))

	waitFor(t, func() bool {
		_, errs, _ := obs.snapshot()
		return errs == 1
	})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.messages, 1)
	require.Len(t, obs.errs, 1)
	assert.EqualError(t, obs.errs[0], "boom")
	assert.Empty(t, obs.completes)
}

// Observers registered before Start are buffered and see the first message.
func TestLateSubscribeBuffering(t *testing.T) {
	r := NewSyntheticRunner(logger.Default())
	agent := syntheticAgent([]map[string]any{
		{"type": "message", "data": map[string]any{"content": "first"}},
		{"type": "complete"},
	})

	obs := &recordingObserver{}
	// Subscribe before the agent exists anywhere.
	r.Subscribe(agent.ID, obs)

	require.NoError(t, r.Start(context.Background(), agent))

	waitFor(t, func() bool {
		_, _, completes := obs.snapshot()
		return completes == 1
	})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.messages, 1, "buffered observer must see the first message")
	assert.Equal(t, "first", obs.messages[0].Content)
}

func TestStatusAfterTeardown(t *testing.T) {
	r := NewSyntheticRunner(logger.Default())
	agent := syntheticAgent([]map[string]any{{"type": "complete"}})

	obs := &recordingObserver{}
	r.Subscribe(agent.ID, obs)
	require.NoError(t, r.Start(context.Background(), agent))

	waitFor(t, func() bool {
		_, _, completes := obs.snapshot()
		return completes == 1
	})

	waitFor(t, func() bool {
		_, err := r.Status(agent.ID)
		return err == ErrAgentNotRunning
	})
}

func TestSyntheticStop(t *testing.T) {
	r := NewSyntheticRunner(logger.Default())
	agent := syntheticAgent([]map[string]any{
		{"delay": 60000, "type": "message", "data": map[string]any{"content": "never"}},
	})

	obs := &recordingObserver{}
	r.Subscribe(agent.ID, obs)
	require.NoError(t, r.Start(context.Background(), agent))

	status, err := r.Status(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, status)

	require.NoError(t, r.Stop(context.Background(), agent.ID))

	waitFor(t, func() bool {
		_, err := r.Status(agent.ID)
		return err == ErrAgentNotRunning
	})

	messages, _, _ := obs.snapshot()
	assert.Zero(t, messages)
}

func TestUnsubscribeStopsCallbacks(t *testing.T) {
	r := NewSyntheticRunner(logger.Default())
	agent := syntheticAgent([]map[string]any{
		{"delay": 50, "type": "message", "data": map[string]any{"content": "m"}},
		{"type": "complete"},
	})

	obs := &recordingObserver{}
	r.Subscribe(agent.ID, obs)
	r.Unsubscribe(agent.ID, obs)
	require.NoError(t, r.Start(context.Background(), agent))

	time.Sleep(200 * time.Millisecond)
	messages, _, completes := obs.snapshot()
	assert.Zero(t, messages)
	assert.Zero(t, completes)
}

func TestFactoryUnknownKind(t *testing.T) {
	f := NewFactory(map[models.AgentType]Runner{
		models.AgentTypeSynthetic: NewSyntheticRunner(logger.Default()),
	})

	r, err := f.Runner(models.AgentTypeSynthetic)
	require.NoError(t, err)
	assert.NotNil(t, r)

	_, err = f.Runner(models.AgentType("mystery"))
	require.ErrorIs(t, err, ErrUnknownAgentType)
}

func TestScheduleFromMetadataDefaults(t *testing.T) {
	schedule, err := ScheduleFromMetadata(nil)
	require.NoError(t, err)
	require.Len(t, schedule, 1)
	assert.Equal(t, "complete", schedule[0].Type)
}
