package provider

import (
	"context"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mux-ai/mux/pkg/types"
)

// stubProvider is a registry test double; it never opens a real stream.
type stubProvider struct {
	id     string
	models []types.Model
}

func (p *stubProvider) ID() string                            { return p.id }
func (p *stubProvider) Name() string                          { return p.id }
func (p *stubProvider) Models() []types.Model                 { return p.models }
func (p *stubProvider) ChatModel() model.ToolCallingChatModel { return nil }
func (p *stubProvider) Stream(ctx context.Context, req *Request) (EventStream, error) {
	return scriptedStream(&schema.Message{Role: schema.Assistant, Content: "ok"}), nil
}

func newStubRegistry(defaultModel string) *Registry {
	r := NewRegistry(defaultModel)
	r.Register(&stubProvider{id: "anthropic", models: []types.Model{
		{ID: "claude-sonnet-4-20250514", ProviderID: "anthropic"},
		{ID: "claude-3-5-haiku-20241022", ProviderID: "anthropic"},
	}})
	r.Register(&stubProvider{id: "openai", models: []types.Model{
		{ID: "gpt-5.1", ProviderID: "openai"},
		{ID: "gpt-4o-mini", ProviderID: "openai"},
	}})
	return r
}

func TestRegistryGet(t *testing.T) {
	r := newStubRegistry("")

	p, err := r.Get("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.ID())

	_, err = r.Get("missing")
	assert.Error(t, err)
}

func TestRegistryGetModel(t *testing.T) {
	r := newStubRegistry("")

	m, err := r.GetModel("openai", "gpt-5.1")
	require.NoError(t, err)
	assert.Equal(t, "gpt-5.1", m.ID)

	_, err = r.GetModel("openai", "nope")
	assert.Error(t, err)
}

func TestRegistryAllModelsOrdered(t *testing.T) {
	r := newStubRegistry("")

	models := r.AllModels()
	require.Len(t, models, 4)
	assert.Equal(t, "gpt-5.1", models[0].ID)
}

func TestRegistryDefaultModel(t *testing.T) {
	r := newStubRegistry("anthropic/claude-sonnet-4-20250514")

	m, err := r.DefaultModel()
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-20250514", m.ID)
}

func TestRegistryDefaultModelFallback(t *testing.T) {
	r := newStubRegistry("")

	m, err := r.DefaultModel()
	require.NoError(t, err)
	assert.Equal(t, "gpt-5.1", m.ID)
}

func TestParseModelRef(t *testing.T) {
	provider, model := ParseModelRef("openai/gpt-5.1")
	assert.Equal(t, "openai", provider)
	assert.Equal(t, "gpt-5.1", model)

	provider, model = ParseModelRef("gpt-5.1")
	assert.Equal(t, "", provider)
	assert.Equal(t, "gpt-5.1", model)
}
