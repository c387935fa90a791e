package run

import (
	"context"

	"github.com/novachat/nova/internal/bus"
	"github.com/novachat/nova/internal/llm"
	"github.com/novachat/nova/internal/missions"
)

// Executor runs one node. User-visible failures come back as ok=false
// outputs; a non-nil error (or a panic) is a programmer error and surfaces
// as EXECUTOR_EXCEPTION.
type Executor func(ctx context.Context, node missions.Node, ec *ExecutionContext) (*NodeOutput, error)

// Registry maps node type discriminants to executors. Types without an entry
// trace failed(NO_EXECUTOR) at run time; unknown node types from newer
// builders land there by design of the round-tripping store.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry builds a registry with the built-in pure executors. I/O-backed
// node families bind via the With* options.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{executors: make(map[string]Executor)}

	for _, t := range []string{
		missions.TypeScheduleTrigger,
		missions.TypeWebhookTrigger,
		missions.TypeManualTrigger,
		missions.TypeEventTrigger,
	} {
		r.executors[t] = triggerExecutor
	}

	r.executors[missions.TypeCondition] = conditionExecutor
	r.executors[missions.TypeSwitch] = switchExecutor
	r.executors[missions.TypeMerge] = mergeExecutor
	r.executors[missions.TypeSplit] = splitExecutor
	r.executors[missions.TypeWait] = waitExecutor
	r.executors[missions.TypeSetVariables] = setVariablesExecutor
	r.executors[missions.TypeFormat] = formatExecutor
	r.executors[missions.TypeFilter] = filterExecutor
	r.executors[missions.TypeSort] = sortExecutor
	r.executors[missions.TypeDedupe] = dedupeExecutor
	r.executors[missions.TypeStickyNote] = stickyNoteExecutor

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegistryOption binds optional collaborator-backed executors.
type RegistryOption func(*Registry)

// WithDispatcher registers the output-family executors over a channel
// dispatcher.
func WithDispatcher(d bus.ChannelDispatcher) RegistryOption {
	return func(r *Registry) {
		exec := outputExecutor(d)
		for _, t := range []string{
			missions.TypeTelegramOutput,
			missions.TypeDiscordOutput,
			missions.TypeEmailOutput,
			missions.TypeWebhookOutput,
			missions.TypeSlackOutput,
			missions.TypeNovachatOutput,
		} {
			r.executors[t] = exec
		}
	}
}

// WithCompleter registers the AI node family over an LLM collaborator.
func WithCompleter(c llm.Completer) RegistryOption {
	return func(r *Registry) {
		for t, system := range aiSystemPrompts {
			r.executors[t] = aiExecutor(c, system)
		}
	}
}

// WithSearcher registers the web-search node over a search collaborator.
func WithSearcher(s llm.Searcher) RegistryOption {
	return func(r *Registry) {
		r.executors[missions.TypeWebSearch] = searchExecutor(s)
	}
}

// Register binds a custom executor for a node type, replacing any existing
// binding.
func (r *Registry) Register(nodeType string, exec Executor) {
	r.executors[nodeType] = exec
}

// Lookup returns the executor for a node type.
func (r *Registry) Lookup(nodeType string) (Executor, bool) {
	exec, ok := r.executors[nodeType]
	return exec, ok
}
