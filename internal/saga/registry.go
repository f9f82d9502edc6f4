package saga

import (
	"sync"

	"github.com/sagaops/orchestrator/internal/resilience"
	sagaerrors "github.com/sagaops/orchestrator/pkg/errors"
)

// Registry saga 类型注册表。定义在进程启动时注册，运行期只读。
type Registry struct {
	mu            sync.RWMutex
	defs          map[string]Definition
	defaultPolicy resilience.Policy
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// SetDefaultPolicy 设置默认执行策略。之后注册的定义中未设置策略的
// 步骤（含补偿）在注册时填充为该策略，通常来自服务配置。
func (r *Registry) SetDefaultPolicy(p resilience.Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultPolicy = p
}

// Register 注册 saga 定义，定义非法或类型重复时报错
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Type]; exists {
		return sagaerrors.Newf(sagaerrors.CodeInvalidSagaDefinition, "saga type %q already registered", def.Type)
	}

	zero := resilience.Policy{}
	if r.defaultPolicy != zero {
		steps := make([]StepDefinition, len(def.Steps))
		copy(steps, def.Steps)
		for i := range steps {
			if steps[i].Policy == zero {
				steps[i].Policy = r.defaultPolicy
			}
			if steps[i].CompensationPolicy == zero {
				steps[i].CompensationPolicy = r.defaultPolicy
			}
		}
		def.Steps = steps
	}

	r.defs[def.Type] = def
	return nil
}

// Get 查询定义
func (r *Registry) Get(sagaType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[sagaType]
	return def, ok
}

// Types 已注册的类型
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	return out
}
