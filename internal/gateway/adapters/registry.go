package adapters

import (
	"strings"
	"sync"

	gatewaydomain "github.com/smallbiznis/creditflow/internal/gateway/domain"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
)

// Registry resolves the operation that serves a metered action.
type Registry struct {
	mu         sync.RWMutex
	operations map[ledgerdomain.Action]gatewaydomain.Operation
}

func NewRegistry() *Registry {
	return &Registry{operations: map[ledgerdomain.Action]gatewaydomain.Operation{}}
}

func (r *Registry) Register(action ledgerdomain.Action, op gatewaydomain.Operation) {
	if op == nil {
		return
	}
	action = ledgerdomain.Action(strings.TrimSpace(string(action)))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations[action] = op
}

func (r *Registry) Lookup(action ledgerdomain.Action) (gatewaydomain.Operation, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.operations[action]
	return op, ok
}
