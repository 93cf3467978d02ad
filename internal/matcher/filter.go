package matcher

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// filterCache lazily compiles filter expressions and caches the programs
// keyed by source, so a webhook's predicate is compiled once per process.
type filterCache struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func newFilterCache() *filterCache {
	return &filterCache{programs: make(map[string]*vm.Program)}
}

// Compile validates a filter expression without evaluating it. Used by the
// registry at registration time.
func Compile(source string) error {
	_, err := expr.Compile(source, expr.AsBool())
	return err
}

func (c *filterCache) eval(source, eventType string, payload json.RawMessage) (bool, error) {
	prog, err := c.program(source)
	if err != nil {
		return false, err
	}

	var data map[string]interface{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			return false, fmt.Errorf("decode payload: %w", err)
		}
	}

	env := map[string]interface{}{
		"type":    eventType,
		"payload": data,
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate filter: %w", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("filter did not return bool")
	}
	return b, nil
}

func (c *filterCache) program(source string) (*vm.Program, error) {
	c.mu.RLock()
	prog, ok := c.programs[source]
	c.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(source, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}

	c.mu.Lock()
	c.programs[source] = prog
	c.mu.Unlock()
	return prog, nil
}
