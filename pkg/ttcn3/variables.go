package ttcn3

import "sync"

// variableStore holds the session variables of the running ATS: module
// parameters seeded from the input session, plus anything user code sets
// along the way. The final state is dumped as the job's output session.
type variableStore struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

func newVariableStore() *variableStore {
	return &variableStore{values: make(map[string]interface{})}
}

func (s *variableStore) get(name string, def interface{}) interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[name]; ok {
		return v
	}
	return def
}

func (s *variableStore) set(name string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

func (s *variableStore) load(values map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.values[k] = v
	}
}

func (s *variableStore) snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// pushOverrides applies testcase-local overrides and returns the function
// restoring the previous state. A nil override map is a no-op.
func (s *variableStore) pushOverrides(overrides map[string]interface{}) func() {
	if len(overrides) == 0 {
		return func() {}
	}
	s.mu.Lock()
	saved := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		saved[k] = v
	}
	for k, v := range overrides {
		s.values[k] = v
	}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.values = saved
		s.mu.Unlock()
	}
}

// GetVariable returns the session variable under name, or def when it was
// never set. By convention, PX_-prefixed names are ATS parameters fed from
// the job's input session.
func GetVariable(name string, def interface{}) interface{} {
	return currentEnvironment().vars.get(name, def)
}

// SetVariable sets a session variable. The complete variable state at ATS
// end becomes the job's output session.
func SetVariable(name string, value interface{}) {
	currentEnvironment().vars.set(name, value)
}

// SessionSnapshot returns a copy of the current session variables.
func SessionSnapshot() map[string]interface{} {
	return currentEnvironment().vars.snapshot()
}
