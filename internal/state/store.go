package state

import (
	"fmt"
	"strings"
	"sync"
)

// Store is a thread-safe in-memory store for job templates and executions.
// Executions are handed out as copies; writers go through UpdateExecution.
type Store struct {
	mu         sync.RWMutex
	jobs       map[string]*Job       // keyed by full resource name
	executions map[string]*Execution // keyed by full resource name
}

func NewStore() *Store {
	return &Store{
		jobs:       make(map[string]*Job),
		executions: make(map[string]*Execution),
	}
}

// SaveJob stores a job definition.
func (s *Store) SaveJob(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
}

// GetJob retrieves a job by full resource name.
func (s *Store) GetJob(name string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", name)
	}
	return job, nil
}

// DeleteJob removes a job by full resource name.
func (s *Store) DeleteJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; !ok {
		return fmt.Errorf("job not found: %s", name)
	}
	delete(s.jobs, name)
	return nil
}

// ListJobs returns the templates below parent, or every template when parent
// is empty.
func (s *Store) ListJobs(parent string) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []*Job
	for _, job := range s.jobs {
		if under(job.Name, parent) {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// SaveExecution stores a copy of an execution record.
func (s *Store) SaveExecution(exec *Execution) {
	cp := *exec
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.Name] = &cp
}

// UpdateExecution applies fn to the stored record under the store lock.
func (s *Store) UpdateExecution(name string, fn func(*Execution)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[name]
	if !ok {
		return fmt.Errorf("execution not found: %s", name)
	}
	fn(exec)
	return nil
}

// GetExecution retrieves a copy of an execution by full resource name.
func (s *Store) GetExecution(name string) (Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[name]
	if !ok {
		return Execution{}, fmt.Errorf("execution not found: %s", name)
	}
	return *exec, nil
}

// DeleteExecution removes an execution by full resource name.
func (s *Store) DeleteExecution(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[name]; !ok {
		return fmt.Errorf("execution not found: %s", name)
	}
	delete(s.executions, name)
	return nil
}

// ListExecutions returns executions under a parent: a job name lists its
// executions, a location prefix lists every execution below it.
func (s *Store) ListExecutions(parent string) []Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var execs []Execution
	for _, exec := range s.executions {
		if under(exec.Name, parent) {
			execs = append(execs, *exec)
		}
	}
	return execs
}

func under(name, parent string) bool {
	return parent == "" || strings.HasPrefix(name, strings.TrimSuffix(parent, "/")+"/")
}

// parseLastSegment extracts the last path segment from a resource name.
func parseLastSegment(name string) string {
	parts := strings.Split(name, "/")
	if len(parts) == 0 {
		return name
	}
	return parts[len(parts)-1]
}
