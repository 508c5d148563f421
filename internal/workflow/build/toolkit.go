package build

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ScriptedToolkit is a Toolkit that performs no real work. Reviews and test
// runs fail a configured number of times before passing, which makes it
// useful for the demo command and for tests.
type ScriptedToolkit struct {
	ReviewFailures int // reviews that fail before one passes (negative: always fail)
	TestFailures   int // test runs that fail before one passes (negative: always fail)
	PlanSteps      int // steps returned by Plan (default 3)
	FailPhase      string

	mu      sync.Mutex
	reviews int
	tests   int
	calls   []string
}

func (s *ScriptedToolkit) record(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if s.FailPhase != "" && strings.HasPrefix(call, s.FailPhase) {
		return fmt.Errorf("%s failed", s.FailPhase)
	}
	return nil
}

// Calls returns every toolkit call in order.
func (s *ScriptedToolkit) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Count returns how many calls started with prefix.
func (s *ScriptedToolkit) Count(prefix string) int {
	n := 0
	for _, c := range s.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (s *ScriptedToolkit) SetupWorkspace(ctx context.Context, request string) (string, error) {
	if err := s.record("setup"); err != nil {
		return "", err
	}
	return "ws-" + uuid.NewString()[:8], nil
}

func (s *ScriptedToolkit) Analyze(ctx context.Context, workspace, request string) (string, error) {
	return "analysis of " + request, s.record("analyze")
}

func (s *ScriptedToolkit) Design(ctx context.Context, workspace, analysis string) (string, error) {
	return "design for " + analysis, s.record("design")
}

func (s *ScriptedToolkit) Plan(ctx context.Context, workspace, design string) ([]string, error) {
	if err := s.record("plan"); err != nil {
		return nil, err
	}
	n := s.PlanSteps
	if n <= 0 {
		n = 3
	}
	steps := make([]string, n)
	for i := range steps {
		steps[i] = fmt.Sprintf("step %d", i+1)
	}
	return steps, nil
}

func (s *ScriptedToolkit) Implement(ctx context.Context, workspace, step string) error {
	return s.record("implement:" + step)
}

func (s *ScriptedToolkit) Revise(ctx context.Context, workspace, feedback string) error {
	return s.record("revise")
}

func (s *ScriptedToolkit) Review(ctx context.Context, workspace string) (ReviewResult, error) {
	if err := s.record("review"); err != nil {
		return ReviewResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews++
	if s.ReviewFailures < 0 || s.reviews <= s.ReviewFailures {
		return ReviewResult{Passed: false, Feedback: fmt.Sprintf("round %d: missing error handling", s.reviews)}, nil
	}
	return ReviewResult{Passed: true}, nil
}

func (s *ScriptedToolkit) RunTests(ctx context.Context, workspace string) (TestResult, error) {
	if err := s.record("test"); err != nil {
		return TestResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tests++
	if s.TestFailures < 0 || s.tests <= s.TestFailures {
		return TestResult{Output: fmt.Sprintf("run %d\nFAIL TestCheckout", s.tests)}, nil
	}
	return TestResult{Passed: true, Output: "ok"}, nil
}

func (s *ScriptedToolkit) Debug(ctx context.Context, workspace, failure string) error {
	return s.record("debug")
}

func (s *ScriptedToolkit) Merge(ctx context.Context, workspace string) (string, error) {
	if err := s.record("merge"); err != nil {
		return "", err
	}
	return uuid.NewString()[:7], nil
}

func (s *ScriptedToolkit) Cleanup(ctx context.Context, workspace string) error {
	return s.record("cleanup")
}
