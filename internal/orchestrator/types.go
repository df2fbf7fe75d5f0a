// Package orchestrator wires every core subsystem (router, ToT executor,
// scorer, reflection judge, fail-safe controller, lock manager, deadlock
// detector, sandbox runner, experience repository) into the single
// top-level coordinator described in spec §4.12: for each incoming task it
// chooses fast or slow, runs it, and records the outcome.
package orchestrator

import (
	"time"

	"github.com/agentforge/agentcore/internal/reasoning"
	"github.com/agentforge/agentcore/internal/reflection"
	"github.com/agentforge/agentcore/internal/scoring"
)

// Request is the in-process API's incoming task, matching spec §6's
// orchestrator request shape.
type Request struct {
	TaskDescription string
	SessionID       string
	TargetFiles     []string
	CodeSnippet     string
	MaxAttempts     int // 0 defaults to 3
}

// Response is the in-process API's reply, matching spec §6.
type Response struct {
	Verdict         reflection.Verdict
	Path            reasoning.Path
	StrategySummary string
	Score           scoring.StrategyScore
	Attempts        int
	ElapsedMs       int64
	Errors          []string
}

// SessionState is one AgentSession lifecycle state.
type SessionState string

const (
	SessionIdle       SessionState = "IDLE"
	SessionWaiting    SessionState = "WAITING"
	SessionRunning    SessionState = "RUNNING"
	SessionTerminated SessionState = "TERMINATED"
)

// AgentSession is owned by the Orchestrator for the duration of one task.
// State transitions are linear except that WAITING and RUNNING may
// alternate (e.g. a slow-path task waiting on a contested lock, then
// running once it acquires it).
type AgentSession struct {
	AgentID   string
	AgentType string
	Priority  int
	StartedAt time.Time
	state     SessionState
}

// NewAgentSession creates a session in the IDLE state.
func NewAgentSession(agentID, agentType string, priority int) *AgentSession {
	return &AgentSession{AgentID: agentID, AgentType: agentType, Priority: priority, StartedAt: time.Now(), state: SessionIdle}
}

// State returns the session's current state.
func (s *AgentSession) State() SessionState { return s.state }

// transitions lists the only state changes AgentSession permits.
var transitions = map[SessionState]map[SessionState]bool{
	SessionIdle:       {SessionWaiting: true, SessionRunning: true, SessionTerminated: true},
	SessionWaiting:    {SessionRunning: true, SessionTerminated: true},
	SessionRunning:    {SessionWaiting: true, SessionTerminated: true},
	SessionTerminated: {},
}

// Transition moves the session to next, reporting false if the move is not
// one of the permitted linear/alternating transitions.
func (s *AgentSession) Transition(next SessionState) bool {
	if !transitions[s.state][next] {
		return false
	}
	s.state = next
	return true
}

// fastResult bundles a fast-path attempt's strategy, execution and
// verdict so Orchestrator.Run can build a Response from either path
// uniformly.
type fastResult struct {
	strategy reasoning.Strategy
	score    scoring.StrategyScore
	decision reflection.Decision
}

// slowResult is the analogous bundle for the winning strategy of a
// slow-path attempt.
type slowResult struct {
	strategy reasoning.Strategy
	score    scoring.StrategyScore
	decision reflection.Decision
	attempts int
}
