package assessment

// =============================================================================
// SESSION STATUS
// =============================================================================
//
//   created -> started -> in_progress <-> paused -> completed
//
// expired and terminated are reachable from every non-terminal state.
// completed, expired and terminated are terminal.

type SessionStatus string

const (
	SessionCreated    SessionStatus = "created"
	SessionStarted    SessionStatus = "started"
	SessionInProgress SessionStatus = "in_progress"
	SessionPaused     SessionStatus = "paused"
	SessionCompleted  SessionStatus = "completed"
	SessionExpired    SessionStatus = "expired"
	SessionTerminated SessionStatus = "terminated"
)

// LiveSessionStatuses are the statuses that count towards the one-live-session
// per (test, user) rule.
var LiveSessionStatuses = []SessionStatus{
	SessionCreated, SessionStarted, SessionInProgress, SessionPaused,
}

func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionExpired || s == SessionTerminated
}

func (s SessionStatus) IsLive() bool {
	return s.IsValid() && !s.IsTerminal()
}

// AcceptsActivity reports whether progress-affecting operations may run.
func (s SessionStatus) AcceptsActivity() bool {
	return s == SessionStarted || s == SessionInProgress || s == SessionPaused
}

func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionCreated, SessionStarted, SessionInProgress, SessionPaused,
		SessionCompleted, SessionExpired, SessionTerminated:
		return true
	}
	return false
}

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionCreated:    {SessionStarted},
	SessionStarted:    {SessionInProgress, SessionCompleted},
	SessionInProgress: {SessionPaused, SessionCompleted},
	SessionPaused:     {SessionInProgress, SessionCompleted},
}

// CanTransition reports whether from -> to is a legal session transition.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if to == SessionExpired || to == SessionTerminated || to == s {
		return true
	}
	for _, next := range sessionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// =============================================================================
// TEST STATUS (content progress)
// =============================================================================
//
//   not_started -> started -> {in_mcq <-> in_coding} -> completed
//
// expired is reachable from any state.

type TestStatus string

const (
	TestNotStarted TestStatus = "not_started"
	TestStarted    TestStatus = "started"
	TestInMCQ      TestStatus = "in_mcq"
	TestInCoding   TestStatus = "in_coding"
	TestCompleted  TestStatus = "completed"
	TestExpired    TestStatus = "expired"
)

func (s TestStatus) IsValid() bool {
	switch s {
	case TestNotStarted, TestStarted, TestInMCQ, TestInCoding, TestCompleted, TestExpired:
		return true
	}
	return false
}

// InContent reports whether the candidate is inside a test section.
func (s TestStatus) InContent() bool {
	return s == TestInMCQ || s == TestInCoding
}

// IsTerminal reports whether s is set only by ending or expiring a session.
func (s TestStatus) IsTerminal() bool {
	return s == TestCompleted || s == TestExpired
}
