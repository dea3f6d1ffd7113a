package machine

// Error codes produced by the lifecycle manager and the runtime boundary.
const (
	// CodeDependencyFailed means a dependency agent errored or was cancelled.
	CodeDependencyFailed = "DEPENDENCY_FAILED"
	// CodeDependencyTimeout means the dependency wait exceeded its budget.
	CodeDependencyTimeout = "DEPENDENCY_TIMEOUT"
	// CodeThreadRegistrationFailed means the session-to-agent mapping could
	// not be registered.
	CodeThreadRegistrationFailed = "THREAD_REGISTRATION_FAILED"
	// CodeInitialMessageFailed means the first task message could not be sent.
	CodeInitialMessageFailed = "INITIAL_MESSAGE_FAILED"
	// CodeThreadStartFailed means the runtime session could not be started.
	CodeThreadStartFailed = "THREAD_START_FAILED"
	// CodePauseTimeout means a paused agent was not resumed in time.
	CodePauseTimeout = "PAUSE_TIMEOUT"
	// CodeSpawnFailed means agent creation failed before any session existed.
	CodeSpawnFailed = "SPAWN_FAILED"
	// CodeConnectionLost means the runtime session's stream dropped.
	CodeConnectionLost = "CONNECTION_LOST"
	// CodeNetworkError means a request to the runtime backend failed.
	CodeNetworkError = "NETWORK_ERROR"
	// CodeRequestTimeout means a runtime request timed out.
	CodeRequestTimeout = "REQUEST_TIMEOUT"
	// CodeRateLimited means the runtime backend rejected for rate limiting.
	CodeRateLimited = "RATE_LIMITED"
	// CodeTaskFailed means the runtime reported a failed turn.
	CodeTaskFailed = "TASK_FAILED"
)

// ErrorDomain locates which layer an error belongs to.
type ErrorDomain string

const (
	// DomainAgent errors are scoped to a single agent.
	DomainAgent ErrorDomain = "agent"
	// DomainPhase errors are scoped to a phase.
	DomainPhase ErrorDomain = "phase"
	// DomainWorkflow errors are scoped to the workflow.
	DomainWorkflow ErrorDomain = "workflow"
	// DomainSystem errors come from the runtime or host environment.
	DomainSystem ErrorDomain = "system"
)

// ErrorSeverity describes how an error may be handled.
type ErrorSeverity string

const (
	// SeverityRecoverable errors can be retried in place by the user.
	SeverityRecoverable ErrorSeverity = "recoverable"
	// SeverityTransient errors are safe to blind-retry.
	SeverityTransient ErrorSeverity = "transient"
	// SeverityTerminal errors are surfaced with no automated retry.
	SeverityTerminal ErrorSeverity = "terminal"
)

// Classification is the result of classifying an error code.
type Classification struct {
	// Code is the classified error code.
	Code string
	// Message is the original message, carried through for display.
	Message string
	// Domain locates the error.
	Domain ErrorDomain
	// Severity describes handling.
	Severity ErrorSeverity
	// CanRetry indicates a retry action should be offered.
	CanRetry bool
	// CanRecover indicates in-place recovery (resume/skip) is possible.
	CanRecover bool
	// Context carries structured details from the failure site.
	Context map[string]string
}

// knownCodes is the fixed classification table. Codes absent from this
// table classify as terminal and non-retryable.
var knownCodes = map[string]Classification{
	CodeDependencyFailed:         {Domain: DomainAgent, Severity: SeverityRecoverable, CanRetry: true, CanRecover: true},
	CodeDependencyTimeout:        {Domain: DomainAgent, Severity: SeverityTransient, CanRetry: true, CanRecover: true},
	CodePauseTimeout:             {Domain: DomainAgent, Severity: SeverityRecoverable, CanRetry: true, CanRecover: true},
	CodeSpawnFailed:              {Domain: DomainAgent, Severity: SeverityRecoverable, CanRetry: true, CanRecover: true},
	CodeThreadRegistrationFailed: {Domain: DomainSystem, Severity: SeverityRecoverable, CanRetry: true, CanRecover: true},
	CodeInitialMessageFailed:     {Domain: DomainSystem, Severity: SeverityRecoverable, CanRetry: true, CanRecover: true},
	CodeThreadStartFailed:        {Domain: DomainSystem, Severity: SeverityRecoverable, CanRetry: true, CanRecover: true},
	CodeConnectionLost:           {Domain: DomainSystem, Severity: SeverityRecoverable, CanRetry: true, CanRecover: true},
	CodeNetworkError:             {Domain: DomainSystem, Severity: SeverityTransient, CanRetry: true, CanRecover: false},
	CodeRequestTimeout:           {Domain: DomainSystem, Severity: SeverityTransient, CanRetry: true, CanRecover: false},
	CodeRateLimited:              {Domain: DomainSystem, Severity: SeverityTransient, CanRetry: true, CanRecover: false},
	CodeTaskFailed:               {Domain: DomainAgent, Severity: SeverityRecoverable, CanRetry: true, CanRecover: true},
}

// ClassifyError maps an error code to its domain, severity and the retry and
// recovery affordances. Unknown codes classify as terminal/non-retryable.
func ClassifyError(code, message string, context map[string]string) Classification {
	c, ok := knownCodes[code]
	if !ok {
		c = Classification{Domain: DomainSystem, Severity: SeverityTerminal}
	}
	c.Code = code
	c.Message = message
	c.Context = context
	return c
}

// IsRecoverableCode reports whether an agent carrying this error code should
// surface an error-recovery decision.
func IsRecoverableCode(code string) bool {
	c, ok := knownCodes[code]
	return ok && (c.Severity == SeverityRecoverable || c.Severity == SeverityTransient)
}
