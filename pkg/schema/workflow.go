package schema

// WorkflowDefinition is the JSON/YAML-serializable graph a run is started from.
// Users may edit it between runs; each run evaluates an immutable snapshot.
type WorkflowDefinition struct {
	ID             string              `json:"id" yaml:"id"`
	Name           string              `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes          []NodeDefinition    `json:"nodes" yaml:"nodes"`
	Edges          []EdgeDefinition    `json:"edges,omitempty" yaml:"edges,omitempty"`
	TimeoutSeconds int                 `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxRetries     int                 `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Postponement   *PostponementPolicy `json:"postponement,omitempty" yaml:"postponement,omitempty"`
	Metadata       map[string]any      `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NodeDefinition describes a task slot in the graph.
type NodeDefinition struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Task string `json:"task,omitempty" yaml:"task,omitempty"` // handed to the Executor (default: id)

	StartCondition StartCondition `json:"start_transition_condition,omitempty" yaml:"start_transition_condition,omitempty"` // default: ALL
	StartThreshold float64        `json:"start_threshold,omitempty" yaml:"start_threshold,omitempty"`                       // k for COUNT_AT_LEAST, r for RATIO_AT_LEAST

	FailureBehavior            FailureBehavior `json:"failure_behavior,omitempty" yaml:"failure_behavior,omitempty"` // default: FAIL_IF_UNHANDLED
	TimeoutBehavior            TimeoutBehavior `json:"timeout_behavior,omitempty" yaml:"timeout_behavior,omitempty"` // default: TIMEOUT_IF_UNHANDLED
	AllowExecutionAfterFailure bool            `json:"allow_execution_after_failure,omitempty" yaml:"allow_execution_after_failure,omitempty"`
	AllowExecutionAfterTimeout bool            `json:"allow_execution_after_timeout,omitempty" yaml:"allow_execution_after_timeout,omitempty"`

	MaxCompleteExecutions                   int  `json:"max_complete_executions,omitempty" yaml:"max_complete_executions,omitempty"` // 0 = unlimited
	ShouldEvalTransitionsAfterFirstExecution bool `json:"should_eval_transitions_after_first_execution,omitempty" yaml:"should_eval_transitions_after_first_execution,omitempty"`

	Postponement *PostponementPolicy `json:"postponement,omitempty" yaml:"postponement,omitempty"`
}

// TaskName returns the task handed to the Executor.
func (n *NodeDefinition) TaskName() string {
	if n.Task != "" {
		return n.Task
	}
	return n.ID
}

// EdgeDefinition is a conditionally-firing link between two nodes.
type EdgeDefinition struct {
	ID         string   `json:"id" yaml:"id"`
	From       string   `json:"from" yaml:"from"`
	To         string   `json:"to" yaml:"to"`
	Rule       RuleType `json:"rule_type,omitempty" yaml:"rule_type,omitempty"` // default: ALWAYS
	ExitCodes  []int    `json:"exit_codes,omitempty" yaml:"exit_codes,omitempty"`
	Threshold  float64  `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Expression string   `json:"expression,omitempty" yaml:"expression,omitempty"`
	Priority   int      `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// StartCondition is a node's activation gate mode.
type StartCondition string

const (
	StartAll          StartCondition = "ALL"
	StartAny          StartCondition = "ANY"
	StartCountAtLeast StartCondition = "COUNT_AT_LEAST"
	StartRatioAtLeast StartCondition = "RATIO_AT_LEAST"
)

// FailureBehavior controls how a failed node affects the run status.
type FailureBehavior string

const (
	FailureIgnore          FailureBehavior = "IGNORE"
	FailureFailIfUnhandled FailureBehavior = "FAIL_IF_UNHANDLED"
	FailureFailAlways      FailureBehavior = "FAIL_ALWAYS"
)

// TimeoutBehavior controls how a timed-out node affects the run status.
type TimeoutBehavior string

const (
	TimeoutIgnore             TimeoutBehavior = "IGNORE"
	TimeoutFailIfUnhandled    TimeoutBehavior = "FAIL_IF_UNHANDLED"
	TimeoutFailAlways         TimeoutBehavior = "FAIL_ALWAYS"
	TimeoutTimeoutIfUnhandled TimeoutBehavior = "TIMEOUT_IF_UNHANDLED"
	TimeoutTimeoutAlways      TimeoutBehavior = "TIMEOUT_ALWAYS"
)

// RuleType decides when an edge fires.
type RuleType string

const (
	RuleAlways     RuleType = "ALWAYS"
	RuleOnSuccess  RuleType = "ON_SUCCESS"
	RuleOnFailure  RuleType = "ON_FAILURE"
	RuleOnTimeout  RuleType = "ON_TIMEOUT"
	RuleOnExitCode RuleType = "ON_EXIT_CODE"
	RuleThreshold  RuleType = "THRESHOLD"
	RuleCustom     RuleType = "CUSTOM"
	RuleDefault    RuleType = "DEFAULT"
)

// IsSupported reports whether the engine can evaluate the rule.
// THRESHOLD and CUSTOM are declared for definition compatibility only.
func (r RuleType) IsSupported() bool {
	switch r {
	case RuleAlways, RuleOnSuccess, RuleOnFailure, RuleOnTimeout, RuleOnExitCode, RuleDefault:
		return true
	}
	return false
}

// PostponementRule configures delayed alerting for one failing status.
type PostponementRule struct {
	PostponedBeforeSuccessSeconds int `json:"postponed_before_success_seconds,omitempty" yaml:"postponed_before_success_seconds,omitempty"`
	MaxPostponedCount             int `json:"max_postponed_count,omitempty" yaml:"max_postponed_count,omitempty"`
	RequiredSuccessCountToClear   int `json:"required_success_count_to_clear,omitempty" yaml:"required_success_count_to_clear,omitempty"`
}

// Enabled reports whether the rule postpones anything at all.
func (r PostponementRule) Enabled() bool {
	return r.PostponedBeforeSuccessSeconds > 0 && r.MaxPostponedCount > 0
}

// PostponementPolicy holds one rule per failing status.
type PostponementPolicy struct {
	Failure PostponementRule `json:"failure,omitempty" yaml:"failure,omitempty"`
	Timeout PostponementRule `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// RuleFor returns the rule governing status, and false for non-failing statuses.
func (p *PostponementPolicy) RuleFor(status string) (PostponementRule, bool) {
	if p == nil {
		return PostponementRule{}, false
	}
	switch status {
	case StatusFailed:
		return p.Failure, true
	case StatusTimedOut:
		return p.Timeout, true
	}
	return PostponementRule{}, false
}
