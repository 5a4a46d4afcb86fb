package store

// InstanceStatus is the lifecycle state of a process instance. Instances
// are never deleted; terminal states archive them in place.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceIncident  InstanceStatus = "incident"
	InstanceCancelled InstanceStatus = "cancelled"
)

// WaitState is the suspension state of a fiber. Only WAIT_* instructions
// put a fiber into a non-running wait state.
type WaitState string

const (
	WaitRunning  WaitState = "running"
	WaitJob      WaitState = "awaiting_job"
	WaitMessage  WaitState = "awaiting_message"
	WaitHuman    WaitState = "awaiting_human"
	WaitJoin     WaitState = "awaiting_join"
)

// FiberStatus distinguishes live fibers from retired ones.
type FiberStatus string

const (
	FiberActive    FiberStatus = "active"
	FiberRetired   FiberStatus = "retired"
	FiberCancelled FiberStatus = "cancelled"
	FiberFaulted   FiberStatus = "faulted"
)

// JobStatus is the dispatch state of a job queue entry.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobClaimed   JobStatus = "claimed"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Instance is the durable state of one running workflow.
// BytecodeVersion is pinned at creation and never migrated mid-flight.
type Instance struct {
	InstanceID      string            `json:"instance_id"`
	ProcessKey      string            `json:"process_key"`
	BytecodeVersion string            `json:"bytecode_version"`
	Payload         []byte            `json:"payload"`
	PayloadHash     string            `json:"payload_hash"`
	Flags           map[string]bool   `json:"flags"`
	Counters        map[string]int64  `json:"counters"`
	JoinExpected    map[string]int    `json:"join_expected"`
	CorrKeys        map[string]string `json:"corr_keys,omitempty"`
	CorrelationID   string            `json:"correlation_id"`
	Status          InstanceStatus    `json:"status"`
}

// Fiber is one resumable thread of control within an instance. PC, Stack
// and Regs are the complete machine state: resumption rehydrates them and
// continues, never re-executing earlier instructions.
type Fiber struct {
	InstanceID string           `json:"instance_id"`
	FiberID    int64            `json:"fiber_id"`
	PC         int64            `json:"pc"`
	Stack      []int64          `json:"stack"`
	Regs       map[string]int64 `json:"regs"`
	WaitState  WaitState        `json:"wait_state"`
	WaitName   string           `json:"wait_name,omitempty"`
	WaitKey    string           `json:"wait_key,omitempty"`
	LoopEpoch  int64            `json:"loop_epoch"`
	ForkGroup  string           `json:"fork_group,omitempty"`
	Status     FiberStatus      `json:"status"`
}

// JobEntry is one unit of dispatched service-task work.
type JobEntry struct {
	JobKey           string    `json:"job_key"`
	InstanceID       string    `json:"instance_id"`
	FiberID          int64     `json:"fiber_id"`
	NodeID           string    `json:"node_id"`
	TaskType         string    `json:"task_type"`
	Payload          []byte    `json:"payload"`
	PayloadHash      string    `json:"payload_hash"`
	LoopEpoch        int64     `json:"loop_epoch"`
	RetriesRemaining int64     `json:"retries_remaining"`
	Status           JobStatus `json:"status"`
	ClaimedAt        int64     `json:"claimed_at,omitempty"` // unix milli, 0 = unclaimed
	ClaimedBy        string    `json:"claimed_by,omitempty"`
}

// DeadLetter is an unmatched completion or message, buffered until a
// matching waiter registers or the entry expires.
type DeadLetter struct {
	Name      string `json:"name"`
	CorrKey   string `json:"corr_key"`
	Payload   []byte `json:"payload"`
	ExpiresAt int64  `json:"expires_at"` // unix milli
}

// Event is one append-only event log entry. Seq is strictly increasing and
// gap-free per instance. FiberID is -1 for instance-level events.
type Event struct {
	InstanceID string         `json:"instance_id"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"event_type"`
	FiberID    int64          `json:"fiber_id"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Incident is a surfaced, unresolved fiber/task failure. Terminal until
// explicitly resolved by an operator.
type Incident struct {
	IncidentID    string `json:"incident_id"`
	InstanceID    string `json:"instance_id"`
	FiberID       int64  `json:"fiber_id"`
	ServiceTaskID string `json:"service_task_id,omitempty"`
	BytecodeAddr  int64  `json:"bytecode_addr"`
	ErrorClass    string `json:"error_class"`
	Message       string `json:"message"`
	RetryCount    int64  `json:"retry_count"`
	ResolvedAt    int64  `json:"resolved_at,omitempty"` // unix milli, 0 = open
	Resolution    string `json:"resolution,omitempty"`
}

// TemplateState is the lifecycle state of a workflow template.
// draft -> published -> retired; published content is immutable and
// retirement is non-reversible (enforced by schema triggers).
type TemplateState string

const (
	TemplateDraft     TemplateState = "draft"
	TemplatePublished TemplateState = "published"
	TemplateRetired   TemplateState = "retired"
)

// Template is one workflow template row.
type Template struct {
	ProcessKey string        `json:"process_key"`
	Version    string        `json:"version"`
	State      TemplateState `json:"state"`
	Content    []byte        `json:"content"`
}
