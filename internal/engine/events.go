package engine

// Event types appended to the per-instance event log. Names are stable;
// the CLI and tests match on them.
const (
	EventInstanceCreated   = "instance_created"
	EventInstanceCompleted = "instance_completed"
	EventInstanceCancelled = "instance_cancelled"

	EventFiberForked    = "fiber_forked"
	EventFiberRetired   = "fiber_retired"
	EventFiberCancelled = "fiber_cancelled"
	EventFiberFaulted   = "fiber_faulted"

	EventJobDispatched       = "job_dispatched"
	EventJobCompleted        = "job_completed"
	EventJobRetry            = "job_retry"
	EventCompletionDiscarded = "completion_discarded"
	EventStaleWakeup         = "stale_wakeup_discarded"

	EventMessageReceived    = "message_received"
	EventHumanCompleted     = "human_task_completed"
	EventDeadLetterConsumed = "deadletter_consumed"

	EventJoinFired    = "join_fired"
	EventJoinAbsorbed = "join_absorbed"

	EventIncidentCreated  = "incident_created"
	EventIncidentResolved = "incident_resolved"
)

// instanceLevelFiber is the fiber id recorded on instance-level events.
const instanceLevelFiber int64 = -1
