package bus

// Queue and worker topics.
const (
	TopicQueueEnqueued   = "queue.enqueued"
	TopicQueueDeadLetter = "queue.dead_letter"
	TopicDrainStarted    = "drain.started"
	TopicDrainBusy       = "drain.busy"
	TopicDrainFinished   = "drain.finished"
	TopicEventProcessed  = "event.processed"
	TopicEventFailed     = "event.failed"
)

// Orchestration loop topics.
const (
	TopicLoopStarted    = "loop.started"
	TopicLoopStep       = "loop.step"
	TopicLoopCompleted  = "loop.completed"
	TopicLoopBudget     = "loop.budget_exceeded"
	TopicReplyDelivered = "reply.delivered"
)

// EnqueuedEvent is published after an event is appended to a queue.
type EnqueuedEvent struct {
	Kind       string `json:"kind"`
	QueueDepth int    `json:"queue_depth"`
}

// DrainEvent describes one drain run.
type DrainEvent struct {
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Reason    string `json:"reason,omitempty"`
}

// LoopStepEvent describes one orchestration step.
type LoopStepEvent struct {
	LoopID   string `json:"loop_id"`
	Step     int    `json:"step"`
	MaxSteps int    `json:"max_steps,omitempty"`
	Service  string `json:"service,omitempty"`
	Function string `json:"function,omitempty"`
	Status   string `json:"status,omitempty"`
}

// DeadLetterEvent is published when an event is moved aside.
type DeadLetterEvent struct {
	Reason string `json:"reason"`
}
