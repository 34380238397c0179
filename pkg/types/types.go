package types

import (
	"time"
)

// Conversation is a long-lived chat context identified by a stable opaque id.
type Conversation struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Folder      string    `json:"folder"` // slug used for file mounts
	Trigger     string    `json:"trigger"`
	IsMain      bool      `json:"is_main"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message is an inbound chat message from a channel adapter.
type Message struct {
	ConversationID  string    `json:"conversation_id"`
	Body            string    `json:"body"`
	Author          string    `json:"author"`
	DeliveryID      string    `json:"delivery_id"`
	ReceivedAt      time.Time `json:"received_at"`
	OriginTimestamp time.Time `json:"origin_timestamp"`
	Scheduled       bool      `json:"scheduled,omitempty"` // synthesized by the scheduler or heartbeat
}

// EntryState is the queue entry lifecycle state.
type EntryState string

const (
	EntryStatePending    EntryState = "pending"
	EntryStateInFlight   EntryState = "in-flight"
	EntryStateDone       EntryState = "done"
	EntryStateRetry      EntryState = "retry"
	EntryStateDeadLetter EntryState = "dead-letter"
)

// QueueEntry wraps a message batch queued for one conversation.
type QueueEntry struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Messages       []*Message `json:"messages"`
	State          EntryState `json:"state"`
	Attempts       int        `json:"attempts"`
	FirstSeenAt    time.Time  `json:"first_seen_at"`
	NextEligibleAt time.Time  `json:"next_eligible_at"`
	LastError      string     `json:"last_error,omitempty"`
}

// InstanceState is the container instance lifecycle state.
type InstanceState string

const (
	InstanceStateWarming  InstanceState = "warming"
	InstanceStateReady    InstanceState = "ready"
	InstanceStateInUse    InstanceState = "in-use"
	InstanceStateDraining InstanceState = "draining"
)

// Instance is a sandbox container tracked by the pool.
type Instance struct {
	Name           string        `json:"name"`
	State          InstanceState `json:"state"`
	CreatedAt      time.Time     `json:"created_at"`
	ReuseCount     int           `json:"reuse_count"`
	LastUsedAt     time.Time     `json:"last_used_at"`
	ConversationID string        `json:"conversation_id,omitempty"` // bound conversation, empty when idle
}

// Session tracks an agent's accumulated context within one container lifetime.
type Session struct {
	ConversationID string    `json:"conversation_id"`
	Token          string    `json:"token"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ScheduleKind discriminates scheduled job kinds.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
)

// JobStatus is the scheduled job status.
type JobStatus string

const (
	JobStatusActive    JobStatus = "active"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCancelled JobStatus = "cancelled"
)

// ContextMode controls whether a scheduled prompt shares the group session.
type ContextMode string

const (
	ContextGrouped  ContextMode = "grouped"
	ContextIsolated ContextMode = "isolated"
)

// ScheduledJob is a persistent cron/interval/one-shot job.
type ScheduledJob struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Kind           ScheduleKind `json:"kind"`
	// Value holds a cron expression, an interval in milliseconds, or a
	// local timestamp, depending on Kind.
	Value       string      `json:"value"`
	Prompt      string      `json:"prompt"`
	ContextMode ContextMode `json:"context_mode"`
	Status      JobStatus   `json:"status"`
	NextRun     time.Time   `json:"next_run"`
	LastRun     time.Time   `json:"last_run,omitempty"`
	LastResult  string      `json:"last_result,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// HeartbeatCategory classifies heartbeat jobs.
type HeartbeatCategory string

const (
	HeartbeatLearning HeartbeatCategory = "learning"
	HeartbeatMonitor  HeartbeatCategory = "monitor"
	HeartbeatHealth   HeartbeatCategory = "health"
	HeartbeatCustom   HeartbeatCategory = "custom"
)

// HeartbeatJob is a recurring self-check producing ok-or-alert.
type HeartbeatJob struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Category       HeartbeatCategory `json:"category"`
	Prompt         string            `json:"prompt"`
	LastRun        time.Time         `json:"last_run,omitempty"`
	LastAlert      string            `json:"last_alert,omitempty"`
	LastAlertAt    time.Time         `json:"last_alert_at,omitempty"`
}

// DeadLetter is a permanent record of a message the system failed to
// process within retry policy. Never auto-purged.
type DeadLetter struct {
	DeliveryID string      `json:"delivery_id"`
	Entry      *QueueEntry `json:"entry"`
	FinalError string      `json:"final_error"`
	ArrivedAt  time.Time   `json:"arrived_at"`
}

// Layer identifies a memory layer. The empty string is the legacy
// (pre-migration) layer, treated as semantic for retrieval.
type Layer string

const (
	LayerUserModel  Layer = "user_model"
	LayerProcedural Layer = "procedural"
	LayerSemantic   Layer = "semantic"
	LayerEpisodic   Layer = "episodic"
	LayerLegacy     Layer = ""
)

// Document is a memory store record. Confidence and decay are stored as
// integers 0..100; use ScoreToFloat/FloatToScore at the boundary.
type Document struct {
	ID             string     `json:"id"`
	Layer          Layer      `json:"layer"`
	Type           string     `json:"type"`
	SourcePath     string     `json:"source_path,omitempty"`
	Content        string     `json:"content"`
	ContentIndexed bool       `json:"content_indexed"`
	Origin         string     `json:"origin,omitempty"`
	Project        string     `json:"project,omitempty"` // empty means universal
	Concepts       string     `json:"concepts,omitempty"` // JSON envelope, shape depends on layer
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	AccessCount    int        `json:"access_count"`
	LastAccessedAt time.Time  `json:"last_accessed_at,omitempty"`
	Confidence     int        `json:"confidence"`  // 0..100
	DecayScore     int        `json:"decay_score"` // 0..100
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	IsPrivate      bool       `json:"is_private"`
	CreatedBy      string     `json:"created_by,omitempty"`
	SupersededBy   string     `json:"superseded_by,omitempty"`
}

// UserModel is the concepts envelope for user_model documents.
type UserModel struct {
	UserID       string                 `json:"userId"`
	Expertise    map[string]string      `json:"expertise,omitempty"`
	Preferences  map[string]interface{} `json:"preferences,omitempty"`
	CommonTopics []string               `json:"commonTopics,omitempty"`
	Timezone     string                 `json:"timezone,omitempty"`
	Notes        string                 `json:"notes,omitempty"`
}

// ProceduralMemory is the concepts envelope for procedural documents.
type ProceduralMemory struct {
	Trigger      string     `json:"trigger"`
	Steps        []string   `json:"steps"`
	Source       string     `json:"source,omitempty"`
	SuccessCount int        `json:"successCount"`
	LastUsed     *time.Time `json:"lastUsed,omitempty"`
}

// EpisodeOutcome classifies how an episode ended.
type EpisodeOutcome string

const (
	OutcomeSuccess EpisodeOutcome = "success"
	OutcomePartial EpisodeOutcome = "partial"
	OutcomeFailed  EpisodeOutcome = "failed"
	OutcomeUnknown EpisodeOutcome = "unknown"
)

// EpisodicMemory is the concepts envelope for episodic documents.
type EpisodicMemory struct {
	UserID     string         `json:"userId"`
	GroupID    string         `json:"groupId,omitempty"`
	Summary    string         `json:"summary"`
	Topics     []string       `json:"topics,omitempty"`
	Outcome    EpisodeOutcome `json:"outcome"`
	DurationMs int64          `json:"durationMs,omitempty"`
	RecordedAt time.Time      `json:"recordedAt"`
}

// SupersedeRecord is one row of the supersede log. Supersession is
// reversible by reading the log; documents are never deleted.
type SupersedeRecord struct {
	ID           int64     `json:"id"`
	SupersededID string    `json:"superseded_id"`
	SurvivorID   string    `json:"survivor_id"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

// ScoreToFloat converts a stored 0..100 score to [0,1].
func ScoreToFloat(v int) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 1
	}
	return float64(v) / 100.0
}

// FloatToScore converts a [0,1] score to the stored 0..100 integer.
func FloatToScore(f float64) int {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 100
	}
	return int(f*100 + 0.5)
}

// EffectiveLayer maps the legacy null layer onto semantic for retrieval
// and filtering.
func EffectiveLayer(l Layer) Layer {
	if l == LayerLegacy {
		return LayerSemantic
	}
	return l
}
