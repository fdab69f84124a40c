// Package capture defines core types shared across the control plane.
package capture

import (
	"encoding/json"
	"time"
)

// TaskKind distinguishes the unit of capture work.
type TaskKind string

// Supported task kinds.
const (
	KindSearch TaskKind = "search"
	KindPDP    TaskKind = "pdp"
	KindEnrich TaskKind = "enrich"
)

// TaskStatus represents the lifecycle state of a queued task.
// Transitions are monotonic: queued -> running -> done|failed, with a
// failure requeue back to queued while attempts remain.
type TaskStatus string

// Task status values persisted in the task queue.
const (
	TaskQueued  TaskStatus = "queued"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Task is one unit of capture work owned by the TaskQueue.
type Task struct {
	ID          string          `json:"id"`
	Kind        TaskKind        `json:"kind"`
	Params      json.RawMessage `json:"params"`
	Status      TaskStatus      `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ErrorText   string          `json:"error_text,omitempty"`
}

// TaskParams is the decoded shape of Task.Params understood by the
// transport. The control plane itself treats params as opaque; only the
// URL is read here, for logging labels.
type TaskParams struct {
	URL      string  `json:"url,omitempty"`
	Keyword  string  `json:"keyword,omitempty"`
	Page     int     `json:"page,omitempty"`
	TimeoutS float64 `json:"timeout_s,omitempty"`
}

// Profile is one browser/account/IP identity. Immutable during a run.
type Profile struct {
	Name              string        `mapstructure:"name" json:"name"`
	ProxyURL          string        `mapstructure:"proxy_url" json:"proxy_url,omitempty"`
	Locale            string        `mapstructure:"locale" json:"locale"`
	Timezone          string        `mapstructure:"timezone" json:"timezone"`
	UserDataDir       string        `mapstructure:"user_data_dir" json:"user_data_dir,omitempty"`
	RPSLimit          float64       `mapstructure:"rps_limit" json:"rps_limit"`
	Burst             int           `mapstructure:"burst" json:"burst"`
	PagesPerSession   int           `mapstructure:"pages_per_session" json:"pages_per_session"`
	MaxConcurrency    int           `mapstructure:"max_concurrency" json:"max_concurrency"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout" json:"inactivity_timeout"`
}

// SessionStatus tracks the health of a live browser session.
type SessionStatus string

// Session status values.
const (
	SessionHealthy  SessionStatus = "healthy"
	SessionDegraded SessionStatus = "degraded"
	SessionTripped  SessionStatus = "tripped"
)

// Session is one live browser-capture instance bound to a Profile. At most
// one live Session exists per Profile; the dispatcher owns that invariant.
type Session struct {
	ID            string        `json:"id"`
	ProfileName   string        `json:"profile_name"`
	PagesCaptured int           `json:"pages_captured"`
	StartedAt     time.Time     `json:"started_at"`
	Status        SessionStatus `json:"status"`
}

// BlockReason classifies why a profile was judged blocked.
type BlockReason string

// Block reasons reported to the circuit breaker.
const (
	BlockNone       BlockReason = ""
	BlockCaptcha    BlockReason = "captcha"
	BlockLoginWall  BlockReason = "login_wall"
	BlockStatusCode BlockReason = "block_status"
	BlockInactivity BlockReason = "inactivity"
)

// Result is what the transport returns for one executed task. The control
// plane never sees response bodies; it only learns whether a block signal
// fired and whether any filtered endpoint produced a capture event.
type Result struct {
	StatusCode int           `json:"status_code"`
	Matched    int           `json:"matched"`
	Block      BlockReason   `json:"block"`
	Duration   time.Duration `json:"duration"`
}

// FailureReason tags expected task failures in TaskResult.
type FailureReason string

// Expected failure modes surfaced by the dispatcher.
const (
	FailNone           FailureReason = ""
	FailRateLimited    FailureReason = "rate_limited"
	FailCircuitTripped FailureReason = "circuit_tripped"
	FailTimeout        FailureReason = "timeout"
	FailTransport      FailureReason = "transport_error"
)

// TaskResult is the per-task outcome returned by the dispatcher. Expected
// failures carry a reason instead of an error; only defects propagate as
// errors out of Run.
type TaskResult struct {
	TaskID   string        `json:"task_id"`
	Status   TaskStatus    `json:"status"`
	Reason   FailureReason `json:"reason,omitempty"`
	Result   Result        `json:"result"`
	Attempts int           `json:"attempts"`
}
