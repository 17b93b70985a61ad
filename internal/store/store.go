// Package store defines the State Store: the relational embedded-store
// contract for conversations, messages, memory state, jobs, schedules,
// skills, secrets, memory-entry metadata, handoff notes and the changelog.
// The concrete backend is sqlite3, built on goqu-generated SQL and ulid
// primary keys.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/worldline-go/types"

	"github.com/rakunlabs/brain/internal/crypto"
)

// ErrNotFound is returned when a lookup by id/key finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrVersionConflict is returned by optimistic-lock updates (MemoryState,
// terminal JobRow) when the expected version/state no longer matches.
var ErrVersionConflict = errors.New("store: version conflict")

// Conversation is the parent of a message thread.
type Conversation struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a single turn. Insertion order is stable; CreatedAt is
// server-assigned at append time.
type Message struct {
	ID             string
	ConversationID string
	Role           string // user | assistant
	Content        string
	CreatedAt      time.Time
}

// MemoryState tracks the conversation's unobserved-token and
// turns-since-reflection counters. Version increases monotonically; every
// update is conditional on the caller's prior-observed version.
type MemoryState struct {
	ConversationID       string
	Version              int64
	UnobservedTokenCount int
	TurnsSinceReflection int
	LastObserverAt       *time.Time
	LastReflectorAt      *time.Time
}

// Job statuses. Terminal iff Completed or Failed; terminal jobs are immutable.
const (
	JobStatusDispatched = "dispatched"
	JobStatusReceived   = "received"
	JobStatusRunning    = "running"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// JobType enumerates what a job/schedule/taskpod executes.
const (
	JobTypeAgent   = "agent"
	JobTypeCommand = "command"
	JobTypeHTTP    = "http"
)

func JobIsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// JobRow is a dispatched unit of work and its lifecycle.
type JobRow struct {
	JobID      string
	Type       string
	Status     string
	WorkerID   string
	Result     string
	Error      string
	DurationMs int64
	Source     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ScheduleRow is a cron-driven recurring job definition.
type ScheduleRow struct {
	ID         string
	Name       string
	CronExpr   string
	Type       string
	Config     string // JSON
	Enabled    bool
	LastRunAt  types.Null[types.Time]
	LastStatus string
	LastOutput string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Skill tiers determine how the registry binds the skill.
const (
	SkillTierInstruction = "instruction"
	SkillTierStdio       = "stdio"
	SkillTierSidecar     = "sidecar"
	SkillTierService     = "service"
)

// SkillOwner gates whether the agent may modify a row.
const (
	SkillOwnerSystem = "system"
	SkillOwnerAgent  = "agent"
)

// SkillRow is a registered tool binding.
type SkillRow struct {
	ID                 string
	Name               string
	Version            string
	Description        string
	Tier               string
	Transport          string
	Enabled            bool
	Config             string // JSON
	Owner              string
	StdioCommand       string
	StdioArgs          string // JSON array
	HTTPURL            string
	InstructionPath    string
	InstructionContent string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// MemoryEntryMeta mirrors the metadata half of a vector-store memory entry;
// the embedding itself lives in the Memory Service's vector store.
type MemoryEntryMeta struct {
	ID        string
	Content   string
	Category  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HandoffNote is append-only; the newest row is authoritative.
type HandoffNote struct {
	ID                  string
	FromVersion         string
	ToVersion           string
	ActiveConversations string // JSON
	PendingSchedules    string // JSON
	CreatedAt           time.Time
}

// ChangelogEntry is delivered to the user once per version.
type ChangelogEntry struct {
	Version   string
	Summary   string
	Delivered bool
}

// TaskPodRow tracks an ephemeral isolated task execution.
type TaskPodRow struct {
	TaskID       string
	Recipe       string
	Toolbox      string
	Mode         string // agent | script
	Goal         string
	Mounts       string // JSON
	JobName      string
	Status       string
	Result       string
	Error        string
	DurationMs   int64
	FilesChanged string // JSON
	TraceID      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SecretRecord is a provider/API credential. Value is stored encrypted at
// rest (see internal/crypto) and only ever surfaced masked over HTTP.
type SecretRecord struct {
	ID        string
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the full State Store contract. The sqlite3 backend implements
// it; callers depend on this interface, not the concrete backend.
type Store interface {
	Close()

	CreateConversation(ctx context.Context, title string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, conversationID, role, content string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)

	GetOrCreateMemoryState(ctx context.Context, conversationID string) (*MemoryState, error)
	// UpdateMemoryState applies fn's mutation and writes it back iff the row's
	// version still matches expectedVersion, else returns ErrVersionConflict.
	UpdateMemoryState(ctx context.Context, conversationID string, expectedVersion int64, fn func(*MemoryState)) (*MemoryState, error)

	CreateJob(ctx context.Context, jobID, jobType, source string) (*JobRow, error)
	GetJob(ctx context.Context, jobID string) (*JobRow, error)
	ListJobs(ctx context.Context) ([]JobRow, error)
	// UpdateJobStatus transitions a job. Returns ErrVersionConflict if the
	// job is already terminal.
	UpdateJobStatus(ctx context.Context, jobID, status, workerID, result, errMsg string, durationMs int64) (*JobRow, error)

	CreateSchedule(ctx context.Context, s ScheduleRow) (*ScheduleRow, error)
	GetSchedule(ctx context.Context, id string) (*ScheduleRow, error)
	ListSchedules(ctx context.Context) ([]ScheduleRow, error)
	UpdateSchedule(ctx context.Context, s ScheduleRow) (*ScheduleRow, error)
	DeleteSchedule(ctx context.Context, id string) error
	RecordScheduleRun(ctx context.Context, id, status, output string) error

	CreateSkill(ctx context.Context, s SkillRow) (*SkillRow, error)
	GetSkill(ctx context.Context, id string) (*SkillRow, error)
	ListSkills(ctx context.Context) ([]SkillRow, error)
	UpdateSkill(ctx context.Context, s SkillRow) (*SkillRow, error)
	DeleteSkill(ctx context.Context, id string) error

	CreateMemoryEntryMeta(ctx context.Context, content, category string) (*MemoryEntryMeta, error)
	ListMemoryEntryMeta(ctx context.Context, category string) ([]MemoryEntryMeta, error)
	DeleteMemoryEntryMeta(ctx context.Context, id string) error

	CreateHandoffNote(ctx context.Context, n HandoffNote) (*HandoffNote, error)
	LatestHandoffNote(ctx context.Context) (*HandoffNote, error)

	CreateChangelogEntry(ctx context.Context, version, summary string) error
	UndeliveredChangelog(ctx context.Context) ([]ChangelogEntry, error)
	MarkChangelogDelivered(ctx context.Context, version string) error

	CreateTaskPodRow(ctx context.Context, t TaskPodRow) (*TaskPodRow, error)
	UpdateTaskPodRow(ctx context.Context, t TaskPodRow) (*TaskPodRow, error)
	GetTaskPodRow(ctx context.Context, taskID string) (*TaskPodRow, error)

	PutSecret(ctx context.Context, key, value string) (*SecretRecord, error)
	GetSecretMasked(ctx context.Context, key string) (*SecretRecord, error)
	ListSecretsMasked(ctx context.Context) ([]SecretRecord, error)
	DeleteSecret(ctx context.Context, key string) error
	// RotateEncryptionKey re-seals every stored secret under newCipher
	// (nil disables encryption) and commits the rewrite atomically.
	RotateEncryptionKey(ctx context.Context, newCipher *crypto.Cipher) error
}

// MaskSecret elides all but the last four characters of a secret value, per
// the HTTP Surface's "secrets are returned masked" contract.
func MaskSecret(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	masked := make([]byte, len(value)-4)
	for i := range masked {
		masked[i] = '*'
	}
	return string(masked) + value[len(value)-4:]
}
