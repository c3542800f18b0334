// ABOUTME: Store interfaces and data types for fleetcore persistence
// ABOUTME: Defines credentials, messages, jobs, commands, links and their store contracts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicatePrefix is returned when a credential prefix collides
var ErrDuplicatePrefix = errors.New("credential prefix already exists")

// ErrRevoked is returned when mutating an already-revoked credential or link
var ErrRevoked = errors.New("already revoked")

// ErrClaimLost is returned when a job claim loses the race to another sweeper
var ErrClaimLost = errors.New("claim lost")

// ErrNotCancellable is returned when cancelling a job that already left 'scheduled'
var ErrNotCancellable = errors.New("job is not cancellable")

// ErrTerminalState is returned when transitioning a command out of a terminal state
var ErrTerminalState = errors.New("command is in a terminal state")

// Credential is an agent API-key identity. The raw secret is never stored;
// only a bcrypt hash of the full plain key. A credential is active until
// RevokedAt is set, at which point it is permanently revoked (rotation
// replaces the row's key material and clears the revocation in one commit).
type Credential struct {
	ID               string
	Name             string
	Description      string
	Prefix           string // public lookup discriminator, unique
	KeyHash          string
	DefaultPrincipal *string // principal attributed to work submitted with this key
	CreatedAt        time.Time
	LastUsedAt       *time.Time
	RevokedAt        *time.Time
}

// Active reports whether the credential can still authenticate.
func (c *Credential) Active() bool {
	return c.RevokedAt == nil
}

// IngestedMessage is one accepted agent message. DocKey, when present,
// scopes at-most-once storage: the store keeps at most one row per doc key.
type IngestedMessage struct {
	ID           string // ULID, so insert order sorts lexicographically
	DocKey       *string
	Payload      []byte
	CredentialID string
	ReceivedAt   time.Time
}

// JobStatus values for ScheduledJob.
type JobStatus string

const (
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Recurrence is the closed set of job recurrence policies.
type Recurrence string

const (
	RecurrenceOnce    Recurrence = "once"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
)

// ScheduledJob is a one-off or recurring action targeting a set of hosts.
type ScheduledJob struct {
	ID          string
	Name        string
	ActionType  string
	Status      JobStatus
	RunAt       time.Time
	Recurrence  Recurrence
	TargetHosts []string
	Payload     []byte // opaque JSON document
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CommandStatus values for RemoteCommand.
type CommandStatus string

const (
	CommandStatusPending      CommandStatus = "pending"
	CommandStatusSent         CommandStatus = "sent"
	CommandStatusAcknowledged CommandStatus = "acknowledged"
	CommandStatusFailed       CommandStatus = "failed"
	CommandStatusExpired      CommandStatus = "expired"
)

// Terminal reports whether no further transition is permitted from s.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandStatusAcknowledged, CommandStatusFailed, CommandStatusExpired:
		return true
	}
	return false
}

// RemoteCommand is a per-host command with a forward-only lifecycle.
// SourceJobID is a weak back-reference to the job that spawned it: it is
// used for lookup only, and deleting the job leaves the command in place.
type RemoteCommand struct {
	ID          string
	TargetHost  string
	ActionType  string
	Payload     []byte
	Status      CommandStatus
	Detail      string
	SourceJobID *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LinkVisibility values for DownloadLink.
type LinkVisibility string

const (
	LinkVisibilityPublic     LinkVisibility = "public"
	LinkVisibilityRestricted LinkVisibility = "restricted"
)

// DownloadLink is a revocable, optionally expiring token gating installer
// downloads. Active means not revoked and not past its expiry.
type DownloadLink struct {
	ID         string
	Token      string // unique, URL-safe
	Visibility LinkVisibility
	CreatedBy  string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
}

// CredentialStore persists agent API-key credentials.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred *Credential) error
	GetCredential(ctx context.Context, id string) (*Credential, error)
	GetCredentialByPrefix(ctx context.Context, prefix string) (*Credential, error)
	ListCredentials(ctx context.Context) ([]*Credential, error)
	TouchCredential(ctx context.Context, id string, usedAt time.Time) error
	RevokeCredential(ctx context.Context, id string, revokedAt time.Time) error
	// RotateCredential atomically replaces the prefix and hash and clears
	// any revocation. The old key stops verifying the instant this commits.
	RotateCredential(ctx context.Context, id, newPrefix, newHash string) error
}

// MessageStore persists ingested agent messages with doc-key dedup.
type MessageStore interface {
	// InsertMessage stores the message unless its doc key is already
	// recorded. Returns false (and no error) when the insert was
	// suppressed as a duplicate.
	InsertMessage(ctx context.Context, msg *IngestedMessage) (bool, error)
	GetMessageByDocKey(ctx context.Context, docKey string) (*IngestedMessage, error)
	ListRecentMessages(ctx context.Context, limit int) ([]*IngestedMessage, error)
	LatestReceivedAt(ctx context.Context) (*time.Time, error)
	PurgeMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobStore persists scheduled jobs. The scheduler owns these rows exclusively.
type JobStore interface {
	CreateJob(ctx context.Context, job *ScheduledJob) error
	GetJob(ctx context.Context, id string) (*ScheduledJob, error)
	ListJobs(ctx context.Context, limit int) ([]*ScheduledJob, error)
	// ListDueJobs returns scheduled jobs with run_at <= now, earliest first.
	ListDueJobs(ctx context.Context, now time.Time) ([]*ScheduledJob, error)
	// ClaimJob transitions scheduled -> running. Returns ErrClaimLost if a
	// concurrent sweeper won the claim (or the job otherwise left 'scheduled').
	ClaimJob(ctx context.Context, id string, now time.Time) error
	// CompleteJob finishes a running job. With rearmAt set the job returns
	// to 'scheduled' at the new run_at in the same update; otherwise it
	// becomes terminal 'completed'.
	CompleteJob(ctx context.Context, id string, now time.Time, rearmAt *time.Time) error
	FailJob(ctx context.Context, id string, now time.Time) error
	// CancelJob transitions scheduled -> cancelled. Returns ErrNotCancellable
	// if the job already left 'scheduled'.
	CancelJob(ctx context.Context, id string, now time.Time) error
	DeleteJob(ctx context.Context, id string) error
}

// CommandStore persists remote commands. The dispatcher owns these rows
// exclusively; job identity is read only for traceability.
type CommandStore interface {
	CreateCommand(ctx context.Context, cmd *RemoteCommand) error
	GetCommand(ctx context.Context, id string) (*RemoteCommand, error)
	ListCommandsByHost(ctx context.Context, targetHost string, limit int) ([]*RemoteCommand, error)
	ListCommandsByJob(ctx context.Context, jobID string) ([]*RemoteCommand, error)
	// TransitionCommand moves the command to a new status only if its
	// current status is in allowedFrom. Returns ErrTerminalState when the
	// command exists but the edge is not permitted.
	TransitionCommand(ctx context.Context, id string, to CommandStatus, detail string, allowedFrom []CommandStatus) error
	// ExpireCommands moves pending/sent commands created before cutoff to
	// 'expired'. Returns the number of commands expired.
	ExpireCommands(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// LinkStore persists download links.
type LinkStore interface {
	CreateLink(ctx context.Context, link *DownloadLink) error
	GetLink(ctx context.Context, id string) (*DownloadLink, error)
	GetLinkByToken(ctx context.Context, token string) (*DownloadLink, error)
	ListLinks(ctx context.Context) ([]*DownloadLink, error)
	RevokeLink(ctx context.Context, id string, revokedAt time.Time) error
}

// Store aggregates every persistence concern plus lifecycle management.
type Store interface {
	CredentialStore
	MessageStore
	JobStore
	CommandStore
	LinkStore

	Close() error
}
