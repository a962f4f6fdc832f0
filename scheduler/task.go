package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// RecipientType selects what a task does when it fires.
type RecipientType string

const (
	RecipientAPI     RecipientType = "API"
	RecipientMessage RecipientType = "MESSAGE"
)

// Task is an appointment definition: a cron schedule plus the notification to send.
type Task struct {
	ID          int64
	Name        string
	Description string
	Schedule    string

	Enabled     bool
	Development bool
	Monitoring  bool

	RecipientType RecipientType
	Endpoint      string
	Recipients    []string
	Groups        []string
	Message       string
	ImageURL      string

	// Retries is the number of extra attempts after the first one.
	Retries int
	Timeout time.Duration

	LastExecution *time.Time
	LastStatus    Status
	Version       int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Execution is the immutable record of one (task, slot) firing.
type Execution struct {
	ID          string
	TaskID      int64
	ScheduledAt time.Time
	ExecutedAt  time.Time
	Status      Status
	Attempts    int
	Error       string
	Simulated   bool
}

type compiledTask struct {
	Task     Task
	Schedule cron.Schedule
	Err      error
}
