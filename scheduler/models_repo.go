package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// GormStore implements Store on top of gorm (MySQL in production, SQLite for development).
// Clock stamps created_at and updated_at.
type GormStore struct {
	DB    *gorm.DB
	Clock Clock
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db, Clock: SystemClock()}
}

func (r *GormStore) now() time.Time {
	if r.Clock == nil {
		return time.Now().UTC()
	}
	return r.Clock.Now().UTC()
}

type taskModel struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Name          string     `gorm:"column:name;size:255;not null"`
	Description   string     `gorm:"column:description;type:text"`
	Schedule      string     `gorm:"column:schedule;size:128;not null"`
	Enabled       bool       `gorm:"column:enabled;index"`
	Development   bool       `gorm:"column:development"`
	Monitoring    bool       `gorm:"column:monitoring"`
	RecipientType string     `gorm:"column:recipient_type;size:16"`
	Endpoint      string     `gorm:"column:endpoint;size:512"`
	Recipients    string     `gorm:"column:recipients;type:text"`
	Groups        string     `gorm:"column:groups_ids;type:text"`
	Message       string     `gorm:"column:message;type:text"`
	ImageURL      string     `gorm:"column:image_url;size:512"`
	Retries       int        `gorm:"column:retries"`
	TimeoutMillis int64      `gorm:"column:timeout_ms"`
	LastExecution *time.Time `gorm:"column:last_execution"`
	LastStatus    string     `gorm:"column:last_status;size:16"`
	Version       int64      `gorm:"column:version;not null;default:1"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at"`
}

func (taskModel) TableName() string {
	return "tasks"
}

type executionModel struct {
	ID          string    `gorm:"column:id;primaryKey;size:36"`
	TaskID      int64     `gorm:"column:task_id;not null;uniqueIndex:idx_executions_task_slot,priority:1"`
	ScheduledAt time.Time `gorm:"column:scheduled_at;not null;uniqueIndex:idx_executions_task_slot,priority:2"`
	ExecutedAt  time.Time `gorm:"column:executed_at;not null"`
	Status      string    `gorm:"column:status;size:16;index"`
	Attempts    int       `gorm:"column:attempts"`
	Error       string    `gorm:"column:error;type:text"`
	Simulated   bool      `gorm:"column:simulated"`
}

func (executionModel) TableName() string {
	return "executions"
}

// Migrate creates or updates the tasks and executions tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&taskModel{}, &executionModel{})
}

func (r *GormStore) ListEnabled(ctx context.Context) ([]Task, error) {
	var models []taskModel
	if err := r.DB.WithContext(ctx).Where("enabled = ?", true).Order("id").Find(&models).Error; err != nil {
		return nil, storeErr("list enabled tasks", err)
	}
	return toTasks(models), nil
}

// List returns every task, newest first.
func (r *GormStore) List(ctx context.Context) ([]Task, error) {
	var models []taskModel
	if err := r.DB.WithContext(ctx).Order("id DESC").Find(&models).Error; err != nil {
		return nil, storeErr("list tasks", err)
	}
	return toTasks(models), nil
}

func (r *GormStore) Get(ctx context.Context, id int64) (Task, error) {
	var m taskModel
	err := r.DB.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, storeErr("get task", err)
	}
	return m.toTask(), nil
}

// Create inserts a new task at version 1.
func (r *GormStore) Create(ctx context.Context, task Task) (Task, error) {
	m := fromTask(task)
	m.ID = 0
	m.Version = 1
	m.UpdatedAt = r.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = m.UpdatedAt
	}
	if m.LastStatus == "" {
		m.LastStatus = string(StatusPending)
	}
	if err := r.DB.WithContext(ctx).Create(&m).Error; err != nil {
		return Task{}, storeErr("create task", err)
	}
	return m.toTask(), nil
}

func (r *GormStore) CompareAndSwap(ctx context.Context, task Task) (Task, error) {
	m := fromTask(task)
	res := r.DB.WithContext(ctx).Model(&taskModel{}).
		Where("id = ? AND version = ?", task.ID, task.Version).
		Updates(map[string]interface{}{
			"name":           m.Name,
			"description":    m.Description,
			"schedule":       m.Schedule,
			"enabled":        m.Enabled,
			"development":    m.Development,
			"monitoring":     m.Monitoring,
			"recipient_type": m.RecipientType,
			"endpoint":       m.Endpoint,
			"recipients":     m.Recipients,
			"groups_ids":     m.Groups,
			"message":        m.Message,
			"image_url":      m.ImageURL,
			"retries":        m.Retries,
			"timeout_ms":     m.TimeoutMillis,
			"last_execution": m.LastExecution,
			"last_status":    m.LastStatus,
			"version":        gorm.Expr("version + 1"),
			"updated_at":     r.now(),
		})
	if res.Error != nil {
		return Task{}, storeErr("update task", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, task.ID); err != nil {
			return Task{}, err
		}
		return Task{}, ErrVersionConflict
	}
	return r.Get(ctx, task.ID)
}

func (r *GormStore) HasExecution(ctx context.Context, taskID int64, slot time.Time) (bool, error) {
	var n int64
	err := r.DB.WithContext(ctx).Model(&executionModel{}).
		Where("task_id = ? AND scheduled_at = ?", taskID, slot.UTC()).
		Count(&n).Error
	if err != nil {
		return false, storeErr("check execution", err)
	}
	return n > 0, nil
}

func (r *GormStore) AppendExecution(ctx context.Context, e Execution) error {
	m := executionModel{
		ID:          e.ID,
		TaskID:      e.TaskID,
		ScheduledAt: e.ScheduledAt.UTC(),
		ExecutedAt:  e.ExecutedAt.UTC(),
		Status:      string(e.Status),
		Attempts:    e.Attempts,
		Error:       e.Error,
		Simulated:   e.Simulated,
	}
	if err := r.DB.WithContext(ctx).Create(&m).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateExecution
		}
		return storeErr("append execution", err)
	}
	return nil
}

func (r *GormStore) LatestSlot(ctx context.Context, taskID int64) (time.Time, bool, error) {
	var m executionModel
	err := r.DB.WithContext(ctx).Where("task_id = ?", taskID).Order("scheduled_at DESC").Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, storeErr("latest execution", err)
	}
	return m.ScheduledAt, true, nil
}

// ListExecutions returns the newest executions of a task.
func (r *GormStore) ListExecutions(ctx context.Context, taskID int64, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []executionModel
	err := r.DB.WithContext(ctx).Where("task_id = ?", taskID).Order("scheduled_at DESC").Limit(limit).Find(&models).Error
	if err != nil {
		return nil, storeErr("list executions", err)
	}
	out := make([]Execution, 0, len(models))
	for _, m := range models {
		out = append(out, Execution{
			ID:          m.ID,
			TaskID:      m.TaskID,
			ScheduledAt: m.ScheduledAt,
			ExecutedAt:  m.ExecutedAt,
			Status:      Status(m.Status),
			Attempts:    m.Attempts,
			Error:       m.Error,
			Simulated:   m.Simulated,
		})
	}
	return out, nil
}

// isDuplicateKey recognises unique index violations. gorm translates them when the
// connection is opened with TranslateError; the driver checks cover the rest.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toTasks(models []taskModel) []Task {
	tasks := make([]Task, 0, len(models))
	for _, m := range models {
		tasks = append(tasks, m.toTask())
	}
	return tasks
}

func (m taskModel) toTask() Task {
	return Task{
		ID:            m.ID,
		Name:          m.Name,
		Description:   m.Description,
		Schedule:      m.Schedule,
		Enabled:       m.Enabled,
		Development:   m.Development,
		Monitoring:    m.Monitoring,
		RecipientType: RecipientType(m.RecipientType),
		Endpoint:      m.Endpoint,
		Recipients:    splitList(m.Recipients),
		Groups:        splitList(m.Groups),
		Message:       m.Message,
		ImageURL:      m.ImageURL,
		Retries:       m.Retries,
		Timeout:       time.Duration(m.TimeoutMillis) * time.Millisecond,
		LastExecution: m.LastExecution,
		LastStatus:    Status(m.LastStatus),
		Version:       m.Version,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func fromTask(t Task) taskModel {
	var last *time.Time
	if t.LastExecution != nil {
		utc := t.LastExecution.UTC()
		last = &utc
	}
	return taskModel{
		ID:            t.ID,
		Name:          strings.TrimSpace(t.Name),
		Description:   strings.TrimSpace(t.Description),
		Schedule:      strings.TrimSpace(t.Schedule),
		Enabled:       t.Enabled,
		Development:   t.Development,
		Monitoring:    t.Monitoring,
		RecipientType: string(t.RecipientType),
		Endpoint:      strings.TrimSpace(t.Endpoint),
		Recipients:    strings.Join(t.Recipients, ","),
		Groups:        strings.Join(t.Groups, ","),
		Message:       t.Message,
		ImageURL:      strings.TrimSpace(t.ImageURL),
		Retries:       t.Retries,
		TimeoutMillis: t.Timeout.Milliseconds(),
		LastExecution: last,
		LastStatus:    string(t.LastStatus),
		Version:       t.Version,
		CreatedAt:     t.CreatedAt,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
