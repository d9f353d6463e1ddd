package models

import (
	"strings"
	"time"
)

// UserRole represents user permission levels for the manual-trigger API.
type UserRole string

const (
	RoleAdmin    UserRole = "admin"
	RoleOperator UserRole = "operator"
	RoleReadOnly UserRole = "readonly"
)

// User represents a system user for authentication.
type User struct {
	ID           int64     `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         UserRole  `json:"role" db:"role"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// LTOCapacities maps LTO generation to native capacity in bytes.
var LTOCapacities = map[string]int64{
	"LTO-1":  100000000000,   // 100 GB
	"LTO-2":  200000000000,   // 200 GB
	"LTO-3":  400000000000,   // 400 GB
	"LTO-4":  800000000000,   // 800 GB
	"LTO-5":  1500000000000,  // 1.5 TB
	"LTO-6":  2500000000000,  // 2.5 TB
	"LTO-7":  6000000000000,  // 6 TB
	"LTO-8":  12000000000000, // 12 TB
	"LTO-9":  18000000000000, // 18 TB
	"LTO-10": 36000000000000, // 36 TB (expected)
}

// DensityToLTOType maps SCSI density codes to LTO generation strings.
var DensityToLTOType = map[string]string{
	"0x40": "LTO-1",
	"0x42": "LTO-2",
	"0x44": "LTO-3",
	"0x46": "LTO-4",
	"0x58": "LTO-5",
	"0x5a": "LTO-6",
	"0x5c": "LTO-7",
	"0x5d": "LTO-7", // LTO-7 Type M (M8)
	"0x5e": "LTO-8",
	"0x60": "LTO-9",
	"0x62": "LTO-10",
}

// LTOTypeFromDensity returns the LTO type for a given density code.
// The density code should be a hex string like "0x58".
// Returns the LTO type string and true if found, or empty string and false.
func LTOTypeFromDensity(densityCode string) (string, bool) {
	ltoType, ok := DensityToLTOType[strings.ToLower(densityCode)]
	return ltoType, ok
}

// TapeCartridgeStatus represents the lifecycle state of a cartridge.
type TapeCartridgeStatus string

const (
	TapeStatusBlank   TapeCartridgeStatus = "blank"
	TapeStatusActive  TapeCartridgeStatus = "active"
	TapeStatusFull    TapeCartridgeStatus = "full"
	TapeStatusExpired TapeCartridgeStatus = "expired"
	TapeStatusRetired TapeCartridgeStatus = "retired"
)

// TapeCartridge is a physical (or simulated) LTO cartridge known to the
// tape controller. The pipeline only reads cartridge state; the tape
// controller implementation is the sole writer.
type TapeCartridge struct {
	ID            int64               `json:"id" db:"id"`
	TapeID        string              `json:"tape_id" db:"tape_id"`
	Label         string              `json:"label" db:"label"`
	LTOType       string              `json:"lto_type" db:"lto_type"`
	Status        TapeCartridgeStatus `json:"status" db:"status"`
	CapacityBytes int64               `json:"capacity_bytes" db:"capacity_bytes"`
	UsedBytes     int64               `json:"used_bytes" db:"used_bytes"`
	MountPath     string              `json:"mount_path" db:"mount_path"`
	LabeledAt     *time.Time          `json:"labeled_at" db:"labeled_at"`
	CreatedAt     time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at" db:"updated_at"`
}

// TaskType identifies the backup mode requested for a task. Only "full" is
// fully implemented; the others are accepted but routed through the same
// code path.
type TaskType string

const (
	TaskTypeFull         TaskType = "full"
	TaskTypeIncremental  TaskType = "incremental"
	TaskTypeDifferential TaskType = "differential"
	TaskTypeMonthlyFull  TaskType = "monthly_full"
)

// TaskStatus is the lifecycle state of a BackupTask run.
type TaskStatus string

const (
	TaskStatusIdle      TaskStatus = "idle"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// ScanStatus is the lifecycle state of the independent ScanCounter pass.
type ScanStatus string

const (
	ScanStatusIdle      ScanStatus = "idle"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
)

// CompressionMethod selects the archive format ArchiveBuilder produces.
type CompressionMethod string

const (
	CompressionTar   CompressionMethod = "tar"
	CompressionPgzip CompressionMethod = "pgzip"
	CompressionZstd  CompressionMethod = "zstd"
	CompressionP7zip CompressionMethod = "p7zip"
)

// BackupTask is the unit of scheduling and the progress surface. A cron
// entry or a manual HTTP trigger invokes ExecuteTask with a task's id;
// everything else on the struct is read by the scheduler, API, and
// notifier.
type BackupTask struct {
	ID                int64             `json:"id" db:"id"`
	TaskName          string            `json:"task_name" db:"task_name"`
	TaskType          TaskType          `json:"task_type" db:"task_type"`
	SourcePaths       string            `json:"source_paths" db:"source_paths"`         // JSON array of absolute paths
	ExcludePatterns   string            `json:"exclude_patterns" db:"exclude_patterns"` // JSON array of globs
	ScheduleCron      string            `json:"schedule_cron" db:"schedule_cron"`
	Enabled           bool              `json:"enabled" db:"enabled"`
	CompressionMethod CompressionMethod `json:"compression_method" db:"compression_method"`
	CompressionLevel  int               `json:"compression_level" db:"compression_level"`
	RetentionDays     int               `json:"retention_days" db:"retention_days"`

	Status          TaskStatus `json:"status" db:"status"`
	ScanStatus      ScanStatus `json:"scan_status" db:"scan_status"`
	OperationStage  string     `json:"operation_stage" db:"operation_stage"`
	Description     string     `json:"description" db:"description"`
	ProgressPercent int        `json:"progress_percent" db:"progress_percent"`

	ProcessedFiles  int64 `json:"processed_files" db:"processed_files"`
	ProcessedBytes  int64 `json:"processed_bytes" db:"processed_bytes"`
	CompressedBytes int64 `json:"compressed_bytes" db:"compressed_bytes"`
	TotalFiles      int64 `json:"total_files" db:"total_files"`
	ScanDirsScanned int64 `json:"scan_dirs_scanned" db:"scan_dirs_scanned"`
	TotalBytes      int64 `json:"total_bytes" db:"total_bytes"`

	CurrentTapeID    string     `json:"current_tape_id" db:"current_tape_id"`
	BackupSetID      *int64     `json:"backup_set_id" db:"backup_set_id"`
	BackupFilesTable string     `json:"backup_files_table" db:"backup_files_table"`
	CanResume        bool       `json:"can_resume" db:"can_resume"`
	ResumeState      string     `json:"resume_state" db:"resume_state"` // JSON

	LastRunAt         *time.Time `json:"last_run_at" db:"last_run_at"`
	NextRunAt         *time.Time `json:"next_run_at" db:"next_run_at"`
	StartedAt         *time.Time `json:"started_at" db:"started_at"`
	CompletedAt       *time.Time `json:"completed_at" db:"completed_at"`
	ErrorMessage      string     `json:"error_message" db:"error_message"`
	ResultSummaryJSON string     `json:"result_summary_json" db:"result_summary_json"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// BackupSetStatus represents the lifecycle of one tape's worth of one task.
type BackupSetStatus string

const (
	BackupSetStatusRunning   BackupSetStatus = "running"
	BackupSetStatusFinalized BackupSetStatus = "finalized"
	BackupSetStatusFailed    BackupSetStatus = "failed"
	BackupSetStatusCancelled BackupSetStatus = "cancelled"
)

// BackupSet is one tape's worth of one task's archives. A task that spans
// multiple cartridges produces one BackupSet row per cartridge, chained by
// SequenceNumber.
type BackupSet struct {
	ID               int64           `json:"id" db:"id"`
	SetID            string          `json:"set_id" db:"set_id"` // backup_YYYYMMDD_HHMMSS_<task>
	TaskID           int64           `json:"task_id" db:"task_id"`
	TapeID           string          `json:"tape_id" db:"tape_id"`
	SequenceNumber   int             `json:"sequence_number" db:"sequence_number"`
	Status           BackupSetStatus `json:"status" db:"status"`
	ArchiveCount     int             `json:"archive_count" db:"archive_count"`
	OriginalBytes    int64           `json:"original_bytes" db:"original_bytes"`
	CompressedBytes  int64           `json:"compressed_bytes" db:"compressed_bytes"`
	BackupFilesTable string          `json:"backup_files_table" db:"backup_files_table"`
	FinalizedAt      *time.Time      `json:"finalized_at" db:"finalized_at"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// FileRecord is a single enumerated filesystem entry, produced by
// PathEnumerator and consumed by ArchiveBuilder/CatalogWriter.
type FileRecord struct {
	Path         string    `json:"path"`
	Name         string    `json:"name"`
	DirectoryPath string   `json:"directory_path"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"mod_time"`
	CreatedTime  time.Time `json:"created_time"`
	AccessedTime time.Time `json:"accessed_time"`
	Permissions  string    `json:"permissions"` // three-digit octal
	IsSymlink    bool      `json:"is_symlink"`
}

// FileGroup is a transient partition of FileRecords whose summed size fits
// one archive (<= MaxArchiveSize), plus the chunk number it was assigned.
type FileGroup struct {
	ChunkNumber int
	Files       []FileRecord
	Bytes       int64
}

// ArchiveRecord describes one produced archive.
type ArchiveRecord struct {
	StagingPath    string
	FinalPath      string
	Format         CompressionMethod
	ChunkNumber    int
	MemberCount    int
	OriginalSize   int64
	CompressedSize int64
	MemberResults  map[string]bool // path -> succeeded
}

// BackupFile is a per-file catalog row, stored in a set-specific sharded
// table `backup_files_<shard>`.
type BackupFile struct {
	ID              int64     `json:"id" db:"id"`
	BackupSetID     int64     `json:"backup_set_id" db:"backup_set_id"`
	FilePath        string    `json:"file_path" db:"file_path"`
	FileName        string    `json:"file_name" db:"file_name"`
	DirectoryPath   string    `json:"directory_path" db:"directory_path"`
	FileSize        int64     `json:"file_size" db:"file_size"`
	CompressedSize  int64     `json:"compressed_size" db:"compressed_size"`
	FilePermissions string    `json:"file_permissions" db:"file_permissions"`
	CreatedTime     time.Time `json:"created_time" db:"created_time"`
	ModifiedTime    time.Time `json:"modified_time" db:"modified_time"`
	AccessedTime    time.Time `json:"accessed_time" db:"accessed_time"`
	ChunkNumber     int       `json:"chunk_number" db:"chunk_number"`
	IsCopySuccess   bool      `json:"is_copy_success" db:"is_copy_success"`
	BackupTime      time.Time `json:"backup_time" db:"backup_time"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// ErrorKind enumerates the per-file/per-directory containable error
// buckets tallied into a task's result_summary_json.
type ErrorKind string

const (
	ErrorKindFileAccess ErrorKind = "file_access"
	ErrorKindDirAccess  ErrorKind = "directory_access"
	ErrorKindLongPath   ErrorKind = "long_path"
	ErrorKindArchive    ErrorKind = "archive_build"
	ErrorKindStage      ErrorKind = "stage"
	ErrorKindCatalog    ErrorKind = "catalog"
)

// ResultSummary is the structured per-run tally persisted as
// BackupTask.ResultSummaryJSON.
type ResultSummary struct {
	Errors       map[ErrorKind]int64 `json:"errors"`
	ArchiveCount int                 `json:"archive_count"`
	GroupsFailed int                 `json:"groups_failed"`
}

// AuditLog represents an audit trail entry for operator actions.
type AuditLog struct {
	ID           int64     `json:"id" db:"id"`
	UserID       *int64    `json:"user_id" db:"user_id"`
	Action       string    `json:"action" db:"action"`
	ResourceType string    `json:"resource_type" db:"resource_type"`
	ResourceID   *int64    `json:"resource_id" db:"resource_id"`
	Details      string    `json:"details" db:"details"` // JSON
	IPAddress    string    `json:"ip_address" db:"ip_address"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// TapeChangeRequestStatus represents the lifecycle of an operator
// tape-change acknowledgement.
type TapeChangeRequestStatus string

const (
	TapeChangeStatusPending      TapeChangeRequestStatus = "pending"
	TapeChangeStatusAcknowledged TapeChangeRequestStatus = "acknowledged"
	TapeChangeStatusCompleted    TapeChangeRequestStatus = "completed"
	TapeChangeStatusCancelled    TapeChangeRequestStatus = "cancelled"
)

// TapeChangeRequest represents a pending request for the operator to swap
// in a new cartridge during a multi-tape spanning run.
type TapeChangeRequest struct {
	ID             int64                   `json:"id" db:"id"`
	TaskID         int64                   `json:"task_id" db:"task_id"`
	BackupSetID    int64                   `json:"backup_set_id" db:"backup_set_id"`
	CurrentTapeID  string                  `json:"current_tape_id" db:"current_tape_id"`
	Reason         string                  `json:"reason" db:"reason"` // tape_full, tape_unknown
	Status         TapeChangeRequestStatus `json:"status" db:"status"`
	RequestedAt    time.Time               `json:"requested_at" db:"requested_at"`
	AcknowledgedAt *time.Time              `json:"acknowledged_at" db:"acknowledged_at"`
	NewTapeID      string                  `json:"new_tape_id" db:"new_tape_id"`
}
