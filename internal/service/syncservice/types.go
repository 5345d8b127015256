package syncservice

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vaultodo/sync-api/internal/config"
	"github.com/vaultodo/sync-api/internal/syncx"
)

// Service owns the per-user synchronization engine: the committed log,
// the attachment staging path, quota admission and ghost GC. Handlers
// hold one Service and translate its results to the wire.
type Service struct {
	DB  *pgxpool.Pool
	Cfg *config.Config
}

// New creates a Service
func New(db *pgxpool.Pool, cfg *config.Config) *Service {
	return &Service{DB: db, Cfg: cfg}
}

// Envelope is an opaque encrypted record as pushed by clients and served
// by pull. The server reads only the header fields; nonce and ciphertext
// are never inspected.
type Envelope struct {
	Type           string    `json:"type"`
	RecordID       string    `json:"recordId"`
	HLC            syncx.HLC `json:"hlc"`
	DeletedAtMsUtc *int64    `json:"deletedAtMsUtc"`
	SchemaVersion  int64     `json:"schemaVersion"`
	DekID          string    `json:"dekId"`
	PayloadAlgo    string    `json:"payloadAlgo"`
	Nonce          string    `json:"nonce"`
	Ciphertext     string    `json:"ciphertext"`
}

// size is the envelope's contribution to stored_b64.
func (e *Envelope) size() int64 {
	return int64(len(e.Nonce) + len(e.Ciphertext))
}

// Per-envelope rejection reasons. These are data, not errors: a rejected
// envelope never aborts the batch.
const (
	ReasonRecordTooLarge        = "record_too_large"
	ReasonOlderHLC              = "older_hlc"
	ReasonAttachmentDeleted     = "attachment_deleted"
	ReasonQuotaExceeded         = "quota_exceeded"
	ReasonMissingAttachmentMeta = "missing_attachment_meta"
)

// PushAccepted acknowledges one stored envelope. ServerSeq is 0 for
// writes that only touched the staged store.
type PushAccepted struct {
	Type      string `json:"type"`
	RecordID  string `json:"recordId"`
	ServerSeq int64  `json:"serverSeq"`
}

// PushRejected reports one refused envelope
type PushRejected struct {
	Type     string `json:"type"`
	RecordID string `json:"recordId"`
	Reason   string `json:"reason"`
}

// PushResult is the outcome of a whole push batch
type PushResult struct {
	Accepted []PushAccepted `json:"accepted"`
	Rejected []PushRejected `json:"rejected"`
}

// PullResult is one page of the committed log
type PullResult struct {
	Records   []Envelope `json:"records"`
	NextSince int64      `json:"nextSince"`
}

// AttachmentRef links an attachment to the todo that owns it
type AttachmentRef struct {
	AttachmentID string `json:"attachmentId"`
	TodoID       string `json:"todoId"`
}

// Request-level failures mapped to HTTP statuses by the handlers.
var (
	ErrBatchTooLarge  = errors.New("too many records in batch")
	ErrBanned         = errors.New("user is banned")
	ErrOverQuota      = errors.New("over quota")
	ErrUserNotFound   = errors.New("user not found")
	ErrBundleConflict = errors.New("bundle version mismatch")
	ErrBundleNotFound = errors.New("key bundle not found")
)
