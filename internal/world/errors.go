package world

// Error codes surfaced in Result.Error. Handlers translate these into
// adminResult errors and HTTP statuses; they are never thrown.
const (
	ErrAdminRequired   = "admin_required"
	ErrBuilderRequired = "builder_required"
	ErrUnauthorized    = "unauthorized"
	ErrInvalidCode     = "invalid_code"

	ErrInvalidPayload = "invalid_payload"
	ErrInvalidOp      = "invalid_op"
	ErrInvalidPacket  = "invalid_packet"
	ErrInvalidCursor  = "invalid_cursor"
	ErrInvalidLimit   = "invalid_limit"

	ErrNotFound       = "not_found"
	ErrPlayerNotFound = "player_not_found"
	ErrNotConnected   = "not_connected"

	ErrVersionMismatch = "version_mismatch"
	ErrDuplicateUser   = "duplicate_user"
	ErrPlayerLimit     = "player_limit"
	ErrInUse           = "in_use"
	ErrDuplicateID     = "duplicate_id"

	ErrDeployLockRequired = "deploy_lock_required"
	ErrDeployLocked       = "deploy_locked"
	ErrNotLocked          = "not_locked"
	ErrNotOwner           = "not_owner"
	ErrAIRequestPending   = "ai_request_pending"

	ErrInvalidEntry          = "invalid_entry"
	ErrMissingEntry          = "missing_entry"
	ErrScopeMismatch         = "scope_mismatch"
	ErrScopeUnknown          = "scope_unknown"
	ErrMultiScopeUnsupported = "multi_scope_not_supported"
	ErrScriptRefNotFound     = "script_ref_not_found"

	ErrDBUnavailable  = "db_unavailable"
	ErrSnapshotFailed = "snapshot_failed"
	ErrRollbackFailed = "rollback_failed"
	ErrServerError    = "server_error"
)

// Result is the outcome of a mutation. Errors cross component
// boundaries as values; Current carries the authoritative record on a
// version_mismatch so optimistic clients can reconcile, Lock carries
// the blocking deploy lock, Pending the script root id mid-generation.
type Result struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Current any    `json:"current,omitempty"`
	Lock    any    `json:"lock,omitempty"`
	Pending string `json:"pending,omitempty"`
}

// Ok is the success result.
func Ok() Result { return Result{OK: true} }

// Fail builds a failed result with a named error code.
func Fail(code string) Result { return Result{Error: code} }
