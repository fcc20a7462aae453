package logger

import "log/slog"

// Standard field keys for structured logging. Use these consistently across
// log statements so transfers can be correlated by task id and content hash.
const (
	// Transfer tasks
	KeyTaskID    = "task_id"    // Main task identifier (UUID)
	KeySubTaskID = "subtask_id" // Per-file sub-task identifier
	KeyOperation = "operation"  // upload, download, sync, restore, ...
	KeyStatus    = "status"     // Task status: queued, transferring, paused, ...

	// Catalogue entities
	KeyFolderID  = "folder_id"  // Folder id in the catalogue
	KeyBindingID = "binding_id" // Binding (directory entry) id
	KeyContentID = "content_id" // FileContent id
	KeyHash      = "hash"       // Hex SHA-256 content hash
	KeyVersion   = "version"    // Catalogue version counter

	// Chunk transfer
	KeyPart      = "part"       // 1-based chunk part number
	KeyParts     = "parts"      // Total number of parts
	KeyMessageID = "message_id" // Remote blob message id
	KeyChannelID = "channel_id" // Remote storage channel id

	// Filesystem
	KeyPath     = "path"     // Local file/directory path
	KeyFilename = "filename" // Basename
	KeySize     = "size"     // Size in bytes
	KeyBytes    = "bytes"    // Bytes transferred

	// Operation metadata
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyAttempt    = "attempt"     // Retry attempt number
	KeyMaxRetries = "max_retries" // Maximum retry attempts
	KeyStoreType  = "store_type"  // Remote channel type: memory, s3
)

// ----------------------------------------------------------------------------
// Field constructors for type safety
// ----------------------------------------------------------------------------

// TaskID returns a slog.Attr for a main task identifier
func TaskID(id string) slog.Attr {
	return slog.String(KeyTaskID, id)
}

// SubTaskID returns a slog.Attr for a sub-task identifier
func SubTaskID(id string) slog.Attr {
	return slog.String(KeySubTaskID, id)
}

// Operation returns a slog.Attr for the operation kind
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Path returns a slog.Attr for a local path
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Hash returns a slog.Attr for a hex content hash
func Hash(h string) slog.Attr {
	return slog.String(KeyHash, h)
}

// Part returns a slog.Attr for a chunk part number
func Part(n int) slog.Attr {
	return slog.Int(KeyPart, n)
}

// MessageID returns a slog.Attr for a remote blob message id
func MessageID(id int64) slog.Attr {
	return slog.Int64(KeyMessageID, id)
}

// Size returns a slog.Attr for a size in bytes
func Size(s int64) slog.Attr {
	return slog.Int64(KeySize, s)
}

// Version returns a slog.Attr for the catalogue version counter
func Version(v int64) slog.Attr {
	return slog.Int64(KeyVersion, v)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}
