// Package errs defines the flat error-kind taxonomy shared across every
// component boundary. Components return these typed errors; the facade
// layer (cmd/owrt-imagegen) turns them into a uniform {kind, message}
// result shape instead of leaking Go error-chain internals.
package errs

import "fmt"

// Kind is one of the flat taxonomy strings from the error handling design.
// It crosses package boundaries as plain data so callers never need to
// import a component package just to compare error kinds.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindInvalidMode        Kind = "invalid_mode"
	KindInvalidStatus      Kind = "invalid_status"
	KindInvalidState       Kind = "invalid_state"
	KindNoFilter           Kind = "no_filter"
	KindProfileIDMismatch  Kind = "profile_id_mismatch"

	KindProfileNotFound      Kind = "profile_not_found"
	KindBuildNotFound        Kind = "build_not_found"
	KindArtifactNotFound     Kind = "artifact_not_found"
	KindArtifactFileNotFound Kind = "artifact_file_not_found"
	KindImageBuilderNotFound Kind = "imagebuilder_not_found"

	KindProfileExists Kind = "profile_exists"
	KindCacheConflict Kind = "cache_conflict"

	KindImageBuilderBroken Kind = "imagebuilder_broken"
	KindOfflineMode        Kind = "offline_mode"
	KindHTTPError          Kind = "http_error"
	KindTimeout            Kind = "timeout"
	KindNetworkError       Kind = "network_error"
	KindVerificationError  Kind = "verification_error"
	KindUnsupportedFormat  Kind = "unsupported_format"
	KindPathTraversal      Kind = "path_traversal"
	KindTarError           Kind = "tar_error"
	KindPathError          Kind = "path_error"
	KindOSError            Kind = "os_error"

	KindOverlayNotFound Kind = "overlay_not_found"
	KindOverlayNotDir   Kind = "overlay_not_dir"
	KindSourceNotFound  Kind = "source_not_found"
	KindSymlinkEscape   Kind = "symlink_escape"
	KindFileStageError  Kind = "file_stage_error"
	KindDirStageError   Kind = "dir_stage_error"

	KindBuildError         Kind = "build_error"
	KindBuildTimeout       Kind = "build_timeout"
	KindExecutionError     Kind = "execution_error"
	KindInvalidImageBuilder Kind = "invalid_imagebuilder"
	KindMakeInfoError      Kind = "make_info_error"

	KindDeviceNotFound        Kind = "DEVICE_NOT_FOUND"
	KindNotBlockDevice        Kind = "NOT_BLOCK_DEVICE"
	KindPartitionNotAllowed   Kind = "PARTITION_NOT_ALLOWED"
	KindSystemDevice          Kind = "SYSTEM_DEVICE"
	KindDeviceMounted         Kind = "DEVICE_MOUNTED"
	KindImageNotFound         Kind = "IMAGE_NOT_FOUND"
	KindWritePermissionDenied Kind = "WRITE_PERMISSION_DENIED"
	KindWriteIOError          Kind = "WRITE_IO_ERROR"
	KindHashMismatch          Kind = "HASH_MISMATCH"
	KindFlashAborted          Kind = "FLASH_ABORTED"

	KindInternal Kind = "internal_error"
)

// Error is a typed error carrying a taxonomy Kind, a human message, and an
// optional wrapped cause. It is the one error shape every component
// returns across its public boundary.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf returns the Kind carried on err if it is (or wraps) an *Error,
// otherwise KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if asError(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// New constructs an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error with the given kind, message and cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Internal wraps any error not already carrying a known Kind as a Kind
// internal_error at the facade boundary, per the propagation policy.
func Internal(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Kind: KindInternal, Message: err.Error(), Cause: err}
}
