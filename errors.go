// errors.go: structured error definitions for the albatross runtime
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"fmt"

	"github.com/agilira/go-errors"
)

// Error codes for the albatross runtime
const (
	// Field and layout resolution errors (1000-1099)
	ErrCodeFieldNotFound     = "BINDER_1001"
	ErrCodeTypeNotFound      = "BINDER_1002"
	ErrCodeAbsentBinding     = "BINDER_1003"
	ErrCodeInvalidInstance   = "BINDER_1004"
	ErrCodeInvalidConstraint = "BINDER_1005"

	// Hook installation errors (2000-2099)
	ErrCodeTargetMissing      = "HOOK_2001"
	ErrCodeInstallFailed      = "HOOK_2002"
	ErrCodeTransactionMisuse  = "HOOK_2003"
	ErrCodeDuplicateInstall   = "HOOK_2004"
	ErrCodeRollbackFailed     = "HOOK_2005"
	ErrCodeNoTransaction      = "HOOK_2006"
	ErrCodeEntryNotFound      = "HOOK_2007"
	ErrCodeNothingToRestore   = "HOOK_2008"
	ErrCodeInvalidDeclaration = "HOOK_2009"

	// Injector lifecycle errors (3000-3099)
	ErrCodeBundleLoad         = "INJECT_3001"
	ErrCodeClassNotFound      = "INJECT_3002"
	ErrCodeAccessDenied       = "INJECT_3003"
	ErrCodeConstructorMissing = "INJECT_3006"
	ErrCodeLibraryLoad        = "INJECT_3007"
	ErrCodeInitAborted        = "INJECT_3008"

	// RPC channel errors (4000-4099)
	ErrCodeListenFailed    = "RPC_4001"
	ErrCodeProtocolError   = "RPC_4002"
	ErrCodeUnknownMethod   = "RPC_4003"
	ErrCodeArgumentDecode  = "RPC_4004"
	ErrCodeHandlerFailed   = "RPC_4005"
	ErrCodePeerClosed      = "RPC_4006"
	ErrCodeCallTimeout     = "RPC_4007"
	ErrCodeRemoteFailure   = "RPC_4008"
	ErrCodeHandlerExists   = "RPC_4009"
	ErrCodeNotConnected    = "RPC_4010"
	ErrCodeUnsupportedType = "RPC_4011"

	// Configuration errors (5000-5099)
	ErrCodeConfigValidation = "CONFIG_5001"
	ErrCodeConfigParse      = "CONFIG_5002"
	ErrCodeConfigFile       = "CONFIG_5003"
	ErrCodeConfigWatcher    = "CONFIG_5004"

	// Event journal errors (6000-6099)
	ErrCodeJournalOpen  = "JOURNAL_6001"
	ErrCodeJournalQuery = "JOURNAL_6002"
)

// HasErrorCode reports whether err, or any error it wraps, carries the given code.
func HasErrorCode(err error, code string) bool {
	for err != nil {
		if e, ok := err.(*errors.Error); ok && string(e.Code) == code {
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

// wrap is errors.Wrap that degrades to errors.New when there is no cause.
func wrap(cause error, code, message string) *errors.Error {
	if cause == nil {
		return errors.New(errors.ErrorCode(code), message)
	}
	return errors.Wrap(cause, errors.ErrorCode(code), message)
}

// Resolution error constructors

func NewFieldNotFoundError(typeName, field string, tried []string) *errors.Error {
	return errors.New(ErrCodeFieldNotFound, "Required field not present in layout").
		WithUserMessage(fmt.Sprintf("Field %s cannot be resolved on %s", field, typeName)).
		WithContext("type", typeName).
		WithContext("field", field).
		WithContext("tried", tried).
		WithSeverity("error")
}

func NewTypeNotFoundError(typeName string) *errors.Error {
	return errors.New(ErrCodeTypeNotFound, "Target type not present").
		WithUserMessage("The target type is not available in this process").
		WithContext("type", typeName).
		WithSeverity("error")
}

func NewAbsentBindingError(typeName, field string) *errors.Error {
	return errors.New(ErrCodeAbsentBinding, "Read through an absent binding").
		WithUserMessage("Field is absent in this layout; check Present() before use").
		WithContext("type", typeName).
		WithContext("field", field).
		WithSeverity("error")
}

func NewInvalidInstanceError(typeName string, got any) *errors.Error {
	return errors.New(ErrCodeInvalidInstance, "Instance does not match binding type").
		WithUserMessage("The instance passed to the accessor has the wrong type").
		WithContext("type", typeName).
		WithContext("got", fmt.Sprintf("%T", got)).
		WithSeverity("error")
}

func NewInvalidConstraintError(constraint string, cause error) *errors.Error {
	return wrap(cause, ErrCodeInvalidConstraint, "Invalid layout version constraint").
		WithUserMessage("Layout variant constraint cannot be parsed").
		WithContext("constraint", constraint).
		WithSeverity("error")
}

// Hook installation error constructors

func NewTargetMissingError(target Target) *errors.Error {
	return errors.New(ErrCodeTargetMissing, "Required hook target is missing").
		WithUserMessage("Hook target type does not exist in this process").
		WithContext("target", target.String()).
		WithSeverity("error")
}

func NewInstallFailedError(target Target, cause error) *errors.Error {
	return wrap(cause, ErrCodeInstallFailed, "Hook installation failed").
		WithUserMessage("The patching layer refused the hook").
		WithContext("target", target.String()).
		WithSeverity("error")
}

func NewTransactionMisuseError(depth int) *errors.Error {
	return errors.New(ErrCodeTransactionMisuse, "Hook transaction already open").
		WithUserMessage("Nested hook transactions are not supported").
		WithContext("depth", depth).
		WithSeverity("critical")
}

func NewNoTransactionError() *errors.Error {
	return errors.New(ErrCodeNoTransaction, "No hook transaction open").
		WithUserMessage("TransactionEnd called without TransactionBegin").
		WithSeverity("warning")
}

func NewDuplicateInstallError(target Target) *errors.Error {
	return errors.New(ErrCodeDuplicateInstall, "Hook already installed").
		WithUserMessage("The same hook declaration cannot be installed twice").
		WithContext("target", target.String()).
		WithSeverity("warning")
}

func NewRollbackFailedError(target Target, cause error) *errors.Error {
	return wrap(cause, ErrCodeRollbackFailed, "Hook rollback failed").
		WithUserMessage("The patching layer could not undo a hook").
		WithContext("target", target.String()).
		WithSeverity("warning")
}

func NewEntryNotFoundError(target Target) *errors.Error {
	return errors.New(ErrCodeEntryNotFound, "Entry point not defined").
		WithUserMessage("No entry point is defined for the target").
		WithContext("target", target.String()).
		WithSeverity("error")
}

func NewNothingToRestoreError(target Target) *errors.Error {
	return errors.New(ErrCodeNothingToRestore, "No installed hook to restore").
		WithUserMessage("The target has no hook installed").
		WithContext("target", target.String()).
		WithSeverity("warning")
}

func NewInvalidDeclarationError(reason string) *errors.Error {
	return errors.New(ErrCodeInvalidDeclaration, "Invalid hook declaration: "+reason).
		WithUserMessage("Hook declaration is incomplete").
		WithSeverity("error")
}

// Injector error constructors

func NewBundleLoadError(bundlePath string, cause error) *errors.Error {
	return wrap(cause, ErrCodeBundleLoad, "Bundle load failed").
		WithUserMessage("The bundle could not be opened").
		WithContext("bundle_path", bundlePath).
		WithSeverity("error")
}

func NewClassNotFoundError(bundlePath, className string) *errors.Error {
	return errors.New(ErrCodeClassNotFound, "Controller class not found").
		WithUserMessage("The bundle does not declare the requested class").
		WithContext("bundle_path", bundlePath).
		WithContext("class_name", className).
		WithSeverity("error")
}

func NewAccessDeniedError(bundlePath, className string, cause error) *errors.Error {
	return wrap(cause, ErrCodeAccessDenied, "Controller constructor not accessible").
		WithUserMessage("The controller constructor cannot be accessed").
		WithContext("bundle_path", bundlePath).
		WithContext("class_name", className).
		WithSeverity("error")
}

func NewConstructorMissingError(bundlePath, className string) *errors.Error {
	return errors.New(ErrCodeConstructorMissing, "Controller constructor missing").
		WithUserMessage("The class has no constructor with the expected signature").
		WithContext("bundle_path", bundlePath).
		WithContext("class_name", className).
		WithSeverity("error")
}

func NewLibraryLoadError(library string, cause error) *errors.Error {
	return wrap(cause, ErrCodeLibraryLoad, "Native companion library load failed").
		WithUserMessage("The controller's native library is missing or incompatible").
		WithContext("library", library).
		WithSeverity("error")
}

func NewInitAbortedError(className string) *errors.Error {
	return errors.New(ErrCodeInitAborted, "Injector initialization aborted").
		WithUserMessage("A controller refused to load; remaining controllers were skipped").
		WithContext("class_name", className).
		WithSeverity("error")
}

// RPC error constructors

func NewListenFailedError(name string, cause error) *errors.Error {
	return wrap(cause, ErrCodeListenFailed, "Endpoint listen failed").
		WithUserMessage("The RPC endpoint could not be bound").
		WithContext("endpoint", name).
		WithSeverity("error").
		AsRetryable()
}

func NewProtocolError(message string, cause error) *errors.Error {
	return wrap(cause, ErrCodeProtocolError, "Protocol error: "+message).
		WithUserMessage("Malformed frame on the RPC channel").
		WithSeverity("error")
}

func NewUnknownMethodError(method string) *errors.Error {
	return errors.New(ErrCodeUnknownMethod, "Unknown RPC method").
		WithUserMessage("The method is not part of the endpoint's API table").
		WithContext("method", method).
		WithSeverity("error")
}

func NewArgumentDecodeError(method string, cause error) *errors.Error {
	return wrap(cause, ErrCodeArgumentDecode, "Argument decode failed").
		WithUserMessage("RPC arguments do not match the method signature").
		WithContext("method", method).
		WithSeverity("error")
}

func NewHandlerFailedError(method string, cause error) *errors.Error {
	return wrap(cause, ErrCodeHandlerFailed, "RPC handler failed").
		WithUserMessage("The method handler returned an error").
		WithContext("method", method).
		WithSeverity("error")
}

func NewPeerClosedError(peer string, cause error) *errors.Error {
	return wrap(cause, ErrCodePeerClosed, "Peer connection closed").
		WithUserMessage("The remote side closed the connection").
		WithContext("peer", peer).
		WithSeverity("warning")
}

func NewCallTimeoutError(method string, timeout any) *errors.Error {
	return errors.New(ErrCodeCallTimeout, "RPC call timed out").
		WithUserMessage("The remote side did not answer in time").
		WithContext("method", method).
		WithContext("timeout", timeout).
		WithSeverity("error").
		AsRetryable()
}

func NewRemoteFailureError(method string, result int8, detail string) *errors.Error {
	msg := fmt.Sprintf("Remote call %s failed: %s", method, ResultByte(result))
	if detail != "" {
		msg += ": " + detail
	}
	return errors.New(ErrCodeRemoteFailure, msg).
		WithUserMessage("The endpoint rejected the call").
		WithContext("method", method).
		WithContext("result", int(result)).
		WithContext("detail", detail).
		WithSeverity("error")
}

func NewHandlerExistsError(method string) *errors.Error {
	return errors.New(ErrCodeHandlerExists, "RPC handler already registered").
		WithUserMessage("A handler for this method is already registered").
		WithContext("method", method).
		WithSeverity("error")
}

func NewNotConnectedError(endpoint string) *errors.Error {
	return errors.New(ErrCodeNotConnected, "RPC client not connected").
		WithUserMessage("Connect the client before calling").
		WithContext("endpoint", endpoint).
		WithSeverity("error")
}

func NewUnsupportedTypeError(kind string, value any) *errors.Error {
	return errors.New(ErrCodeUnsupportedType, "Unsupported wire value").
		WithUserMessage("The value cannot be encoded for the declared type").
		WithContext("kind", kind).
		WithContext("value_type", fmt.Sprintf("%T", value)).
		WithSeverity("error")
}

// Configuration error constructors

func NewConfigValidationError(message string, cause error) *errors.Error {
	return wrap(cause, ErrCodeConfigValidation, "Configuration validation failed: "+message).
		WithUserMessage("Configuration is invalid").
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return wrap(cause, ErrCodeConfigParse, "Configuration parse failed").
		WithUserMessage("Configuration file cannot be parsed").
		WithContext("path", path).
		WithSeverity("error")
}

func NewConfigFileError(path string, cause error) *errors.Error {
	return wrap(cause, ErrCodeConfigFile, "Configuration file error").
		WithUserMessage("Configuration file cannot be read").
		WithContext("path", path).
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *errors.Error {
	return wrap(cause, ErrCodeConfigWatcher, "Configuration watcher error: "+message).
		WithUserMessage("Configuration watching failed").
		WithSeverity("warning")
}

// Journal error constructors

func NewJournalOpenError(path string, cause error) *errors.Error {
	return wrap(cause, ErrCodeJournalOpen, "Event journal cannot be opened").
		WithUserMessage("The event journal database is unavailable").
		WithContext("path", path).
		WithSeverity("error")
}

func NewJournalQueryError(operation string, cause error) *errors.Error {
	return wrap(cause, ErrCodeJournalQuery, "Event journal query failed").
		WithContext("operation", operation).
		WithSeverity("error").
		AsRetryable()
}
