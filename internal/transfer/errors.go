package transfer

import "errors"

var (
	// ErrSourceNotFound means the requested source-id is not in the registry (§7 NotFound).
	ErrSourceNotFound = errors.New("transfer: source not found")
	// ErrTransferNotFound means the requested transfer-id is not tracked by the engine.
	ErrTransferNotFound = errors.New("transfer: transfer not found")
	// ErrStartTimeout means no seeder PUT paired before start-timeout elapsed (§7 Timeout).
	ErrStartTimeout = errors.New("transfer: start timeout waiting for seeder")
	// ErrSourceAborted means the owning source (and so this transfer) was cancelled or its owner peer was lost.
	ErrSourceAborted = errors.New("transfer: source aborted")
	// ErrTargetAborted means the leecher connection went away mid-pump.
	ErrTargetAborted = errors.New("transfer: target aborted")
	// ErrCancelled means cancelTransfer was called explicitly for this transfer.
	ErrCancelled = errors.New("transfer: cancelled")
	// ErrPumpIO means an unexpected I/O error occurred mid-pump (§7 PumpIO).
	ErrPumpIO = errors.New("transfer: pump I/O error")
)
