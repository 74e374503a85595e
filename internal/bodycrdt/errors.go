package bodycrdt

import "errors"

var (
	// ErrNotCheckedOut is returned by operations that require a document
	// to already be checked out via GetOrCreate.
	ErrNotCheckedOut = errors.New("bodycrdt: document not checked out")

	// ErrObserverAlreadyRegistered is returned by RegisterObserver when a
	// checked-out document already has an observer.
	ErrObserverAlreadyRegistered = errors.New("bodycrdt: observer already registered for this checkout")
)
