package flagstore

import "errors"

// Errors returned by Store operations.
var (
	// ErrScopeActive is returned by Attach while another scope owns the store.
	// Two scopes sharing one cache would clear each other's snapshot on
	// teardown, so callers should treat it as a wiring bug.
	ErrScopeActive = errors.New("flag store already attached to a scope")

	// ErrScopeMismatch is returned by Detach for a scope that does not own the store.
	ErrScopeMismatch = errors.New("flag store is not attached to this scope")

	// ErrEmptyScope is returned by Attach for an empty scope id.
	ErrEmptyScope = errors.New("scope id is required")

	// ErrNoMutator is returned by Write when the store was built without a Mutator.
	ErrNoMutator = errors.New("flag store has no mutator")

	// ErrEmptyEntity is returned by Write for an empty entity id.
	ErrEmptyEntity = errors.New("entity id is required")
)
