package store

import "fmt"

// ErrControlTableMissing reports that the database_connections control table
// does not exist. This is a supported degraded mode on a fresh admin database,
// not a failure: the target registry substitutes its built-in default fleet.
type ErrControlTableMissing struct {
	Table string
}

func (e *ErrControlTableMissing) Error() string {
	return fmt.Sprintf("control table %q does not exist", e.Table)
}

// RegistryLoadError reports that the control table was unreadable for a reason
// other than absence (permissions, connectivity, corruption). Fatal for the
// whole run: no target list can be trusted.
type RegistryLoadError struct {
	Err error
}

func (e *RegistryLoadError) Error() string {
	return fmt.Sprintf("failed to load migration targets: %v", e.Err)
}

func (e *RegistryLoadError) Unwrap() error { return e.Err }
