package targets

import "fmt"

// TargetNotFoundError indicates no target matched even after a registry
// refresh. Surfaced to the caller; never retried here.
type TargetNotFoundError struct {
	ID             string
	Region         string
	ConnectionType string
	Database       string
}

func (e *TargetNotFoundError) Error() string {
	switch {
	case e.ID != "":
		return fmt.Sprintf("migration target not found: %s", e.ID)
	case e.Database != "":
		return fmt.Sprintf("migration target not found for database %q", e.Database)
	default:
		return fmt.Sprintf("migration target not found for region %q type %q", e.Region, e.ConnectionType)
	}
}
