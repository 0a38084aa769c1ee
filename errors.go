package sqgraph

import (
	"fmt"

	"github.com/liliang-cn/sqgraph/pkg/core"
)

// Error kinds returned by every operation; match them with errors.Is
var (
	ErrValidation           = core.ErrValidation
	ErrConflict             = core.ErrConflict
	ErrNotFound             = core.ErrNotFound
	ErrReferentialIntegrity = core.ErrReferentialIntegrity
	ErrMigration            = core.ErrMigration
	ErrStoreClosed          = core.ErrStoreClosed
	ErrEmptyQuery           = core.ErrEmptyQuery
	ErrUnavailable          = core.ErrUnavailable
)

// ErrInvalidNamespace is returned for namespace names outside [A-Za-z0-9_-]{1,64}.
// It also matches ErrValidation.
var ErrInvalidNamespace = fmt.Errorf("%w: invalid namespace name", core.ErrValidation)

// Details returns the validation or conflict messages carried by err
func Details(err error) []string {
	return core.Details(err)
}

func unavailable(op, what string) error {
	return core.Errorf(op, core.ErrUnavailable, "%s", what)
}
