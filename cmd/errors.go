package cmd

import (
	"errors"

	"github.com/sergiochan/openpocket/internal/ferr"
)

// wrapFerr maps a §7 error kind to the §6 CLI exit-code contract: kinds
// that stem from operator misconfiguration are user errors (1); anything
// stemming from the runtime environment is an infrastructure error (2).
func wrapFerr(err error) error {
	if err == nil {
		return nil
	}
	switch ferr.KindOf(err) {
	case ferr.ConfigInvalid, ferr.SecretMissing, ferr.ScriptBlocked:
		return userErr(err)
	default:
		return infraErr(err)
	}
}

// isFerrKind reports whether err carries the given §7 error kind.
func isFerrKind(err error, kind ferr.Kind) bool {
	var fe *ferr.Error
	return errors.As(err, &fe) && fe.Kind == kind
}
