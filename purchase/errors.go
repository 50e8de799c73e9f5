package purchase

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidDestination = errors.New("invalid destination")
	ErrInvalidRequest     = errors.New("invalid purchase request")
	ErrPurchasePending    = errors.New("a purchase is already pending for this operator")
	ErrOperatorHalted     = errors.New("operator halted until cleared")
	ErrUnknownOperator    = errors.New("unknown operator")
	ErrUnknownSender      = errors.New("unknown sender")
	ErrNotQueued          = errors.New("transaction is not queued")
	ErrAmbiguousPending   = errors.New("ambiguous pending state")
)

// AmbiguousPendingError reports more than one pending transaction for an
// operator. It matches ErrAmbiguousPending.
type AmbiguousPendingError struct {
	Operator string
	Refs     []string
}

func (e *AmbiguousPendingError) Error() string {
	return fmt.Sprintf("%s: operator %s has %d pending transactions (%s)",
		ErrAmbiguousPending, e.Operator, len(e.Refs), strings.Join(e.Refs, ", "))
}

func (e *AmbiguousPendingError) Is(target error) bool {
	return target == ErrAmbiguousPending
}
