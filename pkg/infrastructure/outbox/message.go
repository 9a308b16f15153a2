package outbox

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

var ErrPersistence = errors.New("outbox persistence failed")

// Message is one row of the outbox_message table. A message is pending while
// ProcessedOn is null.
type Message struct {
	ID          string         `db:"id"`
	Type        string         `db:"type"`
	Content     string         `db:"content"`
	OccurredOn  time.Time      `db:"occurred_on"`
	ProcessedOn sql.NullTime   `db:"processed_on"`
	Error       sql.NullString `db:"error"`
}

func (m Message) Pending() bool {
	return !m.ProcessedOn.Valid
}

// TransientError marks a delivery failure that aborts the current batch
// without stopping the dispatch loop.
type TransientError struct {
	Err error
}

func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func (e *TransientError) Error() string {
	return "transient delivery failure: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var transientErr *TransientError
	return errors.As(err, &transientErr)
}
