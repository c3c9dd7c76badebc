package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/sessiond/internal/assets/schemas"
)

// ErrInvalidRecord marks a reattach record file that fails its schema.
var ErrInvalidRecord = errors.New("invalid reattach record")

var (
	recordValidatorOnce sync.Once
	recordValidator     *schema.Validator
	recordValidatorErr  error
)

// RecordViolation is one schema failure, addressed by JSON pointer.
type RecordViolation struct {
	Pointer string
	Message string
}

func (v RecordViolation) String() string {
	if v.Pointer == "" {
		return v.Message
	}
	return v.Pointer + ": " + v.Message
}

// RecordViolations lists every failure of one document.
type RecordViolations []RecordViolation

func (e RecordViolations) Error() string {
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.String()
	}
	return fmt.Sprintf("%s: %s", ErrInvalidRecord, strings.Join(parts, "; "))
}

func (e RecordViolations) Unwrap() error {
	return ErrInvalidRecord
}

// ValidateRecordJSON checks a serialized reattach record against the
// embedded schema.
func ValidateRecordJSON(data []byte) error {
	recordValidatorOnce.Do(func() {
		recordValidator, recordValidatorErr = schema.NewValidator(schemasassets.ReattachRecordSchema)
		if recordValidatorErr != nil {
			recordValidatorErr = fmt.Errorf("compile reattach record schema: %w", recordValidatorErr)
		}
	})
	if recordValidatorErr != nil {
		return recordValidatorErr
	}

	diags, err := recordValidator.ValidateJSON(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	var errs RecordViolations
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, RecordViolation{Pointer: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}
