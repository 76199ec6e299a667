package protocol

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/SouthPatron/reasonchip/errors"
)

// NewExceptionResult converts a workflow failure into a RESULT carrying
// the error text and a stack trace.
func NewExceptionResult(cookie uuid.UUID, err error) *Packet {
	result := NewResult(cookie, ResultException)
	result.Error = err.Error()

	if trace := errors.GetReportableStackTrace(err); trace != nil {
		lines := make([]string, 0, len(trace.Frames))
		for _, frame := range trace.Frames {
			lines = append(lines, frame.Module+"."+frame.Function+" ("+frame.AbsPath+")")
		}
		result.Stacktrace = lines
	}
	if len(result.Stacktrace) == 0 {
		result.Stacktrace = strings.Split(err.Error(), "\n")
	}
	return result
}

// EncodeValue renders a workflow result as JSON, or empty for nil.
func EncodeValue(value any) (string, error) {
	if value == nil {
		return "", nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode result")
	}
	return string(data), nil
}
