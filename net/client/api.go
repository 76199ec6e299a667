package client

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/logger"
	"github.com/SouthPatron/reasonchip/net/protocol"
)

// Api is the high-level request surface over a Multiplexor: one call, one
// RUN, one RESULT.
type Api struct {
	multiplexor *Multiplexor
	log         *zap.SugaredLogger
}

// NewApi wraps a multiplexor.
func NewApi(m *Multiplexor) *Api {
	return &Api{
		multiplexor: m,
		log:         logger.Named("client.api"),
	}
}

// RunWorkflow dispatches a workflow run and waits for its terminal
// RESULT. variables may be nil. A zero cookie gets a fresh one; a zero
// timeout waits indefinitely.
func (a *Api) RunWorkflow(
	workflow string,
	variables any,
	cookie uuid.UUID,
	timeout time.Duration,
) (any, error) {

	c := NewClient(a.multiplexor, cookie)
	if err := c.Open(); err != nil {
		return nil, err
	}
	defer c.Close()

	var encoded string
	if variables != nil {
		data, err := json.Marshal(variables)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode variables")
		}
		encoded = string(data)
	}

	a.log.Debugw("Dispatching run", "workflow", workflow, "cookie", c.Cookie())

	if !c.Send(protocol.NewRun(c.Cookie(), workflow, encoded)) {
		return nil, ErrConnectionLost
	}

	for {
		resp := c.Receive(timeout)
		if resp == nil {
			return nil, errors.Newf("timed out waiting for result of %s", workflow)
		}

		switch resp.PacketType {
		case protocol.PacketResult:
			return decodeResult(resp)

		case protocol.PacketCancel:
			// Confirmation of a cancel issued elsewhere.
			return nil, errors.Newf("workflow %s was cancelled", workflow)

		default:
			a.log.Warnw("Ignoring unexpected packet",
				"packet_type", resp.PacketType, "cookie", resp.Cookie)
		}
	}
}

// Cancel requests cooperative cancellation of an in-flight run. The
// cookie stays routed to the connection that originated it; the CANCEL
// goes out on a throwaway registration.
func (a *Api) Cancel(cookie uuid.UUID) error {
	scratch := uuid.New()
	if _, err := a.multiplexor.Register(scratch); err != nil {
		return err
	}
	defer a.multiplexor.Release(scratch)

	if !a.multiplexor.Send(scratch, protocol.NewCancel(cookie)) {
		return ErrConnectionLost
	}
	return nil
}

// decodeResult turns a RESULT packet into a value or an error.
func decodeResult(p *protocol.Packet) (any, error) {
	switch p.RC {
	case protocol.ResultOK:
		if p.Result == "" {
			return nil, nil
		}
		var value any
		if err := json.Unmarshal([]byte(p.Result), &value); err != nil {
			return nil, errors.Wrap(err, "failed to decode result")
		}
		return value, nil

	case protocol.ResultException:
		err := errors.Newf("workflow raised: %s", p.Error)
		if len(p.Stacktrace) > 0 {
			err = errors.WithDetail(err, strings.Join(p.Stacktrace, "\n"))
		}
		return nil, err

	case protocol.ResultCancelled:
		return nil, errors.New("workflow was cancelled")

	default:
		return nil, errors.Newf("workflow failed: %s", p.RC)
	}
}
