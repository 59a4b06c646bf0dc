package hyperband

import (
	"context"

	log "github.com/sirupsen/logrus"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
	"github.com/kestrel-ml/kestrel/common/stats"
	"github.com/kestrel-ml/kestrel/protocol"
)

// Run serves the advisor over conn until Terminate arrives, the channel
// closes or ctx is done. Malformed messages are logged and dropped.
func (a *Advisor) Run(ctx context.Context, conn protocol.Conn) error {
	for {
		m, err := conn.Receive(ctx)
		if err != nil {
			if kerrors.IsProtocol(err) {
				a.dropped(m, err)
				continue
			}
			if err == protocol.ErrClosed {
				return nil
			}
			return err
		}
		out, err := a.Handle(m)
		if err != nil {
			if !kerrors.IsProtocol(err) {
				return err
			}
			a.dropped(m, err)
		}
		for _, o := range out {
			if err := conn.Send(o); err != nil {
				return err
			}
		}
		if a.terminated {
			return nil
		}
	}
}

func (a *Advisor) dropped(m protocol.Message, err error) {
	a.stat.Counter(stats.AdvisorProtocolErrCounter).Inc(1)
	log.WithFields(log.Fields{
		"command": string(m.Command),
		"err":     err,
	}).Error("Advisor dropped malformed message")
}
