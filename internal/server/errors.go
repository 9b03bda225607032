package server

import (
	"errors"

	"github.com/kstaniek/can-safety-gateway/internal/gateway"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
	"github.com/kstaniek/can-safety-gateway/internal/serial"
	"github.com/kstaniek/can-safety-gateway/internal/socketcan"
	"github.com/kstaniek/can-safety-gateway/internal/transport"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrHandshake = errors.New("handshake")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrBackendTx = errors.New("backend_tx")
	ErrContext   = errors.New("context_cancelled")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead), errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	case errors.Is(err, ErrBackendTx):
		return metrics.ErrBackendTx
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}

// sendOutcome classifies the result of submitting one upstream frame.
type sendOutcome int

const (
	sendOK sendOutcome = iota
	sendRejected
	sendOverflow
	sendNoRoute
	sendFailed
)

// classifySend sorts a Send error. Safety rejections, full TX queues and
// unbound buses are expected under load or misconfiguration and are not
// transport failures.
func classifySend(err error) sendOutcome {
	switch {
	case err == nil:
		return sendOK
	case errors.Is(err, gateway.ErrRejected):
		return sendRejected
	case errors.Is(err, serial.ErrTxOverflow), errors.Is(err, socketcan.ErrTxOverflow):
		return sendOverflow
	case errors.Is(err, transport.ErrNoRoute):
		return sendNoRoute
	default:
		return sendFailed
	}
}
