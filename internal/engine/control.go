package engine

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/Tubbz-alt/ODR-DabMod/internal/logging"
	"github.com/Tubbz-alt/ODR-DabMod/internal/yamlrpc"
)

// ControlChannel serves the engine's RPC surface. It turns command
// methods into queue submissions and serves read-only snapshots of the
// shared state. It never waits for the worker to finish a command, only
// for queue space.
type ControlChannel struct {
	sock   *yamlrpc.Socket
	queue  *CommandQueue
	shared *SharedState
	logger logging.Logger
}

// NewControlChannel wires the channel to a bound socket.
func NewControlChannel(sock *yamlrpc.Socket, queue *CommandQueue,
	shared *SharedState, logger logging.Logger) *ControlChannel {
	if logger == nil {
		logger = logging.Default()
	}
	return &ControlChannel{
		sock:   sock,
		queue:  queue,
		shared: shared,
		logger: logger.With(logging.F("subsystem", "control")),
	}
}

// Serve runs the receive loop until ctx is cancelled or the socket
// fails. Receive timeouts re-poll ctx; malformed requests are logged and
// dropped; any other socket error is channel-fatal and returned so the
// caller can start shutdown.
func (c *ControlChannel) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		addr, req, err := c.sock.ReceiveRequest()
		if err != nil {
			if errors.Is(err, yamlrpc.ErrTimeout) {
				continue
			}
			var malformed *yamlrpc.MalformedError
			if errors.As(err, &malformed) {
				c.logger.Warn("request error",
					logging.F("kind", KindProtocol),
					logging.F("error", malformed))
				continue
			}
			c.logger.Error("control socket failed",
				logging.F("kind", KindChannelFatal),
				logging.F("error", err))
			return WrapFault(KindChannelFatal, err)
		}
		c.dispatch(addr, req)
	}
}

func (c *ControlChannel) dispatch(addr *net.UDPAddr, req yamlrpc.Request) {
	switch req.Method {
	case "trigger_run":
		c.logger.Info("request", logging.F("method", req.Method))
		c.queue.Submit(CommandTriggerRun)
	case "reset":
		c.logger.Info("request", logging.F("method", req.Method))
		c.queue.Submit(CommandReset)
	case "calibrate":
		c.logger.Info("request", logging.F("method", req.Method))
		c.queue.Submit(CommandCalibrate)
	case "get_settings":
		c.respond(addr, req, c.shared.Settings())
	case "get_results":
		c.respond(addr, req, c.shared.Results())
	case "set_setting":
		// Accepted on the wire but deliberately not applied; the
		// caller gets an explicit rejection rather than a silent
		// no-op.
		c.logger.Info("request",
			logging.F("method", req.Method),
			logging.F("params", fmt.Sprintf("%v", req.Params)))
		c.sendError(addr, req, "set_setting is not implemented")
	default:
		c.sendError(addr, req, fmt.Sprintf("request %q not understood", req.Method))
	}
}

func (c *ControlChannel) respond(addr *net.UDPAddr, req yamlrpc.Request, payload any) {
	if err := c.sock.SendSuccess(addr, req.RequestID, payload); err != nil {
		c.logger.Warn("send response failed",
			logging.F("method", req.Method),
			logging.F("error", err))
	}
}

func (c *ControlChannel) sendError(addr *net.UDPAddr, req yamlrpc.Request, msg string) {
	if err := c.sock.SendError(addr, req.RequestID, msg); err != nil {
		c.logger.Warn("send error response failed",
			logging.F("method", req.Method),
			logging.F("error", err))
	}
}
