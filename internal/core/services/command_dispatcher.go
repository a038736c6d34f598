package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
	"vigilnet/pkg/clock"
	"vigilnet/pkg/retry"
	"vigilnet/pkg/tracing"
	"vigilnet/pkg/utils"
	"vigilnet/pkg/validation"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const maxReasonLength = 200

const (
	outcomeSuccess   = "success"
	outcomeOffline   = "offline"
	outcomeTimeout   = "timeout"
	outcomeTransport = "transport_error"
	outcomeRejected  = "rejected"
)

type CommandDispatcherConfig struct {
	CommandTimeout   time.Duration
	HeartbeatTimeout time.Duration
	// StopRetry bounds retries of the idempotent stop command.
	StopRetry retry.Config
}

type commandDispatcher struct {
	nodes     ports.NodeRepository
	transport ports.NodeTransport
	cfg       CommandDispatcherConfig
	clock     clock.Clock
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger
}

func NewCommandDispatcher(
	nodes ports.NodeRepository,
	transport ports.NodeTransport,
	cfg CommandDispatcherConfig,
	clk clock.Clock,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) ports.CommandDispatcher {
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = NewMetricsService()
	}
	cfg.StopRetry.NonRetryableErrors = append(cfg.StopRetry.NonRetryableErrors,
		domain.ErrNodeOffline, domain.ErrNodeNotFound)
	return &commandDispatcher{
		nodes:     nodes,
		transport: transport,
		cfg:       cfg,
		clock:     clk,
		metrics:   metrics,
		logger:    logger,
	}
}

// Send looks the node up and dispatches cmd. Liveness is re-evaluated on
// every call; a node that is not online gets no network traffic at all.
func (d *commandDispatcher) Send(ctx context.Context, nodeID domain.NodeID, cmd domain.NodeCommand) (domain.NodeResponse, error) {
	node, err := d.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return domain.NodeResponse{}, err
	}
	return d.sendTo(ctx, node, cmd)
}

func (d *commandDispatcher) sendTo(ctx context.Context, node *domain.Node, cmd domain.NodeCommand) (domain.NodeResponse, error) {
	if !node.IsOnline(d.clock.Now(), d.cfg.HeartbeatTimeout) {
		d.metrics.RecordNodeCommand(cmd.Type, outcomeOffline, 0)
		return domain.NodeResponse{}, fmt.Errorf("%w: %s", domain.ErrNodeOffline, node.ID)
	}

	ctx, span := tracing.TraceNodeCommand(ctx, string(cmd.Type), string(node.ID), string(cmd.SessionID()))
	defer span.End()

	cmdCtx, cancel := context.WithTimeout(ctx, d.cfg.CommandTimeout)
	defer cancel()

	start := time.Now()
	resp, err := d.transport.Send(cmdCtx, node, cmd)
	elapsed := time.Since(start)

	var reason, outcome string
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(cmdCtx.Err(), context.DeadlineExceeded)):
		outcome = outcomeTimeout
		reason = fmt.Sprintf("no reply within %s", d.cfg.CommandTimeout)
	case err != nil:
		outcome = outcomeTransport
		reason = safeReason(err.Error(), cmd)
	case !resp.OK():
		outcome = outcomeRejected
		reason = safeReason(resp.Code+": "+resp.Message, cmd)
	default:
		outcome = outcomeSuccess
	}
	d.metrics.RecordNodeCommand(cmd.Type, outcome, elapsed)

	if outcome == outcomeSuccess {
		d.logger.Debugw("node command succeeded",
			"node_id", node.ID,
			zap.Object("command", cmd),
			"duration", elapsed,
		)
		return resp, nil
	}

	cmdErr := &domain.NodeCommandError{NodeID: node.ID, Command: cmd.Type, Reason: reason, Cause: err}
	tracing.RecordError(ctx, cmdErr)
	tracing.SetSpanStatus(ctx, codes.Error, outcome)
	d.logger.Warnw("node command failed",
		"node_id", node.ID,
		"session_id", cmd.SessionID(),
		"command_type", cmd.Type,
		"outcome", outcome,
		"reason", reason,
		"duration", elapsed,
	)
	return domain.NodeResponse{}, cmdErr
}

// safeReason turns node-supplied text into a loggable failure reason with
// camera credentials removed.
func safeReason(text string, cmd domain.NodeCommand) string {
	text = utils.RedactURLCredentials(utils.SanitizeString(text))
	if cmd.Start != nil && cmd.Start.Password != "" {
		text = strings.ReplaceAll(text, cmd.Start.Password.Reveal(), "[REDACTED]")
	}
	return utils.TruncateString(text, maxReasonLength)
}

// StartLive is never retried here: a node may have started the pipeline
// even though its reply was lost.
func (d *commandDispatcher) StartLive(ctx context.Context, nodeID domain.NodeID, cmd domain.StartLiveCommand) (string, error) {
	resp, err := d.Send(ctx, nodeID, domain.NodeCommand{Type: domain.CommandStartLive, Start: &cmd})
	if err != nil {
		return "", err
	}
	if resp.StreamURL == "" {
		if cmd.RTPTarget != nil {
			// Real-time sessions are delivered over the local peer.
			return "", nil
		}
		return "", &domain.NodeCommandError{NodeID: nodeID, Command: domain.CommandStartLive, Reason: "empty stream url"}
	}
	if err := validation.ValidateURL(resp.StreamURL, "http", "https"); err != nil {
		return "", &domain.NodeCommandError{NodeID: nodeID, Command: domain.CommandStartLive, Reason: "invalid stream url"}
	}
	return resp.StreamURL, nil
}

func (d *commandDispatcher) StopLive(ctx context.Context, nodeID domain.NodeID, sessionID domain.SessionID) error {
	return d.stop(ctx, sessionID, func(cmd domain.NodeCommand) error {
		_, err := d.Send(ctx, nodeID, cmd)
		return err
	})
}

func (d *commandDispatcher) StopLiveOn(ctx context.Context, node *domain.Node, sessionID domain.SessionID) error {
	return d.stop(ctx, sessionID, func(cmd domain.NodeCommand) error {
		_, err := d.sendTo(ctx, node, cmd)
		return err
	})
}

func (d *commandDispatcher) stop(ctx context.Context, sessionID domain.SessionID, send func(domain.NodeCommand) error) error {
	cmd := domain.NodeCommand{Type: domain.CommandStopLive, Stop: &domain.StopLiveCommand{SessionID: sessionID}}
	cfg := d.cfg.StopRetry
	cfg.OnRetry = func(attempt int, err error) {
		d.logger.Debugw("retrying stop command", "session_id", sessionID, "attempt", attempt, "error", err)
	}
	return retry.Retry(ctx, cfg, func() error { return send(cmd) })
}
