package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/LiorVainer/mission-center/pkg/broker"
	"github.com/LiorVainer/mission-center/pkg/otelhelper"
	"github.com/LiorVainer/mission-center/pkg/protocol"
)

// handlerSet wires the broker core onto NATS subjects.
type handlerSet struct {
	nc         *nats.Conn
	broker     *broker.Broker
	sessions   *sessionTable
	hbInterval int

	reqCounter  metric.Int64Counter
	reqDuration metric.Float64Histogram
}

func newHandlerSet(nc *nats.Conn, b *broker.Broker, sessions *sessionTable, hbInterval int) *handlerSet {
	meter := otel.Meter("broker-service")
	reqCounter, _ := meter.Int64Counter("broker_requests_total",
		metric.WithDescription("Requests handled, by action"))
	reqDuration, _ := meter.Float64Histogram("broker_request_duration_seconds",
		metric.WithDescription("Request handling time, by action"))
	return &handlerSet{
		nc:          nc,
		broker:      b,
		sessions:    sessions,
		hbInterval:  hbInterval,
		reqCounter:  reqCounter,
		reqDuration: reqDuration,
	}
}

func (h *handlerSet) observe(ctx context.Context, action string, start time.Time) {
	h.reqCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	h.reqDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("action", action)))
}

// subscribe registers every subject handler. Plain subscriptions, no queue
// group: there is exactly one broker instance per mission catalog.
func (h *handlerSet) subscribe() error {
	subs := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectConnect, h.handleConnect},
		{protocol.SubjectHeartbeatWildcard, h.handleHeartbeat},
		{protocol.SubjectDisconnectWildcard, h.handleDisconnect},
		{protocol.SubjectJoinWildcard, h.handleJoin},
		{protocol.SubjectDeviceCommandWildcard, h.handleDeviceCommand},
		{protocol.SubjectMissionCommandWildcard, h.handleMissionCommand},
		{protocol.SubjectStatusWildcard, h.handleStatusUpdate},
	}
	for _, s := range subs {
		if _, err := h.nc.Subscribe(s.subject, s.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.subject, err)
		}
	}
	return nil
}

func (h *handlerSet) handleConnect(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "session connect")
	defer span.End()

	var req protocol.ConnectRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		msg.Respond(protocol.ErrorAck(protocol.ReasonBadRequest))
		return
	}
	span.SetAttributes(
		attribute.String("session.role", string(req.Role)),
		attribute.String("session.device", req.DeviceID),
	)

	connID := uuid.NewString()
	ch := &natsChannel{nc: h.nc, connID: connID}
	if err := h.broker.Register(ctx, ch, req.Role, req.DeviceID); err != nil {
		span.RecordError(err)
		msg.Respond(protocol.AckFor(nil, err))
		return
	}
	h.sessions.add(connID)

	ack, err := protocol.SuccessAck(protocol.ConnectAck{
		ConnID:             connID,
		HeartbeatIntervalS: h.hbInterval,
	})
	if err != nil {
		slog.ErrorContext(ctx, "Failed to build connect ack", "error", err)
		msg.Respond(protocol.ErrorAck("internal-error"))
		return
	}
	msg.Respond(ack)
	h.observe(ctx, "connect", start)
}

func (h *handlerSet) handleHeartbeat(msg *nats.Msg) {
	connID := protocol.ConnIDFromSubject(msg.Subject)
	if connID == "" {
		return
	}
	if !h.sessions.touch(connID) {
		slog.Debug("Heartbeat for unknown session", "conn", connID)
	}
}

func (h *handlerSet) handleDisconnect(msg *nats.Msg) {
	ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "session disconnect")
	defer span.End()

	connID := protocol.ConnIDFromSubject(msg.Subject)
	if connID == "" {
		return
	}
	if h.sessions.remove(connID) {
		h.broker.Disconnect(ctx, connID)
	}
}

// resolveSession extracts and checks the session of a request subject. A
// request racing its own disconnect loses: the membership purge has already
// run and the caller gets an unknown-session failure.
func (h *handlerSet) resolveSession(msg *nats.Msg) (string, bool) {
	connID := protocol.ConnIDFromSubject(msg.Subject)
	if connID == "" || !h.sessions.contains(connID) {
		msg.Respond(protocol.ErrorAck(protocol.ReasonUnknownSession))
		return "", false
	}
	return connID, true
}

func (h *handlerSet) handleJoin(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "join mission rooms")
	defer span.End()

	connID, ok := h.resolveSession(msg)
	if !ok {
		return
	}
	var req protocol.JoinMissionRoomsPayload
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		msg.Respond(protocol.ErrorAck(protocol.ReasonBadRequest))
		return
	}
	span.SetAttributes(attribute.Int("join.requested", len(req.Missions)))

	ack, err := h.broker.Join(ctx, connID, req.Missions)
	msg.Respond(protocol.AckFor(ack, err))
	h.observe(ctx, "join", start)
}

func (h *handlerSet) handleDeviceCommand(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "device command")
	defer span.End()

	if _, ok := h.resolveSession(msg); !ok {
		return
	}
	var req protocol.DeviceCommandPayload
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		msg.Respond(protocol.ErrorAck(protocol.ReasonBadRequest))
		return
	}
	span.SetAttributes(
		attribute.String("mission.id", req.MissionID),
		attribute.String("device.id", req.DeviceID),
	)

	ack, err := h.broker.Targeted(ctx, req.MissionID, req.DeviceID, req.Command, req.From)
	msg.Respond(protocol.AckFor(ack, err))
	h.observe(ctx, "device_command", start)
}

func (h *handlerSet) handleMissionCommand(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "mission command")
	defer span.End()

	if _, ok := h.resolveSession(msg); !ok {
		return
	}
	var req protocol.SendMissionCommandPayload
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		msg.Respond(protocol.ErrorAck(protocol.ReasonBadRequest))
		return
	}
	span.SetAttributes(attribute.String("mission.id", req.MissionID))

	ack, err := h.broker.Broadcast(ctx, req.MissionID, req.Command, req.From)
	msg.Respond(protocol.AckFor(ack, err))
	h.observe(ctx, "mission_command", start)
}

func (h *handlerSet) handleStatusUpdate(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "device status update")
	defer span.End()

	connID, ok := h.resolveSession(msg)
	if !ok {
		return
	}
	var req protocol.DeviceStatusUpdatePayload
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		msg.Respond(protocol.ErrorAck(protocol.ReasonBadRequest))
		return
	}
	span.SetAttributes(
		attribute.String("mission.id", req.MissionID),
		attribute.String("device.id", req.DeviceID),
		attribute.String("device.status", string(req.Status)),
	)

	ack, err := h.broker.UpdateStatus(ctx, connID, req)
	msg.Respond(protocol.AckFor(ack, err))
	h.observe(ctx, "status_update", start)
}
