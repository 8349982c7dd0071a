// The device agent is a headless mission device: it joins its configured
// missions, logs every command it receives, reports progress statuses while
// executing, and sends periodic idle heartbeat statuses.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/LiorVainer/mission-center/pkg/catalog"
	"github.com/LiorVainer/mission-center/pkg/client"
	"github.com/LiorVainer/mission-center/pkg/otelhelper"
	"github.com/LiorVainer/mission-center/pkg/projection"
	"github.com/LiorVainer/mission-center/pkg/protocol"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
		slog.Warn("Ignoring invalid integer env value", "key", key, "value", v)
	}
	return def
}

// agent reacts to commands: report active, "work", then report completed.
type agent struct {
	sess     *client.Client
	proj     *projection.Projection
	deviceID string
	workTime time.Duration
}

func (a *agent) sendStatus(ctx context.Context, mission string, status protocol.DeviceStatus) {
	var ack protocol.DeviceStatusUpdateAck
	err := a.sess.Emit(ctx, protocol.DeviceStatusUpdate, protocol.DeviceStatusUpdatePayload{
		MissionID: mission,
		DeviceID:  a.deviceID,
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	}, &ack)
	if err != nil {
		slog.Warn("Status update rejected", "mission", mission, "status", status, "error", err)
	}
}

// execute simulates handling a command in its own goroutine so the dispatch
// goroutine never blocks.
func (a *agent) execute(ctx context.Context, mission, command string) {
	go func() {
		a.sendStatus(ctx, mission, protocol.StatusActive)
		time.Sleep(a.workTime)
		a.sendStatus(ctx, mission, protocol.StatusCompleted)
		slog.Info("Command completed", "mission", mission, "command", command)
	}()
}

func (a *agent) wireHandlers(ctx context.Context) {
	a.sess.On(protocol.DeviceCommand, func(raw json.RawMessage) {
		var cmd protocol.DeviceCommandPayload
		if err := json.Unmarshal(raw, &cmd); err != nil {
			slog.Warn("Bad device command payload", "error", err)
			return
		}
		a.proj.Dispatch(projection.CommandReceivedItem{
			Kind:      "device",
			MissionID: cmd.MissionID,
			Command:   cmd.Command,
			From:      cmd.From,
			Timestamp: cmd.Timestamp,
		})
		slog.Info("Received targeted command", "mission", cmd.MissionID, "command", cmd.Command, "from", cmd.From)
		a.execute(ctx, cmd.MissionID, cmd.Command)
	})

	a.sess.On(protocol.SendMissionCommand, func(raw json.RawMessage) {
		var cmd protocol.SendMissionCommandPayload
		if err := json.Unmarshal(raw, &cmd); err != nil {
			slog.Warn("Bad mission command payload", "error", err)
			return
		}
		a.proj.Dispatch(projection.CommandReceivedItem{
			Kind:      "mission",
			MissionID: cmd.MissionID,
			Command:   cmd.Command,
			From:      cmd.From,
			Timestamp: cmd.Timestamp,
		})
		slog.Info("Received mission command", "mission", cmd.MissionID, "command", cmd.Command, "from", cmd.From)
		a.execute(ctx, cmd.MissionID, cmd.Command)
	})

	a.sess.On(protocol.DeviceJoinedMission, func(raw json.RawMessage) {
		var evt protocol.DeviceJoinedMissionPayload
		if err := json.Unmarshal(raw, &evt); err != nil {
			return
		}
		a.proj.Dispatch(projection.DeviceJoinedItem{Payload: evt})
	})

	a.sess.On(protocol.DeviceLeftMission, func(raw json.RawMessage) {
		var evt protocol.DeviceLeftMissionPayload
		if err := json.Unmarshal(raw, &evt); err != nil {
			return
		}
		a.proj.Dispatch(projection.DeviceLeftItem{Payload: evt})
	})
}

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx, "device-agent")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	deviceID := envOrDefault("DEVICE_ID", "")
	if deviceID == "" {
		host, _ := os.Hostname()
		deviceID = "device-" + host
	}
	missions := strings.Split(envOrDefault("MISSIONS", catalog.DefaultMissions), ",")
	statusInterval := envIntOrDefault("STATUS_INTERVAL_SECONDS", 30)
	workSeconds := envIntOrDefault("COMMAND_WORK_SECONDS", 2)

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	natsUser := envOrDefault("NATS_USER", "device-agent")
	natsPass := envOrDefault("NATS_PASS", "device-agent-secret")

	slog.Info("Starting Device Agent", "device", deviceID, "missions", missions)

	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("device-agent-"+deviceID),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	proj := projection.New()
	sess := client.New(nc, protocol.RoleDevice, deviceID)
	a := &agent{
		sess:     sess,
		proj:     proj,
		deviceID: deviceID,
		workTime: time.Duration(workSeconds) * time.Second,
	}
	a.wireHandlers(ctx)

	proj.Dispatch(projection.ConnectingItem{})
	if err := sess.Connect(ctx); err != nil {
		slog.Error("Failed to open broker session", "error", err)
		os.Exit(1)
	}

	ack, err := sess.JoinMissions(ctx, missions)
	if err != nil {
		slog.Error("Failed to join missions", "error", err)
		sess.Disconnect()
		os.Exit(1)
	}
	proj.Dispatch(projection.ConnectedItem{Ack: ack})
	slog.Info("Joined missions", "joined", ack.Joined)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go proj.Run(sigCtx.Done())

	if statusInterval > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(statusInterval) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-sigCtx.Done():
					return
				case <-ticker.C:
					for _, mission := range proj.Joined() {
						a.sendStatus(sigCtx, mission, protocol.StatusIdle)
					}
				}
			}
		}()
	}

	<-sigCtx.Done()

	slog.Info("Shutting down device agent", "device", deviceID)
	proj.Apply(projection.DisconnectedItem{})
	sess.Disconnect()
	nc.Drain()
}
