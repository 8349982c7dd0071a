// The controller CLI is the control panel as a line-oriented client: it
// joins every catalog mission, keeps a live projection of rosters, statuses,
// and logs, and sends broadcast or targeted commands.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
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

type console struct {
	sess *client.Client
	proj *projection.Projection
	cat  *catalog.Catalog
	from string
}

func (c *console) wireHandlers() {
	c.sess.On(protocol.DeviceJoinedMission, func(raw json.RawMessage) {
		var evt protocol.DeviceJoinedMissionPayload
		if err := json.Unmarshal(raw, &evt); err != nil {
			return
		}
		c.proj.Dispatch(projection.DeviceJoinedItem{Payload: evt})
		fmt.Printf("+ device %q joined %s\n", evt.DeviceID, evt.MissionID)
	})

	c.sess.On(protocol.DeviceLeftMission, func(raw json.RawMessage) {
		var evt protocol.DeviceLeftMissionPayload
		if err := json.Unmarshal(raw, &evt); err != nil {
			return
		}
		c.proj.Dispatch(projection.DeviceLeftItem{Payload: evt})
		fmt.Printf("- device %q left %s\n", evt.DeviceID, evt.MissionID)
	})

	c.sess.On(protocol.DeviceStatusUpdate, func(raw json.RawMessage) {
		var upd protocol.DeviceStatusUpdatePayload
		if err := json.Unmarshal(raw, &upd); err != nil {
			return
		}
		c.proj.Dispatch(projection.StatusUpdateItem{Payload: upd})
		fmt.Printf("~ %s/%s is %s\n", upd.MissionID, upd.DeviceID, upd.Status)
	})
}

// send dispatches the command to the current selection: a broadcast when the
// target is ALL, targeted otherwise. The result is logged locally right
// away, independent of any later event.
func (c *console) send(ctx context.Context, command string) {
	mission, device := c.proj.Selection()
	if mission == "" {
		fmt.Println("no mission selected, run: use <mission> [device]")
		return
	}

	if device == projection.BroadcastTarget {
		var ack protocol.SendMissionCommandAck
		err := c.sess.Emit(ctx, protocol.SendMissionCommand, protocol.SendMissionCommandPayload{
			MissionID: mission,
			Command:   command,
			From:      c.from,
		}, &ack)
		c.proj.Dispatch(projection.CommandResultItem{MissionID: mission, Command: command, Err: err})
		if err != nil {
			fmt.Printf("broadcast failed: %v\n", err)
			return
		}
		fmt.Printf("broadcast to all devices in %s\n", ack.DeliveredTo)
		return
	}

	var ack protocol.DeviceCommandAck
	err := c.sess.Emit(ctx, protocol.DeviceCommand, protocol.DeviceCommandPayload{
		MissionID: mission,
		DeviceID:  device,
		Command:   command,
		From:      c.from,
	}, &ack)
	c.proj.Dispatch(projection.CommandResultItem{MissionID: mission, DeviceID: device, Command: command, Err: err})
	if err != nil {
		fmt.Printf("command failed: %v\n", err)
		return
	}
	fmt.Printf("delivered to %s\n", ack.DeliveredTo)
}

func (c *console) printDevices() {
	for _, mission := range c.cat.Missions() {
		roster := c.proj.Roster(mission)
		if len(roster) == 0 {
			fmt.Printf("%s: (no devices)\n", mission)
			continue
		}
		fmt.Printf("%s: %s\n", mission, strings.Join(roster, ", "))
	}
}

func (c *console) printStatuses() {
	for _, mission := range c.cat.Missions() {
		for _, device := range c.proj.Roster(mission) {
			if s, ok := c.proj.Status(mission, device); ok {
				fmt.Printf("%s/%s: %s @ %s\n", mission, device, s.Status,
					time.UnixMilli(s.Timestamp).Format("15:04:05"))
			} else {
				fmt.Printf("%s/%s: no status\n", mission, device)
			}
		}
	}
}

func (c *console) printLog(key string) {
	entries := c.proj.Log(key)
	if len(entries) == 0 {
		fmt.Println("no log entries")
		return
	}
	for _, e := range entries {
		fmt.Printf("[%s] %s\n", e.Time.Format("15:04:05"), e.Text)
	}
}

func (c *console) repl(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: use <mission> [device] | send <command> | devices | status | log <mission> [device] | quit")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "use":
			if len(fields) < 2 || !c.cat.Contains(fields[1]) {
				fmt.Println("usage: use <mission> [device]")
				continue
			}
			device := projection.BroadcastTarget
			if len(fields) > 2 {
				device = fields[2]
			}
			c.proj.Select(fields[1], device)
			fmt.Printf("targeting %s/%s\n", fields[1], device)
		case "send":
			if len(fields) < 2 {
				fmt.Println("usage: send <command...>")
				continue
			}
			c.send(ctx, strings.Join(fields[1:], " "))
		case "devices":
			c.printDevices()
		case "status":
			c.printStatuses()
		case "log":
			switch len(fields) {
			case 2:
				c.printLog(fields[1])
			case 3:
				c.printLog(projection.Key(fields[1], fields[2]))
			default:
				fmt.Println("usage: log <mission> [device]")
			}
		case "quit", "exit":
			return
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx, "controller-cli")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cat, err := catalog.Load()
	if err != nil {
		slog.Error("Failed to load mission catalog", "error", err)
		os.Exit(1)
	}

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	natsUser := envOrDefault("NATS_USER", "controller-cli")
	natsPass := envOrDefault("NATS_PASS", "controller-cli-secret")
	from := envOrDefault("CONTROLLER_NAME", "controller")

	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("controller-cli"),
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
	c := &console{
		sess: client.New(nc, protocol.RoleController, ""),
		proj: proj,
		cat:  cat,
		from: from,
	}
	c.wireHandlers()

	proj.Dispatch(projection.ConnectingItem{})
	if err := c.sess.Connect(ctx); err != nil {
		slog.Error("Failed to open broker session", "error", err)
		os.Exit(1)
	}

	ack, err := c.sess.JoinMissions(ctx, cat.Missions())
	if err != nil {
		slog.Error("Failed to join missions", "error", err)
		c.sess.Disconnect()
		os.Exit(1)
	}
	proj.Dispatch(projection.ConnectedItem{Ack: ack})
	fmt.Printf("managing missions: %s\n", strings.Join(ack.Joined, ", "))

	done := make(chan struct{})
	go proj.Run(done)

	c.repl(ctx)

	close(done)
	proj.Apply(projection.DisconnectedItem{})
	c.sess.Disconnect()
	nc.Drain()
}
