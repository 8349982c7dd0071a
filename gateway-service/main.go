// The gateway bridges WebSocket clients onto the broker's NATS channel: one
// broker session per socket, JSON frames in both directions. It replaces the
// socket endpoint the original web clients spoke to.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/LiorVainer/mission-center/pkg/client"
	"github.com/LiorVainer/mission-center/pkg/otelhelper"
	"github.com/LiorVainer/mission-center/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway fronts trusted local UIs; origin policy stays with the
	// deployment's reverse proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

type gateway struct {
	nc *nats.Conn

	connCounter  metric.Int64Counter
	frameCounter metric.Int64Counter
}

func newGateway(nc *nats.Conn) *gateway {
	meter := otel.Meter("gateway-service")
	connCounter, _ := meter.Int64Counter("gateway_connections_total",
		metric.WithDescription("WebSocket connections accepted, by role"))
	frameCounter, _ := meter.Int64Counter("gateway_frames_total",
		metric.WithDescription("Frames relayed, by direction"))
	return &gateway{nc: nc, connCounter: connCounter, frameCounter: frameCounter}
}

// serveSocket owns one WebSocket connection for its lifetime.
func (g *gateway) serveSocket(w http.ResponseWriter, r *http.Request) {
	role, deviceID, err := identityFromQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	ctx := r.Context()
	g.connCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("role", string(role))))

	sess := client.New(g.nc, role, deviceID)
	outbound := make(chan []byte, 256)

	// Notifications fan in through the session's ordered dispatch goroutine.
	for _, event := range []protocol.Event{
		protocol.DeviceCommand,
		protocol.SendMissionCommand,
		protocol.DeviceStatusUpdate,
		protocol.DeviceJoinedMission,
		protocol.DeviceLeftMission,
	} {
		event := event
		sess.On(event, func(payload json.RawMessage) {
			frame, err := encodeEventFrame(event, payload)
			if err != nil {
				slog.Warn("Failed to encode event frame", "event", event, "error", err)
				return
			}
			select {
			case outbound <- frame:
				g.frameCounter.Add(context.Background(), 1, metric.WithAttributes(
					attribute.String("direction", "push")))
			default:
				slog.Warn("Dropping event frame, outbound buffer full", "event", event)
			}
		})
	}

	if err := sess.Connect(ctx); err != nil {
		slog.Warn("Broker session failed", "role", role, "device", deviceID, "error", err)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session rejected"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}

	slog.Info("Socket connected", "conn", sess.ConnID(), "role", role, "device", deviceID)

	done := make(chan struct{})
	go g.writePump(ws, outbound, done)
	g.readPump(ctx, ws, sess, outbound)

	// Socket gone: close the broker session so membership purges now.
	close(done)
	sess.Disconnect()
	slog.Info("Socket closed", "role", role, "device", deviceID)
}

// readPump relays client frames to the broker until the socket closes.
// Frames are handled one at a time: the ordering a client observes between
// its own acks is its send order.
func (g *gateway) readPump(ctx context.Context, ws *websocket.Conn, sess *client.Client, outbound chan<- []byte) {
	defer ws.Close()
	ws.SetReadLimit(maxMsgSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Socket read failed", "error", err)
			}
			return
		}
		frame, err := decodeClientFrame(data)
		if err != nil {
			slog.Warn("Bad client frame", "error", err)
			continue
		}
		g.frameCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", "request")))

		var raw json.RawMessage
		emitErr := sess.Emit(ctx, frame.Event, frame.Payload, &raw)
		if frame.ID == 0 {
			continue // fire-and-forget
		}

		ack := protocol.Ack{Status: protocol.AckSuccess, Data: raw}
		if emitErr != nil {
			ack = protocol.Ack{Status: protocol.AckError, Reason: reasonOf(emitErr)}
		}
		out, err := encodeAckFrame(frame.ID, ack)
		if err != nil {
			slog.Warn("Failed to encode ack frame", "error", err)
			continue
		}
		select {
		case outbound <- out:
		default:
			slog.Warn("Dropping ack frame, outbound buffer full")
		}
	}
}

// writePump serializes all socket writes and keeps the connection alive with
// pings.
func (g *gateway) writePump(ws *websocket.Conn, outbound <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case <-done:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.CloseMessage, nil)
			return
		case frame := <-outbound:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reasonOf maps an emit error to the wire reason for the ack frame.
func reasonOf(err error) string {
	if re, ok := err.(*protocol.ReasonError); ok {
		return re.Reason
	}
	return "internal-error"
}

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx, "gateway-service")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	natsUser := envOrDefault("NATS_USER", "gateway-service")
	natsPass := envOrDefault("NATS_PASS", "gateway-service-secret")
	listenAddr := envOrDefault("LISTEN_ADDR", ":8080")

	slog.Info("Starting Gateway", "nats_url", natsURL, "listen", listenAddr)

	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("gateway-service"),
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
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	g := newGateway(nc)
	mux := http.NewServeMux()
	mux.HandleFunc("/socket", g.serveSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	slog.Info("Gateway ready", "listen", listenAddr)
	<-sigCtx.Done()

	slog.Info("Shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	nc.Drain()
}
