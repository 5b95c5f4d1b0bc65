package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"maunium.net/go/mautrix"

	"github.com/Bestora/meshtastic-matrix-bridge/common/redact"
	"github.com/Bestora/meshtastic-matrix-bridge/common/version"
	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/config"
	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/corebridge"
	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/matrix"
	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/mesh"
	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/model"
	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/names"
	"github.com/Bestora/meshtastic-matrix-bridge/internal/bridge/store"
)

func main() {
	fmt.Printf("Meshtastic-Matrix Bridge\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logStartupSummary(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// logStartupSummary logs the resolved configuration with secrets scrubbed,
// so operators can confirm what loaded without leaking credentials into the
// startup banner.
func logStartupSummary(cfg *config.Config) {
	fields := redact.Map(map[string]any{
		"matrix_homeserver": cfg.Matrix.Homeserver,
		"matrix_room":       cfg.Matrix.Room,
		"matrix_user":       cfg.Matrix.User,
		"matrix_password":   cfg.Matrix.Password,
		"matrix_token":      cfg.Matrix.Token,
		"mqtt_broker":       cfg.MQTT.Broker,
		"mqtt_password":     cfg.MQTT.Password,
		"mqtt_psk":          cfg.MQTT.PSK,
		"meshtastic_host":   cfg.Meshtastic.Host,
		"node_db_path":      cfg.NodeDBPath,
	})
	slog.Info("bridge configuration loaded",
		"matrix_homeserver", fields["matrix_homeserver"],
		"matrix_room", fields["matrix_room"],
		"matrix_user", fields["matrix_user"],
		"matrix_token", fields["matrix_token"],
		"mqtt_broker", fields["mqtt_broker"],
		"meshtastic_host", fields["meshtastic_host"],
		"node_db_path", fields["node_db_path"],
	)
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := store.New(cfg.NodeDBPath)
	if err != nil {
		return fmt.Errorf("open node database: %w", err)
	}
	defer st.Close()

	nameDir := names.New(st)
	if err := nameDir.Load(ctx); err != nil {
		return fmt.Errorf("load name directory: %w", err)
	}

	accessToken, err := resolveAccessToken(ctx, cfg.Matrix)
	if err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}

	mx, err := matrix.New(&matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.User,
		AccessToken: accessToken,
		RoomID:      cfg.Matrix.Room,
		DB:          st.DB(),
	})
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}

	// bridge is constructed below but its handler methods are needed to wire
	// up the mesh sources first; declare it here so the closures below can
	// close over the pointer and see the real value once it is assigned.
	var bridge *corebridge.Bridge
	meshHandler := func(ctx context.Context, pkt mesh.Packet, source string) {
		bridge.HandleMeshPacket(ctx, pkt, source)
	}

	var lan *mesh.LANSource
	var sink corebridge.Sink = disabledSink{}
	if cfg.Meshtastic.Enabled() {
		lan = mesh.NewLANSource(cfg.Meshtastic.Host, meshHandler)
		sink = mesh.NewSink(lan)
	}

	bridge = corebridge.New(cfg, st, mx, sink, nameDir)

	var mq *mesh.MQTTSource
	if cfg.MQTT.Enabled() {
		mq = mesh.NewMQTTSource(mesh.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			Port:     cfg.MQTT.Port,
			User:     cfg.MQTT.User,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			PSK:      cfg.MQTT.PSK,
			UseTLS:   cfg.MQTT.UseTLS,
		}, meshHandler)
	}

	if err := mx.Start(ctx, bridge.HandleMatrixText, bridge.HandleMatrixEdit, bridge.HandleMatrixReaction); err != nil {
		return fmt.Errorf("start matrix client: %w", err)
	}
	defer mx.Stop()

	g, gctx := errgroup.WithContext(ctx)
	if lan != nil {
		g.Go(func() error { return lan.Connect(gctx) })
	}
	if mq != nil {
		g.Go(func() error { return mq.Connect(gctx) })
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("start mesh sources: %w", err)
	}
	if lan != nil {
		defer lan.Close()
	}
	if mq != nil {
		defer mq.Close()
	}

	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}

	slog.Info("bridge running", "matrix_room", cfg.Matrix.Room)
	<-ctx.Done()
	slog.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	bridge.Stop(stopCtx)

	return nil
}

// resolveAccessToken returns a usable access token, performing a password
// login against the homeserver when only MATRIX_USER/MATRIX_PASSWORD were
// configured (spec §6).
func resolveAccessToken(ctx context.Context, cfg config.Matrix) (string, error) {
	if cfg.Token != "" {
		return cfg.Token, nil
	}

	client, err := mautrix.NewClient(cfg.Homeserver, "", "")
	if err != nil {
		return "", fmt.Errorf("create login client: %w", err)
	}
	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: cfg.User,
		},
		Password:         cfg.Password,
		StoreCredentials: false,
	})
	if err != nil {
		return "", fmt.Errorf("password login as %s: %w", cfg.User, err)
	}
	return resp.AccessToken, nil
}

// disabledSink satisfies corebridge.Sink when no Meshtastic LAN radio is
// configured (MQTT-only deployments only observe the mesh; the reference
// bridge never writes back over MQTT, per the mesh package's LANSource doc).
type disabledSink struct{}

func (disabledSink) SendText(context.Context, string, int) (model.PacketId, error) {
	return 0, errMeshWriteDisabled
}

func (disabledSink) SendTextReply(context.Context, string, int, model.PacketId) (model.PacketId, error) {
	return 0, errMeshWriteDisabled
}

func (disabledSink) SendTapback(context.Context, string, model.PacketId, int) (model.PacketId, error) {
	return 0, errMeshWriteDisabled
}

var errMeshWriteDisabled = fmt.Errorf("mesh write path disabled: no MESHTASTIC_HOST configured")
