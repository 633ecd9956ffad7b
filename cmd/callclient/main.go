package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"peercall/internal/client"
	"peercall/internal/core/domain"
	signalinfra "peercall/internal/infrastructure/signal"
	webrtcinfra "peercall/internal/infrastructure/webrtc"
	"peercall/pkg/config"
	"peercall/pkg/logger"
	"peercall/pkg/retry"

	"github.com/pion/webrtc/v3"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

const usage = `commands:
  call <identity>   place a call
  accept            answer the ringing call
  decline           refuse the ringing call
  hangup            end the current call
  mic | cam         toggle microphone or camera
  who               list online identities
  state             show the current call state
  quit              hang up and exit`

func main() {
	var (
		configPath = flag.StringP("config", "c", "configs/config.yaml", "path to the YAML configuration file")
		serverURL  = flag.StringP("server", "s", "", "signaling relay URL (overrides config)")
		identity   = flag.StringP("identity", "i", "", "identity to register as (required)")
		name       = flag.StringP("name", "n", "", "display name")
		avatar     = flag.String("avatar", "", "avatar URL")
		token      = flag.String("token", "", "identity token, when the relay requires one")
		callPeer   = flag.String("call", "", "call this identity right after registering")
		autoAccept = flag.Bool("auto-accept", false, "answer incoming calls automatically")
		noAudio    = flag.Bool("no-audio", false, "behave as if no microphone is present")
		noVideo    = flag.Bool("no-video", false, "behave as if no camera is present")
		logLevel   = flag.String("log-level", "", "log level (overrides config)")
	)
	flag.Parse()

	if *identity == "" {
		fmt.Fprintln(os.Stderr, "--identity is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.Client.ServerURL = *serverURL
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *name == "" {
		*name = *identity
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, "console")
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("identity", *identity)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Client.ReconnectAttempts + 1

	conn, err := signalinfra.Dial(ctx, signalinfra.ClientConfig{
		URL:   cfg.Client.ServerURL,
		Retry: retryCfg,
	}, log.Named("signal"))
	if err != nil {
		log.Fatalw("failed to reach relay", "error", err)
	}
	defer conn.Close()

	links, err := webrtcinfra.NewLinkFactory(webrtcinfra.LinkConfig{ICEServers: iceServers(cfg)}, log.Named("webrtc"))
	if err != nil {
		log.Fatalw("failed to set up WebRTC", "error", err)
	}

	devices := &webrtcinfra.SampleDevices{Audio: !*noAudio, Video: !*noVideo, Logger: log.Named("media")}

	machine := client.NewMachine(client.Config{
		Identity:     domain.Identity(*identity),
		GracePeriod:  cfg.Client.GracePeriod,
		MediaTimeout: cfg.Client.MediaTimeout,
	}, conn, devices, links, log.Named("call"))

	machine.OnStateChange(func(s client.Snapshot) {
		printSnapshot(s)
		if *autoAccept && s.State == client.StateRingingIncoming {
			go func() {
				if err := machine.Accept(ctx); err != nil {
					log.Warnw("auto-accept failed", "error", err)
				}
			}()
		}
	})

	runErr := make(chan error, 1)
	go func() {
		runErr <- conn.Run(ctx, func(msg domain.Message) {
			machine.HandleMessage(ctx, msg)
		})
	}()

	if err := machine.Register(ctx, domain.Profile{Name: *name, AvatarURL: *avatar}, *token); err != nil {
		log.Fatalw("failed to register", "error", err)
	}
	fmt.Printf("registered as %s\n%s\n", *identity, usage)

	if *callPeer != "" {
		if err := machine.PlaceCall(ctx, domain.Identity(*callPeer)); err != nil {
			log.Errorw("call failed", "peer", *callPeer, "error", err)
		}
	}

	commands := make(chan string)
	go readCommands(commands)

	for {
		select {
		case <-ctx.Done():
			shutdown(machine, log)
			return
		case err := <-runErr:
			if err != nil {
				log.Errorw("relay connection lost", "error", err)
			} else {
				log.Info("relay closed the connection")
			}
			shutdown(machine, log)
			return
		case line, ok := <-commands:
			if !ok || !execute(ctx, machine, line, log) {
				shutdown(machine, log)
				return
			}
		}
	}
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

func readCommands(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			out <- line
		}
	}
}

// execute runs one command line and reports whether the loop should go on.
func execute(ctx context.Context, m *client.Machine, line string, log *zap.SugaredLogger) bool {
	fields := strings.Fields(line)

	var err error
	switch fields[0] {
	case "call":
		if len(fields) != 2 {
			fmt.Println("usage: call <identity>")
			return true
		}
		err = m.PlaceCall(ctx, domain.Identity(fields[1]))
	case "accept":
		err = m.Accept(ctx)
	case "decline":
		err = m.Decline(ctx)
	case "hangup":
		err = m.Hangup(ctx)
	case "mic":
		fmt.Printf("microphone on: %t\n", m.ToggleMicrophone())
	case "cam":
		fmt.Printf("camera on: %t\n", m.ToggleCamera())
	case "who":
		for _, p := range m.Roster() {
			fmt.Printf("  %s (%s)\n", p.Identity, p.Profile.Name)
		}
	case "state":
		printSnapshot(m.Snapshot())
		status := m.MediaStatus()
		fmt.Printf("  audio=%t video=%t mic=%t cam=%t\n", status.HasAudio, status.HasVideo, status.MicEnabled, status.CameraEnabled)
	case "quit", "exit":
		return false
	default:
		fmt.Println(usage)
	}

	if err != nil {
		log.Warnw("command failed", "command", fields[0], "error", err)
	}
	return true
}

func printSnapshot(s client.Snapshot) {
	switch {
	case s.Peer.Identity == "":
		fmt.Printf("[%s]\n", s.State)
	case s.EndReason != "":
		fmt.Printf("[%s] %s (%s)\n", s.State, s.Peer.Identity, s.EndReason)
	default:
		fmt.Printf("[%s] %s\n", s.State, s.Peer.Identity)
	}
}

func shutdown(m *client.Machine, log *zap.SugaredLogger) {
	if err := m.Close(context.Background()); err != nil {
		log.Debugw("hangup on exit failed", "error", err)
	}
}
