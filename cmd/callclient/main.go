// Package main runs a call client from the command line.
//
// With CALL_RELAY_URL set it connects to that relay as CALL_USER_ID. Without
// one it runs against an in-process relay with a second local user that
// answers every call, which is handy for checking that negotiation works on
// a given network.
package main

import (
	"context"
	"os"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"

	"github.com/huddlechat/callcore"
	"github.com/huddlechat/callcore/config"
	"github.com/huddlechat/callcore/media"
	"github.com/huddlechat/callcore/perf"
	"github.com/huddlechat/callcore/ringtone"
	"github.com/huddlechat/callcore/session"
	"github.com/huddlechat/callcore/signaling"
)

func main() {
	callcore.ContextualMain(mainWithArgs, logger)
}

var logger = golog.Global().Named("callclient")

const loopbackPeer = "echo"

// Arguments for the command.
type Arguments struct {
	EnvFile  string        `flag:"env,default=.env,usage=dotenv file to load"`
	Call     []string      `flag:"call,usage=user ids to call"`
	Room     string        `flag:"room,default=lobby,usage=room the call belongs to"`
	Video    bool          `flag:"video,usage=place a video call"`
	Answer   bool          `flag:"answer,usage=answer incoming calls"`
	Duration time.Duration `flag:"duration,default=30s,usage=how long to stay in a call"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := callcore.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	cfg, err := config.FromEnv(argsParsed.EnvFile)
	if err != nil {
		return err
	}
	callcore.Debug = cfg.Debug
	if err := perf.RegisterViews(); err != nil {
		return err
	}
	defer perf.UnregisterViews()
	if cfg.Debug {
		stopExporting := exportForDevelopment(logger.Named("perf"))
		defer stopExporting()
	}

	var relay signaling.Relay
	if cfg.RelayURL == "" {
		if cfg.UserID == "" {
			cfg.UserID = "me"
		}
		hub := signaling.NewMemoryHub(logger.Named("hub"))
		stop, err := runLoopbackPeer(hub, cfg, logger.Named(loopbackPeer))
		if err != nil {
			return err
		}
		defer stop()
		relay = hub.Connect(cfg.UserID)
		if len(argsParsed.Call) == 0 {
			argsParsed.Call = []string{loopbackPeer}
		}
	} else {
		wsRelay, err := signaling.DialWebsocketRelay(ctx, signaling.WebsocketRelayOptions{
			URL:    cfg.RelayURL,
			Token:  cfg.RelayToken,
			UserID: cfg.UserID,
		}, logger.Named("relay"))
		if err != nil {
			return err
		}
		relay = wsRelay
	}

	return runClient(ctx, argsParsed, cfg, relay, logger)
}

func runClient(
	ctx context.Context,
	argsParsed Arguments,
	cfg config.Config,
	relay signaling.Relay,
	logger golog.Logger,
) (err error) {
	client := signaling.NewClient(relay, logger.Named("signaling"))
	manager, err := session.NewManager(session.Options{
		Config:    cfg,
		Signaling: client,
		Media:     &media.SampleSource{},
		Ringtone:  ringtone.NewLoopPlayer(ringtone.WriterSink{W: os.Stderr, Duration: time.Second}, []byte("\a"), 2*time.Second, logger.Named("ringtone")),
		Logger:    logger.Named("session"),
	})
	if err != nil {
		return multierr.Combine(err, client.Close())
	}
	defer func() {
		err = multierr.Combine(err, manager.Close(), client.Close())
	}()

	done := make(chan struct{}, 1)
	unsubscribe := manager.Subscribe(func(snap session.Snapshot) {
		logger.Infow("call state", "status", snap.Status(), "mic", snap.MicEnabled, "camera", snap.CameraEnabled, "remote_streams", len(snap.RemoteStreams))
		if snap.Status() == session.StatusIdle {
			select {
			case done <- struct{}{}:
			default:
			}
		}
		if argsParsed.Answer && snap.Incoming != nil {
			callcore.PanicCapturingGo(func() {
				if err := manager.AcceptCall(ctx); err != nil {
					logger.Warnw("error answering call", "error", err)
				}
			})
		}
	})
	defer unsubscribe()

	if err := client.Start(manager); err != nil {
		return err
	}

	if len(argsParsed.Call) == 0 {
		logger.Infow("waiting for calls", "user", cfg.UserID)
		<-ctx.Done()
		return nil
	}

	callType := signaling.CallTypeVoice
	if argsParsed.Video {
		callType = signaling.CallTypeVideo
	}
	callID, err := manager.StartCall(ctx, argsParsed.Call, argsParsed.Room, callType, len(argsParsed.Call) > 1)
	if err != nil {
		return errors.Wrap(err, "error starting call")
	}
	// drain the idle notification that may have been queued before the call
	select {
	case <-done:
	default:
	}
	logger.Infow("calling", "call_id", callID, "to", argsParsed.Call)

	timer := time.NewTimer(argsParsed.Duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-done:
		return nil
	case <-timer.C:
	}
	if err := manager.EndCall(context.Background()); err != nil && !errors.Is(err, session.ErrNoActiveCall) {
		return err
	}
	return nil
}

// runLoopbackPeer connects a second user to hub that answers every call.
func runLoopbackPeer(hub *signaling.MemoryHub, cfg config.Config, logger golog.Logger) (func(), error) {
	cfg.UserID = loopbackPeer
	cfg.UserName = "Echo"
	client := signaling.NewClient(hub.Connect(loopbackPeer), logger.Named("signaling"))
	manager, err := session.NewManager(session.Options{
		Config:    cfg,
		Signaling: client,
		Media:     &media.SampleSource{},
		Logger:    logger,
	})
	if err != nil {
		return nil, multierr.Combine(err, client.Close())
	}
	ctx, cancel := context.WithCancel(context.Background())
	manager.Subscribe(func(snap session.Snapshot) {
		if snap.Incoming == nil {
			return
		}
		callcore.PanicCapturingGo(func() {
			if err := manager.AcceptCall(ctx); err != nil {
				logger.Debugw("error answering call", "error", err)
			}
		})
	})
	if err := client.Start(manager); err != nil {
		cancel()
		return nil, multierr.Combine(err, manager.Close(), client.Close())
	}
	return func() {
		cancel()
		callcore.UncheckedError(multierr.Combine(manager.Close(), client.Close()))
	}, nil
}

// exportForDevelopment logs every span and, periodically, every view.
func exportForDevelopment(logger golog.Logger) func() {
	spans := perf.NewLoggingSpanExporter(logger)
	views := perf.NewLoggingViewExporter(logger)
	trace.ApplyConfig(trace.Config{DefaultSampler: trace.AlwaysSample()})
	trace.RegisterExporter(spans)
	view.SetReportingPeriod(10 * time.Second)
	view.RegisterExporter(views)
	return func() {
		trace.UnregisterExporter(spans)
		view.UnregisterExporter(views)
	}
}
