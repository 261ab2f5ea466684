// Command studyroom joins a two-party study room call through a signaling server.
//
//	studyroom -create            start a call and print its id
//	studyroom -answer <call id>  join a call
//	studyroom -delete <call id>  remove a call you created (needs -user)
//
// With -user and -password the peer logs in first, so the calls it creates
// are owned by that user.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mossy-p/studyroom/config"
	"github.com/mossy-p/studyroom/internal/call"
	"github.com/mossy-p/studyroom/internal/logging"
	"github.com/mossy-p/studyroom/internal/media"
	"github.com/mossy-p/studyroom/internal/peer"
	"github.com/mossy-p/studyroom/internal/signaling/remote"
)

func main() {
	configPath := flag.String("config", "", "optional config file (yaml, json or toml)")
	create := flag.Bool("create", false, "create a call and wait for the other peer")
	answer := flag.String("answer", "", "answer the call with this id")
	deleteID := flag.String("delete", "", "delete the call with this id")
	user := flag.String("user", "", "log in to the signaling server as this user")
	password := flag.String("password", "", "password for -user")
	video := flag.Bool("video", true, "send video")
	audio := flag.Bool("audio", true, "send audio")
	flag.Parse()

	modes := 0
	for _, set := range []bool{*create, *answer != "", *deleteID != ""} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		fmt.Fprintln(os.Stderr, "exactly one of -create, -answer <call id> or -delete <call id> is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logFile, err := logging.Configure(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		slog.Error("failed to configure logger", "err", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	channel, err := connect(ctx, cfg, *user, *password)
	if err != nil {
		slog.Error("failed to reach signaling server", "err", err)
		os.Exit(1)
	}

	if *deleteID != "" {
		if err := channel.DeleteSession(ctx, *deleteID); err != nil {
			slog.Error("failed to delete call", "callID", *deleteID, "err", err)
			os.Exit(1)
		}
		slog.Info("call deleted", "callID", *deleteID)
		return
	}

	constraints := media.Constraints{Video: *video, Audio: *audio}
	// An interrupt during setup is a hangup, not a failure
	if err := run(ctx, cfg, channel, constraints, *answer); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("call ended with an error", "err", err)
		os.Exit(1)
	}
}

// connect builds the signaling client, logging in when a user is given
func connect(ctx context.Context, cfg *config.Config, user, password string) (*remote.Client, error) {
	opts := []remote.Option{remote.WithLogger(slog.Default().With("component", "signaling"))}
	if cfg.AuthToken != "" {
		opts = append(opts, remote.WithToken(cfg.AuthToken))
	}
	channel, err := remote.New(cfg.SignalingURL, opts...)
	if err != nil {
		return nil, err
	}

	if user != "" {
		resp, err := channel.Login(ctx, user, password)
		if err != nil {
			return nil, err
		}
		slog.Info("logged in", "userID", resp.UserID)
	}
	return channel, nil
}

func run(ctx context.Context, cfg *config.Config, channel *remote.Client, constraints media.Constraints, answerID string) error {
	capturer, err := newCapturer(slog.Default().With("component", "media"))
	if err != nil {
		return err
	}

	peerCfg := peer.Config{
		ICEServers: cfg.ICEServers,
		Logger:     slog.Default().With("component", "peer"),
	}
	if r, ok := capturer.(media.CodecRegistrar); ok {
		peerCfg.RegisterCodecs = r.RegisterCodecs
	}

	o, err := call.New(call.Options{
		Channel:       channel,
		Capturer:      capturer,
		NewConnection: call.PeerConnections(peerCfg),
		Logger:        slog.Default().With("component", "call"),
	})
	if err != nil {
		return err
	}
	defer o.Close()

	go printEvents(ctx, o)

	if err := o.AcquireLocalMedia(ctx, constraints); err != nil {
		return err
	}
	slog.Info("local media ready", "tracks", o.LocalStream().TrackIDs())

	if answerID == "" {
		callID, err := o.CreateCall(ctx)
		if err != nil {
			return err
		}
		// The id is the only thing the other peer needs
		fmt.Println(callID)
	} else if err := o.AnswerCall(ctx, answerID); err != nil {
		return err
	}

	if err := o.WaitForState(ctx, call.Closed); err != nil {
		slog.Info("hanging up")
		return err
	}
	return o.Err()
}

// printEvents prints the call progress for the user until ctx is done
func printEvents(ctx context.Context, o *call.Orchestrator) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.Events():
			switch ev.State {
			case call.Connected:
				if remote := o.RemoteStream(); remote != nil {
					fmt.Fprintf(os.Stderr, "connected to %s, receiving %v\n", ev.CallID, remote.TrackIDs())
				}
			case call.Closed:
				fmt.Fprintf(os.Stderr, "call closed: %v\n", ev.Err)
			default:
				fmt.Fprintf(os.Stderr, "call %s\n", ev.State)
			}
		}
	}
}
