// Peer is a terminal participant for the matchmaking relay.
//
// It dials the relay, negotiates a direct WebRTC session with whichever
// stranger it is paired with and exchanges chat over the relay. Commands are
// read line by line from stdin; any other line is sent as chat.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/mossy-p/webrtc-roulette/config"
	"github.com/mossy-p/webrtc-roulette/internal/models"
	"github.com/mossy-p/webrtc-roulette/internal/orchestrator"
	"github.com/mossy-p/webrtc-roulette/internal/signaling"
	"github.com/mossy-p/webrtc-roulette/internal/util"
	"github.com/mossy-p/webrtc-roulette/internal/webrtc"
)

const help = "commands: /start, /next, /stop, /quit; anything else is chat"

func main() {
	urlFlag := flag.String("url", "", "Relay WebSocket URL (overrides SIGNAL_URL)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if err := run(*urlFlag, *debugMode); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func run(signalURL string, debug bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.LoadPeer()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := util.Configure(cfg.LogLevel, "text"); err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}
	if debug {
		util.EnableDebug()
	}
	if signalURL != "" {
		cfg.SignalURL = signalURL
	}

	relay, err := signaling.DialRetry(ctx, cfg.SignalURL, uint64(cfg.MaxRetries))
	if err != nil {
		return err
	}
	defer relay.Close()
	util.LogSuccess("connected to %s", cfg.SignalURL)

	orch := orchestrator.New(orchestrator.Config{
		SessionDuration: cfg.SessionDuration,
		WarningOffset:   cfg.SessionWarning,
		MaxRetries:      cfg.MaxRetries,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		RetryMaxDelay:   cfg.RetryMaxDelay,
	}, webrtc.NewFactory(cfg.ICEServers()), relay, printNotice)

	go func() {
		err := relay.Listen(func(msg models.SignalMessage) {
			if err := orch.HandleSignal(msg); err != nil {
				util.LogDebug("dropped %s: %v", msg.Type, err)
			}
		})
		orch.RelayLost(err)
	}()
	go readCommands(orch, stop)

	pterm.Info.Println(help)
	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func readCommands(orch *orchestrator.Orchestrator, quit context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		var err error
		switch line {
		case "":
			continue
		case "/start":
			err = orch.Start()
		case "/next", "/skip":
			err = orch.Skip()
		case "/stop":
			err = orch.Stop()
		case "/quit":
			quit()
			return
		case "/help":
			pterm.Info.Println(help)
		default:
			err = orch.SendChat(line)
		}
		if err != nil {
			util.LogWarning("%v", err)
			return
		}
	}
	quit()
}

func printNotice(n orchestrator.Notice) {
	switch n.Kind {
	case orchestrator.NoticeState:
		pterm.Info.Printfln("state: %s", n.State)
	case orchestrator.NoticeWaiting:
		pterm.Info.Println("waiting for a stranger...")
	case orchestrator.NoticeWarning:
		pterm.Warning.Printfln("session ends in %s", n.Remaining)
	case orchestrator.NoticeError:
		pterm.Error.Println(n.Err.Kind.Message())
	case orchestrator.NoticeChat:
		pterm.Println(pterm.Cyan("stranger: ") + n.Text)
	case orchestrator.NoticeRemoteTrack:
		pterm.Success.Printfln("receiving %s from stranger", n.Track.Kind)
	case orchestrator.NoticeUserCount:
		pterm.Info.Printfln("%d online", n.Count)
	}
}
