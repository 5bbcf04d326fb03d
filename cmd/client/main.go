// Command client is a headless room client. It drives one session from stdin so several terminals
// can play against a local server.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/party-room/internal/config"
	"github.com/DoyleJ11/party-room/internal/content"
	"github.com/DoyleJ11/party-room/internal/logging"
	"github.com/DoyleJ11/party-room/internal/restapi"
	"github.com/DoyleJ11/party-room/internal/roomstate"
	"github.com/DoyleJ11/party-room/internal/session"
	"github.com/DoyleJ11/party-room/internal/transport"
	"github.com/DoyleJ11/party-room/pkg/types"
)

const usage = `commands:
  create [tag ...]   host a new room
  join <code>        join a room by code
  ready              toggle ready
  start              start the game (host)
  done <ms>          report your clear time
  save [title]       save the winning image (winner)
  room               print the room
  leave              leave the room
  quit`

func main() {
	cfg := config.LoadClient()
	name := flag.String("name", "", "display name for guest login")
	flag.StringVar(&cfg.APIURL, "api", cfg.APIURL, "REST base URL")
	flag.StringVar(&cfg.WSURL, "ws", cfg.WSURL, "websocket URL")
	flag.StringVar(&cfg.Token, "token", cfg.Token, "bearer token; a guest login is used when empty")
	flag.Parse()

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *name, os.Stdin, os.Stdout, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("client stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Client, name string, in io.Reader, out io.Writer, logger *zap.Logger) error {
	api := restapi.New(cfg.APIURL, cfg.Token, cfg.RequestTimeout, logger)
	if cfg.Token == "" {
		resp, err := api.GuestLogin(ctx, name)
		if err != nil {
			return fmt.Errorf("guest login: %w", err)
		}
		cfg.Token = resp.Token
		api = api.WithToken(resp.Token)
		fmt.Fprintf(out, "logged in as %s (%s)\n", resp.Name, resp.UserID)
	}

	tr := transport.NewSession(transport.Config{
		URL:         cfg.WSURL,
		Token:       cfg.Token,
		DialTimeout: cfg.DialTimeout,
		AuthTimeout: cfg.AuthTimeout,
	}, transport.WSDialer{}, logger)
	defer tr.Close()

	coord := session.NewCoordinator(session.Config{
		RequestTimeout: cfg.RequestTimeout,
		ContentTimeout: cfg.ContentTimeout,
	}, tr, api, content.NewGenerator(cfg.ContentBaseURL), logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case n := <-coord.Notifications():
				printNotification(out, n)
			}
		}
	})
	g.Go(func() error {
		defer cancel()
		fmt.Fprintln(out, usage)
		return readCommands(gctx, in, out, coord, api)
	})
	return g.Wait()
}

func readCommands(ctx context.Context, in io.Reader, out io.Writer, coord *session.Coordinator, api *restapi.Client) error {
	// The scanner blocks on stdin, so it runs on its own goroutine and shutdown does not wait for it.
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			if fields[0] == "quit" {
				_ = coord.Leave(ctx)
				return nil
			}
			if err := execute(ctx, out, coord, api, fields[0], fields[1:]); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

func execute(ctx context.Context, out io.Writer, coord *session.Coordinator, api *restapi.Client, cmd string, args []string) error {
	switch cmd {
	case "create":
		return coord.CreateRoom(ctx, args)
	case "join":
		if len(args) != 1 {
			return errors.New("usage: join <code>")
		}
		return coord.JoinRoom(ctx, strings.ToUpper(args[0]))
	case "ready":
		return coord.ToggleReady(ctx)
	case "start":
		return coord.StartGame(ctx)
	case "done":
		if len(args) != 1 {
			return errors.New("usage: done <ms>")
		}
		ms, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("clear time: %w", err)
		}
		return coord.ReportClear(ctx, types.FromMillis(ms))
	case "save":
		room := coord.Snapshot()
		if room == nil {
			return errors.New("not in a room")
		}
		resp, err := api.SaveToPlanet(ctx, types.SaveToPlanetRequest{
			RoomID:   room.ID,
			ImageURL: room.ImageURL,
			Title:    strings.Join(args, " "),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "saved as %s\n", resp.ID)
		return nil
	case "room":
		printRoom(out, coord.Identity(), coord.Snapshot())
		return nil
	case "leave":
		return coord.Leave(ctx)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func printNotification(out io.Writer, n session.Notification) {
	switch n.Kind {
	case session.KindState:
		fmt.Fprintf(out, "* state: %s\n", n.State)
		if n.Notice != "" {
			fmt.Fprintf(out, "* %s\n", n.Notice)
		}
		if n.Err != nil {
			fmt.Fprintf(out, "* reason: %v\n", n.Err)
		}
	case session.KindRoom:
		fmt.Fprintf(out, "* room: %s\n", n.Change)
		if n.Change == roomstate.AllFinished || n.Change == roomstate.RoomUpdated {
			printRoom(out, session.Identity{}, n.Room)
		}
	case session.KindActionFailed:
		fmt.Fprintf(out, "* rejected: %v\n", n.Err)
	}
}

func printRoom(out io.Writer, me session.Identity, room *roomstate.Room) {
	if room == nil {
		fmt.Fprintln(out, "  (no room)")
		return
	}
	fmt.Fprintf(out, "  room %s code=%s started=%t image=%s\n", room.ID, room.JoinCode, room.Started, room.ImageURL)
	for _, p := range room.Players {
		line := fmt.Sprintf("  - %s (%s)", p.Name, p.UserID)
		if p.Host {
			line += " [host]"
		}
		if p.Ready {
			line += " [ready]"
		}
		if p.UserID == me.UserID {
			line += " [you]"
		}
		if p.Finished() {
			line += fmt.Sprintf(" rank=%d time=%s", p.Rank, p.ClearTime.Round(time.Millisecond))
		}
		fmt.Fprintln(out, line)
	}
}
