// Command mdctl is the operator CLI for exercising a motor directly
// against the MDrive driver class: connect, move, stop, home, query and
// search, without going through a running mdrived (the client-library RPC
// stubs and POSIX-message-queue transport that front a live daemon are an
// out-of-scope external collaborator per the middleware's own contract;
// mdctl drives the same Class/Instance pair the daemon would).
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/greezybacon/mdrived/internal/config"
	"github.com/greezybacon/mdrived/internal/driver"
	"github.com/greezybacon/mdrived/internal/logging"
	"github.com/greezybacon/mdrived/internal/mdrive"
	"github.com/greezybacon/mdrived/internal/timer"
	"github.com/greezybacon/mdrived/internal/transport"
)

type options struct {
	Verbose bool `short:"v" long:"verbose" description:"enable debug logging"`
}

var opts options

type searchCmd struct{}

type moveCmd struct {
	Conn  string `short:"c" long:"conn" required:"true" description:"connection string, e.g. mdrive:///dev/ttyUSB0@9600:1"`
	Type  string `long:"type" default:"relative" description:"absolute|relative|slew|jitter"`
	Urevs int64  `long:"urevs" required:"true" description:"distance in micro-revolutions (or velocity for slew)"`
}

type stopCmd struct {
	Conn string `short:"c" long:"conn" required:"true"`
	Kind string `long:"kind" default:"stop" description:"stop|halt|estop"`
}

type homeCmd struct {
	Conn string `short:"c" long:"conn" required:"true"`
	Dir  int    `long:"dir" default:"1"`
}

type queryCmd struct {
	Conn string `short:"c" long:"conn" required:"true"`
	ID   string `long:"id" required:"true" description:"position|velocity|accel|decel|vinitial|vmax|current_run|current_hold|serial"`
}

var queryNames = map[string]mdrive.QueryID{
	"position":     mdrive.MCPosition,
	"velocity":     mdrive.MCVelocity,
	"accel":        mdrive.MCAccel,
	"decel":        mdrive.MCDecel,
	"vinitial":     mdrive.MCVinitial,
	"vmax":         mdrive.MCVmax,
	"current_run":  mdrive.MCCurrentRun,
	"current_hold": mdrive.MCCurrentHold,
	"serial":       mdrive.MCDriveSerial,
}

var moveTypes = map[string]mdrive.MotionType{
	"absolute": mdrive.MoveAbsolute,
	"relative": mdrive.MoveRelative,
	"slew":     mdrive.MoveSlew,
	"jitter":   mdrive.MoveJitter,
}

var stopKinds = map[string]mdrive.StopKind{
	"stop":  mdrive.MCStop,
	"halt":  mdrive.MCHalt,
	"estop": mdrive.MCEStop,
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.AddCommand("search", "enumerate candidate MDrive connection strings", "", &searchCmd{})
	parser.AddCommand("move", "issue a move", "", &moveCmd{})
	parser.AddCommand("stop", "stop a motor", "", &stopCmd{})
	parser.AddCommand("home", "home a motor", "", &homeCmd{})
	parser.AddCommand("query", "read a motor variable", "", &queryCmd{})

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	cmd := parser.Active
	if cmd == nil {
		fmt.Fprintln(os.Stderr, "mdctl: no command given")
		os.Exit(1)
	}

	log, err := logging.New(config.LoggingConfig{Level: levelFor(opts.Verbose), Console: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, "mdctl:", err)
		os.Exit(1)
	}

	class, timerSvc := newClass(log)
	defer timerSvc.Stop()

	ctx := context.Background()
	var runErr error
	switch c := cmd.Data.(type) {
	case *searchCmd:
		runErr = runSearch(ctx, class)
	case *moveCmd:
		runErr = runMove(ctx, class, c)
	case *stopCmd:
		runErr = runStop(ctx, class, c)
	case *homeCmd:
		runErr = runHome(ctx, class, c)
	case *queryCmd:
		runErr = runQuery(ctx, class, c)
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, "mdctl:", runErr)
		os.Exit(1)
	}
}

func levelFor(verbose bool) string {
	if verbose {
		return "debug"
	}
	return "info"
}

func newClass(log *zap.Logger) (*driver.MDriveClass, *timer.Service) {
	timerSvc := timer.New(log.Named("timer"))
	go timerSvc.Run()
	return driver.NewMDriveClass(transport.Options{}, timerSvc, log), timerSvc
}

func runSearch(ctx context.Context, class *driver.MDriveClass) error {
	found, err := class.Search(ctx)
	if err != nil {
		return err
	}
	for _, c := range found {
		fmt.Println(c)
	}
	return nil
}

func withInstance(ctx context.Context, class *driver.MDriveClass, conn string, fn func(driver.Instance) error) error {
	inst, err := class.Initialize(ctx, conn)
	if err != nil {
		return err
	}
	defer inst.Destroy()
	return fn(inst)
}

func runMove(ctx context.Context, class *driver.MDriveClass, c *moveCmd) error {
	mt, ok := moveTypes[c.Type]
	if !ok {
		return fmt.Errorf("unknown move type %q", c.Type)
	}
	return withInstance(ctx, class, c.Conn, func(inst driver.Instance) error {
		return inst.Move(ctx, mdrive.MoveInstruction{Type: mt, AmountUrevs: c.Urevs})
	})
}

func runStop(ctx context.Context, class *driver.MDriveClass, c *stopCmd) error {
	kind, ok := stopKinds[c.Kind]
	if !ok {
		return fmt.Errorf("unknown stop kind %q", c.Kind)
	}
	return withInstance(ctx, class, c.Conn, func(inst driver.Instance) error {
		return inst.Stop(ctx, kind)
	})
}

func runHome(ctx context.Context, class *driver.MDriveClass, c *homeCmd) error {
	return withInstance(ctx, class, c.Conn, func(inst driver.Instance) error {
		return inst.Home(ctx, mdrive.MCHomeDefault, c.Dir)
	})
}

func runQuery(ctx context.Context, class *driver.MDriveClass, c *queryCmd) error {
	id, ok := queryNames[c.ID]
	if !ok {
		return fmt.Errorf("unknown query id %q", c.ID)
	}
	return withInstance(ctx, class, c.Conn, func(inst driver.Instance) error {
		q := &mdrive.Query{ID: id}
		if err := inst.Read(ctx, q); err != nil {
			return err
		}
		if q.Str != "" {
			fmt.Println(q.Str)
		} else {
			fmt.Println(strconv.FormatInt(q.Int, 10))
		}
		return nil
	})
}
