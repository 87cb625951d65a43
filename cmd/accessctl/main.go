// Command accessctl drives a running access agent through its management API.
//
// Usage:
//
//	accessctl [-context name] [-o json|yaml] <command> [args]
//
// Commands:
//
//	state | health | whoami | refresh | notifications
//	points [list | create NAME LOCATION | rename ID NAME | toggle ID | delete ID | sync-events ID]
//	users [list | create NAME EMAIL ROLE | delete ID]
//	events [list | export FORMAT | approve ID | reject ID REASON]
//	report FORMAT
//	emergency [status | lockdown | unlock | restore] [-reason R] [-yes] [-timeout 30m]
//	queue [list | flush | retry | discard ID]
//	audit [-remote] [-limit N]
//	token [-ttl 1h] SUBJECT ROLE     (needs a context with jwt_secret)
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/p-blackswan/access-agent/internal/cli"
	"github.com/p-blackswan/access-agent/internal/mgmt"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "accessctl:", err)
		var perr *cli.ProblemError
		if errors.As(err, &perr) && perr.StatusCode < 500 {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type app struct {
	client *cli.Client
	kctx   cli.Context
	output string
	in     *bufio.Reader
	out    io.Writer
}

func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("accessctl", flag.ContinueOnError)
	configPath := fs.String("config", cli.DefaultConfigPath(), "contexts file")
	contextName := fs.String("context", "", "context from the contexts file")
	server := fs.String("server", "", "management API base URL (overrides the context)")
	output := fs.String("o", "json", "output format: json or yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("no command given")
	}

	cfg, err := cli.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	kctx, err := cfg.Resolve(*contextName)
	if err != nil {
		return err
	}
	if *server != "" {
		kctx.Server = strings.TrimRight(*server, "/")
	}
	if key := os.Getenv("MGMT_API_KEY"); key != "" && kctx.APIKey == "" {
		kctx.APIKey = key
	}
	client, err := cli.NewClient(kctx)
	if err != nil {
		return err
	}

	a := &app{client: client, kctx: kctx, output: *output, in: bufio.NewReader(in), out: out}
	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "state":
		return a.get(ctx, "/api/v1/state", nil)
	case "health":
		return a.get(ctx, "/api/v1/health", nil)
	case "whoami":
		return a.get(ctx, "/api/v1/whoami", nil)
	case "refresh":
		return a.post(ctx, "/api/v1/refresh", nil)
	case "notifications":
		return a.get(ctx, "/api/v1/notifications", nil)
	case "points":
		return a.points(ctx, rest)
	case "users":
		return a.users(ctx, rest)
	case "events":
		return a.events(ctx, rest)
	case "report":
		return a.get(ctx, "/api/v1/reports/export", url.Values{"format": {argOr(rest, 0, "pdf")}})
	case "emergency":
		return a.emergency(ctx, rest)
	case "queue":
		return a.queue(ctx, rest)
	case "audit":
		return a.audit(ctx, rest)
	case "token":
		return a.token(rest)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) get(ctx context.Context, path string, q url.Values) error {
	body, err := a.client.Get(ctx, path, q)
	if err != nil {
		return err
	}
	return cli.Print(a.out, a.output, body)
}

func (a *app) post(ctx context.Context, path string, payload any) error {
	body, err := a.client.Post(ctx, path, payload)
	if err != nil {
		return err
	}
	return cli.Print(a.out, a.output, body)
}

func (a *app) points(ctx context.Context, args []string) error {
	switch sub := argOr(args, 0, "list"); sub {
	case "list":
		return a.get(ctx, "/api/v1/points", nil)
	case "create":
		if len(args) < 3 {
			return errors.New("usage: points create NAME LOCATION")
		}
		return a.post(ctx, "/api/v1/points", map[string]string{"name": args[1], "location": args[2]})
	case "rename":
		if len(args) < 3 {
			return errors.New("usage: points rename ID NAME")
		}
		body, err := a.client.Patch(ctx, "/api/v1/points/"+url.PathEscape(args[1]), map[string]string{"name": args[2]})
		if err != nil {
			return err
		}
		return cli.Print(a.out, a.output, body)
	case "toggle", "sync-events":
		if len(args) < 2 {
			return fmt.Errorf("usage: points %s ID", sub)
		}
		return a.post(ctx, "/api/v1/points/"+url.PathEscape(args[1])+"/"+sub, nil)
	case "delete":
		if len(args) < 2 {
			return errors.New("usage: points delete ID")
		}
		return a.delete(ctx, "/api/v1/points/"+url.PathEscape(args[1]))
	default:
		return fmt.Errorf("unknown points command %q", sub)
	}
}

func (a *app) users(ctx context.Context, args []string) error {
	switch sub := argOr(args, 0, "list"); sub {
	case "list":
		return a.get(ctx, "/api/v1/users", nil)
	case "create":
		if len(args) < 4 {
			return errors.New("usage: users create NAME EMAIL ROLE")
		}
		return a.post(ctx, "/api/v1/users", map[string]any{
			"name": args[1], "email": args[2], "role": args[3], "status": "active",
		})
	case "delete":
		if len(args) < 2 {
			return errors.New("usage: users delete ID")
		}
		return a.delete(ctx, "/api/v1/users/"+url.PathEscape(args[1]))
	default:
		return fmt.Errorf("unknown users command %q", sub)
	}
}

func (a *app) events(ctx context.Context, args []string) error {
	switch sub := argOr(args, 0, "list"); sub {
	case "list":
		return a.get(ctx, "/api/v1/events", nil)
	case "export":
		return a.get(ctx, "/api/v1/events/export", url.Values{"format": {argOr(args, 1, "csv")}})
	case "approve", "reject":
		if len(args) < 2 {
			return fmt.Errorf("usage: events %s ID [REASON]", sub)
		}
		return a.post(ctx, "/api/v1/events/"+url.PathEscape(args[1])+"/review", map[string]string{
			"action": sub, "reason": strings.Join(args[2:], " "),
		})
	default:
		return fmt.Errorf("unknown events command %q", sub)
	}
}

func (a *app) emergency(ctx context.Context, args []string) error {
	sub := argOr(args, 0, "status")
	if sub == "status" {
		return a.get(ctx, "/api/v1/emergency", nil)
	}
	if sub != "lockdown" && sub != "unlock" && sub != "restore" {
		return fmt.Errorf("unknown emergency command %q", sub)
	}

	fs := flag.NewFlagSet("emergency "+sub, flag.ContinueOnError)
	reason := fs.String("reason", "", "reason recorded in the audit log")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	timeout := fs.Duration("timeout", 0, "auto-restore delay for unlock")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	req := mgmt.EmergencyRequest{Reason: *reason, TimeoutSeconds: int(timeout.Seconds())}
	if sub != "restore" {
		ok, err := a.confirm(fmt.Sprintf("Put every door into emergency %s? Type 'yes' to confirm: ", sub), *yes)
		if err != nil {
			return err
		}
		req.Confirmed = ok
	}
	return a.post(ctx, "/api/v1/emergency/"+sub, req)
}

func (a *app) confirm(prompt string, skip bool) (bool, error) {
	if skip {
		return true, nil
	}
	fmt.Fprint(a.out, prompt)
	line, err := a.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(line), "yes"), nil
}

func (a *app) queue(ctx context.Context, args []string) error {
	switch sub := argOr(args, 0, "list"); sub {
	case "list":
		var q url.Values
		if len(args) > 1 {
			q = url.Values{"status": {args[1]}}
		}
		return a.get(ctx, "/api/v1/queue", q)
	case "flush":
		return a.post(ctx, "/api/v1/queue/flush", nil)
	case "retry":
		return a.post(ctx, "/api/v1/queue/retry", nil)
	case "discard":
		if len(args) < 2 {
			return errors.New("usage: queue discard ID")
		}
		return a.delete(ctx, "/api/v1/queue/"+url.PathEscape(args[1]))
	default:
		return fmt.Errorf("unknown queue command %q", sub)
	}
}

func (a *app) audit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	remote := fs.Bool("remote", false, "read the backend's audit log")
	limit := fs.Int("limit", 50, "entries to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return a.get(ctx, "/api/v1/audit", url.Values{
		"limit":  {strconv.Itoa(*limit)},
		"remote": {strconv.FormatBool(*remote)},
	})
}

func (a *app) token(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return errors.New("usage: token [-ttl 1h] SUBJECT ROLE")
	}
	if a.kctx.JWTSecret == "" {
		return errors.New("context has no jwt_secret")
	}
	tok, err := mgmt.IssueOperatorToken(a.kctx.JWTSecret, fs.Arg(0), mgmt.Role(fs.Arg(1)), *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, tok)
	return nil
}

func (a *app) delete(ctx context.Context, path string) error {
	body, err := a.client.Delete(ctx, path)
	if err != nil {
		return err
	}
	return cli.Print(a.out, a.output, body)
}

func argOr(args []string, i int, def string) string {
	if i < len(args) {
		return args[i]
	}
	return def
}
