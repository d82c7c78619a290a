/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
excalmq CLI - Command Line Interface.

COMMANDS:
=========

	ping                 Check the connection and authentication
	subscribe, sub       Join a queue, optionally creating it
	unsubscribe, unsub   Leave a queue
	publish, pub         Publish a message to a queue
	pull                 Pull messages from this client's mailbox
	manage               Apply moderator actions to a queue
	token                Manage the local token store

EXAMPLES:
=========

	# Create a private queue
	excalmq-cli sub orders --create --access private --token alice:s3cret

	# Publish to one subscriber
	excalmq-cli pub orders -m '{"id":42}' --to bob --token alice:s3cret

	# Approve a pending subscriber, then rename the queue
	excalmq-cli manage orders --authorize bob --rename orders-v2 --token alice:s3cret

	# Issue a token
	excalmq-cli token create bob --file /etc/excalmq/tokens.json
*/
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"excalmq/internal/auth"
	"excalmq/internal/banner"
	"excalmq/internal/protocol"
	"excalmq/pkg/cli"
	"excalmq/pkg/client"

	"github.com/google/uuid"
)

const defaultAddr = "localhost:7878"

var out = cli.NewPrinter()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		return
	case "version", "-v", "--version":
		banner.PrintTo(os.Stdout, "CLI")
		return
	case "ping":
		err = cmdPing(ctx, args)
	case "subscribe", "sub":
		err = cmdSubscribe(ctx, args)
	case "unsubscribe", "unsub":
		err = cmdUnsubscribe(ctx, args)
	case "publish", "pub":
		err = cmdPublish(ctx, args)
	case "pull":
		err = cmdPull(ctx, args)
	case "manage":
		err = cmdManage(ctx, args)
	case "token":
		err = cmdToken(args)
	default:
		out.Error("Unknown command: %s", cmd)
		out.Hint("run 'excalmq-cli help' for usage")
		os.Exit(1)
	}
	if err != nil {
		out.Fail(err)
		os.Exit(1)
	}
}

func printUsage() {
	banner.PrintTo(os.Stdout, "CLI")
	out.Header("USAGE")
	fmt.Println("  excalmq-cli <command> [queue] [options]")
	fmt.Println()
	out.Header("COMMANDS")
	fmt.Println("  ping                 Check the connection and authentication")
	fmt.Println("  subscribe, sub       Join a queue (--create, --access, --role)")
	fmt.Println("  unsubscribe, unsub   Leave a queue")
	fmt.Println("  publish, pub         Publish a message (-m, --to, --group, --priority, --category)")
	fmt.Println("  pull                 Pull messages (--follow, --json)")
	fmt.Println("  manage               Moderate a queue (--rename, --authorize, --reject, --dispose, --access)")
	fmt.Println("  token                Manage local tokens (create, list, enable, disable, delete)")
	fmt.Println()
	out.Header("GLOBAL OPTIONS")
	fmt.Println("  --addr string        Server address (env EXCALMQ_ADDR, default " + defaultAddr + ")")
	fmt.Println("  --token id:secret    Local token (env EXCALMQ_TOKEN)")
	fmt.Println("  --timeout duration   Request timeout (default 10s)")
	fmt.Println()
}

// globals are the connection options every network command accepts.
type globals struct {
	addr    string
	token   string
	timeout time.Duration
}

func addGlobals(fs *flag.FlagSet) *globals {
	g := &globals{}
	addr := os.Getenv("EXCALMQ_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	fs.StringVar(&g.addr, "addr", addr, "Server address")
	fs.StringVar(&g.token, "token", os.Getenv("EXCALMQ_TOKEN"), "Local token as id:secret")
	fs.DurationVar(&g.timeout, "timeout", 10*time.Second, "Request timeout")
	return g
}

func (g *globals) connect(ctx context.Context) (*client.Client, error) {
	opts := []client.Option{client.WithRequestTimeout(g.timeout)}
	if g.token != "" {
		id, secret, ok := strings.Cut(g.token, ":")
		if !ok {
			return nil, fmt.Errorf("--token must be id:secret")
		}
		opts = append(opts, client.WithToken(id, secret))
	}
	return client.Dial(ctx, g.addr, opts...)
}

// parseQueueArgs splits a leading queue name from the options.
func parseQueueArgs(fs *flag.FlagSet, args []string) (string, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", fmt.Errorf("%s: queue name required", fs.Name())
	}
	if err := fs.Parse(args[1:]); err != nil {
		return "", err
	}
	return args[0], nil
}

// titleCase turns "high" into "High" for the protocol's enum names.
func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func cmdPing(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	g := addGlobals(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	start := time.Now()
	addr, err := c.Ping(ctx)
	if err != nil {
		return err
	}
	out.Success("Pong from %s in %s", addr, time.Since(start).Round(time.Microsecond))
	return nil
}

func cmdSubscribe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("subscribe", flag.ExitOnError)
	g := addGlobals(fs)
	create := fs.Bool("create", false, "Create the queue")
	access := fs.String("access", "public", "Access of a created queue: public, private, protected")
	role := fs.String("role", "", "Role to request: producer, consumer, couple, manager")
	queue, err := parseQueueArgs(fs, args)
	if err != nil {
		return err
	}

	opts := client.SubscribeOptions{Create: *create}
	if opts.Access, err = protocol.ParseQueueAccess(titleCase(*access)); err != nil {
		return err
	}
	if *role != "" {
		if opts.Role, err = protocol.ParseQueueRole(titleCase(*role)); err != nil {
			return err
		}
	}

	c, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	sub, err := c.Subscribe(ctx, queue, opts)
	if err != nil {
		return err
	}
	if sub.Pending {
		out.Warning("Subscription to %q is waiting for a moderator", sub.Queue)
		return nil
	}
	if sub.Created {
		out.Success("Created %s queue %q", opts.Access, sub.Queue)
	} else {
		out.Success("Joined %q", sub.Queue)
	}
	out.KeyValue("role", sub.Role)
	return nil
}

func cmdUnsubscribe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("unsubscribe", flag.ExitOnError)
	g := addGlobals(fs)
	queue, err := parseQueueArgs(fs, args)
	if err != nil {
		return err
	}
	c, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Unsubscribe(ctx, queue); err != nil {
		return err
	}
	out.Success("Left %q", queue)
	return nil
}

func cmdPublish(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	g := addGlobals(fs)
	body := fs.String("m", "", "Message body (reads stdin when empty)")
	id := fs.String("id", "", "Message id (random when empty)")
	to := fs.String("to", "", "Deliver to one subscriber")
	group := fs.String("group", "", "Deliver to a comma-separated set of subscribers")
	priority := fs.String("priority", "low", "Priority: low, medium, high, critical")
	category := fs.String("category", "event", "Category: event, command, request, response, ...")
	xml := fs.Bool("xml", false, "Serialize the message as XML on the wire")
	queue, err := parseQueueArgs(fs, args)
	if err != nil {
		return err
	}

	msg := client.Outgoing{ID: *id, Body: *body}
	if msg.Body == "" {
		data, err := readStdin()
		if err != nil {
			return err
		}
		msg.Body = data
	}
	if err := msg.Priority.UnmarshalText([]byte(titleCase(*priority))); err != nil {
		return err
	}
	if err := msg.Category.UnmarshalText([]byte(strings.ToUpper(*category))); err != nil {
		return err
	}
	if *xml {
		msg.ContentType = protocol.ContentXML
	}
	switch {
	case *to != "" && *group != "":
		return fmt.Errorf("--to and --group are exclusive")
	case *to != "":
		msg.Target = protocol.PublishTo(*to)
	case *group != "":
		msg.Target = protocol.PublishGroup(strings.Split(*group, ",")...)
	}

	c, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	receipt, err := c.Publish(ctx, queue, msg)
	if err != nil {
		return err
	}
	out.Success("Published %s to %q", receipt.ID, queue)
	out.KeyValue("delivered", strings.Join(receipt.Delivered, ", "))
	if len(receipt.Dropped) > 0 {
		out.Warning("Dropped for %s", strings.Join(receipt.Dropped, ", "))
	}
	return nil
}

func readStdin() (string, error) {
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice != 0 {
		return "", fmt.Errorf("publish: -m or piped input required")
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("publish: read stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func cmdPull(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	g := addGlobals(fs)
	follow := fs.Bool("follow", false, "Keep polling until interrupted")
	interval := fs.Duration("interval", 500*time.Millisecond, "Poll interval with --follow")
	asJSON := fs.Bool("json", false, "Print messages as JSON lines")
	queue, err := parseQueueArgs(fs, args)
	if err != nil {
		return err
	}

	c, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	// An anonymous client loses its membership on disconnect, so the
	// mailbox only exists for this connection.
	if g.token == "" {
		if _, err := c.Subscribe(ctx, queue, client.SubscribeOptions{}); err != nil {
			return err
		}
	}

	for {
		msg, err := c.Pull(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msg != nil {
			printMessage(msg, *asJSON)
			continue
		}
		if !*follow {
			if !*asJSON {
				out.Info("Mailbox for %q is empty", queue)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(*interval):
		}
	}
}

func printMessage(m *client.Incoming, asJSON bool) {
	if asJSON {
		data, _ := json.Marshal(m)
		fmt.Println(string(data))
		return
	}
	out.Header(fmt.Sprintf("%s %s", cli.IconDot, m.ID))
	out.KeyValue("from", m.From)
	out.KeyValue("priority", m.Priority)
	out.KeyValue("category", m.Category)
	out.KeyValue("published", m.Published.Format(time.RFC3339Nano))
	fmt.Println("  " + m.Body)
	fmt.Println()
}

// actionList collects manager actions in command-line order.
type actionList struct {
	actions *[]protocol.ManagerAction
	build   func(string) (protocol.ManagerAction, error)
}

func (a actionList) String() string { return "" }

func (a actionList) Set(v string) error {
	action, err := a.build(v)
	if err != nil {
		return err
	}
	*a.actions = append(*a.actions, action)
	return nil
}

func cmdManage(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("manage", flag.ExitOnError)
	g := addGlobals(fs)
	var actions []protocol.ManagerAction
	clientAction := func(f func(string) protocol.ManagerAction) func(string) (protocol.ManagerAction, error) {
		return func(v string) (protocol.ManagerAction, error) { return f(v), nil }
	}
	fs.Var(actionList{&actions, clientAction(protocol.Rename)}, "rename", "Rename the queue")
	fs.Var(actionList{&actions, clientAction(protocol.Authorize)}, "authorize", "Admit a pending client")
	fs.Var(actionList{&actions, clientAction(protocol.Reject)}, "reject", "Refuse a pending client")
	fs.Var(actionList{&actions, clientAction(protocol.Dispose)}, "dispose", "Remove a member")
	fs.Var(actionList{&actions, func(v string) (protocol.ManagerAction, error) {
		access, err := protocol.ParseQueueAccess(titleCase(v))
		return protocol.AccessorModify(access), err
	}}, "access", "Change access: public, private, protected")
	queue, err := parseQueueArgs(fs, args)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return fmt.Errorf("manage: no actions given")
	}

	c, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.Manage(ctx, queue, actions...)
	if err != nil {
		return err
	}
	out.Success("Applied %d action(s) to %q", len(actions), res.Queue)
	if len(res.Affected) > 0 {
		out.KeyValue("affected", strings.Join(res.Affected, ", "))
	}
	return nil
}

func cmdToken(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("token: subcommand required (create, list, enable, disable, delete)")
	}
	sub, args := args[0], args[1:]
	fs := flag.NewFlagSet("token "+sub, flag.ExitOnError)
	file := fs.String("file", os.Getenv("EXCALMQ_AUTH_TOKEN_FILE"), "Token store file")
	secret := fs.String("secret", "", "Token secret for create (random when empty)")

	var id string
	if sub != "list" {
		if len(args) == 0 || strings.HasPrefix(args[0], "-") {
			return fmt.Errorf("token %s: client id required", sub)
		}
		id, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("token: --file or EXCALMQ_AUTH_TOKEN_FILE required")
	}

	store := auth.NewTokenStore(*file)
	if err := store.Load(); err != nil {
		return err
	}

	switch sub {
	case "list":
		ids := store.ListClients()
		if len(ids) == 0 {
			out.Info("No clients in %s", *file)
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	case "create":
		token := *secret
		if token == "" {
			token = uuid.NewString()
		}
		if err := store.CreateClient(id, token); err != nil {
			return err
		}
		if err := store.Save(); err != nil {
			return err
		}
		out.Success("Created client %q", id)
		out.KeyValue("token", id+":"+token)
		return nil
	case "enable", "disable":
		if err := store.SetEnabled(id, sub == "enable"); err != nil {
			return err
		}
	case "delete":
		if err := store.DeleteClient(id); err != nil {
			return err
		}
	default:
		return fmt.Errorf("token: unknown subcommand %q", sub)
	}
	if err := store.Save(); err != nil {
		return err
	}
	out.Success("Client %q: %sd", id, sub)
	return nil
}
