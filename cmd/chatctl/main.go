package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/chatd/internal/admin"
	"github.com/matheus3301/chatd/internal/auth"
	"github.com/matheus3301/chatd/internal/chat"
	"github.com/matheus3301/chatd/internal/client"
	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/lock"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

func main() {
	configFlag := flag.String("config", config.DefaultPath, "path to chatd.toml")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fatal(err)
	}

	switch args[0] {
	case "token":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl token <user-id>")
			os.Exit(1)
		}
		cmdToken(cfg, args[1])
		return
	case "listen":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl listen <user-id>")
			os.Exit(1)
		}
		cmdListen(cfg, args[1])
		return
	}

	if _, ok := lock.Holder(cfg.DataDir); !ok {
		fatal(fmt.Errorf("no daemon running for data dir %s", cfg.DataDir))
	}
	c, err := admin.Dial(cfg.SocketPath())
	if err != nil {
		fatal(fmt.Errorf("cannot connect to daemon: %w", err))
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "presence":
		cmdPresence(ctx, c, *jsonFlag)
	case "chats":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl chats <user-id>")
			os.Exit(1)
		}
		cmdChats(ctx, c, args[1])
	case "watch":
		prefix := ""
		if len(args) >= 2 {
			prefix = args[1]
		}
		cancel()
		cmdWatch(c, prefix)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--config <path>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status            Show daemon status")
	fmt.Fprintln(os.Stderr, "  presence          List connected users")
	fmt.Fprintln(os.Stderr, "  chats <user>      Show a user's chat list")
	fmt.Fprintln(os.Stderr, "  watch [prefix]    Stream daemon events")
	fmt.Fprintln(os.Stderr, "  token <user>      Mint an access token")
	fmt.Fprintln(os.Stderr, "  listen <user>     Connect as a user and print incoming frames")
}

func cmdStatus(ctx context.Context, c *admin.Client, jsonOut bool) {
	st, err := c.Status(ctx)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputProto(st)
		return
	}
	f := st.GetFields()
	fmt.Printf("Instance:  %s\n", f["instance"].GetStringValue())
	fmt.Printf("PID:       %.0f\n", f["pid"].GetNumberValue())
	fmt.Printf("Uptime:    %.0fms\n", f["uptime_ms"].GetNumberValue())
	fmt.Printf("Online:    %.0f\n", f["online"].GetNumberValue())
	fmt.Printf("Messages:  %.0f\n", f["messages"].GetNumberValue())
	fmt.Printf("Summaries: %.0f\n", f["summaries"].GetNumberValue())
}

func cmdPresence(ctx context.Context, c *admin.Client, jsonOut bool) {
	ids, err := c.Presence(ctx)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(ids)
		return
	}
	if len(ids) == 0 {
		fmt.Println("No users online.")
		return
	}
	for _, id := range ids {
		fmt.Println(id)
	}
}

func cmdChats(ctx context.Context, c *admin.Client, userID string) {
	out, err := c.ChatList(ctx, userID, 0)
	if err != nil {
		fatal(err)
	}
	outputProto(out)
}

func cmdWatch(c *admin.Client, prefix string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := c.Watch(ctx, prefix)
	if err != nil {
		fatal(err)
	}
	for {
		evt, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fatal(err)
		}
		f := evt.GetFields()
		fmt.Printf("%s %-24s %s\n",
			time.UnixMilli(int64(f["occurred_at_unix_ms"].GetNumberValue())).Format(time.RFC3339),
			f["kind"].GetStringValue(),
			f["payload"].GetStringValue())
	}
}

func cmdToken(cfg *config.Config, userID string) {
	token, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Duration).Issue(userID)
	if err != nil {
		fatal(err)
	}
	fmt.Println(token)
}

func cmdListen(cfg *config.Config, userID string) {
	token, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Duration).Issue(userID)
	if err != nil {
		fatal(err)
	}

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	addr := cfg.HTTPAddr
	if owner, ok := lock.Holder(cfg.DataDir); ok && owner.HTTPAddr != "" {
		addr = owner.HTTPAddr
	}
	c := client.New(client.Config{URL: wsURL(addr), Token: token}, nil, logger)
	c.OnMessage(func(env chat.Envelope) {
		fmt.Printf("%s %s\n", env.Type, env.Payload())
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := c.Connect(ctx); err != nil {
		logger.Warn("initial connect failed, retrying", zap.Error(err))
	}
	<-ctx.Done()
	_ = c.Close()
}

func wsURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "ws://" + addr + "/ws"
}

func outputProto(m proto.Message) {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(b))
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
