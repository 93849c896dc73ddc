package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"notesCollab/backend/config"
	"notesCollab/backend/internal/agent"
	"notesCollab/backend/internal/binding"
	"notesCollab/backend/internal/discovery"
)

// collab_cli 加入一个房间并编辑其中一个字段：每行输入替换字段内容，远端变化打印到 stdout。
func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to collabConfig.yaml")
		url        = pflag.String("url", "", "broker websocket url (overrides agent.url)")
		room       = pflag.StringP("room", "r", "", "room id")
		user       = pflag.StringP("user", "u", "", "user id (random when empty)")
		name       = pflag.StringP("name", "n", "", "display name")
		field      = pflag.StringP("field", "f", "notes", "field to edit")
		ops        = pflag.Bool("ops", false, "also send positional operations")
		discover   = pflag.Bool("discover", false, "find a broker on the local network via mDNS")
		verbose    = pflag.BoolP("verbose", "v", false, "debug logging")
	)
	pflag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	if *room == "" {
		fmt.Fprintln(os.Stderr, "--room is required")
		os.Exit(2)
	}
	if *user == "" {
		*user = uuid.NewString()
	}
	if *name == "" {
		*name = *user
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	target := cfg.Agent.URL
	if *url != "" {
		target = *url
	}
	if *discover {
		found, err := browse(ctx, cfg.Discovery.Service, cfg.Discovery.Domain)
		if err != nil {
			fmt.Fprintf(os.Stderr, "discover failed: %v\n", err)
			os.Exit(1)
		}
		target = found
		fmt.Fprintf(os.Stderr, "using broker %s\n", target)
	}

	if err := run(ctx, cfg, logger, agent.Options{
		URL:            target,
		RoomID:         *room,
		UserID:         *user,
		UserName:       *name,
		ReconnectMode:  cfg.Agent.ReconnectMode,
		ReconnectDelay: cfg.Agent.ReconnectDelay,
		MaxDelay:       cfg.Agent.MaxDelay,
		MaxElapsed:     cfg.Agent.MaxElapsed,
		Logger:         logger,
	}, *field, *ops); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func browse(ctx context.Context, service, domain string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	found, err := discovery.Browse(ctx, service, domain)
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", fmt.Errorf("no %s instance found", service)
	}
	return found[0].URL, nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, opt agent.Options, field string, ops bool) error {
	a, err := agent.New(opt)
	if err != nil {
		return err
	}
	b, err := binding.New(a, binding.Options{
		Field:          field,
		Debounce:       cfg.Agent.Debounce,
		SendOperations: ops,
		OnChange:       func(string, string) {},
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.Start(ctx)
	defer a.Close()
	defer b.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		render(gctx, a, b)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return readInput(gctx, a, b)
	})
	return g.Wait()
}

// render 把同步代理的变化应用到绑定，并打印字段内容和在线状态
func render(ctx context.Context, a *agent.Agent, b *binding.Binding) {
	var lastValue, lastStatus, lastDoc string
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.Changes():
		}
		// 文档快照（加入时或 /sync 后）作为外部值载入
		if v, ok := a.DocumentState()[b.Field()]; ok && v != lastDoc {
			b.SetExternal(v)
			lastDoc = v
		}
		b.SyncRemote()

		status := fmt.Sprintf("[%s] %d other(s) online", a.State(), len(a.Users()))
		if label := b.TypingLabel(); label != "" {
			status += " | " + label
		}
		for _, c := range b.Cursors() {
			status += fmt.Sprintf(" | %s@%d", c.UserName, c.Offset)
		}
		if status != lastStatus {
			fmt.Fprintln(os.Stderr, status)
			lastStatus = status
		}
		if v := b.Value(); v != lastValue {
			fmt.Printf("%s = %q\n", b.Field(), v)
			lastValue = v
		}
	}
}

// readInput 每行替换整个字段；"/sync" 请求快照，"/quit" 退出
func readInput(ctx context.Context, a *agent.Agent, b *binding.Binding) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
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
			switch strings.TrimSpace(line) {
			case "/quit":
				return nil
			case "/sync":
				a.RequestDocumentState()
				continue
			}
			b.Focus()
			b.Input(line)
			b.Select(len([]rune(line)))
		}
	}
}
