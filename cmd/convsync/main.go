package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/campaignhub/convsync/internal/chat"
	"github.com/campaignhub/convsync/internal/config"
	"github.com/campaignhub/convsync/internal/conversation"
	"github.com/campaignhub/convsync/internal/history"
	"github.com/campaignhub/convsync/internal/metrics"
	"github.com/campaignhub/convsync/internal/transport"
)

const usage = `commands:
  /threads              list your threads
  /open <thread>        join a thread and load its history
  /leave                leave the open thread
  /read                 mark the open thread read
  /campaign <campaign>  show your thread for a campaign
  /start <campaign>     start (or reopen) the thread for a campaign
  /clear                dismiss the last error
  /quit                 exit
anything else is sent to the open thread`

func main() {
	if err := config.LoadEnvFile(envFile()); err != nil {
		log.Fatalf("failed to load env file: %v", err)
	}
	cfg := config.LoadClient()

	flag.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "history API base URL")
	flag.StringVar(&cfg.WSURL, "ws-url", cfg.WSURL, "push channel URL (default derived from --api-url)")
	flag.StringVar(&cfg.Token, "token", cfg.Token, "bearer credential (default <user>:<role>)")
	flag.StringVar(&cfg.UserID, "user", cfg.UserID, "local user id")
	flag.StringVar(&cfg.Role, "role", cfg.Role, "local role: ADVERTISER or PROMOTER")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	flag.DurationVar(&cfg.TypingIdle, "typing-idle", cfg.TypingIdle, "silence before typing=false is sent")
	flag.Parse()

	cfg.Role = strings.ToUpper(cfg.Role)
	if cfg.Token == "" && cfg.UserID != "" && cfg.Role != "" {
		cfg.Token = cfg.UserID + ":" + cfg.Role
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			log.Printf("[metrics] serving on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, metrics.Handler()); err != nil {
				log.Printf("[metrics] server error: %v", err)
			}
		}()
	}

	core, err := conversation.New(cfg.Core(), history.NewClient(cfg.History(), nil), transport.New(cfg.Transport()))
	if err != nil {
		log.Fatalf("failed to create core: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := core.Connect(ctx); err != nil {
		log.Fatalf("failed to connect: %v", err)
	}

	fmt.Printf("convsync as %s (%s), API %s\n%s\n", cfg.UserID, cfg.Role, cfg.APIURL, usage)

	r := newRenderer(os.Stdout, cfg.UserID)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-core.Updates():
				snap := core.Snapshot()
				var msgs []chat.Message
				if snap.ActiveThread != "" {
					msgs = core.Messages(snap.ActiveThread)
				}
				r.render(snap, msgs)
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sh := &shell{core: core, out: os.Stdout}
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok || !sh.handle(ctx, line) {
				break loop
			}
		}
	}

	if err := core.Close(); err != nil {
		log.Printf("close error: %v", err)
	}
}

// shell executes one input line at a time against the core.
type shell struct {
	core *conversation.Core
	out  io.Writer
}

// handle runs line and reports whether the session should continue.
// Command failures land in the core's error slot and are shown by the
// renderer, so they are not printed here.
func (s *shell) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		s.send(ctx, line)
		return true
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	active := s.core.Snapshot().ActiveThread

	switch cmd {
	case "quit", "exit":
		return false
	case "help":
		fmt.Fprintln(s.out, usage)
	case "threads":
		if threads, err := s.core.LoadThreads(ctx, history.ListThreadsOptions{}); err == nil {
			printThreads(s.out, threads)
		}
	case "open":
		if arg == "" {
			fmt.Fprintln(s.out, "usage: /open <thread>")
			return true
		}
		s.open(ctx, arg)
	case "leave":
		if active != "" {
			s.core.Leave(active)
		}
	case "read":
		if active != "" {
			s.core.MarkRead(ctx, active)
		}
	case "campaign":
		t, err := s.core.ThreadForCampaign(ctx, arg)
		switch {
		case err != nil:
		case t == nil:
			fmt.Fprintf(s.out, "  no thread for campaign %s\n", arg)
		default:
			printThreads(s.out, []chat.Thread{*t})
		}
	case "start":
		if t, err := s.core.StartThread(ctx, arg); err == nil {
			s.open(ctx, t.ID)
		}
	case "clear":
		s.core.ClearError()
	default:
		fmt.Fprintf(s.out, "unknown command /%s\n", cmd)
	}
	return true
}

func (s *shell) open(ctx context.Context, threadID string) {
	if err := s.core.Join(threadID); err != nil {
		return
	}
	if _, err := s.core.LoadMessages(ctx, threadID, 1); err != nil {
		return
	}
	s.core.MarkRead(ctx, threadID)
}

func (s *shell) send(ctx context.Context, content string) {
	active := s.core.Snapshot().ActiveThread
	if active == "" {
		fmt.Fprintln(s.out, "open a thread first (/open <thread>)")
		return
	}
	s.core.Typing(active)
	if _, err := s.core.Send(ctx, active, content); err == nil {
		s.core.StopTyping(active)
	}
}

// envFile is CONVSYNC_ENV_FILE, or .env in the working directory.
func envFile() string {
	if p := os.Getenv("CONVSYNC_ENV_FILE"); p != "" {
		return p
	}
	return ".env"
}
