package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bazaarly/chatcore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	chatOrderID     string
	chatMetricsAddr string
)

func init() {
	chatCmd.Flags().StringVar(&chatOrderID, "order", "", "Order the conversation is about")
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [counterpart-id]",
	Short: "Chat in real time",
	Long: "Open an interactive chat with a counterpart. Without an argument the last\n" +
		"counterpart is reopened. Type a line to send it; /switch <id> changes the\n" +
		"counterpart, /who lists contacts, /quit exits.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		log := logger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var metrics *chatcore.Metrics
		if chatMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics = chatcore.NewMetrics(reg)
			srv := &http.Server{Addr: chatMetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("metrics server")
				}
			}()
			defer srv.Close()
		}

		selections, err := getSelections(cfg)
		if err != nil {
			return err
		}

		header := http.Header{}
		if cfg.Auth.Token != "" {
			header.Set("Authorization", "Bearer "+cfg.Auth.Token)
		}
		pool := chatcore.NewChannelPool(chatcore.ChannelConfig{
			URL:           realtimeURL(cfg),
			Header:        header,
			AutoReconnect: true,
			Logger:        &log,
			Metrics:       metrics,
		})

		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		sess, err := chatcore.NewSession(connectCtx, chatcore.SessionConfig{
			Self:             selfUser(cfg),
			API:              getClient(cfg),
			Pool:             pool,
			Selections:       selections,
			ConversationType: cfg.Chat.ConversationType,
			ProvisionalTTL:   provisionalTTL(cfg),
			Logger:           &log,
			Metrics:          metrics,
		})
		cancel()
		if err != nil {
			return err
		}
		defer sess.Close()

		view := &transcript{selfID: cfg.Auth.UserID}
		sess.OnChange(view.render)
		sess.Start()

		target := ""
		if len(args) == 1 {
			target = args[0]
		} else if last, err := sess.LastCounterpart(ctx); err != nil {
			log.Warn().Err(err).Msg("load last selection")
		} else {
			target = last
		}
		if target != "" {
			selectCounterpart(ctx, sess, target, chatOrderID)
		} else {
			fmt.Println("No counterpart. Use /who to list contacts and /switch <id> to pick one.")
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
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
				if quit := handleLine(ctx, sess, line); quit {
					return nil
				}
			}
		}
	},
}

// handleLine runs a command or sends the line. It reports whether to quit.
func handleLine(ctx context.Context, sess *chatcore.Session, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit" || line == "/q":
		return true
	case line == "/who":
		listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		users, err := sess.ChatList(listCtx)
		if err != nil {
			fmt.Printf("! %v\n", err)
			return false
		}
		for _, u := range users {
			online := ""
			if sess.Presence().IsOnline(u.ID) {
				online = " (online)"
			}
			fmt.Printf("  %s  %s%s\n", u.ID, u.Name, online)
		}
		return false
	case strings.HasPrefix(line, "/switch "):
		selectCounterpart(ctx, sess, strings.TrimSpace(strings.TrimPrefix(line, "/switch ")), "")
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if sess.Send(sendCtx, line) == nil {
		snap := sess.Snapshot()
		switch {
		case snap.Channel != chatcore.StateConnected:
			fmt.Printf("! not sent: realtime channel is %s\n", snap.Channel)
		default:
			fmt.Println("! not sent: no conversation selected")
		}
	}
	return false
}

func selectCounterpart(ctx context.Context, sess *chatcore.Session, id, orderID string) {
	selCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	err := sess.SelectCounterpart(selCtx, chatcore.User{ID: id}, orderID)
	if err != nil && !errors.Is(err, chatcore.ErrSuperseded) {
		fmt.Printf("! cannot open conversation with %s: %v\n", id, err)
	}
}

// transcript prints the lines of the active conversation that have not been
// printed yet.
type transcript struct {
	selfID string

	mu             sync.Mutex
	conversationID string
	printed        map[string]bool
	state          chatcore.SessionState
}

func (t *transcript) render(snap chatcore.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if snap.ConversationID != t.conversationID {
		t.conversationID = snap.ConversationID
		t.printed = make(map[string]bool)
	}
	if snap.State != t.state {
		t.state = snap.State
		switch snap.State {
		case chatcore.SessionReady:
			name := snap.Counterpart.ID
			if snap.Counterpart.Name != "" {
				name = snap.Counterpart.Name
			}
			status := "offline"
			if snap.CounterpartOnline {
				status = "online"
			}
			fmt.Printf("--- %s (%s) ---\n", name, status)
		case chatcore.SessionError:
			fmt.Printf("! %v\n", snap.Err)
		}
	}
	for _, m := range snap.Evicted {
		fmt.Printf("! not delivered: %s\n", m.Text)
	}

	name := ""
	if snap.Counterpart != nil {
		name = snap.Counterpart.Name
	}
	for _, m := range snap.Messages {
		key := m.ID
		if m.IsProvisional() {
			// printed by the terminal echo; the confirmed copy follows
			continue
		}
		if t.printed[key] {
			continue
		}
		t.printed[key] = true
		fmt.Println(formatMessage(m, t.selfID, name))
	}
}
