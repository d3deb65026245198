package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/CloudcraftTeche/cog-sub003/internal/client"
	clog "github.com/CloudcraftTeche/cog-sub003/internal/log"
	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("chatcli")
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("chatcli", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "Server base URL")
	username := fs.String("user", "", "Username")
	password := fs.String("password", os.Getenv("CHAT_PASSWORD"), "Password (default: $CHAT_PASSWORD)")
	gradeID := fs.Uint("grade", 0, "Open this grade chat after connecting")
	peerID := fs.Uint("dm", 0, "Open a direct conversation with this user id after connecting")
	debug := fs.Bool("debug", false, "Verbose connection logs on stderr")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: chatcli -user NAME [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands while connected:\n")
		fmt.Fprintf(os.Stderr, "  /grade ID   open a grade chat\n")
		fmt.Fprintf(os.Stderr, "  /dm ID      open a direct conversation\n")
		fmt.Fprintf(os.Stderr, "  /leave      leave the current conversation\n")
		fmt.Fprintf(os.Stderr, "  /tickets    list tickets\n")
		fmt.Fprintf(os.Stderr, "  /unread     show unread counts\n")
		fmt.Fprintf(os.Stderr, "  /quit       exit\n")
		fmt.Fprintf(os.Stderr, "Any other line is sent to the current conversation.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" || *password == "" {
		fs.Usage()
		return errors.New("user and password are required")
	}

	env := "prod"
	if *debug {
		env = "dev"
	}
	clog.Init(env)
	logger := clog.New(env, os.Stderr)
	if !*debug {
		logger = logger.Level(zerolog.WarnLevel)
	}
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base := strings.TrimRight(*serverURL, "/")
	login, err := client.NewAPI(base, "", nil).Login(ctx, *username, *password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	api := client.NewAPI(base, login.AccessToken, nil)
	fmt.Printf("Logged in as %s (id %d, %s)\n", login.User.Username, login.User.ID, login.User.Role)

	sess := client.NewChatSession(login.User.ID, client.SessionOptions{
		Conn:   client.ConnOptions{URL: wsURL(base), Token: login.AccessToken},
		API:    api,
		Logger: &logger,
	})
	ui := &terminal{sess: sess, out: os.Stdout, printed: make(map[string]bool)}

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()
	go ui.render()

	if err := sess.LoadTickets(ctx); err != nil {
		log.Warn().Err(err).Msg("load tickets")
	}
	switch {
	case *gradeID > 0:
		ui.open(ctx, protocol.GradeRoom(uint(*gradeID)))
	case *peerID > 0:
		ui.open(ctx, protocol.DirectRoom(login.User.ID, uint(*peerID)))
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			_ = sess.Close()
			return nil
		case err := <-runErr:
			return err
		case line, ok := <-lines:
			if !ok {
				_ = sess.Close()
				return nil
			}
			if quit := ui.command(ctx, line); quit {
				_ = sess.Close()
				return nil
			}
		}
	}
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
	return base + "/ws"
}

type terminal struct {
	sess *client.ChatSession
	out  io.Writer

	mu      sync.Mutex
	current protocol.RoomKey
	printed map[string]bool
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) open(ctx context.Context, room protocol.RoomKey) {
	t.mu.Lock()
	t.current = room
	clear(t.printed)
	t.mu.Unlock()
	t.printf("-- %s --\n", room)
	if err := t.sess.Open(ctx, room); err != nil {
		t.printf("! open %s: %v\n", room, err)
	}
	t.flush(room)
}

func (t *terminal) command(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		t.mu.Lock()
		room := t.current
		t.mu.Unlock()
		if room == "" {
			t.printf("! no conversation open, use /grade or /dm\n")
			return false
		}
		if _, err := t.sess.Send(room, line); err != nil {
			t.printf("! send: %v\n", err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	id, _ := strconv.ParseUint(strings.TrimSpace(arg), 10, 64)
	switch cmd {
	case "quit", "q":
		return true
	case "grade":
		if id == 0 {
			t.printf("! usage: /grade ID\n")
			return false
		}
		t.open(ctx, protocol.GradeRoom(uint(id)))
	case "dm":
		if id == 0 || uint(id) == t.sess.UserID() {
			t.printf("! usage: /dm USER_ID\n")
			return false
		}
		t.open(ctx, protocol.DirectRoom(t.sess.UserID(), uint(id)))
	case "leave":
		t.mu.Lock()
		room := t.current
		t.current = ""
		t.mu.Unlock()
		if room != "" {
			_ = t.sess.Leave(room)
		}
	case "tickets":
		for _, tk := range t.sess.Tickets() {
			t.printf("#%d [%s] %s (v%d)\n", tk.ID, tk.Status, tk.Subject, tk.Version)
		}
		if err := t.sess.MarkNotificationsRead(ctx); err != nil {
			t.printf("! mark notifications read: %v\n", err)
		}
	case "unread":
		t.printf("unread: %d total\n", t.sess.TotalUnread())
		for _, room := range t.sess.ActiveRooms() {
			if n := t.sess.UnreadFor(room); n > 0 {
				t.printf("  %s: %d\n", room, n)
			}
		}
	default:
		t.printf("! unknown command %q\n", cmd)
	}
	return false
}

// render 消费会话的更新提示并把新内容打印到终端。
func (t *terminal) render() {
	for u := range t.sess.Updates() {
		switch u.Kind {
		case client.UpdateState:
			t.printf("* connection %s\n", u.State)
		case client.UpdateTimeline:
			t.flush(u.Room)
		case client.UpdateTyping:
			t.mu.Lock()
			room := t.current
			t.mu.Unlock()
			if room != "" && (u.Room == "" || u.Room == room) {
				if users := t.sess.TypingUsers(room); len(users) > 0 {
					t.printf("* typing: %v\n", users)
				}
			}
		case client.UpdateUnread:
			if n := t.sess.TotalUnread(); n > 0 {
				t.printf("* %d unread\n", n)
			}
		case client.UpdateTickets:
			t.printf("* tickets updated (%d)\n", len(t.sess.Tickets()))
		case client.UpdatePresence:
			if p := u.Presence; p != nil {
				verb := "left"
				if p.Joined {
					verb = "joined"
				}
				t.printf("* %s %s %s (%d online)\n", p.Username, verb, p.Room, p.Online)
			}
		case client.UpdateError:
			t.printf("! %v\n", u.Err)
		}
	}
}

// flush 打印当前房间里尚未输出过的已确认消息与失败的发送。
func (t *terminal) flush(room protocol.RoomKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if room != t.current {
		return
	}
	for _, e := range t.sess.Timeline(room) {
		switch {
		case e.Err != nil:
			key := "failed:" + e.Key
			if !t.printed[key] {
				t.printed[key] = true
				fmt.Fprintf(t.out, "! not delivered: %s (%v)\n", e.Message.Content, e.Err)
			}
		case e.Pending:
		default:
			if t.printed[e.Key] {
				continue
			}
			t.printed[e.Key] = true
			name := e.Message.SenderName
			if name == "" {
				name = "#" + strconv.FormatUint(uint64(e.Message.SenderID), 10)
			}
			fmt.Fprintf(t.out, "[%s] %s: %s\n", e.Message.CreatedAt.Local().Format("15:04"), name, e.Message.Content)
		}
	}
}
