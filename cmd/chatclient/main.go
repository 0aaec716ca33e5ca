// main.go
// A line-oriented chat client. It signs in (or reuses the saved profile),
// connects to the server, prints events as they are applied to the local
// projection and turns each input line into a message or a slash command.

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"securechat/internal/attachment"
	"securechat/internal/client"
	"securechat/internal/config"
	"securechat/internal/conversation"
	"securechat/internal/discovery"
	"securechat/internal/protocol"
)

const helpText = `commands:
  /users               list online users
  /open <n|socketId>   open a conversation (marks it read)
  /history             show the open conversation
  /file <path> [text]  send an encrypted attachment
  /save <n> <path>     write the n-th attachment of the open conversation to path
  /typing on|off       send typing state
  /logout              forget the saved profile and quit
  /quit                quit
anything else is sent to the open conversation`

func main() {
	var (
		signup   = flag.Bool("signup", false, "create an account before connecting")
		email    = flag.String("email", "", "account email for -signup or a fresh login")
		name     = flag.String("name", "", "display name for -signup")
		guest    = flag.Bool("guest", false, "connect without an account")
		discover = flag.Bool("discover", false, "find a server on the local network")
	)
	flag.Parse()

	if err := config.LoadDotEnv(""); err != nil {
		log.Fatalf("chatclient: %v", err)
	}
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("chatclient: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *discover {
		servers, err := discovery.Browse(ctx, discovery.Config{})
		if err != nil {
			log.Fatalf("chatclient: %v", err)
		}
		if len(servers) == 0 {
			log.Fatalf("chatclient: no server found on the local network")
		}
		cfg.ServerURL = servers[0].URL
		fmt.Printf("using %s (%s)\n", servers[0].Instance, servers[0].URL)
	}

	in := bufio.NewScanner(os.Stdin)
	app := &app{cfg: cfg, in: in, out: os.Stdout}

	var creds *protocol.Credentials
	if !*guest {
		profile, err := app.signIn(ctx, *signup, *email, *name)
		if err != nil {
			log.Fatalf("chatclient: %v", err)
		}
		c := profile.Credentials()
		creds = &c
	}

	if err := app.run(ctx, creds); err != nil {
		log.Fatalf("chatclient: %v", err)
	}
}

type app struct {
	cfg     config.ClientConfig
	in      *bufio.Scanner
	out     io.Writer
	session *client.Session
}

func (a *app) prompt(label string) (string, error) {
	fmt.Fprint(a.out, label)
	if !a.in.Scan() {
		if err := a.in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(a.in.Text()), nil
}

// signIn returns the saved profile when there is one for this server,
// otherwise logs in or signs up and saves the result.
func (a *app) signIn(ctx context.Context, signup bool, email, name string) (client.Profile, error) {
	if !signup && email == "" {
		profile, err := client.LoadProfile(a.cfg.ProfilePath)
		switch {
		case err == nil && (profile.ServerURL == "" || profile.ServerURL == strings.TrimRight(a.cfg.ServerURL, "/")):
			fmt.Fprintf(a.out, "signed in as %s\n", profile.Name)
			return profile, nil
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return client.Profile{}, err
		}
	}

	var err error
	if email == "" {
		if email, err = a.prompt("email: "); err != nil {
			return client.Profile{}, err
		}
	}
	if signup && name == "" {
		if name, err = a.prompt("name: "); err != nil {
			return client.Profile{}, err
		}
	}
	password, err := a.prompt("password: ")
	if err != nil {
		return client.Profile{}, err
	}

	api := client.NewAccounts(a.cfg.ServerURL, nil)
	var profile client.Profile
	if signup {
		profile, err = api.Signup(ctx, name, email, password)
	} else {
		profile, err = api.Login(ctx, email, password)
	}
	if err != nil {
		return client.Profile{}, err
	}

	if err := client.SaveProfile(a.cfg.ProfilePath, profile); err != nil {
		log.Printf("chatclient: could not save profile: %v", err)
	}
	fmt.Fprintf(a.out, "signed in as %s\n", profile.Name)
	return profile, nil
}

func (a *app) run(ctx context.Context, creds *protocol.Credentials) error {
	codec, err := attachment.NewCodec([]byte(a.cfg.AttachmentSecret), nil)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	session, err := client.Dial(dialCtx, client.Options{ServerURL: a.cfg.ServerURL, Codec: codec})
	if err != nil {
		return err
	}
	defer session.Close()
	a.session = session

	if creds != nil {
		err = session.Authenticate(*creds)
	} else {
		err = session.Hello(protocol.UserID(session.Self()))
	}
	if err != nil {
		return err
	}

	go a.render()
	fmt.Fprintln(a.out, helpText)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for a.in.Scan() {
			lines <- a.in.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-session.Done():
			if err := session.Err(); err != nil {
				return fmt.Errorf("connection lost: %w", err)
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := a.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintf(a.out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (a *app) handle(ctx context.Context, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := a.session.Send("", line)
		return false, err
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit":
		return true, nil
	case "/logout":
		return true, client.ClearProfile(a.cfg.ProfilePath)
	case "/users":
		a.printUsers()
	case "/open":
		peer, err := a.resolvePeer(rest)
		if err != nil {
			return false, err
		}
		if err := a.session.Select(peer); err != nil {
			return false, err
		}
		a.printHistory()
	case "/history":
		a.printHistory()
	case "/file":
		path, caption, _ := strings.Cut(rest, " ")
		if path == "" {
			return false, errors.New("usage: /file <path> [text]")
		}
		msg, err := a.session.SendFile(ctx, "", path, strings.TrimSpace(caption))
		if err != nil {
			return false, err
		}
		fmt.Fprintf(a.out, "sent %s (%d bytes)\n", msg.Attachment.Name, msg.Attachment.Size)
	case "/save":
		index, path, _ := strings.Cut(rest, " ")
		return false, a.saveAttachment(index, strings.TrimSpace(path))
	case "/typing":
		return false, a.session.Typing("", rest == "on")
	default:
		fmt.Fprintln(a.out, helpText)
	}
	return false, nil
}

// resolvePeer accepts a 1-based index into the online list or a socket id.
func (a *app) resolvePeer(arg string) (protocol.ConnectionID, error) {
	var (
		peer protocol.ConnectionID
		err  error
	)
	a.session.View(func(store *conversation.Store) {
		users := store.Online()
		if n, convErr := strconv.Atoi(arg); convErr == nil {
			if n < 1 || n > len(users) {
				err = fmt.Errorf("no user #%d", n)
				return
			}
			peer = users[n-1].SocketID
			return
		}
		if !store.HasConversation(arg) {
			err = fmt.Errorf("unknown user %q", arg)
			return
		}
		peer = arg
	})
	return peer, err
}

func (a *app) printUsers() {
	a.session.View(func(store *conversation.Store) {
		users := store.Online()
		if len(users) == 0 {
			fmt.Fprintln(a.out, "nobody else is online")
			return
		}
		for i, user := range users {
			marker := " "
			if user.SocketID == store.Selected() {
				marker = "*"
			}
			line := fmt.Sprintf("%s%d. %s", marker, i+1, user.Name)
			if n := store.UnreadCount(user.SocketID); n > 0 {
				line += fmt.Sprintf(" (%d unread)", n)
			}
			if store.IsTyping(user.SocketID) {
				line += " typing..."
			}
			fmt.Fprintln(a.out, line)
		}
	})
}

func (a *app) printHistory() {
	a.session.View(func(store *conversation.Store) {
		peer := store.Selected()
		if peer == "" {
			fmt.Fprintln(a.out, "no conversation open")
			return
		}
		for _, msg := range store.Messages(peer) {
			fmt.Fprintln(a.out, formatMessage(store.Self(), msg))
		}
	})
}

func (a *app) saveAttachment(index, path string) error {
	n, err := strconv.Atoi(index)
	if err != nil || path == "" {
		return errors.New("usage: /save <n> <path>")
	}

	var att *protocol.Attachment
	a.session.View(func(store *conversation.Store) {
		seen := 0
		for _, msg := range store.Messages(store.Selected()) {
			if msg.Attachment == nil {
				continue
			}
			if seen++; seen == n {
				copied := *msg.Attachment
				att = &copied
				return
			}
		}
	})
	if att == nil {
		return fmt.Errorf("no attachment #%d in this conversation", n)
	}

	data, err := attachment.Bytes(*att)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write attachment: %w", err)
	}
	fmt.Fprintf(a.out, "saved %s to %s\n", att.Name, path)
	return nil
}

// render prints what each applied event changed for the user.
func (a *app) render() {
	for env := range a.session.Updates() {
		switch env.Event {
		case protocol.EventChatMessage:
			var msg protocol.Message
			if env.Bind(&msg) != nil || msg.Sender == a.session.Self() {
				continue
			}
			a.session.View(func(store *conversation.Store) {
				if msg.Receiver == store.Self() {
					fmt.Fprintln(a.out, formatMessage(store.Self(), msg))
				}
			})
		case protocol.EventUserConnected, protocol.EventUserDisconnected:
			var user protocol.UserProfile
			if env.Bind(&user) != nil {
				continue
			}
			verb := "joined"
			if env.Event == protocol.EventUserDisconnected {
				verb = "left"
			}
			fmt.Fprintf(a.out, "-- %s %s\n", user.Name, verb)
		}
	}
}

func formatMessage(self protocol.ConnectionID, msg protocol.Message) string {
	from := msg.SenderName
	if msg.Sender == self {
		from = "me"
	} else if from == "" {
		from = msg.Sender
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", msg.Timestamp.Local().Format("15:04"), from, msg.Text)
	if msg.Attachment != nil {
		state := ""
		if msg.Attachment.Encrypted {
			state = ", sealed"
		}
		fmt.Fprintf(&b, " <%s %d bytes%s>", msg.Attachment.Name, msg.Attachment.Size, state)
	}
	if msg.Sender == self && msg.Read {
		b.WriteString(" ✓")
	}
	return b.String()
}
