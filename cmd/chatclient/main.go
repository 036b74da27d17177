package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"chatrelay/client"
	"chatrelay/config"
	"chatrelay/logger"
	"chatrelay/protocol"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const exitChat = "/exit"

const menu = `
1) Online users
2) All users
3) Chat with user
4) Global chat
5) Quit
> `

var (
	errQuit    = errors.New("quit")
	errUsage   = errors.New("wrong number of arguments")
	errConnect = errors.New("error connecting to server")

	// errReported ends the process after the terminal already told the user
	errReported = errors.New("reported")
)

func main() {
	os.Exit(execute(newRootCmd(config.Load()), os.Args[1:], os.Stderr))
}

// execute runs root and maps its error to the process exit status.
func execute(root *cobra.Command, args []string, stderr io.Writer) int {
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	cmd, err := root.ExecuteC()
	switch {
	case err == nil, errors.Is(err, errReported):
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "Usage: %s\n", cmd.UseLine())
	case errors.Is(err, config.ErrInvalidPort):
		fmt.Fprintln(stderr, "Invalid port number")
	case errors.Is(err, errConnect):
		fmt.Fprintln(stderr, "Error connecting to server")
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	if err != nil {
		return 1
	}
	return 0
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "chatclient <host> <port>",
		Short: "Interactive client for the chat relay",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return errUsage
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := config.ParsePort(args[1])
			if err != nil {
				return err
			}
			return connect(cmd.Context(), cfg, args[0], port)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "how long to wait for the connection")
	return root
}

func connect(ctx context.Context, cfg *config.Config, host string, port int) error {
	// stdout belongs to the user; log only when a file is configured
	log := logger.New(logger.LevelNone, nil, "")
	if cfg.LogFile != "" {
		var err error
		if log, err = logger.Open(logger.ParseLevel(cfg.LogLevel), cfg.LogFile); err != nil {
			return err
		}
		defer log.Close()
	}
	logger.SetGlobal(log)

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	c, err := client.Dial(dialCtx, net.JoinHostPort(host, strconv.Itoa(port)))
	cancel()
	if err != nil {
		log.Error("dial %s:%d: %v", host, port, err)
		return fmt.Errorf("%w: %v", errConnect, err)
	}
	defer c.Close()

	ui := &terminal{
		in:       bufio.NewScanner(os.Stdin),
		out:      os.Stdout,
		client:   c,
		log:      log.WithPrefix("client"),
		password: readPassword,
	}
	if err := ui.run(); err != nil {
		return errReported
	}
	return nil
}

// readPassword reads without echo when stdin is a terminal.
func readPassword(in *bufio.Scanner) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readLine(in)
	}
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readLine(in *bufio.Scanner) (string, error) {
	if !in.Scan() {
		if err := in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(in.Text()), nil
}

// terminal drives a logged-in client from line input.
type terminal struct {
	in       *bufio.Scanner
	out      io.Writer
	client   *client.Client
	log      *logger.Logger
	password func(*bufio.Scanner) (string, error)
}

func (t *terminal) run() error {
	fmt.Fprintln(t.out, "Welcome to chat client!")
	if err := t.login(); err != nil {
		return err
	}

	for {
		fmt.Fprint(t.out, menu)
		choice, err := readLine(t.in)
		if err != nil {
			return nil
		}

		err = t.dispatch(choice)
		switch {
		case errors.Is(err, errQuit):
			fmt.Fprintln(t.out, "Bye!")
			return nil
		case errors.Is(err, client.ErrClosed), errors.Is(err, client.ErrUnauthorized):
			fmt.Fprintf(t.out, "Disconnected: %v\n", err)
			return err
		case err != nil:
			t.log.Error("%s failed: %v", choice, err)
			fmt.Fprintf(t.out, "Error: %v\n", err)
			return err
		}
	}
}

func (t *terminal) login() error {
	fmt.Fprint(t.out, "Username: ")
	username, err := readLine(t.in)
	if err != nil {
		return err
	}
	fmt.Fprint(t.out, "Password: ")
	password, err := t.password(t.in)
	if err != nil {
		return err
	}

	if err := t.client.Authenticate(username, password); err != nil {
		t.log.Warn("authentication for %q failed: %v", username, err)
		fmt.Fprintln(t.out, "Authentication failed!")
		return err
	}
	fmt.Fprintln(t.out, "Authentication successful!")
	return nil
}

func (t *terminal) dispatch(choice string) error {
	switch choice {
	case "1":
		return t.printCommand(protocol.CmdOnlineUsers, "")
	case "2":
		return t.printCommand(protocol.CmdAllUsers, "")
	case "3":
		fmt.Fprint(t.out, "Chat with: ")
		peer, err := readLine(t.in)
		if err != nil || peer == "" {
			return err
		}
		return t.chat(peer)
	case "4":
		return t.chat("")
	case "5":
		return errQuit
	default:
		fmt.Fprintf(t.out, "Invalid choice %q\n", choice)
		return nil
	}
}

func (t *terminal) printCommand(name, peer string) error {
	out, err := t.client.Command(name, peer)
	if err != nil {
		return err
	}
	fmt.Fprint(t.out, out)
	return nil
}

// chat shows the history with peer, or the global history when peer is
// empty, then relays lines until the user types /exit.
func (t *terminal) chat(peer string) error {
	history, filter := protocol.CmdGlobalChat, client.Broadcasts()
	if peer != "" {
		history, filter = protocol.CmdChat, client.DirectFrom(peer, t.client.Username())
	}

	if err := t.printCommand(history, peer); err != nil {
		return err
	}

	fmt.Fprintf(t.out, "Type %s to leave the chat.\n", exitChat)
	cs, err := t.client.StartChat(context.Background(), filter)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range cs.Messages() {
			fmt.Fprintf(t.out, "[%s] %s\n", msg.Sender, msg.Content)
		}
	}()
	defer wg.Wait()
	defer cs.Close()

	for {
		line, err := readLine(t.in)
		if err != nil || line == exitChat {
			return nil
		}

		select {
		case <-cs.Done():
			return cs.Err()
		default:
		}

		if line == "" {
			continue
		}
		if err := t.client.SendChat(peer, line); err != nil {
			return err
		}
	}
}
