package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/aeolun/chatdrop/pkg/client"
	"github.com/aeolun/chatdrop/pkg/protocol"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	// Command line flags
	configPath := flag.String("config", client.DefaultConfigPath(), "Path to config file")
	serverAddr := flag.String("server", "", "Server address: host:port, ws://host:port or wss://host:port (overrides config)")
	username := flag.String("user", "", "Username (defaults to the last one used)")
	throttle := flag.Int("throttle", 0, "Limit bandwidth to this many bytes/sec (0 = unlimited)")
	debug := flag.Bool("debug", false, "Log connection events to stderr")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("chatdrop client %s\n", Version)
		os.Exit(0)
	}

	config, err := client.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, client.FormatError(err))
		os.Exit(1)
	}

	addr := config.GetServerAddress()
	if *serverAddr != "" {
		addr = *serverAddr
	}

	conn, err := client.NewConnection(addr)
	if err != nil {
		log.Fatalf("Invalid server address: %v", err)
	}
	conn.SetRequestTimeout(config.GetRequestTimeout())
	if *debug {
		conn.SetLogger(log.New(os.Stderr, "[conn] ", log.Ltime|log.Lmicroseconds))
	}
	if *throttle > 0 {
		conn.SetThrottle(*throttle)
	}

	if err := conn.Connect(); err != nil {
		log.Fatalf("Failed to connect to %s: %v", addr, err)
	}
	defer conn.Close()

	lines := readLines(os.Stdin)

	defaultUser := *username
	if defaultUser == "" {
		defaultUser = config.Local.LastUsername
	}
	user, err := login(conn, lines, defaultUser)
	if err != nil {
		log.Fatalf("Login failed: %v", err)
	}
	fmt.Println(client.FormatSuccess("Logged in as " + user + ". Type /help for commands."))

	if config.Local.LastUsername != user {
		config.Local.LastUsername = user
		if err := client.SaveClientConfig(*configPath, config); err != nil {
			log.Printf("Could not remember username: %v", err)
		}
	}

	go printMessages(conn, config.UI.ShowTimestamps)

	s := &session{conn: conn, config: config}
	s.run(lines)
}

// readLines feeds stdin lines to a channel that is closed at EOF
func readLines(f *os.File) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 4096), protocol.MaxFrameSize)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func prompt(lines <-chan string, label string) (string, bool) {
	fmt.Print(label)
	line, ok := <-lines
	return strings.TrimSpace(line), ok
}

// login asks for credentials until the server accepts them
func login(conn *client.Connection, lines <-chan string, defaultUser string) (string, error) {
	for {
		label := "Username: "
		if defaultUser != "" {
			label = fmt.Sprintf("Username [%s]: ", defaultUser)
		}
		user, ok := prompt(lines, label)
		if !ok {
			return "", errors.New("input closed")
		}
		if user == "" {
			user = defaultUser
		}
		if user == "" {
			continue
		}

		password, ok := prompt(lines, "Password: ")
		if !ok {
			return "", errors.New("input closed")
		}

		accepted, err := conn.Login(context.Background(), user, password)
		if err != nil {
			return "", err
		}
		if accepted {
			return user, nil
		}
		fmt.Println(client.FormatError(errors.New("login failed, try again")))
	}
}

// printMessages shows everything the server pushes until the connection ends
func printMessages(conn *client.Connection, timestamps bool) {
	for env := range conn.Messages() {
		var at time.Time
		if timestamps {
			at = time.Now()
		}
		fmt.Println(client.FormatMessage(env, at))
	}
}

type session struct {
	conn   *client.Connection
	config client.TOMLConfig
}

func (s *session) run(lines <-chan string) {
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				s.conn.Logout()
				return
			}
			if !s.handle(strings.TrimSpace(line)) {
				return
			}
		case <-s.conn.Done():
			if err := s.conn.Err(); err != nil {
				fmt.Println(client.FormatError(err))
			} else {
				fmt.Println(client.FormatSuccess("Disconnected by the server."))
			}
			return
		}
	}
}

// handle runs one input line; it returns false when the session is over
func (s *session) handle(line string) bool {
	if line == "" {
		return true
	}

	cmd, arg := parseCommand(line)
	ctx := context.Background()

	switch cmd {
	case "":
		if err := s.conn.SendChat(arg); err != nil {
			fmt.Println(client.FormatError(err))
			return true
		}
		fmt.Println(client.FormatMessage(protocol.Chat(s.conn.Username()+": "+arg), s.now()))

	case "/files":
		s.showFiles(ctx)

	case "/upload":
		if arg == "" {
			fmt.Println(client.FormatError(errors.New("usage: /upload <path>")))
			return true
		}
		dir, err := s.config.GetUploadDir()
		if err != nil {
			fmt.Println(client.FormatError(err))
			return true
		}
		path := resolveUploadPath(dir, arg)
		if err := s.conn.UploadFile(path); err != nil {
			fmt.Println(client.FormatError(err))
			return true
		}
		fmt.Println(client.FormatSuccess("Uploaded " + path))

	case "/download":
		if arg == "" {
			fmt.Println(client.FormatError(errors.New("usage: /download <name>")))
			return true
		}
		s.download(ctx, arg)

	case "/quit", "/exit":
		if err := s.conn.Logout(); err != nil {
			fmt.Println(client.FormatError(err))
		}
		return false

	case "/help":
		fmt.Println(helpText)

	default:
		fmt.Println(client.FormatError(fmt.Errorf("unknown command %s (try /help)", cmd)))
	}
	return true
}

func (s *session) showFiles(ctx context.Context) {
	names, err := s.conn.ListFiles(ctx)
	if err != nil {
		fmt.Println(client.FormatError(err))
		return
	}
	fmt.Println(client.FormatFileList(names))
}

// download saves a file and then shows the refreshed list
func (s *session) download(ctx context.Context, name string) {
	data, err := s.conn.Download(ctx, name)
	if err != nil {
		fmt.Println(client.FormatError(err))
		return
	}

	dir, err := s.config.GetDownloadDir()
	if err != nil {
		fmt.Println(client.FormatError(err))
		return
	}
	path, err := saveDownload(dir, name, data)
	if err != nil {
		fmt.Println(client.FormatError(err))
		return
	}
	fmt.Println(client.FormatSuccess(fmt.Sprintf("Saved %s (%s)", path, client.FormatBytes(uint64(len(data))))))

	s.showFiles(ctx)
}

func (s *session) now() time.Time {
	if !s.config.UI.ShowTimestamps {
		return time.Time{}
	}
	return time.Now()
}
