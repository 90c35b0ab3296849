package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/chatdrop/pkg/client"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks performance metrics
type Stats struct {
	chatsSent         atomic.Int64
	uploads           atomic.Int64
	uploadBytes       atomic.Int64
	requests          atomic.Int64
	requestsFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	messagesReceived  atomic.Int64
	connectionErrors  atomic.Int64

	// Detailed failure tracking
	timeouts       atomic.Int64
	disconnections atomic.Int64
}

func (s *Stats) recordRequest(responseTimeUs int64) {
	s.requests.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

// recordFailure classifies a failed operation
func (s *Stats) recordFailure(err error) {
	s.requestsFailed.Add(1)
	switch {
	case errors.Is(err, client.ErrRequestTimeout):
		s.timeouts.Add(1)
	case errors.Is(err, client.ErrConnectionLost):
		s.disconnections.Add(1)
	}
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Stats) snapshot() (chats, requests, failed, received int64, avgResponseUs float64) {
	chats = s.chatsSent.Load()
	requests = s.requests.Load()
	failed = s.requestsFailed.Load()
	received = s.messagesReceived.Load()

	if requests > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(requests)
	}

	return
}

// BotClient represents a fake client for load testing
type BotClient struct {
	id       int
	username string
	password string
	conn     *client.Connection
	stats    *Stats
	uploaded []string // names this bot has uploaded
}

func NewBotClient(id int, serverAddr, username, password string, stats *Stats) (*BotClient, error) {
	conn, err := client.NewConnection(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	conn.SetRequestTimeout(10 * time.Second)

	return &BotClient{
		id:       id,
		username: username,
		password: password,
		conn:     conn,
		stats:    stats,
	}, nil
}

func (bc *BotClient) Connect() error {
	if err := bc.conn.Connect(); err != nil {
		bc.stats.recordConnectionError()
		return err
	}

	// Drain pushed chat lines and file lists so the read loop never stalls
	go func() {
		for range bc.conn.Messages() {
			bc.stats.messagesReceived.Add(1)
		}
	}()

	ok, err := bc.conn.Login(context.Background(), bc.username, bc.password)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("login as %s rejected", bc.username)
	}
	return nil
}

func (bc *BotClient) SendRandomChat() error {
	// Generate random message content (5-20 words)
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}

	if err := bc.conn.SendChat(strings.Join(words, " ")); err != nil {
		bc.stats.recordFailure(err)
		return err
	}
	bc.stats.chatsSent.Add(1)
	return nil
}

func (bc *BotClient) UploadRandomFile(maxSize int) error {
	size := rand.Intn(maxSize + 1)
	payload := make([]byte, size)
	rand.Read(payload)

	name := fmt.Sprintf("bot%d-%d.bin", bc.id, len(bc.uploaded))
	if err := bc.conn.Upload(name, bytes.NewReader(payload), int64(size)); err != nil {
		bc.stats.recordFailure(err)
		return err
	}

	bc.uploaded = append(bc.uploaded, name)
	bc.stats.uploads.Add(1)
	bc.stats.uploadBytes.Add(int64(size))
	return nil
}

// FetchFiles lists the server's files and downloads one of ours back
func (bc *BotClient) FetchFiles() error {
	start := time.Now()
	if _, err := bc.conn.ListFiles(context.Background()); err != nil {
		bc.stats.recordFailure(err)
		return err
	}
	bc.stats.recordRequest(time.Since(start).Microseconds())

	if len(bc.uploaded) == 0 {
		return nil
	}

	name := bc.uploaded[rand.Intn(len(bc.uploaded))]
	start = time.Now()
	if _, err := bc.conn.Download(context.Background(), name); err != nil {
		bc.stats.recordFailure(err)
		return err
	}
	bc.stats.recordRequest(time.Since(start).Microseconds())
	return nil
}

func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration, maxUpload int) {
	defer bc.conn.Close()

	endTime := time.Now().Add(duration)
	iteration := 0

	for time.Now().Before(endTime) {
		iteration++

		// Failures are counted in stats; a lost connection ends the bot
		switch {
		case iteration%10 == 0:
			bc.UploadRandomFile(maxUpload)
		case iteration%3 == 0:
			bc.FetchFiles()
		default:
			bc.SendRandomChat()
		}

		select {
		case <-bc.conn.Done():
			return
		default:
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		time.Sleep(delay)
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}

	bc.conn.Logout()
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:12345", "Server address (host:port or ws://host:port)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	users := flag.String("users", "user1,user2,user3,user4,user5", "Comma-separated accounts the bots log in as")
	password := flag.String("password", "1234", "Password for every bot account")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between actions")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between actions")
	maxUpload := flag.Int("max-upload", 64*1024, "Largest random upload in bytes")
	flag.Parse()

	accounts := strings.Split(*users, ",")
	if len(accounts) == 0 || *numClients < 1 {
		log.Fatal("need at least one account and one client")
	}

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d (accounts: %s)", *numClients, *users)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup

	// Start stats reporter
	stopStats := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopStats) }) }

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				chats, requests, failed, received, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d chats (%.1f/s), %d requests, %d failed, %d received, avg %.2fms",
					chats, float64(chats)/elapsed, requests, failed, received, avgUs/1000.0)
			case <-stopStats:
				return
			}
		}
	}()

	// Spawn clients
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Calculate shutdown delay for this bot (reverse order for ramp-down)
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)
		account := strings.TrimSpace(accounts[i%len(accounts)])

		go func(id int, account string, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, account, *password, stats)
			if err != nil {
				stats.recordConnectionError()
				return
			}

			if err := bot.Connect(); err != nil {
				stats.recordConnectionError()
				bot.conn.Close()
				return
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, account)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay, *maxUpload)
		}(i, account, shutdownDelay)

		// Stagger client connections based on calculated delay
		time.Sleep(staggerDelay)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stop()
	}()

	wg.Wait()
	stop()

	// Final stats
	chats, requests, failed, received, avgUs := stats.snapshot()

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", *duration)
	log.Printf("Chats sent: %d (%.1f/s)", chats, float64(chats)/duration.Seconds())
	log.Printf("Uploads: %d (%s)", stats.uploads.Load(), client.FormatBytes(uint64(stats.uploadBytes.Load())))
	log.Printf("Requests answered: %d", requests)
	log.Printf("Failures: %d", failed)
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", stats.connectionErrors.Load())
	log.Printf("Envelopes received: %d", received)
	log.Printf("Average response time: %.2fms", avgUs/1000.0)

	if requests+failed > 0 {
		log.Printf("Success rate: %.1f%%", float64(requests)/float64(requests+failed)*100)
	}
}
