package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/aeolun/chatdrop/pkg/database"
	"github.com/aeolun/chatdrop/pkg/filestore"
	"github.com/aeolun/chatdrop/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	// Command line flags
	configPath := flag.String("config", "~/.chatdrop/server.toml", "Path to config file")
	flag.Int("port", 0, "TCP port to listen on (overrides config)")
	flag.String("files", "", "Directory for shared files (overrides config; empty keeps files in memory)")
	flag.String("db", "", "Path to SQLite user database (overrides config; empty uses the [[users]] list)")
	pprofAddr := flag.String("pprof", "", "Serve pprof on this address, e.g. localhost:6060")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("chatdrop server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := applyOverrides(flag.CommandLine, &config); err != nil {
		log.Fatalf("Invalid flag: %v", err)
	}

	if *debug {
		server.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	auth, closeAuth, err := openAuthenticator(config)
	if err != nil {
		log.Fatalf("Failed to open user store: %v", err)
	}
	defer closeAuth()

	files, err := openFileStore(config)
	if err != nil {
		log.Fatalf("Failed to open file store: %v", err)
	}

	serverConfig := config.ToServerConfig()
	srv, err := server.NewServer(serverConfig, auth, files)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("chatdrop server %s started successfully", Version)
	log.Printf("Config: %s", *configPath)
	log.Printf("Available connection methods:")
	log.Printf("  - TCP: %s", srv.Addr())
	if addr := srv.HTTPAddr(); addr != nil {
		log.Printf("  - WebSocket: ws://%s/ws (metrics on /metrics, health on /health)", addr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Printf("Starting pprof server on http://%s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}

// applyOverrides copies the flags given on the command line into config.
// Only flags that were set count, so --files "" selects the in-memory store.
func applyOverrides(fs *flag.FlagSet, config *server.TOMLConfig) error {
	var err error
	fs.Visit(func(f *flag.Flag) {
		value := f.Value.String()
		switch f.Name {
		case "port":
			port, convErr := strconv.Atoi(value)
			if convErr != nil {
				err = fmt.Errorf("--port %q: %w", value, convErr)
				return
			}
			config.Server.TCPPort = port
		case "files":
			config.Server.FilesDir = value
		case "db":
			config.Server.DatabasePath = value
		}
	})
	return err
}

// openAuthenticator uses the SQLite user store when a database path is
// configured and the [[users]] list as-is otherwise
func openAuthenticator(config server.TOMLConfig) (server.Authenticator, func(), error) {
	path, err := config.GetDatabasePath()
	if err != nil {
		return nil, nil, err
	}

	if path == "" {
		log.Printf("Users: %d static account(s), no database", len(config.Users))
		return database.NewStaticCredentials(config.Users), func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := database.Open(path)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	updated, err := db.SeedUsers(ctx, config.Users)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to seed users: %w", err)
	}
	total, err := db.CountUsers(ctx)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	log.Printf("Database: %s (%d user(s), %d updated from config)", path, total, updated)
	return db, func() { db.Close() }, nil
}

// openFileStore keeps files on disk when a directory is configured and in
// memory otherwise
func openFileStore(config server.TOMLConfig) (filestore.Store, error) {
	dir, err := config.GetFilesDir()
	if err != nil {
		return nil, err
	}

	if dir == "" {
		log.Printf("Files: in memory (lost on restart)")
		return filestore.NewMemStore(), nil
	}

	store, err := filestore.NewDiskStore(dir, config.Server.CompressFiles)
	if err != nil {
		return nil, err
	}
	log.Printf("Files: %s (lz4 compression: %v)", dir, config.Server.CompressFiles)
	return store, nil
}
