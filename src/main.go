package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"vcdb/src/server"
	"vcdb/src/settings"
)

// printUsage prints helpful usage information
func printUsage() {
	log.Println("vcdb - a version-controlled structured data server")
	log.Println("\nUsage:")
	log.Println("  vcdb [options]")
	log.Println("\nOptions:")
	flag.PrintDefaults()

	log.Println("\nExamples:")
	log.Println("  vcdb --repodir=/data/repos")
	log.Println("  vcdb --port=1776 --auth --session-ttl=3600")
}

func main() {
	// Get the global settings instance
	args := settings.GetSettings()

	// Define command line flags that map to the Arguments struct
	flag.StringVar(&args.RepoDir, "repodir", "./repositories", "Directory holding one repository per database")
	flag.StringVar(&args.CacheDir, "cachedir", "./cache", "Directory for dataset cache and load-state files")
	flag.StringVar(&args.LogDir, "logdir", "", "Directory to store log files (default: stdout)")
	flag.StringVar(&args.TempDir, "tempdir", "./temp", "Temporary directory for historical exports")
	flag.StringVar(&args.Host, "host", "127.0.0.1", "Host name or IP address to listen on")
	flag.IntVar(&args.Port, "port", 1776, "Port to listen on")
	flag.BoolVar(&args.Verbose, "verbose", false, "Enable verbose logging")
	flag.StringVar(&args.ConfigFile, "config", "", "Path to config file")
	flag.StringVar(&args.Mode, "mode", "standalone", "Operation mode (standalone, cluster)")
	flag.BoolVar(&args.AuthEnabled, "auth", false, "Enable authentication")
	flag.StringVar(&args.SecretKey, "secret-key", "", "Key used to encrypt the user store (required with --auth)")
	flag.IntVar(&args.SessionTTL, "session-ttl", 3600, "Seconds an issued session token stays valid")
	flag.BoolVar(&args.NoCache, "nocache", false, "Disable the dataset cache")
	flag.BoolVar(&args.PrintToScreen, "print", true, "Print log messages to screen")
	flag.BoolVar(&args.Debug, "debug", false, "Enable debug mode")

	// Parse the command line
	flag.Parse()

	// Validate the arguments
	if err := validateArguments(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		printUsage()
		os.Exit(1)
	}

	if args.Verbose {
		log.Println("vcdb starting with options:")
		log.Printf("  Repository Directory: %s\n", args.RepoDir)
		log.Printf("  Cache Directory: %s\n", args.CacheDir)
		log.Printf("  Host: %s\n", args.Host)
		log.Printf("  Port: %d\n", args.Port)
		log.Printf("  Auth Enabled: %v\n", args.AuthEnabled)
		log.Printf("  Mode: %s\n", args.Mode)
	}

	// Create and start the server
	srv, err := server.InitServer(args)
	if err != nil {
		log.Fatalf("Failed to initialize server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Handle graceful shutdown
	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, syscall.SIGINT, syscall.SIGTERM)

	<-shutdownSignal
	fmt.Println("\nShutting down server...")

	if err := srv.Stop(); err != nil {
		log.Printf("Error stopping server: %v", err)
	}
}

// validateArguments validates the arguments and returns an error if invalid
func validateArguments(args *settings.Arguments) error {
	for _, dir := range []string{args.RepoDir, args.CacheDir, args.TempDir} {
		dirInfo, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return fmt.Errorf("could not create directory %s: %w", dir, err)
				}
			} else {
				return fmt.Errorf("error accessing directory %s: %w", dir, err)
			}
		} else if !dirInfo.IsDir() {
			return fmt.Errorf("path exists but is not a directory: %s", dir)
		}
	}

	// Validate port range
	if args.Port < 1 || args.Port > 65535 {
		return fmt.Errorf("invalid port number: %d (must be between 1 and 65535)", args.Port)
	}

	if args.SessionTTL < 0 {
		return fmt.Errorf("invalid session TTL: %d", args.SessionTTL)
	}

	if args.AuthEnabled && args.SecretKey == "" {
		return fmt.Errorf("--auth requires --secret-key")
	}

	// Validate mode
	validModes := map[string]bool{"standalone": true, "cluster": true}
	if _, valid := validModes[args.Mode]; !valid {
		return fmt.Errorf("invalid mode: %s (must be 'standalone' or 'cluster')", args.Mode)
	}

	return nil
}
