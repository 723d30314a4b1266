package config

import (
	"flag"
	"os"
	"time"

	"github.com/tripmark/tripsync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   base URL of the sync server (default from Config)
//	-d string   path to the local database file
//	-t string   bearer token for the sync endpoint
//	-i int      background sync interval in seconds
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-t", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerAddr, "a", cfg.ServerAddr, "base URL of the sync server")
	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "path to the local database file")
	fs.StringVar(&cfg.AuthToken, "t", cfg.AuthToken, "bearer token for the sync endpoint")
	syncInterval := fs.Int("i", int(cfg.SyncInterval.Seconds()), "background sync interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.SyncInterval = time.Duration(*syncInterval) * time.Second
}
