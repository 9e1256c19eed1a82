package config

import (
	"flag"
	"os"

	"github.com/accordchat/accord/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags:
//
//	-a, -addr string   TCP bind address (e.g., ":4242")
//	-d string          database DSN
//	-k string          private key file path
//	-gen-keys          generate a keypair, store it, exit
//
// The config file path itself is handled separately via -c/-config
// (see flagx.ConfigFileFlag). The function first filters os.Args to only
// the flags it recognizes, avoiding collisions with other components.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-addr", "--addr", "-d", "-k", "-gen-keys", "--gen-keys"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.ListenAddr, "a", config.ListenAddr, "address and port to run server")
	fs.StringVar(&config.ListenAddr, "addr", config.ListenAddr, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.KeyFile, "k", config.KeyFile, "server private key file")
	fs.BoolVar(&config.GenKeys, "gen-keys", config.GenKeys, "generate a keypair and exit")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
