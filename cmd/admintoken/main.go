// cmd/admintoken/main.go prints an admin bearer token signed with ADMIN_KEY_SEED.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/jason-s-yu/farkle/internal/auth"
	"github.com/jason-s-yu/farkle/internal/config"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	subject := flag.String("sub", "ops", "token subject")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if cfg.AdminKeySeed == "" {
		fmt.Fprintln(os.Stderr, "ADMIN_KEY_SEED must be set to mint tokens the server accepts")
		os.Exit(1)
	}
	ttl, err := cfg.TokenTTL()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	iss, err := auth.NewIssuer(cfg.AdminKeySeed, ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	token, err := iss.CreateJWT(*subject, auth.RoleAdmin)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}
