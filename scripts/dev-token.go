package main

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/romvault/netplay-server-go/internal/auth"
)

type tokenConfig struct {
	Secret   string        `env:"AUTH_JWT_SECRET,required"`
	Issuer   string        `env:"AUTH_JWT_ISSUER" envDefault:"romvault"`
	Audience string        `env:"AUTH_JWT_AUDIENCE" envDefault:"romvault-netplay"`
	TTL      time.Duration `env:"DEV_TOKEN_TTL" envDefault:"24h"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: go run scripts/dev-token.go <user-id>\n")
		os.Exit(1)
	}

	var cfg tokenConfig
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	token, err := auth.NewJWTVerifier(cfg.Secret, cfg.Issuer, cfg.Audience).Sign(os.Args[1], cfg.TTL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
