// Command admintoken issues admin API tokens and password hashes.
//
// Usage:
//
//	DATA_DIR=~/Gatekeeper/data go run ./cmd/admintoken -admin-id 12345
//	go run ./cmd/admintoken -hash 'correct horse battery staple'
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gatekeeperapp/gatekeeper-server/internal/auth"
)

func main() {
	adminID := flag.Int64("admin-id", 0, "admin account id (token subject)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	hash := flag.String("hash", "", "print the argon2id hash of this password and exit")
	flag.Parse()

	if *hash != "" {
		encoded, err := auth.HashPassword(*hash)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		fmt.Println(encoded)
		return
	}

	if *adminID == 0 {
		flag.Usage()
		os.Exit(2)
	}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = os.ExpandEnv("$HOME/Gatekeeper/data")
	}

	key, err := auth.LoadOrGenerateKey(dataDir)
	if err != nil {
		log.Fatalf("Failed to load token key: %v", err)
	}
	tokens, err := auth.NewTokenService(key, *ttl)
	if err != nil {
		log.Fatalf("Failed to create token service: %v", err)
	}

	token, expiresAt, err := tokens.IssueAdminToken(*adminID)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}

	fmt.Fprintf(os.Stderr, "Token for admin %d expires %s\n", *adminID, expiresAt.Format(time.RFC3339))
	fmt.Println(token)
}
