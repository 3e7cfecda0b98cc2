// cmd/adduser/main.go
// Creates or updates a console user in the sink database.
//
// Usage:
//
//	go run ./cmd/adduser -username ann -password testing
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/padraicbc/docmigrate/config"
	"github.com/padraicbc/docmigrate/db"
	"github.com/padraicbc/docmigrate/handlers"
	applog "github.com/padraicbc/docmigrate/logger"
)

func main() {
	username := flag.String("username", "", "username (required)")
	password := flag.String("password", "", "plain-text password (required)")
	flag.Parse()

	hash, err := handlers.HashPasswordForUser(*username, *password)
	if err != nil {
		log.Fatal(err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := applog.NewConsole(cfg.Debug)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bdb, _, err := db.Setup(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer bdb.Close()

	if err := db.CreateTables(ctx, bdb, logger); err != nil {
		log.Fatal("create tables: ", err)
	}
	if err := db.NewRepo(bdb).SaveUser(ctx, strings.TrimSpace(*username), hash); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("user %q saved\n", *username)
}
