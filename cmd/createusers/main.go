// Command createusers seeds operator accounts from a JSON file. Existing
// usernames are skipped, so the file can be re-applied safely.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"time"

	"linkage.org/internal/audit"
	"linkage.org/internal/config"
	"linkage.org/internal/directory"
	"linkage.org/internal/store"
	"linkage.org/internal/store/mongo"
	"linkage.org/internal/store/pgdoc"
)

type seedAccount struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Admin    bool   `json:"admin"`
}

func main() {
	log.SetFlags(0)
	path := flag.String("file", "users.json", "JSON file with accounts to create")
	flag.Parse()

	raw, err := os.ReadFile(*path)
	if err != nil {
		log.Fatalf("read %s: %v", *path, err)
	}
	var accounts []seedAccount
	if err := json.Unmarshal(raw, &accounts); err != nil {
		log.Fatalf("parse %s: %v", *path, err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		st      store.Interface
		cleanup func()
	)
	switch cfg.Store {
	case "mongo":
		ms, disconnect, err := mongo.Open(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoBucket)
		if err != nil {
			log.Fatalf("mongo: %v", err)
		}
		st = ms
		cleanup = func() { _ = disconnect(context.Background()) }
	case "postgres":
		ps, err := pgdoc.Open(cfg.PostgresDSN, cfg.PostgresBucket)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		st = ps
		cleanup = func() { _ = ps.Close() }
	default:
		log.Fatalf("store backend %q is not persistent; set LINKAGE_STORE to mongo or postgres", cfg.Store)
	}
	defer func() {
		if cleanup != nil {
			cleanup()
		}
	}()

	dir := directory.NewService(st, audit.NewWriter(st), nil, cfg.SessionSecret, cfg.SessionExpiry)

	var created, skipped int
	for _, acct := range accounts {
		_, err := dir.Create(ctx, acct.Username, acct.Password, acct.Email, acct.Admin)
		switch {
		case err == nil:
			created++
			log.Printf("created %q (admin: %v)", acct.Username, acct.Admin)
		case errors.Is(err, directory.ErrConflict):
			skipped++
			log.Printf("skipped %q: already exists", acct.Username)
		default:
			log.Fatalf("create %q: %v", acct.Username, err)
		}
	}
	log.Printf("done: %d created, %d skipped", created, skipped)
}
