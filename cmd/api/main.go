package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"linkage.org/internal/audit"
	"linkage.org/internal/config"
	"linkage.org/internal/directory"
	"linkage.org/internal/httpapi"
	"linkage.org/internal/link"
	"linkage.org/internal/mail"
	"linkage.org/internal/obs"
	"linkage.org/internal/store"
	"linkage.org/internal/store/memory"
	"linkage.org/internal/store/mongo"
	"linkage.org/internal/store/pgdoc"
	"linkage.org/internal/subject"
)

func main() {
	obs.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var (
		st      store.Interface
		db      *sql.DB
		cleanup func()
	)
	switch cfg.Store {
	case "memory":
		st = memory.New()
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		ms, disconnect, err := mongo.Open(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoBucket)
		cancel()
		if err != nil {
			log.Fatalf("mongo: %v", err)
		}
		st = ms
		cleanup = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = disconnect(ctx)
		}
	case "postgres":
		ps, err := pgdoc.Open(cfg.PostgresDSN, cfg.PostgresBucket)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		st = ps
		db = ps.DB()
		cleanup = func() { _ = ps.Close() }
	default:
		log.Fatalf("unknown store backend %q", cfg.Store)
	}

	var mailer mail.Mailer = mail.Noop{}
	if cfg.MailHost != "" {
		mailer = &mail.SMTP{
			Host:     cfg.MailHost,
			Port:     cfg.MailPort,
			Username: cfg.MailUsername,
			Password: cfg.MailPassword,
			ReplyTo:  cfg.MailReplyTo,
		}
	}

	audits := audit.NewWriter(st)
	subjects := subject.NewService(st, audits)
	links := link.NewService(st, audits, subjects, link.Defaults{
		Issuer:    cfg.LinkIssuer,
		Audience:  cfg.LinkAudience,
		Secret:    cfg.LinkSecret,
		Algorithm: cfg.LinkAlgorithm,
	})
	dir := directory.NewService(st, audits, mailer, cfg.SessionSecret, cfg.SessionExpiry)

	api := httpapi.New(subjects, links, dir, httpapi.Options{
		Version:       cfg.Version,
		ReadyProbe:    httpapi.ReadyProbe{DB: db},
		RateBurst:     cfg.RateBurst,
		RatePerSecond: cfg.RatePerSec,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting linkage-api %s on %s (store: %s)", cfg.Version, srv.Addr, cfg.Store)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if cleanup != nil {
		cleanup()
	}
	log.Println("Stopped")
}
