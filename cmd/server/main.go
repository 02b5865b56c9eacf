package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parsec/backend/internal/block"
	"parsec/backend/internal/block/blobstore"
	"parsec/backend/internal/config"
	"parsec/backend/internal/db"
	"parsec/backend/internal/event"
	"parsec/backend/internal/invite"
	inviterepo "parsec/backend/internal/invite/repository"
	"parsec/backend/internal/message"
	"parsec/backend/internal/obs"
	"parsec/backend/internal/organization"
	orgrepo "parsec/backend/internal/organization/repository"
	"parsec/backend/internal/pki"
	pkirepo "parsec/backend/internal/pki/repository"
	"parsec/backend/internal/platform/orglock"
	"parsec/backend/internal/realm"
	realmrepo "parsec/backend/internal/realm/repository"
	"parsec/backend/internal/sequester"
	seqrepo "parsec/backend/internal/sequester/repository"
	"parsec/backend/internal/server"
	"parsec/backend/internal/user"
	userrepo "parsec/backend/internal/user/repository"
	"parsec/backend/internal/vlob"
	vlobrepo "parsec/backend/internal/vlob/repository"
)

type repositories struct {
	orgs     orgrepo.Repository
	users    userrepo.Repository
	realms   realmrepo.Repository
	vlobs    vlobrepo.Repository
	blocks   block.MetaRepository
	messages message.Repository
	invites  inviterepo.Repository
	pki      pkirepo.Repository
	seq      seqrepo.Repository
}

func openRepositories(cfg *config.Config) (repositories, error) {
	if cfg.DatabaseURL == "" {
		log.Println("DATABASE_URL not set, using in-memory storage")
		return repositories{
			orgs:     orgrepo.NewMemoryRepository(),
			users:    userrepo.NewMemoryRepository(),
			realms:   realmrepo.NewMemoryRepository(),
			vlobs:    vlobrepo.NewMemoryRepository(),
			blocks:   block.NewMemoryMetaRepository(),
			messages: message.NewMemoryRepository(),
			invites:  inviterepo.NewMemoryRepository(),
			pki:      pkirepo.NewMemoryRepository(),
			seq:      seqrepo.NewMemoryRepository(),
		}, nil
	}
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return repositories{}, err
	}
	return repositories{
		orgs:     orgrepo.NewPostgresRepository(conn),
		users:    userrepo.NewPostgresRepository(conn),
		realms:   realmrepo.NewPostgresRepository(conn),
		vlobs:    vlobrepo.NewPostgresRepository(conn),
		blocks:   block.NewPostgresMetaRepository(conn),
		messages: message.NewPostgresRepository(conn),
		invites:  inviterepo.NewPostgresRepository(conn),
		pki:      pkirepo.NewPostgresRepository(conn),
		seq:      seqrepo.NewPostgresRepository(conn),
	}, nil
}

func openBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	if cfg.MinioEndpoint == "" {
		log.Println("MINIO_ENDPOINT not set, using in-memory block storage")
		return blobstore.NewMemoryStore(), nil
	}
	return blobstore.NewMinioStore(ctx, blobstore.MinioConfig{
		Endpoint:        cfg.MinioEndpoint,
		AccessKeyID:     cfg.MinioAccessKey,
		SecretAccessKey: cfg.MinioSecretKey,
		UseSSL:          cfg.MinioUseSSL,
		BucketName:      cfg.MinioBucket,
	})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	repos, err := openRepositories(cfg)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	blobs, err := openBlobStore(context.Background(), cfg)
	if err != nil {
		log.Fatalf("block storage: %v", err)
	}

	obs.Init()

	bus := event.NewBus()
	locks := orglock.NewRegistry()

	orgs := organization.NewComponent(repos.orgs, bus, locks)
	users := user.NewComponent(repos.users, bus, locks)
	realms := realm.NewComponent(repos.realms, bus)
	vlobs := vlob.NewComponent(repos.vlobs, bus)
	blocks := block.NewComponent(repos.blocks, blobs)
	messages := message.NewComponent(repos.messages, bus)
	invites := invite.NewComponent(repos.invites, bus, cfg.PeerTimeout())
	seq := sequester.NewComponent(repos.seq, sequester.NewHTTPWebhookClient(cfg.WebhookTTL()))
	enrollments := pki.NewComponent(repos.pki, bus, locks)

	users.Register(orgs)
	realms.Register(users, vlobs, blocks, messages)
	vlobs.Register(realms, seq)
	blocks.Register(realms)
	seq.Register(orgs)
	enrollments.Register(users)
	orgs.Register(users, users, realms, vlobs, blocks)

	srv := server.New(server.Config{
		AdministrationToken: cfg.AdministrationToken,
		Host:                cfg.BackendHost,
		UseSSL:              cfg.UseSSL,
		EventQueueSize:      cfg.EventQueueSize,
		RateLimitPerSecond:  cfg.RateLimitPerSecond,
		RateLimitBurst:      cfg.RateLimitBurst,
	}, server.Components{
		Orgs:      orgs,
		Users:     users,
		Realms:    realms,
		Vlobs:     vlobs,
		Blocks:    blocks,
		Messages:  messages,
		Invites:   invites,
		Pki:       enrollments,
		Sequester: seq,
	}, bus)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("server stopped")
}
