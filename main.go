package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/botpod/botpod/activitypub"
	"github.com/botpod/botpod/db"
	"github.com/botpod/botpod/domain"
	"github.com/botpod/botpod/util"
	"github.com/botpod/botpod/web"
)

func main() {

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	conf, err := util.ReadConf()
	if err != nil {
		log.Error("cannot read config", "err", err)
		os.Exit(1)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	database := db.GetDB(util.ResolveFilePath(conf.Conf.DbFile))
	defer database.Close()

	ctx := context.Background()
	if err := provision(ctx, database, conf, log); err != nil {
		log.Error("provisioning failed", "err", err)
		os.Exit(1)
	}

	uris := util.NewURIs(conf.Conf.SslDomain)
	client := activitypub.NewClient(database, uris, log)
	keys := activitypub.NewRemoteKeys(client)
	if err := seedLocalKeys(ctx, database, conf, uris, keys); err != nil {
		log.Error("seeding local keys failed", "err", err)
		os.Exit(1)
	}

	resolver := activitypub.NewResolver(client, database, uris, log)
	deliverer := activitypub.NewDeliverer(client, resolver, log)
	auth := activitypub.NewAuthorizer(database, uris, log)
	cache := activitypub.NewObjectCache()
	processor := activitypub.NewProcessor(database, cache, deliverer, auth, uris, log)
	verifier := activitypub.NewVerifier(keys, log)

	server := web.NewServer(conf, database, uris, verifier, processor, auth, log)
	startServing(server, deliverer, conf, log)
}

// provision creates the instance keypair and any configured bots that don't
// exist yet. Existing bots keep their keys; federation peers have them
// cached.
func provision(ctx context.Context, database *db.DB, conf *util.AppConfig, log *slog.Logger) error {
	pub, _, err := database.ReadInstanceKey(ctx)
	if err != nil {
		return err
	}
	if pub == "" {
		keypair := util.GeneratePemKeypair()
		if err := database.SaveInstanceKey(ctx, keypair.Public, keypair.Private); err != nil {
			return err
		}
		log.Info("generated instance keypair")
	}

	for _, username := range conf.Conf.Bots {
		exists, err := database.BotExists(ctx, username)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		keypair := util.GeneratePemKeypair()
		bot := &domain.Bot{
			Username:      username,
			DisplayName:   username,
			PublicKeyPem:  keypair.Public,
			PrivateKeyPem: keypair.Private,
			CreatedAt:     time.Now(),
		}
		if err := database.CreateBot(ctx, bot); err != nil {
			return err
		}
		log.Info("provisioned bot", "user", username)
	}
	return nil
}

// seedLocalKeys primes the remote key cache with this instance's own keys so
// local-to-local deliveries verify without an HTTP round trip.
func seedLocalKeys(ctx context.Context, database *db.DB, conf *util.AppConfig, uris util.URIs, keys *activitypub.RemoteKeys) error {
	pub, _, err := database.ReadInstanceKey(ctx)
	if err != nil {
		return err
	}
	keys.Seed(uris.InstanceKeyID(), pub, uris.InstanceActor())

	for _, username := range conf.Conf.Bots {
		bot, err := database.ReadBot(ctx, username)
		if err != nil {
			return err
		}
		if bot == nil {
			continue
		}
		keys.Seed(uris.KeyID(username), bot.PublicKeyPem, uris.Actor(username))
	}
	return nil
}

func startServing(server *web.Server, deliverer *activitypub.Deliverer, conf *util.AppConfig, log *slog.Logger) {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort),
		Handler: server.Router(),
	}

	go func() {
		log.Info("starting federation server", "host", conf.Conf.Host, "port", conf.Conf.HttpPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-done
	log.Info("stopping, draining deliveries")
	deliverer.AwaitIdle()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown failed", "err", err)
	}
}
