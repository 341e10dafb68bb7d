package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatsync/actor"
	"chatsync/config"
	"chatsync/discovery"
	"chatsync/events"
	"chatsync/models"
	"chatsync/readstatus"
	"chatsync/remotelog"
	"chatsync/sender"
	"chatsync/storage"
	"chatsync/syncer"
)

const (
	redisKeyPrefix = "chatsync:"

	// Observer events can be dropped, so waiting also re-reads on a timer.
	settlePollInterval = 250 * time.Millisecond
)

// app holds one wired sync engine.
type app struct {
	cfg     *config.Config
	dataDir string
	log     zerolog.Logger

	store  *storage.Store
	remote remotelog.Log
	rdb    *redis.Client

	actors     *actor.Group
	dispatcher *events.Dispatcher

	sync *syncer.Service
	send *sender.Service
	read *readstatus.Service
}

func newLogger(cfg config.LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	if cfg.Format != config.FormatJSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func openApp(ctx context.Context, cfg *config.Config, dataDir string, logger zerolog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{
		cfg:        cfg,
		dataDir:    dataDir,
		log:        logger,
		actors:     &actor.Group{},
		dispatcher: events.NewDispatcher(logger),
	}
	a.dispatcher.Subscribe(events.NewLogObserver(logger))

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	a.store = store
	logger.Debug().Str("path", dbPath).Msg("cache opened")

	if err := a.connectRemote(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.sync, err = syncer.New(syncer.Options{
		Store:        a.store,
		Remote:       a.remote,
		UserID:       cfg.UserID,
		Actors:       a.actors,
		Notifier:     a.dispatcher,
		Mutations:    a.dispatcher,
		MessageLimit: cfg.Sync.MessageLimit,
		Logger:       logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.send, err = sender.New(sender.Options{
		Store:     a.store,
		Remote:    a.remote,
		UserID:    cfg.UserID,
		Actors:    a.actors,
		Mutations: a.dispatcher,
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.read, err = readstatus.New(readstatus.Options{
		Store:      a.store,
		Remote:     a.remote,
		UserID:     cfg.UserID,
		Actors:     a.actors,
		Mutations:  a.dispatcher,
		BatchLimit: cfg.Sync.BatchLimit,
		Logger:     logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func (a *app) connectRemote(ctx context.Context) error {
	switch a.cfg.Remote.Backend {
	case config.BackendMemory:
		a.log.Warn().Msg("using in-process remote log; nothing leaves this device")
		a.remote = remotelog.NewMemory()
		return nil
	case config.BackendRedis:
	default:
		return fmt.Errorf("unknown remote backend %q", a.cfg.Remote.Backend)
	}

	addr := a.cfg.Remote.RedisAddr
	if addr == "" {
		relay, err := discovery.FindRelay(ctx, discovery.Config{RelayID: a.cfg.DeviceID})
		if err != nil {
			return fmt.Errorf("discover relay: %w", err)
		}
		addr = relay.Addr()
		a.log.Info().Str("relay", relay.Name).Str("addr", addr).Msg("relay discovered")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("connect redis %s: %w", addr, err)
	}
	a.rdb = rdb
	a.remote = remotelog.NewRedis(rdb, redisKeyPrefix)
	return nil
}

// Close stops the services and releases the cache and remote connection.
func (a *app) Close() {
	if a.sync != nil {
		a.sync.Close()
	}
	if a.send != nil {
		a.send.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn().Err(err).Msg("redis close failed")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("cache close failed")
		}
	}
}

// subscribeCached opens a message subscription for every cached conversation
// and a users subscription covering their participants.
func (a *app) subscribeCached() error {
	conversations, err := a.store.ListConversations(0)
	if err != nil {
		return err
	}

	var participants []string
	for _, conv := range conversations {
		if !a.sync.Active(conv.ID) {
			if err := a.sync.Subscribe(conv.ID); err != nil {
				return err
			}
		}
		participants = append(participants, conv.ParticipantIDs...)
	}
	return a.sync.SubscribeUsers(participants)
}

// follow keeps message subscriptions in step with the conversation list until
// ctx is done.
func (a *app) follow(ctx context.Context, changes <-chan storage.CacheEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-changes:
			if !ok {
				return errors.New("cache observer closed")
			}
			if event.Kind != storage.CacheEventConversations {
				continue
			}
			for _, id := range event.Deleted {
				a.sync.Unsubscribe(id)
			}
			if len(event.IDs) == 0 {
				continue
			}
			if err := a.subscribeCached(); err != nil {
				a.log.Error().Err(err).Msg("refresh subscriptions failed")
			}
		}
	}
}

// waitSettled blocks until the cached message leaves pending or ctx is done
// and returns its latest cached copy.
func (a *app) waitSettled(ctx context.Context, messageID string) (*models.Message, error) {
	changes, stopObserve := a.store.Observe()
	defer stopObserve()
	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()

	for {
		msg, err := a.store.GetMessage(messageID)
		if err != nil {
			return nil, err
		}
		if msg.DeliveryState != models.DeliveryPending {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return msg, nil
		case <-changes:
		case <-ticker.C:
		}
	}
}

func loadConfig() (*config.Config, string, string, error) {
	cfg, path, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return nil, "", "", fmt.Errorf("load config: %w", err)
	}
	return cfg, path, dataDir, nil
}

func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, _, dataDir, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, dataDir, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
