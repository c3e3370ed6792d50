package cmd

import (
	"context"
	"fmt"

	"github.com/router-for-me/signin-handoff/internal/config"
	"github.com/router-for-me/signin-handoff/internal/session"
	log "github.com/sirupsen/logrus"
)

// openStore builds the configured session store. The returned close function
// is always non-nil.
func openStore(ctx context.Context, cfg *config.Config) (session.Store, func(), error) {
	noop := func() {}
	switch cfg.SessionStore.Type {
	case config.StoreTypePostgres:
		pg := cfg.SessionStore.Postgres
		store, err := session.NewPostgresStore(ctx, session.PostgresStoreConfig{
			DSN:    pg.DSN,
			Schema: pg.Schema,
			Table:  pg.Table,
		})
		if err != nil {
			return nil, noop, err
		}
		if err = store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, noop, err
		}
		log.WithField("store", "postgres").Debug("session store ready")
		return store, func() {
			if errClose := store.Close(); errClose != nil {
				log.Warnf("close postgres store: %v", errClose)
			}
		}, nil
	case config.StoreTypeObject:
		obj := cfg.SessionStore.Object
		store, err := session.NewObjectStore(session.ObjectStoreConfig{
			Endpoint:  obj.Endpoint,
			Bucket:    obj.Bucket,
			AccessKey: obj.AccessKey,
			SecretKey: obj.SecretKey,
			Region:    obj.Region,
			Key:       obj.Key,
			UseSSL:    obj.UseSSL,
			PathStyle: obj.PathStyle,
		})
		if err != nil {
			return nil, noop, err
		}
		if err = store.EnsureBucket(ctx); err != nil {
			return nil, noop, err
		}
		log.WithField("store", "object").Debug("session store ready")
		return store, noop, nil
	case config.StoreTypeFile, "":
		store, err := session.NewFileStore(cfg.SessionStore.File)
		if err != nil {
			return nil, noop, err
		}
		log.WithField("store", "file").Debugf("session store ready at %s", store.Path())
		return store, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown session store type %q", cfg.SessionStore.Type)
	}
}

func newCommitter(cfg *config.Config, store session.Store, provider string) (*session.BackendCommitter, error) {
	return session.NewBackendCommitter(store, session.CommitterOptions{
		BackendURL: cfg.Backend.URL,
		AnonKey:    cfg.Backend.AnonKey,
		Provider:   provider,
		ProxyURL:   cfg.ProxyURL,
	})
}
