package main

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mjl-/regfront/registry"
)

// clientCache keeps a registry client per connection. Clients hold the response
// cache and the outcome of the deletion probe, so they are reused between
// requests.
type clientCache struct {
	sync.Mutex
	opts    registry.Options
	clients map[int64]registry.Client
}

func newClientCache(opts registry.Options) *clientCache {
	return &clientCache{opts: opts, clients: map[int64]registry.Client{}}
}

// registryOptions returns client options from the configuration.
func registryOptions() registry.Options {
	opts := registry.Options{
		RetryMax: config.RetryMax,
	}
	if config.CacheTimeout != 0 {
		opts.CacheTTL = time.Duration(config.CacheTimeout) * time.Second
	}
	if config.HTTPTimeout > 0 {
		opts.ConnectTimeout = time.Duration(config.HTTPTimeout) * time.Second
		opts.ReadTimeout = time.Duration(config.HTTPTimeout) * time.Second
	}
	return opts
}

// get returns the client for the registry, creating it on first use. Creating a
// client may probe the registry for its API version.
func (c *clientCache) get(ctx context.Context, r DBRegistry) (registry.Client, error) {
	c.Lock()
	client, ok := c.clients[r.ID]
	c.Unlock()
	if ok {
		return client, nil
	}

	client, err := registry.New(ctx, r.connection(), c.opts)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"registry": r.Name, "version": client.Version()}).Debug("new registry client")

	c.Lock()
	defer c.Unlock()
	if x, ok := c.clients[r.ID]; ok {
		// Created concurrently.
		return x, nil
	}
	c.clients[r.ID] = client
	return client, nil
}

// drop removes the client for a registry that was changed or removed.
func (c *clientCache) drop(id int64) {
	c.Lock()
	defer c.Unlock()
	delete(c.clients, id)
}
