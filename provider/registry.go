package provider

import (
	"fmt"
	"sync"
)

// Client is a concrete work-provider implementation, registered by the
// package that implements it.
type Client interface {
	Reader
	Writer
}

// ClientOptions carries the connection settings a client factory needs.
type ClientOptions struct {
	Token      string
	BaseURL    string
	Repository string
}

// ClientFactory constructs a client from connection options.
type ClientFactory func(ClientOptions) (Client, error)

var (
	clientsMu sync.RWMutex
	clients   = make(map[string]ClientFactory)
)

// RegisterClient makes a client factory available under the given name.
// Typically called from an init function in the implementing package.
func RegisterClient(name string, factory ClientFactory) {
	clientsMu.Lock()
	defer clientsMu.Unlock()
	clients[name] = factory
}

// OpenClient constructs the named client.
func OpenClient(name string, opts ClientOptions) (Client, error) {
	clientsMu.RLock()
	factory, ok := clients[name]
	clientsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no work provider client registered as %q", name)
	}
	return factory(opts)
}
