package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/chirino/workbench-service/internal/model"
	registrystore "github.com/chirino/workbench-service/internal/registry/store"
)

// ClientPool hands out one Client per assistant service registration, keyed by
// the service's API URL so a re-registered service with a new URL gets a fresh
// client.
type ClientPool struct {
	store       registrystore.WorkbenchStore
	callTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*Client
}

// NewClientPool creates a pool resolving service registrations from the store.
func NewClientPool(store registrystore.WorkbenchStore, callTimeout time.Duration) *ClientPool {
	return &ClientPool{
		store:       store,
		callTimeout: callTimeout,
		clients:     map[string]*Client{},
	}
}

// ForAssistant returns the client for the assistant's service.
func (p *ClientPool) ForAssistant(ctx context.Context, assistant *model.Assistant) (*Client, error) {
	reg, err := p.store.GetAssistantServiceRegistration(ctx, assistant.AssistantServiceID)
	if err != nil {
		return nil, err
	}
	return p.ForURL(reg.APIURL), nil
}

// ForURL returns a pooled client for the given base URL.
func (p *ClientPool) ForURL(apiURL string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[apiURL]; ok {
		return c
	}
	c := NewClient(apiURL, p.callTimeout)
	p.clients[apiURL] = c
	return c
}
