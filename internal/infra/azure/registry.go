package azure

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ahrav/azure-armada/internal/domain/activity"
	"github.com/ahrav/azure-armada/internal/domain/provider"
)

var _ provider.ConnectionResolver = (*Registry)(nil)

// Registry holds one Client per subscription and resolves VMs to the client
// of the subscription they live in.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry creates a registry holding clients.
func NewRegistry(clients ...*Client) *Registry {
	r := &Registry{clients: make(map[string]*Client, len(clients))}
	for _, c := range clients {
		r.Add(c)
	}
	return r
}

// Add registers c, replacing any client for the same subscription.
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[strings.ToLower(c.SubscriptionID())] = c
}

// Client returns the client for subscriptionID.
func (r *Registry) Client(subscriptionID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[strings.ToLower(subscriptionID)]
	return c, ok
}

// SnapshotManagerFor fails with a missing-provider error when vm's
// subscription has no registered connection.
func (r *Registry) SnapshotManagerFor(_ context.Context, vm provider.VM) (provider.SnapshotManager, error) {
	c, ok := r.Client(vm.SubscriptionID())
	if !ok {
		return nil, provider.NewMissingProvider("resolve_connection", vm)
	}
	return c, nil
}

// Connector returns an activity.Connector for subscriptionID. The lookup is
// deferred to connect time so accounts can be registered after pollers are
// built.
func (r *Registry) Connector(subscriptionID string) activity.Connector {
	return func(context.Context) (activity.EventLister, error) {
		c, ok := r.Client(subscriptionID)
		if !ok {
			return nil, fmt.Errorf("no connection registered for subscription %s", subscriptionID)
		}
		return c, nil
	}
}
