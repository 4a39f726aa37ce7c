// Package discovery resolves real-time transport endpoints through a
// directory service, with a static fallback list for when the service is
// unreachable.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/meshtalk/meshtalk/client/logs"
	"github.com/meshtalk/meshtalk/client/transport"
)

// Provider is the capability interface of the discovery service.
type Provider interface {
	// ResolveEndpoint returns the endpoint to connect the real-time
	// transport to.
	ResolveEndpoint(ctx context.Context) (transport.Endpoint, error)
}

// HTTPProvider queries a JSON endpoint-assignment service. On failure it
// rotates through the fallback list instead of failing the resolution.
type HTTPProvider struct {
	// ServiceURL of the assignment service. Optional; with an empty URL
	// only the fallback list is used.
	ServiceURL string
	// Fallback endpoints, tried round-robin when the service fails.
	Fallback []transport.Endpoint
	// HTTPClient used for requests. http.DefaultClient if nil.
	HTTPClient *http.Client

	mu   sync.Mutex
	next int
}

type serviceReply struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ResolveEndpoint implements Provider.
func (p *HTTPProvider) ResolveEndpoint(ctx context.Context) (transport.Endpoint, error) {
	if p.ServiceURL != "" {
		ep, err := p.query(ctx)
		if err == nil {
			return ep, nil
		}
		logs.Warn.Println("discovery: service failed, using fallback:", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Fallback) == 0 {
		return transport.Endpoint{}, errors.New("discovery: no endpoint available")
	}
	ep := p.Fallback[p.next%len(p.Fallback)]
	p.next++
	return ep, nil
}

func (p *HTTPProvider) query(ctx context.Context) (transport.Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ServiceURL, nil)
	if err != nil {
		return transport.Endpoint{}, err
	}

	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return transport.Endpoint{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return transport.Endpoint{}, errors.New("discovery: service returned " + resp.Status)
	}

	var reply serviceReply
	if err = json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return transport.Endpoint{}, err
	}
	if reply.Host == "" || reply.Port == 0 {
		return transport.Endpoint{}, errors.New("discovery: malformed service reply")
	}
	return transport.Endpoint{Host: reply.Host, Port: reply.Port}, nil
}

// Static is a Provider which always returns the same endpoint.
type Static struct {
	Endpoint transport.Endpoint
}

// ResolveEndpoint implements Provider.
func (s Static) ResolveEndpoint(_ context.Context) (transport.Endpoint, error) {
	if s.Endpoint.IsZero() {
		return transport.Endpoint{}, errors.New("discovery: no endpoint configured")
	}
	return s.Endpoint, nil
}
