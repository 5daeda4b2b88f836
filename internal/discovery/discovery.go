// Package discovery advertises tandem relays on the local network over
// mDNS and finds them from the client.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	Service = "_tandem._tcp"
	Domain  = "local."

	// DefaultBrowseTimeout bounds a lookup when the caller's context has
	// no deadline.
	DefaultBrowseTimeout = 3 * time.Second
)

// Relay is one advertised relay.
type Relay struct {
	Instance string
	Host     string
	Port     int
	Path     string
}

// URL is the relay's websocket endpoint.
func (r Relay) URL() string {
	path := r.Path
	if path == "" {
		path = "/ws"
	}
	return "ws://" + net.JoinHostPort(r.Host, strconv.Itoa(r.Port)) + path
}

// Advertiser keeps a relay registered until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
	logger zerolog.Logger
}

// Advertise registers the relay listening on port. The instance name is
// derived from the hostname.
func Advertise(port int, path string, logger zerolog.Logger) (*Advertiser, error) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	instance := fmt.Sprintf("tandem-%s", host)

	server, err := zeroconf.Register(instance, Service, Domain, port, []string{"path=" + path}, nil)
	if err != nil {
		return nil, fmt.Errorf("registering %s: %w", Service, err)
	}
	logger = logger.With().Str("component", "discovery").Logger()
	logger.Info().Str("instance", instance).Int("port", port).Msg("mDNS service registered")
	return &Advertiser{server: server, logger: logger}, nil
}

func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
	a.logger.Info().Msg("mDNS service withdrawn")
}

// Browse collects relays until ctx is done, or DefaultBrowseTimeout passes
// when ctx has no deadline.
func Browse(ctx context.Context) ([]Relay, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultBrowseTimeout)
		defer cancel()
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("initializing mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browsing for %s: %w", Service, err)
	}

	var relays []Relay
	seen := make(map[string]bool)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return relays, nil
			}
			r, ok := relayFromEntry(entry)
			if !ok || seen[r.URL()] {
				continue
			}
			seen[r.URL()] = true
			relays = append(relays, r)
		case <-ctx.Done():
			return relays, nil
		}
	}
}

// First returns the first relay that answers.
func First(ctx context.Context) (Relay, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, DefaultBrowseTimeout)
		defer cancel()
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Relay{}, fmt.Errorf("initializing mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return Relay{}, fmt.Errorf("browsing for %s: %w", Service, err)
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return Relay{}, fmt.Errorf("no %s relay found", Service)
			}
			if r, ok := relayFromEntry(entry); ok {
				return r, nil
			}
		case <-ctx.Done():
			return Relay{}, fmt.Errorf("no %s relay found: %w", Service, ctx.Err())
		}
	}
}

func relayFromEntry(e *zeroconf.ServiceEntry) (Relay, bool) {
	if e == nil || e.Port == 0 {
		return Relay{}, false
	}
	r := Relay{Instance: e.Instance, Port: e.Port}
	switch {
	case len(e.AddrIPv4) > 0:
		r.Host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		r.Host = e.AddrIPv6[0].String()
	case e.HostName != "":
		r.Host = strings.TrimSuffix(e.HostName, ".")
	default:
		return Relay{}, false
	}
	for _, txt := range e.Text {
		if v, ok := strings.CutPrefix(txt, "path="); ok {
			r.Path = v
		}
	}
	return r, true
}
