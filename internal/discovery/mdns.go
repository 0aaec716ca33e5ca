// Package discovery advertises a chat server on the local network over mDNS
// and lets clients find one without a configured URL.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_securechat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultBrowseTimeout bounds a Browse call when ctx has no deadline.
	DefaultBrowseTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertisement and browsing.
type Config struct {
	Service string
	Domain  string
	Version int

	Instance string
	Port     int
	TLS      bool

	BrowseTimeout time.Duration

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.BrowseTimeout <= 0 {
		out.BrowseTimeout = DefaultBrowseTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// Advertiser keeps a chat server registered until Stop.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the server under cfg.Instance.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.Instance) == "" {
		return nil, errors.New("discovery: instance name is required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("discovery: port must be > 0")
	}

	scheme := "http"
	if cfg.TLS {
		scheme = "https"
	}
	txt := []string{
		"version=" + strconv.Itoa(cfg.Version),
		"scheme=" + scheme,
		"path=/ws",
	}

	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Server is one advertised chat server.
type Server struct {
	Instance string
	URL      string
}

// Browse collects the servers that answer before ctx (or the browse timeout) ends.
func Browse(ctx context.Context, config Config) ([]Server, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.BrowseTimeout)
		defer cancel()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := newCollector()
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-ctx.Done():
				// Keep what already arrived in the buffer.
				for {
					select {
					case entry, ok := <-entries:
						if !ok {
							return
						}
						collected.add(entry)
					default:
						return
					}
				}
			case entry, ok := <-entries:
				if !ok {
					return
				}
				collected.add(entry)
			}
		}
	}()

	if err := browse(ctx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	<-ctx.Done()
	<-collectorDone
	return collected.servers, nil
}

type collector struct {
	seen    map[string]bool
	servers []Server
}

func newCollector() *collector {
	return &collector{seen: make(map[string]bool)}
}

func (c *collector) add(entry *zeroconf.ServiceEntry) {
	srv, ok := serverFromEntry(entry)
	if !ok || c.seen[srv.URL] {
		return
	}
	c.seen[srv.URL] = true
	c.servers = append(c.servers, srv)
}

func serverFromEntry(entry *zeroconf.ServiceEntry) (Server, bool) {
	if entry == nil || entry.Port <= 0 {
		return Server{}, false
	}

	scheme := "http"
	for _, txt := range entry.Text {
		if value, ok := strings.CutPrefix(txt, "scheme="); ok && value == "https" {
			scheme = "https"
		}
	}

	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return Server{}, false
	}

	return Server{
		Instance: entry.Instance,
		URL:      scheme + "://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)),
	}, true
}
