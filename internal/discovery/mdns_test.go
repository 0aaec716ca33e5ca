package discovery

import (
	"context"
	"errors"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestAdvertiseBuildsExpectedRecord(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		Instance: "securechat on lab-1",
		Port:     8081,
		TLS:      true,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	adv, err := Advertise(cfg)
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	defer adv.Stop()

	if gotInstance != "securechat on lab-1" || gotService != DefaultService || gotDomain != DefaultDomain || gotPort != 8081 {
		t.Fatalf("unexpected registration %q %q %q %d", gotInstance, gotService, gotDomain, gotPort)
	}
	for _, want := range []string{"version=1", "scheme=https", "path=/ws"} {
		if !slices.Contains(gotTXT, want) {
			t.Fatalf("expected TXT %q in %v", want, gotTXT)
		}
	}
}

func TestAdvertiseValidatesAndWrapsErrors(t *testing.T) {
	if _, err := Advertise(Config{Port: 8081}); err == nil {
		t.Fatalf("expected error for missing instance")
	}
	if _, err := Advertise(Config{Instance: "x"}); err == nil {
		t.Fatalf("expected error for missing port")
	}

	boom := errors.New("boom")
	_, err := Advertise(Config{
		Instance: "x",
		Port:     1,
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, boom
		},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped register error, got %v", err)
	}
}

func TestBrowseCollectsDistinctServers(t *testing.T) {
	cfg := Config{
		BrowseTimeout: 50 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if service != DefaultService {
				t.Errorf("unexpected service %q", service)
			}
			entries <- testServiceEntry("lab-1", 8081, "10.0.0.1", "scheme=http")
			entries <- testServiceEntry("lab-1", 8081, "10.0.0.1", "scheme=http")
			entries <- testServiceEntry("lab-2", 8443, "10.0.0.2", "scheme=https")
			entries <- &zeroconf.ServiceEntry{}
			return nil
		},
	}

	servers, err := Browse(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %+v", servers)
	}
	if servers[0].URL != "http://10.0.0.1:8081" || servers[1].URL != "https://10.0.0.2:8443" {
		t.Fatalf("unexpected server URLs %+v", servers)
	}
	if servers[1].Instance != "lab-2" {
		t.Fatalf("unexpected instance %q", servers[1].Instance)
	}
}

func TestBrowseWrapsResolverError(t *testing.T) {
	boom := errors.New("no multicast")
	_, err := Browse(context.Background(), Config{
		BrowseTimeout: 10 * time.Millisecond,
		browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
			return boom
		},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped browse error, got %v", err)
	}
}

func testServiceEntry(instance string, port int, ip string, text ...string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local.",
		Port:     port,
		Text:     text,
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}
