// ABOUTME: mDNS discovery of network audio receivers
// ABOUTME: Browses the primary and legacy service types, prefers IPv4 and dedupes by host
package receiver

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Resonate-Protocol/resonate-eq/pkg/output"
	"github.com/hashicorp/mdns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Service types browsed during discovery
const (
	ServicePrimary = "_airplay._tcp"
	ServiceLegacy  = "_raop._tcp"
	serviceDomain  = "local"
)

// Receiver describes a discovered receiver
type Receiver struct {
	Name      string   `json:"name"`
	Fullname  string   `json:"fullname"`
	Hostname  string   `json:"hostname"`
	Port      int      `json:"port"`
	Addresses []net.IP `json:"addresses"`
	Service   string   `json:"service"`
	Model     string   `json:"model,omitempty"`
	Features  string   `json:"features,omitempty"`
}

// Addr returns host:port using the preferred address
func (r Receiver) Addr() string {
	host := strings.TrimSuffix(r.Hostname, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0].String()
	}
	return net.JoinHostPort(host, strconv.Itoa(r.Port))
}

// Device converts r for the output layer
func (r Receiver) Device() output.Device {
	d := output.Device{
		Name:        r.Name,
		ID:          r.Fullname,
		Host:        strings.TrimSuffix(r.Hostname, "."),
		Port:        r.Port,
		ServiceType: r.Service,
		Model:       r.Model,
	}
	if len(r.Addresses) > 0 {
		d.Host = r.Addresses[0].String()
	}
	if r.Features != "" {
		d.Services = []string{r.Features}
	}
	return d
}

// queryFunc runs one mDNS query; replaced in tests
type queryFunc func(ctx context.Context, params *mdns.QueryParam) error

// Discover browses both service types until timeout or ctx expires.
// Cancelling ctx returns whatever was found so far.
func Discover(ctx context.Context, timeout time.Duration) ([]Receiver, error) {
	return discover(ctx, timeout, mdns.QueryContext)
}

func discover(ctx context.Context, timeout time.Duration, query queryFunc) ([]Receiver, error) {
	log := logrus.WithField("component", "receiver")
	if ctx.Err() != nil {
		return nil, nil
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, nil
	}

	var (
		mu    sync.Mutex
		found []Receiver
	)
	g := new(errgroup.Group)
	for _, service := range []string{ServicePrimary, ServiceLegacy} {
		service := service
		g.Go(func() error {
			entries := make(chan *mdns.ServiceEntry, 16)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for entry := range entries {
					r := receiverFromEntry(entry, service)
					log.Debugf("Discovered %s at %s (%s)", r.Name, r.Addr(), service)
					mu.Lock()
					found = append(found, r)
					mu.Unlock()
				}
			}()

			// the query may outlive a cancelled ctx until its own timeout
			result := make(chan error, 1)
			go func() {
				err := query(ctx, &mdns.QueryParam{
					Service: service,
					Domain:  serviceDomain,
					Timeout: timeout,
					Entries: entries,
				})
				close(entries)
				<-done
				result <- err
			}()

			select {
			case err := <-result:
				if err != nil && ctx.Err() == nil {
					return fmt.Errorf("query %s: %w", service, err)
				}
				return nil
			case <-ctx.Done():
				log.Debugf("Discovery of %s cancelled: %v", service, ctx.Err())
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	return dedupe(found), nil
}

// receiverFromEntry parses the instance name and TXT record of an entry
func receiverFromEntry(e *mdns.ServiceEntry, service string) Receiver {
	r := Receiver{
		Fullname: e.Name,
		Hostname: e.Host,
		Port:     e.Port,
		Service:  service,
		Name:     instanceName(e.Name, service),
	}
	if e.AddrV4 != nil {
		r.Addresses = append(r.Addresses, e.AddrV4)
	}
	if e.AddrV6 != nil {
		r.Addresses = append(r.Addresses, e.AddrV6)
	}
	for _, field := range e.InfoFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "model", "am":
			if r.Model == "" {
				r.Model = value
			}
		case "features", "ft":
			if r.Features == "" {
				r.Features = value
			}
		}
	}
	return r
}

// instanceName strips the service suffix and, for the legacy service,
// the hardware-address prefix ("AABBCC@Name")
func instanceName(fullname, service string) string {
	name := strings.TrimSuffix(fullname, ".")
	name = strings.TrimSuffix(name, "."+serviceDomain)
	name = strings.TrimSuffix(name, "."+service)
	name = strings.ReplaceAll(name, `\ `, " ")
	if service == ServiceLegacy {
		if _, rest, ok := strings.Cut(name, "@"); ok {
			name = rest
		}
	}
	return name
}

// dedupe merges entries for the same host. The primary service wins,
// addresses are merged and IPv4 sorts first.
func dedupe(found []Receiver) []Receiver {
	byHost := make(map[string]int)
	var out []Receiver
	for _, r := range found {
		key := strings.ToLower(strings.TrimSuffix(r.Hostname, "."))
		if key == "" && len(r.Addresses) > 0 {
			key = r.Addresses[0].String()
		}
		i, seen := byHost[key]
		if !seen {
			byHost[key] = len(out)
			out = append(out, r)
			continue
		}
		existing := out[i]
		merged := mergeAddresses(existing.Addresses, r.Addresses)
		if existing.Service != ServicePrimary && r.Service == ServicePrimary {
			existing = r
		}
		if existing.Model == "" {
			existing.Model = r.Model
		}
		existing.Addresses = merged
		out[i] = existing
	}
	for i := range out {
		sortAddresses(out[i].Addresses)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func mergeAddresses(a, b []net.IP) []net.IP {
	out := append([]net.IP{}, a...)
	for _, ip := range b {
		dup := false
		for _, have := range out {
			if have.Equal(ip) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, ip)
		}
	}
	return out
}

func sortAddresses(ips []net.IP) {
	sort.SliceStable(ips, func(i, j int) bool {
		return ips[i].To4() != nil && ips[j].To4() == nil
	})
}
