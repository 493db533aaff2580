// ABOUTME: SSDP discovery of UPnP media renderers
// ABOUTME: Sends M-SEARCH, collects LOCATION headers and parses device descriptions
package dlna

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	ssdpAddr          = "239.255.255.250:1900"
	MediaRendererType = "urn:schemas-upnp-org:device:MediaRenderer:1"
	descriptionLimit  = 1 << 20
)

// ErrNoAVTransport marks a renderer that cannot be driven in push mode
var ErrNoAVTransport = errors.New("renderer has no AVTransport service")

// Service is one entry of a device's serviceList
type Service struct {
	ServiceType string `json:"service_type"`
	ServiceID   string `json:"service_id"`
	ControlURL  string `json:"control_url"`
}

// Renderer is a discovered UPnP media renderer
type Renderer struct {
	Name         string    `json:"name"`
	UUID         string    `json:"uuid"`
	Location     string    `json:"location"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	Model        string    `json:"model,omitempty"`
	Services     []Service `json:"services"`
}

// Service finds a service by type, ignoring the version suffix
func (r Renderer) Service(serviceType string) (Service, bool) {
	want := trimVersion(serviceType)
	for _, s := range r.Services {
		if trimVersion(s.ServiceType) == want {
			return s, true
		}
	}
	return Service{}, false
}

func trimVersion(t string) string {
	if i := strings.LastIndex(t, ":"); i > 0 {
		return t[:i]
	}
	return t
}

type deviceDescription struct {
	URLBase string `xml:"URLBase"`
	Device  struct {
		DeviceType   string `xml:"deviceType"`
		FriendlyName string `xml:"friendlyName"`
		Manufacturer string `xml:"manufacturer"`
		ModelName    string `xml:"modelName"`
		UDN          string `xml:"UDN"`
		Services     []struct {
			ServiceType string `xml:"serviceType"`
			ServiceID   string `xml:"serviceId"`
			ControlURL  string `xml:"controlURL"`
		} `xml:"serviceList>service"`
	} `xml:"device"`
}

// ParseDescription decodes a UPnP device description fetched from location
func ParseDescription(location string, r io.Reader) (Renderer, error) {
	var desc deviceDescription
	if err := xml.NewDecoder(r).Decode(&desc); err != nil {
		return Renderer{}, fmt.Errorf("parse description: %w", err)
	}

	base, err := url.Parse(location)
	if err != nil {
		return Renderer{}, fmt.Errorf("invalid location %q: %w", location, err)
	}
	if desc.URLBase != "" {
		if b, err := url.Parse(desc.URLBase); err == nil {
			base = b
		}
	}

	rd := Renderer{
		Name:         desc.Device.FriendlyName,
		UUID:         strings.TrimPrefix(desc.Device.UDN, "uuid:"),
		Location:     location,
		Manufacturer: desc.Device.Manufacturer,
		Model:        desc.Device.ModelName,
	}
	for _, s := range desc.Device.Services {
		control := s.ControlURL
		if ref, err := url.Parse(s.ControlURL); err == nil {
			control = base.ResolveReference(ref).String()
		}
		rd.Services = append(rd.Services, Service{
			ServiceType: s.ServiceType,
			ServiceID:   s.ServiceID,
			ControlURL:  control,
		})
	}
	return rd, nil
}

// FetchRenderer downloads and parses the description at location
func FetchRenderer(ctx context.Context, client *http.Client, location string) (Renderer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return Renderer{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Renderer{}, fmt.Errorf("fetch description: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Renderer{}, fmt.Errorf("fetch description: http %d", resp.StatusCode)
	}
	return ParseDescription(location, io.LimitReader(resp.Body, descriptionLimit))
}

func searchRequest(mx int) []byte {
	return []byte("M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + ssdpAddr + "\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		fmt.Sprintf("MX: %d\r\n", mx) +
		"ST: " + MediaRendererType + "\r\n" +
		"USER-AGENT: resonate-eq UPnP/1.1\r\n\r\n")
}

// parseSearchResponse extracts LOCATION from an M-SEARCH reply
func parseSearchResponse(data []byte) (string, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data)), nil)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", errors.New("search response without LOCATION")
	}
	return loc, nil
}

// Discover searches the local network for media renderers until timeout
func Discover(ctx context.Context, timeout time.Duration) ([]Renderer, error) {
	log := logrus.WithField("component", "dlna")

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("ssdp listen: %w", err)
	}
	defer conn.Close()

	dst, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		return nil, err
	}
	mx := max(int(timeout/time.Second), 1)
	if _, err := conn.WriteTo(searchRequest(mx), dst); err != nil {
		return nil, fmt.Errorf("ssdp search: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	seen := make(map[string]bool)
	var locations []string
	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			break
		}
		loc, err := parseSearchResponse(buf[:n])
		if err != nil {
			log.Debugf("Ignoring SSDP reply: %v", err)
			continue
		}
		if !seen[loc] {
			seen[loc] = true
			locations = append(locations, loc)
		}
	}

	return fetchAll(ctx, locations)
}

// fetchAll resolves descriptions concurrently, skipping unreachable devices
func fetchAll(ctx context.Context, locations []string) ([]Renderer, error) {
	log := logrus.WithField("component", "dlna")
	client := &http.Client{Timeout: 3 * time.Second}

	var mu sync.Mutex
	renderers := make([]Renderer, 0, len(locations))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, loc := range locations {
		loc := loc
		g.Go(func() error {
			rd, err := FetchRenderer(gctx, client, loc)
			if err != nil {
				log.Warnf("Skipping renderer at %s: %v", loc, err)
				return nil
			}
			mu.Lock()
			renderers = append(renderers, rd)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return renderers, nil
}
