// ABOUTME: AVTransport SOAP client for pushing a stream URL to a renderer
// ABOUTME: Implements SetAVTransportURI, Play and Stop with UPnP fault decoding
package dlna

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
)

// AVTransportService is the UPnP service type used for push playback
const AVTransportService = "urn:schemas-upnp-org:service:AVTransport:1"

// Transport drives a renderer's AVTransport control endpoint
type Transport struct {
	ControlURL string
	Client     *http.Client
}

// NewTransport creates a transport for the renderer's AVTransport service
func NewTransport(r Renderer) (*Transport, error) {
	svc, ok := r.Service(AVTransportService)
	if !ok {
		return nil, ErrNoAVTransport
	}
	return &Transport{ControlURL: svc.ControlURL, Client: http.DefaultClient}, nil
}

type soapArg struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type soapAction struct {
	XMLName xml.Name
	XmlnsU  string `xml:"xmlns:u,attr"`
	Args    []soapArg
}

type soapEnvelope struct {
	XMLName       xml.Name   `xml:"s:Envelope"`
	XmlnsS        string     `xml:"xmlns:s,attr"`
	EncodingStyle string     `xml:"s:encodingStyle,attr"`
	Body          soapAction `xml:"s:Body>action"`
}

// soapFault is the subset of a UPnP error response we report
type soapFault struct {
	Code        int    `xml:"Body>Fault>detail>UPnPError>errorCode"`
	Description string `xml:"Body>Fault>detail>UPnPError>errorDescription"`
}

// UPnPError is a fault returned by the renderer
type UPnPError struct {
	Action      string
	Status      int
	Code        int
	Description string
}

func (e *UPnPError) Error() string {
	return fmt.Sprintf("%s failed: http %d, upnp error %d %s", e.Action, e.Status, e.Code, e.Description)
}

func arg(name, value string) soapArg {
	return soapArg{XMLName: xml.Name{Local: name}, Value: value}
}

// EncodeAction renders the SOAP envelope for an AVTransport action
func EncodeAction(action string, args ...soapArg) ([]byte, error) {
	env := soapEnvelope{
		XmlnsS:        "http://schemas.xmlsoap.org/soap/envelope/",
		EncodingStyle: "http://schemas.xmlsoap.org/soap/encoding/",
		Body: soapAction{
			XMLName: xml.Name{Local: "u:" + action},
			XmlnsU:  AVTransportService,
			Args:    args,
		},
	}
	out, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", action, err)
	}
	return append([]byte(xml.Header), out...), nil
}

func (t *Transport) call(ctx context.Context, action string, args ...soapArg) error {
	body, err := EncodeAction(action, args...)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.ControlURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s request: %w", action, err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf(`"%s#%s"`, AVTransportService, action))

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	upnpErr := &UPnPError{Action: action, Status: resp.StatusCode}
	var fault soapFault
	if data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); err == nil {
		if xml.Unmarshal(data, &fault) == nil {
			upnpErr.Code = fault.Code
			upnpErr.Description = fault.Description
		}
	}
	return upnpErr
}

// SetAVTransportURI points the renderer at uri with DIDL-Lite metadata
func (t *Transport) SetAVTransportURI(ctx context.Context, uri, didl string) error {
	return t.call(ctx, "SetAVTransportURI",
		arg("InstanceID", "0"),
		arg("CurrentURI", uri),
		arg("CurrentURIMetaData", didl),
	)
}

// Play starts playback at normal speed
func (t *Transport) Play(ctx context.Context) error {
	return t.call(ctx, "Play", arg("InstanceID", "0"), arg("Speed", "1"))
}

// Stop stops playback
func (t *Transport) Stop(ctx context.Context) error {
	return t.call(ctx, "Stop", arg("InstanceID", "0"))
}
