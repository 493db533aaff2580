// ABOUTME: Tests for WAV headers, DIDL-Lite, SOAP encoding and SSDP parsing
// ABOUTME: Exercises the protocol pieces of the HTTP-stream sink in isolation
package dlna

import (
	"context"
	"encoding/binary"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWAVHeaderFields(t *testing.T) {
	cfg := audio.OutputConfig{SampleRate: 44100, Channels: 2, Format: audio.FormatS24LE}
	h, err := WAVHeader(cfg)
	require.NoError(t, err)
	require.Len(t, h, WAVHeaderSize)

	assert.Equal(t, "RIFF", string(h[0:4]))
	assert.Equal(t, "WAVE", string(h[8:12]))
	assert.Equal(t, "fmt ", string(h[12:16]))
	assert.Equal(t, "data", string(h[36:40]))
	assert.Equal(t, uint32(0xFFFFFFFF), binary.LittleEndian.Uint32(h[4:8]))
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(h[22:24]))
	assert.Equal(t, uint32(44100), binary.LittleEndian.Uint32(h[24:28]))
	assert.Equal(t, uint32(44100*6), binary.LittleEndian.Uint32(h[28:32]))
	assert.Equal(t, uint16(6), binary.LittleEndian.Uint16(h[32:34]))
	assert.Equal(t, uint16(24), binary.LittleEndian.Uint16(h[34:36]))

	_, err = WAVHeader(audio.OutputConfig{SampleRate: 48000, Channels: 2, Format: audio.FormatF32})
	assert.Error(t, err)
}

func TestBuildDIDL(t *testing.T) {
	cfg := audio.OutputConfig{SampleRate: 48000, Channels: 2, Format: audio.FormatS16LE}
	meta := Metadata{
		Title:       "Blue & Green",
		Artist:      "Trio",
		Album:       "Colours",
		Genre:       "Jazz",
		Duration:    3*time.Minute + 25*time.Second + 500*time.Millisecond,
		AlbumArtURI: "http://host/art.jpg",
	}
	doc, err := BuildDIDL(meta, "http://10.0.0.2:8790/stream.wav", cfg)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(doc, "<DIDL-Lite"))
	assert.Contains(t, doc, `xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"`)
	assert.Contains(t, doc, "<dc:title>Blue &amp; Green</dc:title>")
	assert.Contains(t, doc, "<upnp:artist>Trio</upnp:artist>")
	assert.Contains(t, doc, "<upnp:album>Colours</upnp:album>")
	assert.Contains(t, doc, "<upnp:genre>Jazz</upnp:genre>")
	assert.Contains(t, doc, "<upnp:albumArtURI>http://host/art.jpg</upnp:albumArtURI>")
	assert.Contains(t, doc, "<upnp:class>object.item.audioItem.musicTrack</upnp:class>")
	assert.Contains(t, doc, `protocolInfo="http-get:*:audio/wav:DLNA.ORG_OP=00;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=01700000000000000000000000000000"`)
	assert.Contains(t, doc, `sampleFrequency="48000"`)
	assert.Contains(t, doc, `nrAudioChannels="2"`)
	assert.Contains(t, doc, `bitsPerSample="16"`)
	assert.Contains(t, doc, `duration="0:03:25.500"`)
	assert.Contains(t, doc, ">http://10.0.0.2:8790/stream.wav</res>")
}

func TestBuildDIDLOptionalFields(t *testing.T) {
	cfg := audio.OutputConfig{SampleRate: 96000, Channels: 2, Format: audio.FormatS24LE}
	doc, err := BuildDIDL(Metadata{Title: "Live"}, "http://h/s.wav", cfg)
	require.NoError(t, err)
	assert.NotContains(t, doc, "upnp:artist")
	assert.NotContains(t, doc, "duration=")
	assert.Contains(t, doc, `bitsPerSample="24"`)

	_, err = BuildDIDL(Metadata{}, "http://h/s.wav", cfg)
	assert.ErrorIs(t, err, ErrMissingTitle)
}

func TestEncodeAction(t *testing.T) {
	body, err := EncodeAction("Play", arg("InstanceID", "0"), arg("Speed", "1"))
	require.NoError(t, err)
	s := string(body)

	assert.True(t, strings.HasPrefix(s, "<?xml"))
	assert.Contains(t, s, `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"`)
	assert.Contains(t, s, `<s:Body><u:Play xmlns:u="urn:schemas-upnp-org:service:AVTransport:1">`)
	assert.Contains(t, s, "<InstanceID>0</InstanceID><Speed>1</Speed></u:Play></s:Body>")
}

func TestTransportFault(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><s:Fault>
<faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring>
<detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0">
<errorCode>714</errorCode><errorDescription>Illegal MIME-type</errorDescription>
</UPnPError></detail></s:Fault></s:Body></s:Envelope>`))
	}))
	defer ts.Close()

	tr := &Transport{ControlURL: ts.URL}
	err := tr.SetAVTransportURI(context.Background(), "http://h/s.wav", "")
	var upnpErr *UPnPError
	require.ErrorAs(t, err, &upnpErr)
	assert.Equal(t, 714, upnpErr.Code)
	assert.Equal(t, "Illegal MIME-type", upnpErr.Description)
	assert.Equal(t, http.StatusInternalServerError, upnpErr.Status)
}

func TestParseDescriptionResolvesControlURLs(t *testing.T) {
	desc := `<root xmlns="urn:schemas-upnp-org:device-1-0">
<URLBase>http://192.168.1.20:49152/</URLBase>
<device>
  <friendlyName>Kitchen</friendlyName>
  <UDN>uuid:abcd</UDN>
  <serviceList><service>
    <serviceType>urn:schemas-upnp-org:service:AVTransport:2</serviceType>
    <serviceId>urn:upnp-org:serviceId:AVTransport</serviceId>
    <controlURL>upnp/control/avt</controlURL>
  </service></serviceList>
</device></root>`
	rd, err := ParseDescription("http://192.168.1.20:49152/desc.xml", strings.NewReader(desc))
	require.NoError(t, err)

	assert.Equal(t, "Kitchen", rd.Name)
	assert.Equal(t, "abcd", rd.UUID)
	svc, ok := rd.Service(AVTransportService)
	require.True(t, ok, "version suffix is ignored")
	assert.Equal(t, "http://192.168.1.20:49152/upnp/control/avt", svc.ControlURL)

	_, err = NewTransport(Renderer{Name: "tv"})
	assert.ErrorIs(t, err, ErrNoAVTransport)
}

func TestParseSearchResponse(t *testing.T) {
	reply := "HTTP/1.1 200 OK\r\n" +
		"CACHE-CONTROL: max-age=1800\r\n" +
		"LOCATION: http://192.168.1.20:49152/desc.xml\r\n" +
		"ST: urn:schemas-upnp-org:device:MediaRenderer:1\r\n" +
		"USN: uuid:abcd::urn:schemas-upnp-org:device:MediaRenderer:1\r\n\r\n"
	loc, err := parseSearchResponse([]byte(reply))
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.20:49152/desc.xml", loc)

	_, err = parseSearchResponse([]byte("HTTP/1.1 200 OK\r\nST: x\r\n\r\n"))
	assert.Error(t, err)

	req := string(searchRequest(2))
	assert.True(t, strings.HasPrefix(req, "M-SEARCH * HTTP/1.1\r\n"))
	assert.Contains(t, req, "ST: "+MediaRendererType)
	assert.Contains(t, req, `MAN: "ssdp:discover"`)
}

func TestSOAPFaultDecoding(t *testing.T) {
	var f soapFault
	err := xml.Unmarshal([]byte(`<Envelope><Body><Fault><detail><UPnPError><errorCode>701</errorCode></UPnPError></detail></Fault></Body></Envelope>`), &f)
	require.NoError(t, err)
	assert.Equal(t, 701, f.Code)
}
