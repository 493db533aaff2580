// ABOUTME: DIDL-Lite metadata documents for AVTransport URIs
// ABOUTME: Describes the live stream as a music track with WAV protocolInfo
package dlna

import (
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/google/uuid"
)

// DLNAFlags advertises streaming transfer mode, background transfer and
// connection stalling for the live WAV resource.
const DLNAFlags = "01700000000000000000000000000000"

// Metadata describes what is being streamed
type Metadata struct {
	Title       string        `json:"title"`
	Artist      string        `json:"artist,omitempty"`
	Album       string        `json:"album,omitempty"`
	Genre       string        `json:"genre,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	AlbumArtURI string        `json:"album_art_uri,omitempty"`
}

// ErrMissingTitle is returned when metadata has no title
var ErrMissingTitle = errors.New("didl: title is required")

type didlLite struct {
	XMLName   xml.Name `xml:"DIDL-Lite"`
	Xmlns     string   `xml:"xmlns,attr"`
	XmlnsDC   string   `xml:"xmlns:dc,attr"`
	XmlnsUPnP string   `xml:"xmlns:upnp,attr"`
	XmlnsDLNA string   `xml:"xmlns:dlna,attr"`
	Item      didlItem `xml:"item"`
}

type didlItem struct {
	ID          string  `xml:"id,attr"`
	ParentID    string  `xml:"parentID,attr"`
	Restricted  string  `xml:"restricted,attr"`
	Title       string  `xml:"dc:title"`
	Artist      string  `xml:"upnp:artist,omitempty"`
	Creator     string  `xml:"dc:creator,omitempty"`
	Album       string  `xml:"upnp:album,omitempty"`
	Genre       string  `xml:"upnp:genre,omitempty"`
	AlbumArtURI string  `xml:"upnp:albumArtURI,omitempty"`
	Class       string  `xml:"upnp:class"`
	Res         didlRes `xml:"res"`
}

type didlRes struct {
	ProtocolInfo    string `xml:"protocolInfo,attr"`
	SampleFrequency int    `xml:"sampleFrequency,attr"`
	NrAudioChannels int    `xml:"nrAudioChannels,attr"`
	BitsPerSample   int    `xml:"bitsPerSample,attr"`
	Duration        string `xml:"duration,attr,omitempty"`
	URL             string `xml:",chardata"`
}

// ProtocolInfo returns the res protocolInfo for a live WAV stream
func ProtocolInfo() string {
	return "http-get:*:audio/wav:DLNA.ORG_OP=00;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=" + DLNAFlags
}

// ContentFeatures is the contentFeatures.dlna.org header value for the stream
func ContentFeatures() string {
	return "DLNA.ORG_OP=00;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=" + DLNAFlags
}

// BuildDIDL renders the DIDL-Lite document for streamURL
func BuildDIDL(meta Metadata, streamURL string, cfg audio.OutputConfig) (string, error) {
	if meta.Title == "" {
		return "", ErrMissingTitle
	}
	doc := didlLite{
		Xmlns:     "urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/",
		XmlnsDC:   "http://purl.org/dc/elements/1.1/",
		XmlnsUPnP: "urn:schemas-upnp-org:metadata-1-0/upnp/",
		XmlnsDLNA: "urn:schemas-dlna-org:metadata-1-0/",
		Item: didlItem{
			ID:          uuid.NewString(),
			ParentID:    "0",
			Restricted:  "1",
			Title:       meta.Title,
			Artist:      meta.Artist,
			Creator:     meta.Artist,
			Album:       meta.Album,
			Genre:       meta.Genre,
			AlbumArtURI: meta.AlbumArtURI,
			Class:       "object.item.audioItem.musicTrack",
			Res: didlRes{
				ProtocolInfo:    ProtocolInfo(),
				SampleFrequency: cfg.SampleRate,
				NrAudioChannels: cfg.Channels,
				BitsPerSample:   cfg.Format.BitDepth(),
				URL:             streamURL,
			},
		},
	}
	if meta.Duration > 0 {
		doc.Item.Res.Duration = formatDuration(meta.Duration)
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("didl marshal: %w", err)
	}
	return string(out), nil
}

// formatDuration renders H:MM:SS.mmm
func formatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	h := ms / 3600000
	m := (ms / 60000) % 60
	s := (ms / 1000) % 60
	return fmt.Sprintf("%d:%02d:%02d.%03d", h, m, s, ms%1000)
}
