package local

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
)

type decodeFunc func(rc io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error)

var decoders = map[string]decodeFunc{
	".wav": func(rc io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error) { return wav.Decode(rc) },
	".mp3": mp3.Decode,
	".ogg": vorbis.Decode,
	".oga": vorbis.Decode,
	".flac": func(rc io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error) {
		return flac.Decode(rc)
	},
}

// SupportedFormats returns the file extensions the player can decode.
func SupportedFormats() []string {
	return []string{".wav", ".mp3", ".ogg", ".oga", ".flac"}
}

// isRemote reports whether source is an http(s) URL.
func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// decoderFor picks a decoder from the extension of source. Query strings and
// fragments of URLs are ignored.
func decoderFor(source string) (decodeFunc, error) {
	p := source
	if isRemote(source) {
		u, err := url.Parse(source)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	dec, ok := decoders[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported format %q", ext)
	}
	return dec, nil
}

// open returns a reader over the raw bytes of source.
func open(ctx context.Context, client *http.Client, source string) (io.ReadCloser, error) {
	if !isRemote(source) {
		return os.Open(source)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: status %d", source, resp.StatusCode)
	}
	return resp.Body, nil
}

// decodeInto decodes rc fully into a stereo buffer at rate, resampling when
// the source rate differs.
func decodeInto(rc io.ReadCloser, dec decodeFunc, rate beep.SampleRate, quality int) (*beep.Buffer, error) {
	stream, format, err := dec(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("decode: %w", err)
	}
	defer stream.Close()

	var s beep.Streamer = stream
	if format.SampleRate != rate {
		s = beep.Resample(quality, format.SampleRate, rate, stream)
	}

	buf := beep.NewBuffer(beep.Format{SampleRate: rate, NumChannels: 2, Precision: 2})
	buf.Append(s)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return buf, nil
}
