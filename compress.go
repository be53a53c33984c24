package http2

import (
	"bytes"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/valyala/fasthttp"
)

// compressionHandler wraps a fasthttp.RequestHandler with response
// compression, negotiated against the request's Accept-Encoding header and
// restricted to the encodings cfg allows. Unlike fasthttp's own
// CompressHandler, encoding preference follows cfg.ContentEncodings' order
// rather than always preferring brotli, so a deployment can pin gzip-only
// for compatibility with intermediaries that mishandle "br".
func compressionHandler(h fasthttp.RequestHandler, encodings []string) fasthttp.RequestHandler {
	if len(encodings) == 0 {
		return h
	}

	return func(ctx *fasthttp.RequestCtx) {
		h(ctx)

		enc := negotiateEncoding(string(ctx.Request.Header.Peek("Accept-Encoding")), encodings)
		if enc == "" {
			return
		}

		body := ctx.Response.Body()
		if len(body) == 0 || ctx.Response.Header.Peek("Content-Encoding") != nil {
			return
		}

		var buf bytes.Buffer

		switch enc {
		case "br":
			bw := brotli.NewWriter(&buf)
			if _, err := bw.Write(body); err != nil {
				return
			}
			if err := bw.Close(); err != nil {
				return
			}
		case "gzip":
			gw := gzip.NewWriter(&buf)
			if _, err := gw.Write(body); err != nil {
				return
			}
			if err := gw.Close(); err != nil {
				return
			}
		default:
			return
		}

		ctx.Response.SetBody(buf.Bytes())
		ctx.Response.Header.Set("Content-Encoding", enc)
		ctx.Response.Header.Add("Vary", "Accept-Encoding")
	}
}

// negotiateEncoding picks the first entry of allowed that also appears in
// acceptEncoding, so deployments control preference order explicitly rather
// than relying on a fixed brotli-over-gzip default.
func negotiateEncoding(acceptEncoding string, allowed []string) string {
	for _, enc := range allowed {
		if acceptsEncoding(acceptEncoding, enc) {
			return enc
		}
	}
	return ""
}

func acceptsEncoding(acceptEncoding, enc string) bool {
	for _, part := range strings.Split(acceptEncoding, ",") {
		part = strings.TrimSpace(part)
		if i := strings.IndexByte(part, ';'); i >= 0 {
			part = part[:i]
		}
		if part == enc {
			return true
		}
	}
	return false
}
