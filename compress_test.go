package http2

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/valyala/fasthttp"
)

func TestCompressionHandlerNegotiatesGzip(t *testing.T) {
	inner := func(ctx *fasthttp.RequestCtx) {
		ctx.Response.SetBody([]byte("hello world hello world hello world"))
	}

	h := compressionHandler(inner, []string{"br", "gzip"})

	var ctx fasthttp.RequestCtx
	ctx.Request.Header.Set("Accept-Encoding", "gzip")

	h(&ctx)

	if string(ctx.Response.Header.Peek("Content-Encoding")) != "gzip" {
		t.Fatalf("got Content-Encoding %q, want gzip", ctx.Response.Header.Peek("Content-Encoding"))
	}

	zr, err := gzip.NewReader(bytes.NewReader(ctx.Response.Body()))
	if err != nil {
		t.Fatalf("gzip.NewReader: %s", err)
	}
	defer zr.Close()
}

func TestCompressionHandlerSkipsWithoutAcceptEncoding(t *testing.T) {
	inner := func(ctx *fasthttp.RequestCtx) {
		ctx.Response.SetBody([]byte("plain"))
	}

	h := compressionHandler(inner, []string{"gzip"})

	var ctx fasthttp.RequestCtx
	h(&ctx)

	if ctx.Response.Header.Peek("Content-Encoding") != nil {
		t.Fatal("expected no Content-Encoding header")
	}
	if string(ctx.Response.Body()) != "plain" {
		t.Fatalf("body mutated: %q", ctx.Response.Body())
	}
}

func TestCompressionHandlerNoEncodingsIsNoop(t *testing.T) {
	called := false
	inner := func(ctx *fasthttp.RequestCtx) {
		called = true
	}

	h := compressionHandler(inner, nil)

	var ctx fasthttp.RequestCtx
	ctx.Request.Header.Set("Accept-Encoding", "gzip, br")
	h(&ctx)

	if !called {
		t.Fatal("inner handler not invoked")
	}
}

func TestNegotiateEncodingPrefersConfiguredOrder(t *testing.T) {
	got := negotiateEncoding("gzip, br", []string{"br", "gzip"})
	if got != "br" {
		t.Fatalf("got %q, want br (first match in allowed order)", got)
	}
}

func TestNegotiateEncodingNoOverlap(t *testing.T) {
	got := negotiateEncoding("deflate", []string{"br", "gzip"})
	if got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
