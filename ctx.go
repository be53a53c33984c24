package http2

import "github.com/valyala/fasthttp"

// Ctx carries a single client request/response pair through Conn's
// asynchronous write/read loops. Err receives exactly one value (nil on
// success) before being closed, signalling the request is complete.
type Ctx struct {
	Request  *fasthttp.Request
	Response *fasthttp.Response
	Err      chan error
}

// Do performs req over the connection and fills res with the response,
// blocking until the stream completes or the connection errs out.
func (c *Conn) Do(req *fasthttp.Request, res *fasthttp.Response) error {
	r := &Ctx{
		Request:  req,
		Response: res,
		Err:      make(chan error, 1),
	}

	c.Write(r)

	return <-r.Err
}
