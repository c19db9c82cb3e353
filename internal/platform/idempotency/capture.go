package idempotency

import (
	"bytes"
	"net/http"
	"slices"
)

// capture buffers a handler's response so it can be stored before anything
// reaches the client. It starts from the headers already on the parent writer,
// and only the headers the handler changed are kept for replay.
type capture struct {
	parent   http.ResponseWriter
	baseline http.Header
	header   http.Header
	status   int
	body     bytes.Buffer
}

func newCapture(parent http.ResponseWriter) *capture {
	return &capture{
		parent:   parent,
		baseline: parent.Header().Clone(),
		header:   parent.Header().Clone(),
	}
}

func (c *capture) Header() http.Header { return c.header }

func (c *capture) WriteHeader(status int) {
	if c.status != 0 {
		return
	}
	if status <= 0 {
		status = http.StatusOK
	}
	c.status = status
}

func (c *capture) Write(data []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(data)
}

func (c *capture) Status() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

func (c *capture) Body() []byte {
	if c.body.Len() == 0 {
		return nil
	}
	return bytes.Clone(c.body.Bytes())
}

func (c *capture) handlerHeaders() http.Header {
	out := make(http.Header)
	for key, values := range c.header {
		if !slices.Equal(c.baseline[key], values) {
			out[key] = slices.Clone(values)
		}
	}
	return out
}

// Commit copies the buffered response to the parent writer.
func (c *capture) Commit() error {
	dst := c.parent.Header()
	for key := range c.baseline {
		if _, kept := c.header[key]; !kept {
			dst.Del(key)
		}
	}
	for key, values := range c.header {
		dst[key] = values
	}
	c.parent.WriteHeader(c.Status())
	if c.body.Len() == 0 {
		return nil
	}
	_, err := c.parent.Write(c.body.Bytes())
	return err
}
