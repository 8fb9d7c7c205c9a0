package backend

import (
	"bytes"
	"io"
)

// URLRewriter is a streaming writer that replaces every occurrence of one
// base URL with another on its way to dst. The backend embeds its own base
// URL in bundle links, Location-style references and operation outcomes;
// responses must instead carry the gateway's public URL.
//
// Matches that straddle Write boundaries are handled by withholding the
// longest trailing partial match until the next Write or Flush resolves it.
type URLRewriter struct {
	dst  io.Writer
	old  []byte
	new  []byte
	tail []byte
}

// NewURLRewriter rewrites oldURL to newURL in the stream written to dst.
// When the URLs are equal the writer degrades to a passthrough.
func NewURLRewriter(dst io.Writer, oldURL, newURL string) *URLRewriter {
	w := &URLRewriter{dst: dst}
	if oldURL != "" && oldURL != newURL {
		w.old = []byte(oldURL)
		w.new = []byte(newURL)
	}
	return w
}

// Write rewrites p and forwards it. The returned count covers the bytes
// consumed from p, which may be buffered rather than written downstream.
func (w *URLRewriter) Write(p []byte) (int, error) {
	if w.old == nil {
		return w.dst.Write(p)
	}

	buf := p
	if len(w.tail) > 0 {
		buf = append(w.tail, p...)
		w.tail = nil
	}

	out := make([]byte, 0, len(buf))
	for {
		i := bytes.Index(buf, w.old)
		if i < 0 {
			break
		}
		out = append(out, buf[:i]...)
		out = append(out, w.new...)
		buf = buf[i+len(w.old):]
	}

	// Withhold the longest suffix that could begin a match completed by a
	// later Write.
	keep := 0
	max := len(w.old) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for k := max; k > 0; k-- {
		if bytes.Equal(buf[len(buf)-k:], w.old[:k]) {
			keep = k
			break
		}
	}
	out = append(out, buf[:len(buf)-keep]...)
	if keep > 0 {
		w.tail = append([]byte(nil), buf[len(buf)-keep:]...)
	}

	if len(out) > 0 {
		if _, err := w.dst.Write(out); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush writes any withheld partial match verbatim. Call it once after the
// final Write.
func (w *URLRewriter) Flush() error {
	if len(w.tail) == 0 {
		return nil
	}
	_, err := w.dst.Write(w.tail)
	w.tail = nil
	return err
}
