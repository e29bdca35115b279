package router

import (
	"strings"
	"sync/atomic"
	"time"
)

var ridSeq uint64

func newReqID() string {
	n := atomic.AddUint64(&ridSeq, 1)
	return base36(time.Now().UnixNano()) + "-" + base36(int64(n))
}

func base36(v int64) string {
	const chars = "0123456789abcdefghijklmnopqrstuvwxyz"
	if v < 0 {
		v = -v
	}
	if v == 0 {
		return "0"
	}
	var out [32]byte
	i := len(out)
	for v > 0 {
		i--
		out[i] = chars[v%36]
		v /= 36
	}
	return string(out[i:])
}

// tokenize splits command text into tokens while supporting quotes:
//
//	/remind 2026-05-01 09:00 "stand up" tz=Europe/Berlin
func tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// splitOptions separates key=value option tokens from positionals. Only the
// listed keys are treated as options; anything else (including message words
// containing '=') stays positional.
func splitOptions(args []string, keys ...string) (pos []string, opts map[string]string) {
	opts = map[string]string{}
	for _, a := range args {
		eq := strings.IndexByte(a, '=')
		if eq > 0 {
			key := strings.ToLower(a[:eq])
			known := false
			for _, k := range keys {
				if key == k {
					known = true
					break
				}
			}
			if known {
				opts[key] = a[eq+1:]
				continue
			}
		}
		pos = append(pos, a)
	}
	return pos, opts
}
