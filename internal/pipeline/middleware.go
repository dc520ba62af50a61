package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Request headers read into the request context.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderUserID    = "X-User-ID"
)

type ctxKey int

const (
	scanResultKey ctxKey = iota
	requestContextKey
)

// ScanResultFrom returns the scan result attached by Middleware.
func ScanResultFrom(ctx context.Context) (*ScanResult, bool) {
	s, ok := ctx.Value(scanResultKey).(*ScanResult)
	return s, ok
}

// RequestContextFrom returns the request context attached by Middleware.
func RequestContextFrom(ctx context.Context) (*core.RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey).(*core.RequestContext)
	return rc, ok
}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc *core.RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// NewRequestContext builds the request context from headers and the
// connection. RemoteAddr is expected to already hold the client address
// (chi's RealIP middleware does this behind a proxy).
func NewRequestContext(r *http.Request) *core.RequestContext {
	rc := &core.RequestContext{
		RequestID: r.Header.Get(HeaderRequestID),
		UserID:    r.Header.Get(HeaderUserID),
		UserAgent: r.UserAgent(),
		Method:    r.Method,
		Route:     r.URL.Path,
	}
	if rc.RequestID == "" {
		rc.RequestID = chimiddleware.GetReqID(r.Context())
	}
	if rc.RequestID == "" {
		rc.RequestID = uuid.NewString()
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		rc.IP = host
	} else {
		rc.IP = r.RemoteAddr
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			rc.Route = pattern
		}
	}
	return rc
}

// Middleware inspects every request. Rejections get the structured error
// body; passing requests continue with body, query and route parameters
// replaced by their cleansed form and the scan result on the context.
// Route parameters are only visible when the middleware is mounted after
// routing, i.e. with chi's r.With.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, ok := RequestContextFrom(r.Context())
		if !ok {
			rc = NewRequestContext(r)
		}
		w.Header().Set(HeaderRequestID, rc.RequestID)

		b, form, err := p.readBundle(w, r)
		if err != nil {
			WriteError(w, err)
			return
		}

		out, err := p.Inspect(r.Context(), b, rc)
		if err != nil {
			WriteError(w, err)
			return
		}

		if err := applyBundle(r, out.Bundle, form); err != nil {
			WriteError(w, core.NewError(core.KindInternal, "pipeline.apply", "rewriting request", err))
			return
		}
		ctx := WithRequestContext(r.Context(), rc)
		ctx = context.WithValue(ctx, scanResultKey, out.Scan)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// readBundle extracts the inspectable parts. form reports whether the body
// was url-encoded and must be re-encoded that way.
func (p *Pipeline) readBundle(w http.ResponseWriter, r *http.Request) (Bundle, bool, error) {
	var b Bundle
	b.Query = valuesToMap(r.URL.Query())
	if rctx := chi.RouteContext(r.Context()); rctx != nil && len(rctx.URLParams.Keys) > 0 {
		b.Params = make(map[string]interface{}, len(rctx.URLParams.Keys))
		for i, k := range rctx.URLParams.Keys {
			if k == "*" {
				continue
			}
			b.Params[k] = rctx.URLParams.Values[i]
		}
	}

	if r.Body == nil || r.Body == http.NoBody {
		return b, false, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, p.maxBodyBytes))
	_ = r.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return b, false, core.NewError(core.KindValidation, "pipeline.read", "request body too large", err)
		}
		return b, false, core.NewError(core.KindValidation, "pipeline.read", "reading request body", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		r.Body = http.NoBody
		return b, false, nil
	}

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/x-www-form-urlencoded" {
		vals, err := url.ParseQuery(string(data))
		if err != nil {
			return b, false, core.NewError(core.KindValidation, "pipeline.read", "malformed form body", err)
		}
		b.Body = valuesToMap(vals)
		return b, true, nil
	}

	var body interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		return b, false, core.NewError(core.KindValidation, "pipeline.read", "malformed JSON body", err)
	}
	b.Body = body
	return b, false, nil
}

// applyBundle writes the cleansed bundle back into the request.
func applyBundle(r *http.Request, b Bundle, form bool) error {
	r.URL.RawQuery = mapToValues(b.Query).Encode()

	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, k := range rctx.URLParams.Keys {
			if v, ok := b.Params[k].(string); ok {
				rctx.URLParams.Values[i] = v
			}
		}
	}

	if b.Body == nil {
		r.Body = http.NoBody
		r.ContentLength = 0
		return nil
	}
	var data []byte
	if form {
		m, _ := b.Body.(map[string]interface{})
		data = []byte(mapToValues(m).Encode())
	} else {
		var err error
		if data, err = json.Marshal(b.Body); err != nil {
			return err
		}
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	r.ContentLength = int64(len(data))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}

// valuesToMap keeps single values as strings and repeated keys as lists.
func valuesToMap(v url.Values) map[string]interface{} {
	if len(v) == 0 {
		return nil
	}
	m := make(map[string]interface{}, len(v))
	for k, vals := range v {
		if len(vals) == 1 {
			m[k] = vals[0]
			continue
		}
		list := make([]interface{}, len(vals))
		for i, s := range vals {
			list[i] = s
		}
		m[k] = list
	}
	return m
}

func mapToValues(m map[string]interface{}) url.Values {
	v := make(url.Values, len(m))
	for k, raw := range m {
		switch val := raw.(type) {
		case string:
			v.Add(k, val)
		case []interface{}:
			for _, item := range val {
				if s, ok := item.(string); ok {
					v.Add(k, s)
				}
			}
		}
	}
	return v
}

// WriteError writes the public error body for err with its mapped status.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, core.HTTPStatus(err), core.ErrorBodyOf(err))
}

func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v and restores it for the next
// handler.
func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return core.NewError(core.KindValidation, "pipeline.decode", "empty request body", nil)
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return core.NewError(core.KindValidation, "pipeline.decode", "reading request body", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return core.NewError(core.KindValidation, "pipeline.decode", "malformed JSON body", err)
	}
	return nil
}
