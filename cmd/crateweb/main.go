package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/r3labs/sse/v2"

	"github.com/zenone/crate-sub001"
	"github.com/zenone/crate-sub001/cmd/internal/flags"
	"github.com/zenone/crate-sub001/fileutil"
	"github.com/zenone/crate-sub001/operation"
	"github.com/zenone/crate-sub001/rename"
	"github.com/zenone/crate-sub001/tags"
)

// replaced while testing
var tg interface {
	tags.Reader
	tags.Writer
} = tags.TagLib{}

const streamOperations = "operations"

func main() {
	defer flags.ExitError()
	flags.EnvPrefix(crate.Name)
	cfg := flags.Config()
	notifs := flags.Notifications()
	fingerprint := flags.Fingerprint()
	extractor := flags.Extractor()
	confListenAddr := flag.String("web-listen-addr", ":7373", "listen addr for web interface")
	confAPIKey := flag.String("web-api-key", "", "key for basic auth")
	flags.Parse()

	if *confAPIKey == "" {
		slog.Error("need api key")
		return
	}

	deps := crate.Deps{Tags: tg, TagWriter: tg, Extractor: *extractor}
	if fingerprint.BaseURL != "" {
		deps.Fingerprint = fingerprint
	}

	sseServ := sse.New()
	sseServ.AutoStream = false
	sseServ.AutoReplay = false
	sseServ.CreateStream(streamOperations)
	defer sseServ.Close()

	var mgr *operation.Manager
	mgr = crate.NewManager(*cfg, deps, notifs, func(id string) {
		publish(sseServ, mgr, id)
	})
	defer mgr.Close()

	mux := newMux(mgr, cfg.Template, sseServ)

	slog.Info("starting", "addr", *confListenAddr)
	server := &http.Server{
		Addr:              *confListenAddr,
		Handler:           withAuth(*confAPIKey, withLogging(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		slog.Error("listen and serve", "err", err)
		return
	}
}

type batchRequest struct {
	Paths    []string    `json:"paths"`
	Template string      `json:"template"`
	Mode     rename.Mode `json:"mode"`
}

func newMux(mgr *operation.Manager, defaultTemplate string, sseServ *sse.Server) *http.ServeMux {
	readBatch := func(r *http.Request) ([]string, string, rename.Mode, error) {
		var req batchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, "", "", fmt.Errorf("%w: decode request: %w", rename.ErrValidation, err)
		}
		if len(req.Paths) == 0 {
			return nil, "", "", fmt.Errorf("%w: no paths provided", rename.ErrValidation)
		}
		files, err := fileutil.WalkAudio(req.Paths, tags.CanRead)
		if err != nil {
			return nil, "", "", fmt.Errorf("%w: find files: %w", rename.ErrValidation, err)
		}
		if req.Template == "" {
			req.Template = defaultTemplate
		}
		if req.Mode == "" {
			req.Mode = rename.ModeExecute
		}
		return files, req.Template, req.Mode, nil
	}

	mux := http.NewServeMux()
	mux.Handle("GET /events", sseServ)

	mux.HandleFunc("POST /preview", func(w http.ResponseWriter, r *http.Request) {
		files, template, _, err := readBatch(r)
		if err != nil {
			respErr(w, err)
			return
		}
		summary, err := mgr.Preview(r.Context(), files, template)
		if err != nil {
			respErr(w, err)
			return
		}
		summary.Sort()
		respJSON(w, http.StatusOK, summary)
	})

	mux.HandleFunc("POST /operations", func(w http.ResponseWriter, r *http.Request) {
		files, template, mode, err := readBatch(r)
		if err != nil {
			respErr(w, err)
			return
		}
		id, err := mgr.Start(files, template, mode)
		if err != nil {
			respErr(w, err)
			return
		}
		respJSON(w, http.StatusAccepted, map[string]string{"id": id})
	})

	mux.HandleFunc("GET /operations", func(w http.ResponseWriter, r *http.Request) {
		respJSON(w, http.StatusOK, mgr.List())
	})

	mux.HandleFunc("GET /operations/{id}", func(w http.ResponseWriter, r *http.Request) {
		op, err := mgr.Status(r.PathValue("id"))
		if err != nil {
			respErr(w, err)
			return
		}
		respJSON(w, http.StatusOK, op)
	})

	mux.HandleFunc("POST /operations/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		ok, err := mgr.Cancel(r.PathValue("id"))
		if err != nil {
			respErr(w, err)
			return
		}
		respJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
	})

	mux.HandleFunc("POST /operations/{id}/undo", func(w http.ResponseWriter, r *http.Request) {
		res, err := mgr.Undo(r.PathValue("id"))
		if err != nil {
			respErr(w, err)
			return
		}
		respJSON(w, http.StatusOK, res)
	})

	return mux
}

// publish sends the operation's latest snapshot to event stream subscribers
func publish(sseServ *sse.Server, mgr *operation.Manager, id string) {
	if mgr == nil {
		return
	}
	op, err := mgr.Status(id)
	if err != nil {
		return
	}
	op.Results, op.UndoLedger = nil, nil
	data, err := json.Marshal(op)
	if err != nil {
		slog.Error("marshal operation", "op", id, "err", err)
		return
	}
	sseServ.Publish(streamOperations, &sse.Event{Event: []byte("operation"), Data: data})
}

func respJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

func respErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, rename.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, operation.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, operation.ErrExpired):
		code = http.StatusGone
	case errors.Is(err, operation.ErrRunning):
		code = http.StatusConflict
	case errors.Is(err, operation.ErrClosed):
		code = http.StatusServiceUnavailable
	}
	respJSON(w, code, map[string]string{"error": err.Error()})
}

func withAuth(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", "Basic")
		if _, key, _ := r.BasicAuth(); subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "url", r.URL)
		next.ServeHTTP(w, r)
	})
}
