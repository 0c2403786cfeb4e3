package events

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/vpsclient/internal/httputil"
	"github.com/banshee-data/vpsclient/internal/localize"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/localization.html.tmpl"))

// Controller is the part of the orchestrator the debug page drives.
type Controller interface {
	Status() localize.Status
	Trigger(manual bool) bool
	Cancel()
}

// AttachAdminRoutes mounts the live event page and its endpoints under
// /debug/ on mux. These routes are accessible only over localhost/via
// Tailscale.
func (b *Broadcaster) AttachAdminRoutes(mux *http.ServeMux, ctl Controller) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("localization", "live localization events", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		err := pageTemplate.Execute(buf, map[string]string{
			"StatusPath":  "/debug/localization-status",
			"TailPath":    "/debug/localization-tail",
			"TriggerPath": "/debug/localization-trigger",
		})
		if err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("localization-status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, ctl.Status())
	})

	debug.HandleSilentFunc("localization-trigger", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		if !ctl.Trigger(true) {
			httputil.Conflict(w, "a session is active or tracking is not established")
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, map[string]bool{"started": true})
	})

	debug.HandleSilentFunc("localization-cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		ctl.Cancel()
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"canceled": true})
	})

	// Server-Sent Events stream of every event.
	debug.HandleSilentFunc("localization-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := b.Subscribe()
		defer b.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case e, ok := <-c:
				if !ok {
					return
				}
				payload, err := json.Marshal(e)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
