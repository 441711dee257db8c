package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
)

// saveCanvasRequest mirrors the fields the chat page posts. The browser sends
// them form-encoded; JSON is accepted as well.
type saveCanvasRequest struct {
	UserID   UserID `json:"userId" validate:"required"`
	FromUser string `json:"fromUser" validate:"max=128"`
	ToUser   string `json:"toUser" validate:"max=128"`
	ImgURL   string `json:"imgUrl" validate:"required,startswith=data:image/"`
}

func readSaveCanvasRequest(r *http.Request) (saveCanvasRequest, error) {
	var req saveCanvasRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, fmt.Errorf("%w: decode body: %w", ErrBadRequest, err)
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, fmt.Errorf("%w: parse form: %w", ErrBadRequest, err)
		}
		req = saveCanvasRequest{
			UserID:   UserID(r.PostFormValue("userId")),
			FromUser: r.PostFormValue("fromUser"),
			ToUser:   r.PostFormValue("toUser"),
			ImgURL:   r.PostFormValue("imgUrl"),
		}
	}

	if err := validate.Struct(req); err != nil {
		return req, err
	}

	return req, nil
}

func serveSaveCanvas(cfg *Config, sessions *Sessions, store *CanvasStore, metrics *Metrics) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		u, ok := requireSession(cfg, sessions, w, r)
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, cfg.maxUploadSize)

		req, err := readSaveCanvasRequest(r)
		if err != nil {
			writeError(cfg, w, r, err)
			return
		}

		if string(req.UserID) != u.ID {
			writeError(cfg, w, r, fmt.Errorf("%w: canvas owner %s does not match session", ErrForbidden, req.UserID))
			return
		}

		img, err := decodeDataURL(req.ImgURL)
		if err != nil {
			writeError(cfg, w, r, err)
			return
		}

		c, err := store.Save(r.Context(), u.ID, req.FromUser, req.ToUser, img)
		if err != nil {
			writeError(cfg, w, r, err)
			return
		}

		metrics.canvasesSaved.Inc()

		logf(cfg, "CANVAS: Saved %s (%s, %s) for %s in %s",
			c.ID,
			c.MimeType,
			humanReadableSize(c.Size),
			u.ID,
			time.Since(startTime).Round(time.Microsecond),
		)

		securityHeaders(cfg, w)
		_ = writeJSON(w, http.StatusCreated, c)
	}
}

func serveListCanvases(cfg *Config, sessions *Sessions, store *CanvasStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		u, ok := requireSession(cfg, sessions, w, r)
		if !ok {
			return
		}

		canvases, err := store.List(u.ID)
		if err != nil {
			writeError(cfg, w, r, err)
			return
		}

		securityHeaders(cfg, w)
		_ = writeJSON(w, http.StatusOK, map[string][]Canvas{"canvases": canvases})
	}
}

func serveCanvasImage(cfg *Config, sessions *Sessions, store *CanvasStore, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		u, ok := requireSession(cfg, sessions, w, r)
		if !ok {
			return
		}

		c, err := store.Get(u.ID, p.ByName("id"))
		if err != nil {
			writeError(cfg, w, r, err)
			return
		}

		// Downloads may go straight to the object store. The chat page draws
		// images onto its canvas, which needs them same-origin.
		if r.URL.Query().Has("download") {
			link, err := store.ImageURL(r.Context(), c)
			if err != nil {
				writeError(cfg, w, r, err)
				return
			}
			if link != "" {
				http.Redirect(w, r, link, http.StatusTemporaryRedirect)
				return
			}
		}

		body, err := store.Image(r.Context(), c)
		if err != nil {
			writeError(cfg, w, r, err)
			return
		}
		defer body.Close()

		w.Header().Set("Content-Type", c.MimeType)
		w.Header().Set("Content-Length", strconv.FormatInt(c.Size, 10))
		w.Header().Set("Cache-Control", "private, max-age=3600")
		securityHeaders(cfg, w)

		if _, err := io.Copy(w, body); err != nil {
			errs <- err
		}
	}
}

func serveDeleteCanvas(cfg *Config, sessions *Sessions, store *CanvasStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		u, ok := requireSession(cfg, sessions, w, r)
		if !ok {
			return
		}

		id := p.ByName("id")

		if err := store.Delete(r.Context(), u.ID, id); err != nil {
			writeError(cfg, w, r, err)
			return
		}

		logf(cfg, "CANVAS: Deleted %s for %s", id, u.ID)

		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusNoContent)
	}
}
