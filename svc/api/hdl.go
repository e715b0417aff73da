package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"keydrop/cfg"
	"keydrop/pkg/domain"
	"keydrop/svc/svc"
	"keydrop/svc/util"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"
)

const (
	multipartMemory = 8 << 20
	formOverhead    = 1 << 20
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type CreateReq struct {
	Content         string `json:"content"`
	Filename        string `json:"filename,omitempty"`
	DeleteAfterView bool   `json:"delete_after_view"`
}

type CleanupResp struct {
	Success      bool   `json:"success"`
	DeletedCount int    `json:"deletedCount"`
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (h *Hdl) maxBody() int64 {
	return h.cfg.MaxContentSize*2 + int64(h.cfg.MaxFiles)*h.cfg.MaxFileSize + formOverhead
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody())
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		log.Warn().Str("content_type", r.Header.Get("Content-Type")).Msg("invalid Content-Type header")
		writeErr(w, r, domain.ErrInvalidRequest)
		return
	}
	var params domain.CreateParams
	switch mediaType {
	case "application/json":
		params, err = h.decodeJSON(r)
	case "multipart/form-data":
		params, err = h.decodeMultipart(r)
	default:
		err = errors.Wrapf(domain.ErrInvalidRequest, "unsupported media type %s", mediaType)
	}
	if err != nil {
		log.Warn().Err(err).Msg("invalid create request")
		writeErr(w, r, bodyErr(err))
		return
	}

	created, err := h.paste.Create(r.Context(), params)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Hdl) decodeJSON(r *http.Request) (domain.CreateParams, error) {
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			return domain.CreateParams{}, domain.ErrContentRequired
		}
		return domain.CreateParams{}, errors.Wrap(err, "decode json")
	}
	if len(req.Filename) > util.MaxFilenameInput {
		return domain.CreateParams{}, domain.ErrFilenameTooLong
	}
	return domain.CreateParams{
		Content:         sanitizeContent(req.Content),
		Filename:        req.Filename,
		DeleteAfterView: req.DeleteAfterView,
	}, nil
}

func (h *Hdl) decodeMultipart(r *http.Request) (domain.CreateParams, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return domain.CreateParams{}, errors.Wrap(err, "parse multipart")
	}
	defer r.MultipartForm.RemoveAll()
	if len(r.FormValue("filename")) > util.MaxFilenameInput {
		return domain.CreateParams{}, domain.ErrFilenameTooLong
	}
	dav, _ := strconv.ParseBool(r.FormValue("delete_after_view"))
	params := domain.CreateParams{
		Content:         sanitizeContent(r.FormValue("content")),
		Filename:        r.FormValue("filename"),
		DeleteAfterView: dav,
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) > h.cfg.MaxFiles {
		return params, domain.ErrTooManyFiles
	}
	for _, fh := range headers {
		up, err := h.readUpload(fh)
		if err != nil {
			return params, err
		}
		params.Files = append(params.Files, up)
	}
	return params, nil
}

func (h *Hdl) readUpload(fh *multipart.FileHeader) (domain.Upload, error) {
	if fh.Size > h.cfg.MaxFileSize {
		return domain.Upload{}, domain.ErrFileTooLarge
	}
	if len(fh.Filename) > util.MaxFilenameInput {
		return domain.Upload{}, domain.ErrFilenameTooLong
	}
	f, err := fh.Open()
	if err != nil {
		return domain.Upload{}, errors.Wrap(err, "open upload")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.cfg.MaxFileSize+1))
	if err != nil {
		return domain.Upload{}, errors.Wrap(err, "read upload")
	}
	if int64(len(data)) > h.cfg.MaxFileSize {
		return domain.Upload{}, domain.ErrFileTooLarge
	}
	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return domain.Upload{Filename: fh.Filename, MimeType: mimeType, Data: data}, nil
}

// bodyErr maps request-body failures onto the domain taxonomy.
func bodyErr(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
		return domain.ErrPasteTooLarge
	}
	if _, ok := errors.Cause(err).(*domain.Err); ok {
		return err
	}
	return domain.ErrInvalidRequest
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	view, err := h.paste.Fetch(r.Context(), key)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if view.Consumed != domain.ConsumedNone {
		hlog.FromRequest(r).Info().
			Str("key", util.RedactKey(key)).
			Str("consumed", string(view.Consumed)).
			Msg("delete-after-view paste served")
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, view)
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	removed, err := h.paste.Delete(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	status := "absent"
	if removed {
		status = "deleted"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (h *Hdl) DownloadFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dl, err := h.paste.Download(r.Context(), q.Get("fileId"), q.Get("key"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	hdr := w.Header()
	hdr.Set("Content-Type", dl.MimeType)
	hdr.Set("Content-Disposition", contentDisposition(dl.Filename))
	hdr.Set("Content-Length", strconv.Itoa(len(dl.Data)))
	hdr.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	hdr.Set("Pragma", "no-cache")
	hdr.Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(dl.Data); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("download write interrupted")
	}
}

func contentDisposition(name string) string {
	ascii := util.ASCIIFilename(name)
	if ascii == "" {
		ascii = "download"
	}
	v := fmt.Sprintf("attachment; filename=%q", ascii)
	if ascii != name {
		v += "; filename*=UTF-8''" + url.PathEscape(name)
	}
	return v
}

func (h *Hdl) CleanupExpired(w http.ResponseWriter, r *http.Request) {
	if token := h.cfg.SweepToken.Value(); token != "" {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeErr(w, r, domain.ErrUnauthorized)
			return
		}
	}
	n, err := h.paste.CleanupExpired(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("request_id", util.GetRequestID(r.Context())).Msg("cleanup failed")
		writeJSON(w, http.StatusInternalServerError, CleanupResp{Success: false, Error: "cleanup failed"})
		return
	}
	writeJSON(w, http.StatusOK, CleanupResp{
		Success:      true,
		DeletedCount: n,
		Message:      fmt.Sprintf("Deleted %d expired pastes", n),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	requestID := util.GetRequestID(r.Context())
	statusCode := domain.Status(err)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 && statusCode != http.StatusServiceUnavailable {
		errorMsg = "internal server error"
		util.Ctx(r.Context()).Error().Err(err).Msg("internal error")
	}
	writeJSON(w, statusCode, map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}

// sanitizeContent normalises to NFC and drops control characters other than
// common whitespace. Content is returned as JSON, never rendered, so it is
// not HTML-escaped.
func sanitizeContent(s string) string {
	s = norm.NFC.String(s)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}
