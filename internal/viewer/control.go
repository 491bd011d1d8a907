package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Faultbox/l2dview/internal/assets"
	"github.com/Faultbox/l2dview/internal/chat"
	"github.com/Faultbox/l2dview/internal/engine/audio"
	"github.com/Faultbox/l2dview/internal/expression"
	"github.com/Faultbox/l2dview/internal/lipsync"
	"github.com/Faultbox/l2dview/internal/logger"
	"github.com/Faultbox/l2dview/internal/puppet"
)

const (
	maxRequestBody = 64 << 10
	maxClipBody    = 16 << 20
)

type control struct {
	s   *Session
	log *zap.Logger
}

// NewControlHandler serves the local control and metrics API of a session.
func NewControlHandler(s *Session) http.Handler {
	c := &control{s: s, log: logger.Named("control")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.metrics.Handler())
	r.Post("/screenshot", c.screenshot)

	r.Route("/models", func(r chi.Router) {
		r.Get("/", c.listModels)
		r.Route("/{slot}", func(r chi.Router) {
			r.Post("/expressions/{name}", c.setExpression)
			r.Delete("/expressions", c.clearExpressions)
			r.Delete("/expressions/{name}", c.clearExpression)
			r.Post("/say", c.say)
			r.Delete("/say", c.cancelSay)
			r.Post("/chat", c.chat)
			r.Post("/textures/{pack}", c.swapTextures)
			r.Post("/randomize", c.randomize)
			r.Post("/voice", c.playVoice)
			r.Post("/microphone", c.startMicrophone)
			r.Delete("/microphone", c.stopMicrophone)
		})
	})
	return r
}

func (c *control) screenshot(w http.ResponseWriter, r *http.Request) {
	path, err := c.s.Screenshot(r.Context())
	c.reply(w, err, http.StatusOK, map[string]string{"path": path})
}

func (c *control) listModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.s.Status())
}

// model resolves the slot of the request to a ready model.
func (c *control) model(r *http.Request) (*puppet.Instance, error) {
	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil {
		return nil, puppet.ErrInvalidSlot
	}
	inst, err := c.s.Model(slot)
	if err != nil {
		return nil, err
	}
	if inst.State() != puppet.CompleteSetup {
		if inst.State() == puppet.Failed {
			return nil, fmt.Errorf("%w: %w", puppet.ErrLoadFailed, inst.Err())
		}
		return nil, puppet.ErrNotReady
	}
	return inst, nil
}

func (c *control) setExpression(w http.ResponseWriter, r *http.Request) {
	inst, err := c.model(r)
	if err == nil {
		err = inst.SetExpression(chi.URLParam(r, "name"))
	}
	c.reply(w, err, http.StatusNoContent, nil)
}

func (c *control) clearExpression(w http.ResponseWriter, r *http.Request) {
	inst, err := c.model(r)
	if err == nil {
		err = inst.ClearExpression(chi.URLParam(r, "name"))
	}
	c.reply(w, err, http.StatusNoContent, nil)
}

func (c *control) clearExpressions(w http.ResponseWriter, r *http.Request) {
	inst, err := c.model(r)
	if err == nil {
		err = inst.ClearExpressions()
	}
	c.reply(w, err, http.StatusNoContent, nil)
}

type sayRequest struct {
	Text string `json:"text"`
}

type sayResponse struct {
	Utterance string `json:"utterance"`
}

func (c *control) say(w http.ResponseWriter, r *http.Request) {
	var body sayRequest
	if !decode(w, r, &body) {
		return
	}
	if body.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	inst, err := c.model(r)
	if err != nil {
		c.reply(w, err, 0, nil)
		return
	}
	d, err := c.s.LipSync(inst.Slot())
	if err != nil {
		c.reply(w, err, 0, nil)
		return
	}
	id, err := d.Speak(body.Text, nil)
	c.reply(w, err, http.StatusAccepted, sayResponse{Utterance: id})
}

func (c *control) cancelSay(w http.ResponseWriter, r *http.Request) {
	inst, err := c.model(r)
	if err != nil {
		c.reply(w, err, 0, nil)
		return
	}
	d, err := c.s.LipSync(inst.Slot())
	if err == nil {
		d.Cancel()
	}
	c.reply(w, err, http.StatusNoContent, nil)
}

type chatRequest struct {
	Prompt string `json:"prompt"`
}

type chatResponse struct {
	Content   string `json:"content"`
	Utterance string `json:"utterance,omitempty"`
}

func (c *control) chat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if !decode(w, r, &body) {
		return
	}
	if body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	inst, err := c.model(r)
	if err != nil {
		c.reply(w, err, 0, nil)
		return
	}
	resp, err := c.s.Responder(inst.Slot())
	if err != nil {
		c.reply(w, err, 0, nil)
		return
	}
	content, utt, err := resp.Send(r.Context(), body.Prompt)
	c.reply(w, err, http.StatusOK, chatResponse{Content: content, Utterance: utt})
}

func (c *control) swapTextures(w http.ResponseWriter, r *http.Request) {
	inst, err := c.model(r)
	if err != nil {
		c.reply(w, err, 0, nil)
		return
	}
	pack, err := c.s.TexturePack(chi.URLParam(r, "pack"))
	if err == nil {
		err = inst.SwapTextures(r.Context(), pack)
	}
	c.reply(w, err, http.StatusNoContent, nil)
}

type randomizeRequest struct {
	IDs []string `json:"ids"`
}

func (c *control) randomize(w http.ResponseWriter, r *http.Request) {
	var body randomizeRequest
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	inst, err := c.model(r)
	if err == nil {
		err = c.s.Randomize(inst.Slot(), body.IDs)
	}
	c.reply(w, err, http.StatusNoContent, nil)
}

func (c *control) playVoice(w http.ResponseWriter, r *http.Request) {
	clip, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxClipBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "clip too large")
		return
	}
	inst, err := c.model(r)
	if err == nil {
		name := r.URL.Query().Get("name")
		if name == "" {
			name = "upload"
		}
		err = c.s.PlayVoice(context.WithoutCancel(r.Context()), inst.Slot(), clip, name)
	}
	c.reply(w, err, http.StatusAccepted, nil)
}

func (c *control) startMicrophone(w http.ResponseWriter, r *http.Request) {
	inst, err := c.model(r)
	if err == nil {
		err = c.s.StartMicrophone(r.Context(), inst.Slot())
	}
	c.reply(w, err, http.StatusNoContent, nil)
}

func (c *control) stopMicrophone(w http.ResponseWriter, r *http.Request) {
	inst, err := c.model(r)
	if err != nil {
		c.reply(w, err, 0, nil)
		return
	}
	d, err := c.s.LipSync(inst.Slot())
	if err == nil {
		err = d.StopLive()
	}
	c.reply(w, err, http.StatusNoContent, nil)
}

// reply writes v with status on success and maps err otherwise.
func (c *control) reply(w http.ResponseWriter, err error, status int, v any) {
	if err != nil {
		code := statusOf(err)
		if code >= http.StatusInternalServerError {
			c.log.Warn("control request failed", zap.Error(err))
		}
		writeError(w, code, err.Error())
		return
	}
	if v == nil {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, v)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, puppet.ErrInvalidSlot),
		errors.Is(err, expression.ErrExpressionNotFound),
		errors.Is(err, ErrUnknownPack):
		return http.StatusNotFound
	case errors.Is(err, puppet.ErrNotReady),
		errors.Is(err, lipsync.ErrModeBusy):
		return http.StatusConflict
	case errors.Is(err, puppet.ErrUnknownParameter),
		errors.Is(err, puppet.ErrUnknownPart),
		errors.Is(err, audio.ErrBadClip):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrRemoteRequestFailed),
		errors.Is(err, puppet.ErrLoadFailed),
		errors.Is(err, assets.ErrAssetLoadFailed):
		return http.StatusBadGateway
	case errors.Is(err, lipsync.ErrDeviceUnavailable),
		errors.Is(err, ErrChatDisabled),
		errors.Is(err, ErrVoiceDisabled),
		errors.Is(err, puppet.ErrReleased),
		errors.Is(err, puppet.ErrRegistryReleased),
		errors.Is(err, ErrSessionClosed),
		errors.Is(err, ErrCaptureUnsupported):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
