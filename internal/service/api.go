package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/lingualink/internal/health"
	"github.com/MrWong99/lingualink/internal/observe"
	"github.com/MrWong99/lingualink/internal/resilience"
	"github.com/MrWong99/lingualink/pkg/audio"
	"github.com/MrWong99/lingualink/pkg/audio/systemaudio"
)

// maxAudioSeconds bounds POST /tracks/{id}/audio bodies in mono PCM16 at
// the pipeline sample rate.
const maxAudioSeconds = 60

func (s *Service) maxAudioBody() int64 {
	return int64(maxAudioSeconds * s.playback.SampleRate() * 2)
}

// Handler returns the HTTP control API wrapped in the observability
// middleware.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /devices", s.handleDevices)
	mux.HandleFunc("POST /devices/refresh", s.handleRefresh)
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("POST /capture/start", s.handleCaptureStart)
	mux.HandleFunc("POST /capture/pause", s.handleCapturePause)
	mux.HandleFunc("POST /capture/resume", s.handleCaptureResume)
	mux.HandleFunc("POST /capture/switch", s.handleCaptureSwitch)
	mux.HandleFunc("POST /capture/stop", s.handleCaptureStop)

	mux.HandleFunc("PUT /playback/volume", s.handleVolume)
	mux.HandleFunc("PUT /playback/outputs", s.handleOutputs)
	mux.HandleFunc("POST /interrupt", s.handleInterrupt)
	mux.HandleFunc("POST /tracks/{id}/audio", s.handleTrackAudio)
	mux.HandleFunc("POST /tracks/{id}/clear", s.handleTrackClear)

	mux.HandleFunc("PUT /passthrough", s.handlePassthrough)

	mux.HandleFunc("GET /system-audio/sources", s.handleSources)
	mux.HandleFunc("POST /system-audio/connect", s.handleConnect)
	mux.HandleFunc("POST /system-audio/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /system-audio/recording/start", s.handleRecordingStart)
	mux.HandleFunc("POST /system-audio/recording/stop", s.handleRecordingStop)

	if s.hub != nil {
		mux.Handle("GET "+s.cfg.VirtualMic.Path+"/ws", s.hub)
	}
	if s.rtc != nil {
		mux.Handle("POST "+s.cfg.VirtualMic.Path+"/webrtc/offer", s.rtc)
	}

	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(s.Checkers()...).Register(mux)

	return observe.Middleware(s.metrics)(mux)
}

// ─── Devices + status ────────────────────────────────────────────────────────

type devicesResponse struct {
	Inputs          []audio.DeviceDescriptor `json:"inputs"`
	Outputs         []audio.DeviceDescriptor `json:"outputs"`
	SelectedInput   string                   `json:"selectedInput"`
	SelectedOutputs []string                 `json:"selectedOutputs"`
	RefreshedAt     time.Time                `json:"refreshedAt,omitzero"`
}

func (s *Service) handleDevices(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	resp := devicesResponse{
		Inputs:        s.inputs,
		Outputs:       s.outputs,
		SelectedInput: s.captureDevice,
		RefreshedAt:   s.refreshedAt,
	}
	s.mu.Unlock()
	resp.SelectedOutputs = s.playback.Sinks()
	if resp.Inputs == nil {
		resp.Inputs = []audio.DeviceDescriptor{}
	}
	if resp.Outputs == nil {
		resp.Outputs = []audio.DeviceDescriptor{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.RefreshDevices(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	s.handleDevices(w, r)
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

// ─── Capture ─────────────────────────────────────────────────────────────────

type deviceRequest struct {
	DeviceID string `json:"deviceId"`
}

func (s *Service) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !readJSON(w, r, &req, true) {
		return
	}
	if err := s.StartCapture(r.Context(), req.DeviceID); err != nil {
		writeError(w, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *Service) handleCapturePause(w http.ResponseWriter, r *http.Request) {
	if err := s.PauseCapture(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleCaptureResume(w http.ResponseWriter, r *http.Request) {
	if err := s.ResumeCapture(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleCaptureSwitch(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !readJSON(w, r, &req, false) {
		return
	}
	if err := s.SwitchCapture(r.Context(), req.DeviceID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleCaptureStop(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"flushedSamples": s.StopCapture()})
}

// ─── Playback ────────────────────────────────────────────────────────────────

func (s *Service) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Volume *float64 `json:"volume"`
	}
	if !readJSON(w, r, &req, false) {
		return
	}
	if req.Volume == nil {
		writeMessage(w, http.StatusBadRequest, "volume is required")
		return
	}
	s.SetVolume(*req.Volume)
	writeJSON(w, http.StatusOK, map[string]float64{"volume": s.Volume()})
}

func (s *Service) handleOutputs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceIDs []string `json:"deviceIds"`
	}
	if !readJSON(w, r, &req, false) {
		return
	}
	if err := s.SetOutputs(r.Context(), req.DeviceIDs...); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"outputs": s.Outputs()})
}

func (s *Service) handleInterrupt(w http.ResponseWriter, _ *http.Request) {
	res := s.Interrupt()
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleTrackAudio accepts raw little-endian 16-bit mono PCM. Query
// parameters: volume (default 1) and mode ("stream", the default, or
// "buffer").
func (s *Service) handleTrackAudio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	volume := 1.0
	if v := r.URL.Query().Get("volume"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid volume")
			return
		}
		volume = f
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxAudioBody()))
	if err != nil {
		writeMessage(w, http.StatusRequestEntityTooLarge, "audio body too large")
		return
	}
	if len(body)%2 != 0 {
		writeMessage(w, http.StatusBadRequest, "odd PCM byte count")
		return
	}
	samples := audio.BytesToInt16(body)

	add := s.PlayStream
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", "stream":
	case "buffer":
		add = s.PlayBuffer
	default:
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", mode))
		return
	}
	res := add(samples, id, volume)
	status := http.StatusAccepted
	if !res.Accepted() {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"trackId": res.TrackID,
		"status":  res.Status.String(),
		"samples": res.Samples,
	})
}

func (s *Service) handleTrackClear(w http.ResponseWriter, r *http.Request) {
	s.ClearTrack(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// ─── Passthrough ─────────────────────────────────────────────────────────────

func (s *Service) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool     `json:"enabled"`
		Volume  *float64 `json:"volume"`
	}
	if !readJSON(w, r, &req, false) {
		return
	}
	_, volume := s.Passthrough()
	if req.Volume != nil {
		volume = *req.Volume
	}
	s.SetPassthrough(req.Enabled, volume)
	enabled, volume := s.Passthrough()
	writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled, "volume": volume})
}

// ─── System audio ────────────────────────────────────────────────────────────

func (s *Service) handleSources(w http.ResponseWriter, r *http.Request) {
	srcs, err := s.SystemAudioSources(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if srcs == nil {
		srcs = []audio.SystemAudioSource{}
	}
	writeJSON(w, http.StatusOK, srcs)
}

func (s *Service) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceID string `json:"sourceId"`
	}
	if !readJSON(w, r, &req, false) {
		return
	}
	if req.SourceID == "" {
		writeMessage(w, http.StatusBadRequest, "sourceId is required")
		return
	}
	if err := s.ConnectSystemAudio(r.Context(), req.SourceID); err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.RetryAfter().Seconds()+0.999)))
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.SystemAudioStatus())
}

func (s *Service) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.DisconnectSystemAudio(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.SystemAudioStatus())
}

func (s *Service) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if err := s.StartSystemAudio(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.SystemAudioStatus())
}

func (s *Service) handleRecordingStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.StopSystemAudio(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.SystemAudioStatus())
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// readJSON decodes the request body into v. With optional set an empty body
// leaves v untouched. On failure it writes a 400 and returns false.
func readJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeMessage(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
	return false
}

// writeError maps pipeline errors to HTTP status codes. Device errors carry
// their remediation message.
func writeError(w http.ResponseWriter, err error) {
	msg := err.Error()
	status := http.StatusInternalServerError

	var de *audio.DeviceError
	switch {
	case errors.As(err, &de):
		msg = de.UserMessage()
		switch de.Reason {
		case audio.ReasonNotFound:
			status = http.StatusNotFound
		case audio.ReasonPermissionDenied:
			status = http.StatusForbidden
		default:
			status = http.StatusConflict
		}
	case errors.Is(err, ErrUnknownDevice):
		status = http.StatusNotFound
	case errors.Is(err, ErrSystemAudioDisabled), errors.Is(err, audio.ErrBackendUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, audio.ErrAlreadyConnected),
		errors.Is(err, audio.ErrAlreadyRecording),
		errors.Is(err, audio.ErrAlreadyPaused),
		errors.Is(err, audio.ErrNotBegun),
		errors.Is(err, systemaudio.ErrNotConnected),
		errors.Is(err, systemaudio.ErrLinkInUse):
		status = http.StatusConflict
	case errors.Is(err, audio.ErrConnectFailed):
		status = http.StatusBadGateway
	}
	writeMessage(w, status, msg)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
