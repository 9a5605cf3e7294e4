// Package service exposes speech sessions over the bus. Each session is
// addressed by identifier and owns one live engine plus a dedicated engine
// instance for export passes, so an export can never disturb live playback.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxlabs/voxd/internal/bus"
	"github.com/voxlabs/voxd/internal/config"
	"github.com/voxlabs/voxd/internal/engine"
	"github.com/voxlabs/voxd/internal/export"
	"github.com/voxlabs/voxd/internal/protocol"
	"github.com/voxlabs/voxd/internal/session"
	"github.com/voxlabs/voxd/internal/voice"
)

// EngineFactory builds a fresh engine instance.
type EngineFactory func() (engine.Engine, error)

type Service struct {
	cfg       config.Config
	bus       *bus.Client
	catalog   voice.Catalog
	newEngine EngineFactory
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	mu       sync.Mutex
	sessions map[string]*sessionEntry

	meter        metric.Meter
	started      metric.Int64Counter
	finished     metric.Int64Counter
	interrupted  metric.Int64Counter
	exports      metric.Int64Counter
	sessionGauge metric.Int64ObservableGauge
}

type sessionEntry struct {
	session *session.Session
	export  engine.Engine
}

func New(parent context.Context, cfg config.Config, busClient *bus.Client, catalog voice.Catalog, factory EngineFactory, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:       cfg,
		bus:       busClient,
		catalog:   catalog,
		newEngine: factory,
		logger:    logger.With(slog.String("component", "speech-service")),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*sessionEntry),
		meter:     otel.Meter("github.com/voxlabs/voxd/service"),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectSessionLoad:      s.handleLoad,
		protocol.SubjectSessionSpeak:     s.handleSpeak,
		protocol.SubjectSessionPause:     s.handlePause,
		protocol.SubjectSessionStop:      s.handleStop,
		protocol.SubjectSessionExport:    s.handleExport,
		protocol.SubjectVoicesList:       s.handleVoicesList,
		protocol.SubjectVoicesPersonal:   s.handleVoicesPersonal,
		protocol.SubjectVoicesCurated:    s.handleVoicesCurated,
		protocol.SubjectVoicesPermission: s.handlePermission,
		protocol.SubjectVoicesLanguage:   s.handleLanguage,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.closeSubs()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.closeSubs()
	s.wg.Wait()
}

func (s *Service) closeSubs() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return len(s.subs) > 0
}

// sessionFor returns the session for id, creating it (and its two engine
// instances) on first use. An empty id asks for a generated one.
func (s *Service) sessionFor(id string) (*sessionEntry, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	if entry, ok := s.sessions[id]; ok {
		return entry, id, nil
	}
	live, err := s.newEngine()
	if err != nil {
		return nil, id, err
	}
	exportEngine, err := s.newEngine()
	if err != nil {
		return nil, id, err
	}
	entry := &sessionEntry{
		session: session.New(id, live, s.catalog, s.logger),
		export:  exportEngine,
	}
	s.sessions[id] = entry
	return entry, id, nil
}

func (s *Service) existingSession(id string) *sessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Service) handleLoad(msg *nats.Msg) {
	var req protocol.LoadRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode load request", slogError(err))
		return
	}

	spec, err := session.NewUtteranceSpec(req.Text, req.Rate, req.Pitch, req.Volume, req.Language, req.VoiceID)
	if err != nil {
		s.respond(msg, protocol.LoadReply{SessionID: req.SessionID, Status: "error", Message: err.Error()})
		return
	}

	entry, id, err := s.sessionFor(req.SessionID)
	if err != nil {
		s.logger.Warn("failed to create session", slogError(err))
		s.respond(msg, protocol.LoadReply{SessionID: id, Status: "error", Message: "engine unavailable"})
		return
	}

	res, err := entry.session.Load(s.ctx, spec)
	if err != nil {
		s.respond(msg, protocol.LoadReply{SessionID: id, Status: "error", Message: err.Error()})
		return
	}
	s.respond(msg, protocol.LoadReply{SessionID: id, Status: "ok", Voice: res.VoiceID, Message: res.Message})
}

func (s *Service) handleSpeak(msg *nats.Msg) {
	var req protocol.ControlRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		return
	}

	entry := s.existingSession(req.SessionID)
	if entry == nil {
		s.respond(msg, protocol.SpeakReply{Code: protocol.CodeNoUtterance, Message: "no utterance loaded"})
		return
	}

	// the timeout bounds a single utterance; a hung backend resolves as an
	// interruption instead of leaving the request unanswered forever
	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.Session.SpeakTimeoutMS)*time.Millisecond)
	err := entry.session.Speak(ctx, func(outcome session.Outcome) {
		cancel()
		if outcome == session.OutcomeFinished {
			s.count(s.finished)
		} else {
			s.count(s.interrupted)
		}
		s.respond(msg, protocol.SpeakReply{Success: outcome == session.OutcomeFinished, Message: outcome.String()})
	})
	switch {
	case errors.Is(err, session.ErrNoUtteranceLoaded):
		cancel()
		s.respond(msg, protocol.SpeakReply{Code: protocol.CodeNoUtterance, Message: "no utterance loaded"})
	case err != nil:
		cancel()
		s.logger.Warn("speak failed", slogError(err), slog.String("tag", req.Tag))
		s.respond(msg, protocol.SpeakReply{Code: protocol.CodeEngine, Message: "engine failure"})
	default:
		s.count(s.started)
	}
}

func (s *Service) handlePause(msg *nats.Msg) {
	var req protocol.ControlRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode pause request", slogError(err))
		return
	}
	entry := s.existingSession(req.SessionID)
	if entry == nil {
		s.respond(msg, protocol.ControlReply{Message: "no active session"})
		return
	}
	res := entry.session.Pause()
	s.respond(msg, protocol.ControlReply{Message: res.Message})
}

func (s *Service) handleStop(msg *nats.Msg) {
	var req protocol.ControlRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode stop request", slogError(err))
		return
	}
	entry := s.existingSession(req.SessionID)
	if entry == nil {
		s.respond(msg, protocol.ControlReply{Message: "no active session"})
		return
	}
	res := entry.session.Stop()
	s.respond(msg, protocol.ControlReply{Message: res.Message})
}

func (s *Service) handleExport(msg *nats.Msg) {
	var req protocol.ExportRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode export request", slogError(err))
		return
	}

	entry := s.existingSession(req.SessionID)
	if entry == nil {
		s.respond(msg, exportReplyForError(session.ErrNoUtteranceLoaded, ""))
		return
	}
	utt, err := entry.session.CurrentUtterance()
	if err != nil {
		s.respond(msg, exportReplyForError(err, ""))
		return
	}

	path := s.resolveExportPath(req.Path)
	job, err := export.Start(s.ctx, entry.export, utt, path, s.logger)
	if err != nil {
		s.logger.Warn("failed to start export", slogError(err), slog.String("tag", req.Tag))
		s.respond(msg, protocol.ExportReply{Code: protocol.CodeEngine, Message: "engine failure"})
		return
	}
	s.count(s.exports)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.Session.ExportTimeoutMS)*time.Millisecond)
		defer cancel()
		err := job.Wait(ctx)
		if ctx.Err() != nil && err == ctx.Err() {
			// there is no timeout in the job itself; on ours, stop the
			// pass and report the cancellation
			entry.export.Stop()
			err = export.ErrSpeechCancelled
		}
		s.respond(msg, exportReplyForError(err, path))
	}()
}

// resolveExportPath keeps absolute paths as given and anchors relative ones
// in the configured export directory.
func (s *Service) resolveExportPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.cfg.Export.Directory, path)
}

func exportReplyForError(err error, path string) protocol.ExportReply {
	switch {
	case err == nil:
		return protocol.ExportReply{OK: true, Path: path}
	case errors.Is(err, session.ErrNoUtteranceLoaded):
		return protocol.ExportReply{Code: protocol.CodeNoUtterance, Message: "no utterance loaded"}
	case errors.Is(err, export.ErrWriteFailed):
		return protocol.ExportReply{Code: protocol.CodeWriteFailed, Message: err.Error()}
	case errors.Is(err, export.ErrSpeechCancelled):
		return protocol.ExportReply{Code: protocol.CodeSpeechCancelled, Message: err.Error()}
	default:
		return protocol.ExportReply{Code: protocol.CodeEngine, Message: err.Error()}
	}
}

func (s *Service) handleVoicesList(msg *nats.Msg) {
	var req protocol.VoicesRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode voices request", slogError(err))
		return
	}
	voices, err := s.catalog.ListAll(s.ctx, req.Category)
	if err != nil {
		s.logger.Warn("voice catalog query failed", slogError(err))
		voices = nil
	}
	s.respond(msg, protocol.VoicesReply{Voices: voiceInfos(voices)})
}

func (s *Service) handleVoicesPersonal(msg *nats.Msg) {
	voices, err := s.catalog.ListByCapability(s.ctx, voice.CapabilityPersonal)
	if err != nil {
		s.logger.Warn("voice catalog query failed", slogError(err))
		voices = nil
	}
	s.respond(msg, protocol.VoicesReply{Voices: voiceInfos(voices)})
}

func (s *Service) handleVoicesCurated(msg *nats.Msg) {
	voices, err := voice.ListCurated(s.ctx, s.catalog, s.cfg.Catalog.CuratedPrefix)
	if err != nil {
		s.logger.Warn("voice catalog query failed", slogError(err))
		voices = nil
	}
	s.respond(msg, protocol.VoicesReply{Voices: voiceInfos(voices)})
}

func (s *Service) handlePermission(msg *nats.Msg) {
	auth := voice.AuthorizationFromConfig(s.cfg.Catalog.PersonalVoice)
	s.respond(msg, protocol.PermissionReply{Status: string(auth)})
}

func (s *Service) handleLanguage(msg *nats.Msg) {
	lang, err := s.catalog.DefaultLanguage(s.ctx)
	if err != nil {
		s.logger.Warn("voice catalog query failed", slogError(err))
	}
	s.respond(msg, protocol.LanguageReply{Language: lang})
}

func voiceInfos(voices []voice.Voice) []protocol.VoiceInfo {
	infos := make([]protocol.VoiceInfo, 0, len(voices))
	for _, v := range voices {
		infos = append(infos, protocol.VoiceInfo{
			ID:          v.ID,
			Language:    v.Language,
			Name:        v.Name,
			Description: v.Description,
		})
	}
	return infos
}

func (s *Service) respond(msg *nats.Msg, reply any) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond", slogError(err))
	}
}

func (s *Service) initMetrics() error {
	var err error
	if s.started, err = s.meter.Int64Counter("voxd.utterances.started", metric.WithDescription("Utterances started")); err != nil {
		return err
	}
	if s.finished, err = s.meter.Int64Counter("voxd.utterances.finished", metric.WithDescription("Utterances finished naturally")); err != nil {
		return err
	}
	if s.interrupted, err = s.meter.Int64Counter("voxd.utterances.interrupted", metric.WithDescription("Utterances interrupted")); err != nil {
		return err
	}
	if s.exports, err = s.meter.Int64Counter("voxd.export.jobs", metric.WithDescription("Export jobs started")); err != nil {
		return err
	}
	gauge, err := s.meter.Int64ObservableGauge("voxd.sessions.active", metric.WithDescription("Number of active sessions"))
	if err != nil {
		return err
	}
	s.sessionGauge = gauge
	_, err = s.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		s.mu.Lock()
		n := int64(len(s.sessions))
		s.mu.Unlock()
		obs.ObserveInt64(gauge, n)
		return nil
	}, gauge)
	return err
}

func (s *Service) count(c metric.Int64Counter) {
	if c != nil {
		c.Add(s.ctx, 1)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
