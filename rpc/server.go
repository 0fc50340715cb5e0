package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/wrenmoor/aria"
)

// Conn is one bidirectional text channel. Implementations must make
// WriteMessage safe for concurrent use; ReadMessage is called from a single
// goroutine.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Server is the Session Orchestrator: a thin broker mapping JSON-RPC
// requests onto the memory runtime, the conversation scorer, and the
// external LLM collaborator. All non-trivial policy lives in the runtime;
// the server owns only routing, sessions, and interaction-state upkeep.
type Server struct {
	rt     *aria.Runtime
	dir    *aria.PersonaDirectory
	chat   aria.ChatCompleter
	logger *aria.Logger

	// cooldownBase is scaled by the conversation scorer's multiplier when a
	// conversation terminates.
	cooldownBase   time.Duration
	energyPerTurn  float64
	fatiguePerTurn int
}

// NewServer builds a server. chat may be nil; persona.chat then fails with
// an internal error while the memory methods keep working.
func NewServer(rt *aria.Runtime, dir *aria.PersonaDirectory, chat aria.ChatCompleter, logger *aria.Logger) *Server {
	if logger == nil {
		logger = aria.NewNopLogger()
	}
	return &Server{
		rt:             rt,
		dir:            dir,
		chat:           chat,
		logger:         logger,
		cooldownBase:   5 * time.Minute,
		energyPerTurn:  2.0,
		fatiguePerTurn: 1,
	}
}

// Serve runs the request loop for one connection until it closes or ctx is
// cancelled. Each connection gets its own session.
func (s *Server) Serve(ctx context.Context, conn Conn) {
	sess := newSession()
	s.rt.Metrics.SessionOpened()
	defer s.rt.Metrics.SessionClosed()
	defer conn.Close()

	s.logger.Info("session opened", zap.String("session", sess.ID))
	defer s.logger.Info("session closed", zap.String("session", sess.ID))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Warn("read failed", zap.String("session", sess.ID), zap.Error(err))
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.write(conn, errResponse(nil, codeParseError, "parse error", nil))
			continue
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			s.write(conn, errResponse(req.ID, codeInvalidRequest, "invalid request", nil))
			continue
		}

		s.rt.Metrics.IncRPCRequest()
		if resp := s.dispatch(ctx, sess, conn, &req); resp != nil {
			s.write(conn, resp)
		}
	}
}

func (s *Server) write(conn Conn, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response failed", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		s.logger.Warn("write failed", zap.Error(err))
	}
}

// dispatch routes one request. A nil return means the handler already wrote
// everything it needed (streaming).
func (s *Server) dispatch(ctx context.Context, sess *session, conn Conn, req *Request) *Response {
	switch req.Method {
	case "persona.list":
		return s.handlePersonaList(ctx, req)
	case "persona.switch":
		return s.handlePersonaSwitch(ctx, sess, req)
	case "persona.chat":
		return s.handleChat(ctx, sess, req)
	case "persona.chat_stream":
		s.handleChatStream(ctx, sess, conn, req)
		return nil
	case "memory.store":
		return s.handleMemoryStore(ctx, sess, req)
	case "memory.search":
		return s.handleMemorySearch(ctx, sess, req)
	case "memory.search_cross_persona":
		return s.handleMemorySearchCrossPersona(ctx, req)
	case "memory.stats":
		return s.handleMemoryStats(ctx, sess, req)
	case "memory.prune_recommendations":
		return s.handlePruneRecommendations(ctx, sess, req)
	case "memory.prune":
		return s.handlePrune(ctx, sess, req)
	case "memory.prune_stats":
		return s.handlePruneStats(ctx, req)
	case "system.status":
		return s.handleSystemStatus(ctx, req)
	default:
		return errResponse(req.ID, codeMethodNotFound, "unknown method: "+req.Method, nil)
	}
}

// --- persona methods ---

func (s *Server) handlePersonaList(ctx context.Context, req *Request) *Response {
	personas, err := s.dir.List(ctx)
	if err != nil {
		return errorResponseFor(req.ID, err)
	}

	now := time.Now()
	out := make([]map[string]any, len(personas))
	for i, p := range personas {
		available := !now.Before(p.Interaction.CooldownUntil)
		status := "available"
		if !available {
			status = "cooling_down"
		}
		out[i] = map[string]any{
			"id":                  p.ID,
			"name":                p.Name,
			"description":         p.Description,
			"available":           available,
			"status":              status,
			"social_energy":       p.Interaction.SocialEnergy,
			"interaction_fatigue": p.Interaction.InteractionFatigue,
			"social_rank":         p.SocialRank,
		}
	}
	return okResponse(req.ID, map[string]any{"personas": out})
}

func (s *Server) handlePersonaSwitch(ctx context.Context, sess *session, req *Request) *Response {
	var params struct {
		PersonaID string `json:"persona_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.PersonaID == "" {
		return errResponse(req.ID, codeInvalidParams, "persona_id required", nil)
	}

	persona, err := s.dir.Persona(ctx, params.PersonaID)
	if err != nil {
		return errorResponseFor(req.ID, err)
	}

	sess.switchPersona(persona.ID)

	status := "available"
	if time.Now().Before(persona.Interaction.CooldownUntil) {
		status = "cooling_down"
	}
	return okResponse(req.ID, map[string]any{
		"id":     persona.ID,
		"name":   persona.Name,
		"status": status,
	})
}

type chatParams struct {
	PersonaID   string `json:"persona_id,omitempty"`
	Message     string `json:"message"`
	TokenBudget int    `json:"token_budget,omitempty"`
}

// turnState carries one chat exchange through prepare -> LLM -> finish.
type turnState struct {
	persona aria.Persona
	speaker aria.Persona
	rel     aria.Relationship
	topics  []string
	conv    aria.ConversationContext
	history []aria.ChatTurn
}

func (s *Server) prepareTurn(ctx context.Context, sess *session, params chatParams) (*turnState, error) {
	personaID := sess.activePersona(params.PersonaID)
	if personaID == "" {
		return nil, &aria.Error{Kind: aria.KindNotFound, Code: aria.CodeInvalidPersona, Op: "rpc.chat", Message: "no active persona; call persona.switch first"}
	}
	persona, err := s.dir.Persona(ctx, personaID)
	if err != nil {
		return nil, err
	}

	speaker := aria.Persona{ID: sess.ID, Name: "client"}
	rel, _ := s.dir.Relationship(ctx, speaker.ID, persona.ID)

	conv, history := sess.snapshot()
	if conv.ContinueScore == 0 && conv.TurnCount == 0 {
		conv.ContinueScore = 50
	}
	if params.TokenBudget > 0 {
		conv.TokenBudget = params.TokenBudget
	}

	return &turnState{
		persona: persona,
		speaker: speaker,
		rel:     rel,
		topics:  detectTopics(params.Message, persona.TopicPreferences),
		conv:    conv,
		history: history,
	}, nil
}

// finishTurn scores the exchange, persists it as a conversation memory,
// and updates the persona's interaction state. Memory persistence is best
// effort: a failed store never fails the chat reply.
func (s *Server) finishTurn(ctx context.Context, sess *session, st *turnState, params chatParams, reply string) (float64, bool) {
	score := s.rt.Conversations.Score(aria.TurnInput{
		Speaker:      st.speaker,
		Listener:     st.persona,
		Relationship: st.rel,
		Context:      st.conv,
		Topics:       st.topics,
	})

	conv := sess.recordTurn(st.persona.ID, params.Message, reply, score, params.TokenBudget)

	compat := st.rel.Compatibility()
	content := fmt.Sprintf("User: %s\n%s: %s", params.Message, st.persona.Name, reply)
	if _, err := s.rt.Memories.Store(ctx, aria.StoreInput{
		PersonaID:     st.persona.ID,
		Content:       content,
		Kind:          "conversation",
		Visibility:    aria.VisibilityPrivate,
		Context:       &conv,
		Compatibility: &compat,
		Topics:        st.topics,
	}); err != nil {
		s.logger.Warn("store conversation memory failed", zap.String("persona", st.persona.ID), zap.Error(err))
	}

	s.dir.UpdateInteraction(st.persona.ID, func(is *aria.InteractionState) {
		is.SocialEnergy -= s.energyPerTurn
		if is.SocialEnergy < 0 {
			is.SocialEnergy = 0
		}
		is.InteractionFatigue += s.fatiguePerTurn
	})

	ended := score < float64(s.rt.Conversations.ContinueThreshold())
	if ended {
		cooldown := time.Duration(float64(s.cooldownBase) * s.rt.Conversations.CooldownMultiplier(score))
		until := time.Now().Add(cooldown)
		s.dir.UpdateInteraction(st.persona.ID, func(is *aria.InteractionState) {
			is.CooldownUntil = until
		})
		sess.endConversation()
	}

	s.rt.Metrics.IncChatTurn()
	return score, ended
}

func (s *Server) handleChat(ctx context.Context, sess *session, req *Request) *Response {
	var params chatParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Message == "" {
		return errResponse(req.ID, codeInvalidParams, "message required", nil)
	}
	if s.chat == nil {
		return errResponse(req.ID, codeInternal, "no chat completer configured", nil)
	}

	st, err := s.prepareTurn(ctx, sess, params)
	if err != nil {
		return errorResponseFor(req.ID, err)
	}

	reply, err := s.chat.Complete(ctx, st.persona, st.history, params.Message)
	if err != nil {
		return errResponse(req.ID, codeInternal, "chat completion failed: "+err.Error(), nil)
	}

	score, ended := s.finishTurn(ctx, sess, st, params, reply)
	return okResponse(req.ID, map[string]any{
		"response":           reply,
		"continue_score":     score,
		"conversation_ended": ended,
	})
}

func (s *Server) handleChatStream(ctx context.Context, sess *session, conn Conn, req *Request) {
	event := func(payload map[string]any) {
		s.write(conn, okResponse(req.ID, payload))
	}

	var params chatParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Message == "" {
		event(map[string]any{"event_type": eventStreamError, "message": "message required"})
		return
	}
	if s.chat == nil {
		event(map[string]any{"event_type": eventStreamError, "message": "no chat completer configured"})
		return
	}

	st, err := s.prepareTurn(ctx, sess, params)
	if err != nil {
		event(map[string]any{"event_type": eventStreamError, "message": err.Error()})
		return
	}

	event(map[string]any{"event_type": eventStreamStart, "persona_id": st.persona.ID})

	chunks := make(chan string, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.chat.CompleteStream(ctx, st.persona, st.history, params.Message, chunks)
	}()

	var full []byte
	chunkNumber := 0
	for chunk := range chunks {
		chunkNumber++
		full = append(full, chunk...)
		event(map[string]any{
			"event_type":   eventStreamChunk,
			"chunk":        chunk,
			"chunk_number": chunkNumber,
		})
	}

	if err := <-errCh; err != nil {
		if errors.Is(err, context.Canceled) {
			event(map[string]any{"event_type": eventStreamCancelled})
		} else {
			event(map[string]any{"event_type": eventStreamError, "message": err.Error()})
		}
		return
	}

	reply := string(full)
	score, ended := s.finishTurn(ctx, sess, st, params, reply)
	event(map[string]any{
		"event_type":         eventStreamComplete,
		"full_response":      reply,
		"chunk_count":        chunkNumber,
		"continue_score":     score,
		"conversation_ended": ended,
	})
}

// --- memory methods ---

func memoryToMap(r aria.SearchResult) map[string]any {
	m := map[string]any{
		"id":           r.ID,
		"content":      r.Content,
		"memory_type":  r.Kind,
		"visibility":   string(r.Visibility),
		"importance":   r.Importance,
		"similarity":   r.Similarity,
		"access_count": r.AccessCount,
		"created_at":   r.CreatedAt.Format(time.RFC3339),
	}
	if len(r.RelatedPersonas) > 0 {
		m["related_personas"] = r.RelatedPersonas
	}
	if len(r.RelatedMemories) > 0 {
		m["related_memories"] = r.RelatedMemories
	}
	if r.Source != "" {
		m["source"] = r.Source
	}
	if r.SourcePersona != "" {
		m["source_persona"] = r.SourcePersona
	}
	return m
}

func (s *Server) handleMemoryStore(ctx context.Context, sess *session, req *Request) *Response {
	var params struct {
		PersonaID       string            `json:"persona_id,omitempty"`
		Content         string            `json:"content"`
		MemoryType      string            `json:"memory_type"`
		Visibility      string            `json:"visibility,omitempty"`
		Importance      *float64          `json:"importance,omitempty"`
		RelatedPersonas []string          `json:"related_personas,omitempty"`
		Metadata        map[string]string `json:"metadata,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Content == "" {
		return errResponse(req.ID, codeInvalidParams, "content required", nil)
	}
	if params.Importance != nil && (*params.Importance < 0 || *params.Importance > 1) {
		return errResponse(req.ID, codeInvalidParams, "importance must be in [0, 1]", nil)
	}
	switch params.Visibility {
	case "", string(aria.VisibilityPrivate), string(aria.VisibilityShared), string(aria.VisibilityPublic):
	default:
		return errResponse(req.ID, codeInvalidParams, "visibility must be private, shared, or public", nil)
	}

	personaID := sess.activePersona(params.PersonaID)
	id, err := s.rt.Memories.Store(ctx, aria.StoreInput{
		PersonaID:          personaID,
		Content:            params.Content,
		Kind:               params.MemoryType,
		Visibility:         aria.Visibility(params.Visibility),
		ImportanceOverride: params.Importance,
		RelatedPersonas:    params.RelatedPersonas,
		Metadata:           params.Metadata,
	})
	if err != nil {
		return errorResponseFor(req.ID, err)
	}
	return okResponse(req.ID, map[string]any{"memory_id": id})
}

func (s *Server) handleMemorySearch(ctx context.Context, sess *session, req *Request) *Response {
	var params struct {
		PersonaID     string  `json:"persona_id,omitempty"`
		Query         string  `json:"query"`
		NResults      int     `json:"n_results,omitempty"`
		MinImportance float64 `json:"min_importance,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Query == "" {
		return errResponse(req.ID, codeInvalidParams, "query required", nil)
	}
	if params.NResults <= 0 {
		params.NResults = 5
	}

	personaID := sess.activePersona(params.PersonaID)
	results, err := s.rt.Memories.Search(ctx, personaID, params.Query, params.NResults, params.MinImportance)
	if err != nil {
		return errorResponseFor(req.ID, err)
	}

	out := make([]map[string]any, len(results))
	for i, r := range results {
		out[i] = memoryToMap(r)
	}
	return okResponse(req.ID, map[string]any{"memories": out})
}

func (s *Server) handleMemorySearchCrossPersona(ctx context.Context, req *Request) *Response {
	var params struct {
		PersonaID     string  `json:"persona_id"`
		Query         string  `json:"query"`
		NResults      int     `json:"n_results,omitempty"`
		MinImportance float64 `json:"min_importance,omitempty"`
		IncludeShared bool    `json:"include_shared"`
		IncludePublic bool    `json:"include_public"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.PersonaID == "" || params.Query == "" {
		return errResponse(req.ID, codeInvalidParams, "persona_id and query required", nil)
	}
	if params.NResults <= 0 {
		params.NResults = 5
	}

	results, err := s.rt.Memories.SearchCrossPersona(ctx, aria.CrossPersonaSearchInput{
		RequestingPersonaID: params.PersonaID,
		Query:               params.Query,
		K:                   params.NResults,
		MinImportance:       params.MinImportance,
		IncludeShared:       params.IncludeShared,
		IncludePublic:       params.IncludePublic,
	})
	if err != nil {
		return errorResponseFor(req.ID, err)
	}

	out := make([]map[string]any, len(results))
	for i, r := range results {
		if r.SourcePersona == "" {
			r.SourcePersona = params.PersonaID
		}
		out[i] = memoryToMap(r)
	}
	return okResponse(req.ID, map[string]any{"memories": out})
}

func (s *Server) handleMemoryStats(ctx context.Context, sess *session, req *Request) *Response {
	var params struct {
		PersonaID string `json:"persona_id,omitempty"`
	}
	if len(req.Params) > 0 {
		json.Unmarshal(req.Params, &params)
	}

	personaID := sess.activePersona(params.PersonaID)
	stats, err := s.rt.Memories.Stats(ctx, personaID)
	if err != nil {
		return errorResponseFor(req.ID, err)
	}
	return okResponse(req.ID, map[string]any{
		"persona_id":     personaID,
		"total_memories": stats.Total,
		"memory_types":   stats.ByKind,
		"by_visibility":  stats.ByVisibility,
		"avg_importance": stats.AvgImportance,
	})
}

func pruneResultToMap(r aria.PruneResult) map[string]any {
	return map[string]any{
		"persona_id":               r.PersonaID,
		"evaluated":                r.Evaluated,
		"candidates":               r.Candidates,
		"protected_by_safety_rule": r.ProtectedBySafetyRule,
		"deleted":                  r.Deleted,
		"mean_importance_pruned":   r.MeanImportancePruned,
		"mean_importance_kept":     r.MeanImportanceKept,
	}
}

func (s *Server) handlePruneRecommendations(ctx context.Context, sess *session, req *Request) *Response {
	var params struct {
		PersonaID string `json:"persona_id,omitempty"`
	}
	if len(req.Params) > 0 {
		json.Unmarshal(req.Params, &params)
	}

	personaID := sess.activePersona(params.PersonaID)
	result, err := s.rt.Pruner.Recommend(ctx, personaID)
	if err != nil {
		return errorResponseFor(req.ID, err)
	}
	return okResponse(req.ID, pruneResultToMap(result))
}

func (s *Server) handlePrune(ctx context.Context, sess *session, req *Request) *Response {
	var params struct {
		PersonaID string `json:"persona_id,omitempty"`
		Force     bool   `json:"force,omitempty"`
	}
	if len(req.Params) > 0 {
		json.Unmarshal(req.Params, &params)
	}

	personaID := sess.activePersona(params.PersonaID)
	result, err := s.rt.Pruner.Prune(ctx, personaID, params.Force)
	if err != nil {
		return errorResponseFor(req.ID, err)
	}
	return okResponse(req.ID, pruneResultToMap(result))
}

func (s *Server) handlePruneStats(ctx context.Context, req *Request) *Response {
	ids, err := s.rt.Memories.PersonaIDs()
	if err != nil {
		return errorResponseFor(req.ID, err)
	}

	out := make([]map[string]any, len(ids))
	for i, id := range ids {
		st := s.rt.Pruner.Status(id)
		entry := map[string]any{
			"persona_id":  st.PersonaID,
			"in_progress": st.InProgress,
			"state":       st.State,
			"error_count": st.ErrorCount,
		}
		if st.LastPrunedAt != nil {
			entry["last_pruned_at"] = st.LastPrunedAt.Format(time.RFC3339)
		}
		out[i] = entry
	}
	return okResponse(req.ID, map[string]any{"personas": out})
}

func (s *Server) handleSystemStatus(ctx context.Context, req *Request) *Response {
	snap := s.rt.Metrics.Snapshot()

	collections := map[string]int{}
	if ids, err := s.rt.Memories.PersonaIDs(); err == nil {
		for _, id := range ids {
			if stats, err := s.rt.Memories.Stats(ctx, id); err == nil {
				collections[id] = stats.Total
			}
		}
	}

	return okResponse(req.ID, map[string]any{
		"uptime_seconds":   snap.UptimeSeconds,
		"active_sessions":  snap.ActiveSessions,
		"rpc_requests":     snap.RPCRequests,
		"chat_turns":       snap.ChatTurns,
		"memories_stored":  snap.MemoriesStored,
		"memories_pruned":  snap.MemoriesPruned,
		"memories_decayed": snap.DecayedMemories,
		"searches":         snap.Searches,
		"decay_cycles":     snap.DecayCycles,
		"prune_runs":       snap.PruneRuns,
		"goroutines":       runtime.NumGoroutine(),
		"collections":      collections,
	})
}
