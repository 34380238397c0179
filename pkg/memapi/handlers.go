package memapi

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/chaiyawut/butler/pkg/memory"
	"github.com/chaiyawut/butler/pkg/memstore"
	"github.com/chaiyawut/butler/pkg/retrieval"
	"github.com/chaiyawut/butler/pkg/types"
)

func (s *Server) handleSearch(c echo.Context) error {
	q, err := parseQuery(c)
	if err != nil {
		return err
	}
	resp, err := s.engine.Search(c.Request().Context(), q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

// handleConsult synthesizes decision guidance: a fixed small search over
// principle and pattern documents, rendered as a templated reply.
func (s *Server) handleConsult(c echo.Context) error {
	text := c.QueryParam("q")
	if text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	const consultLimit = 3

	var sources []*retrieval.Result
	var lines []string
	for _, docType := range []string{"principle", "pattern"} {
		resp, err := s.engine.Search(c.Request().Context(), retrieval.Query{
			Text:  text,
			Type:  docType,
			Limit: consultLimit,
			Mode:  retrieval.ModeHybrid,
		})
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		for _, r := range resp.Results {
			sources = append(sources, r)
			lines = append(lines, fmt.Sprintf("- [%s] %s", docType, r.Doc.Content))
		}
	}

	advice := "No recorded principles or patterns apply."
	if len(lines) > 0 {
		advice = fmt.Sprintf("Considering %q, the following apply:\n%s", text, strings.Join(lines, "\n"))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"advice":  advice,
		"sources": sources,
	})
}

// handleReflect returns a uniformly random principle or learning.
func (s *Server) handleReflect(c echo.Context) error {
	var candidates []*types.Document
	for _, docType := range []string{"principle", "learning"} {
		docs, err := s.store.ListDocuments(c.Request().Context(), memstore.ListFilter{Type: docType})
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		candidates = append(candidates, docs...)
	}
	if len(candidates) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "nothing to reflect on")
	}
	return c.JSON(http.StatusOK, candidates[rand.Intn(len(candidates))])
}

// handleList lists documents, deduplicated by source file unless
// dedupe=false.
func (s *Server) handleList(c echo.Context) error {
	f := memstore.ListFilter{
		Type:    c.QueryParam("type"),
		Project: c.QueryParam("project"),
		Limit:   intParam(c, "limit", 50),
		Offset:  intParam(c, "offset", 0),
	}
	if layers := c.QueryParam("layers"); layers != "" {
		for _, l := range strings.Split(layers, ",") {
			f.Layers = append(f.Layers, types.Layer(strings.TrimSpace(l)))
		}
	}
	docs, err := s.store.ListDocuments(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if c.QueryParam("dedupe") != "false" {
		seen := make(map[string]bool)
		deduped := docs[:0]
		for _, d := range docs {
			if d.SourcePath != "" {
				if seen[d.SourcePath] {
					continue
				}
				seen[d.SourcePath] = true
			}
			deduped = append(deduped, d)
		}
		docs = deduped
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"documents": docs,
		"count":     len(docs),
	})
}

func (s *Server) handleStats(c echo.Context) error {
	ctx := c.Request().Context()
	total, err := s.store.CountDocuments(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	byLayer := make(map[string]int)
	docs, err := s.store.ListDocuments(ctx, memstore.ListFilter{})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	for _, d := range docs {
		byLayer[string(types.EffectiveLayer(d.Layer))]++
	}
	vectorUp := false
	if v := s.store.Vectors(); v != nil {
		vectorUp = v.Available()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"totalDocs":       total,
		"byLayer":         byLayer,
		"vectorAvailable": vectorUp,
	})
}

func (s *Server) handleDoc(c echo.Context) error {
	doc, err := s.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if err == memstore.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, doc)
}

// handleGraph returns principles plus a sample of learnings, with edges
// where two documents share a concept tag.
func (s *Server) handleGraph(c echo.Context) error {
	ctx := c.Request().Context()
	principles, err := s.store.ListDocuments(ctx, memstore.ListFilter{Type: "principle"})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	learnings, err := s.store.ListDocuments(ctx, memstore.ListFilter{Type: "learning", Limit: 25})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	nodes := append(principles, learnings...)
	type edge struct {
		From string `json:"from"`
		To   string `json:"to"`
		Tag  string `json:"tag"`
	}
	var edges []edge
	tags := make(map[string][]string, len(nodes))
	for _, d := range nodes {
		tags[d.ID] = conceptTags(d)
	}
	for i, a := range nodes {
		for _, b := range nodes[i+1:] {
			if tag := sharedTag(tags[a.ID], tags[b.ID]); tag != "" {
				edges = append(edges, edge{From: a.ID, To: b.ID, Tag: tag})
			}
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"nodes": nodes,
		"edges": edges,
	})
}

func (s *Server) handleLearn(c echo.Context) error {
	var req memory.LearnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	res, err := s.manager.Learn(c.Request().Context(), req)
	if err != nil {
		if strings.Contains(err.Error(), "required") {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, res)
}

func (s *Server) handleSupersede(c echo.Context) error {
	var req struct {
		SupersededID string `json:"superseded_id"`
		SurvivorID   string `json:"survivor_id"`
		Reason       string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.SupersededID == "" || req.SurvivorID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "superseded_id and survivor_id are required")
	}
	if err := s.manager.Supersede(c.Request().Context(), req.SupersededID, req.SurvivorID, req.Reason); err != nil {
		if err == memstore.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUserModelGet(c echo.Context) error {
	userID := userIDParam(c)
	um, _, err := s.manager.GetUserModel(c.Request().Context(), userID)
	if err != nil {
		if err == memstore.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "no user model for "+userID)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, um)
}

func (s *Server) handleUserModelUpdate(c echo.Context) error {
	var req struct {
		UserID string                 `json:"userId"`
		Patch  map[string]interface{} `json:"patch"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.UserID == "" {
		req.UserID = "default"
	}
	if len(req.Patch) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "patch is required")
	}
	um, err := s.manager.UpdateUserModel(c.Request().Context(), req.UserID, req.Patch)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, um)
}

func (s *Server) handleUserModelDelete(c echo.Context) error {
	userID := userIDParam(c)
	if err := s.manager.DeleteUserModel(c.Request().Context(), userID); err != nil {
		if err == memstore.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "no user model for "+userID)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleProceduralSearch(c echo.Context) error {
	text := c.QueryParam("q")
	if text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	procs, docs, err := s.manager.SearchProcedures(c.Request().Context(), text, intParam(c, "limit", 10))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"procedures": procs,
		"documents":  docs,
	})
}

func (s *Server) handleProceduralLearn(c echo.Context) error {
	var req memory.LearnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	req.Layer = types.LayerProcedural
	res, err := s.manager.Learn(c.Request().Context(), req)
	if err != nil {
		if strings.Contains(err.Error(), "required") {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, res)
}

func (s *Server) handleProceduralUsage(c echo.Context) error {
	var req struct {
		DocID string `json:"doc_id"`
	}
	if err := c.Bind(&req); err != nil || req.DocID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "doc_id is required")
	}
	if err := s.manager.RecordProcedureUsage(c.Request().Context(), req.DocID); err != nil {
		if err == memstore.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "procedure not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleEpisodicSearch(c echo.Context) error {
	text := c.QueryParam("q")
	if text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	eps, docs, err := s.manager.SearchEpisodes(c.Request().Context(), text, intParam(c, "limit", 10))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"episodes":  eps,
		"documents": docs,
	})
}

func (s *Server) handleEpisodicRecord(c echo.Context) error {
	var req struct {
		types.EpisodicMemory
		Project   string `json:"project,omitempty"`
		CreatedBy string `json:"created_by,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Summary == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "summary is required")
	}
	doc, err := s.manager.RecordEpisode(c.Request().Context(), &req.EpisodicMemory, req.Project, req.CreatedBy)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, doc)
}

func (s *Server) handlePurgeExpired(c echo.Context) error {
	purged, err := s.manager.PurgeExpired(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"purged": purged})
}

// parseQuery maps the search query parameters onto a retrieval query.
func parseQuery(c echo.Context) (retrieval.Query, error) {
	text := c.QueryParam("q")
	if text == "" {
		return retrieval.Query{}, echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	q := retrieval.Query{
		Text:    text,
		Type:    c.QueryParam("type"),
		Limit:   intParam(c, "limit", 10),
		Offset:  intParam(c, "offset", 0),
		Project: c.QueryParam("project"),
	}
	switch mode := c.QueryParam("mode"); mode {
	case "", "hybrid":
		q.Mode = retrieval.ModeHybrid
	case "lexical":
		q.Mode = retrieval.ModeLexical
	case "vector":
		q.Mode = retrieval.ModeVector
	default:
		return q, echo.NewHTTPError(http.StatusBadRequest, "invalid mode "+mode)
	}
	if layers := c.QueryParam("layers"); layers != "" {
		for _, l := range strings.Split(layers, ",") {
			q.Layers = append(q.Layers, types.Layer(strings.TrimSpace(l)))
		}
	}
	return q, nil
}

func intParam(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func userIDParam(c echo.Context) string {
	if id := c.QueryParam("user_id"); id != "" {
		return id
	}
	return "default"
}

// conceptTags extracts tag-like strings from a document's concepts
// envelope: topics and tags arrays when present.
func conceptTags(d *types.Document) []string {
	if d.Concepts == "" {
		return nil
	}
	var envelope map[string]interface{}
	if err := json.Unmarshal([]byte(d.Concepts), &envelope); err != nil {
		return nil
	}
	var out []string
	for _, key := range []string{"topics", "tags"} {
		arr, ok := envelope[key].([]interface{})
		if !ok {
			continue
		}
		for _, v := range arr {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, strings.ToLower(s))
			}
		}
	}
	return out
}

func sharedTag(a, b []string) string {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return x
			}
		}
	}
	return ""
}
