package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/samber/lo"
	"github.com/samber/oops"

	"rss_relay/internal/articles"
	"rss_relay/internal/fetcher"
	"rss_relay/internal/filter"
	"rss_relay/internal/model"
)

type validateRequest struct {
	Expression json.RawMessage `json:"expression"`
}

type validationErrorJSON struct {
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

type validateResponse struct {
	Valid  bool                  `json:"valid"`
	Errors []validationErrorJSON `json:"errors"`
}

func (s *Server) handleValidateFilter(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Expression) == 0 {
		writeError(w, http.StatusBadRequest, "expression is required")
		return
	}

	_, errs := parseExpression(req.Expression)
	writeJSON(w, http.StatusOK, validateResponse{
		Valid:  len(errs) == 0,
		Errors: toErrorsJSON(errs),
	})
}

// parseExpression runs both validation passes. A parse failure is reported as
// a single root-level validation error.
func parseExpression(raw json.RawMessage) (filter.Expression, filter.ValidationErrors) {
	expr, err := filter.Parse(raw)
	if err != nil {
		var ie *filter.InvalidExpressionError
		if errors.As(err, &ie) {
			return nil, filter.ValidationErrors{{Message: ie.Message}}
		}
		return nil, filter.ValidationErrors{{Message: err.Error()}}
	}
	return expr, filter.Validate(expr)
}

func toErrorsJSON(errs filter.ValidationErrors) []validationErrorJSON {
	return lo.Map(errs, func(e filter.ValidationError, _ int) validationErrorJSON {
		return validationErrorJSON{Path: e.Path, Message: e.Message}
	})
}

type queryRequest struct {
	URL                   string          `json:"url"`
	Properties            []string        `json:"properties"`
	ArticleID             string          `json:"articleId"`
	Search                string          `json:"search"`
	Skip                  int             `json:"skip"`
	Limit                 int             `json:"limit"`
	Random                bool            `json:"random"`
	Filter                json.RawMessage `json:"filter"`
	IncludeFilterVerdicts bool            `json:"includeFilterVerdicts"`
}

type queryResponse struct {
	Articles       []map[string]string `json:"articles"`
	TotalCount     int                 `json:"totalCount"`
	Properties     []string            `json:"properties"`
	FilterVerdicts []articles.Verdict  `json:"filterVerdicts,omitempty"`
}

func (s *Server) handleQueryArticles(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if req.Skip < 0 {
		writeError(w, http.StatusBadRequest, "skip must not be negative")
		return
	}

	sel := articles.Request{
		Properties:      req.Properties,
		ArticleID:       req.ArticleID,
		Search:          req.Search,
		Skip:            req.Skip,
		Limit:           req.Limit,
		Random:          req.Random,
		IncludeVerdicts: req.IncludeFilterVerdicts,
	}
	if len(req.Filter) > 0 && string(req.Filter) != "null" {
		expr, errs := parseExpression(req.Filter)
		if len(errs) > 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "invalid filter",
				"errors": toErrorsJSON(errs),
			})
			return
		}
		sel.Expression = expr
	}

	raw, err := s.fetcher.Fetch(r.Context(), req.URL)
	if err != nil {
		s.fetchFailed(w, r, req.URL, err)
		return
	}
	all, err := fetcher.ParseArticles(raw)
	if err != nil {
		s.fetchFailed(w, r, req.URL, err)
		return
	}

	res, err := articles.Select(r.Context(), s.engine, all, sel)
	if err != nil {
		var re *filter.RegexEvaluationError
		if errors.As(err, &re) {
			writeError(w, http.StatusUnprocessableEntity, re.Error())
			return
		}
		s.fail(w, r, http.StatusInternalServerError, oops.With("url", req.URL).Wrapf(err, "select articles"))
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Articles: lo.Map(res.Articles, func(a model.Article, _ int) map[string]string {
			return a.Flattened
		}),
		TotalCount:     res.TotalCount,
		Properties:     res.Properties,
		FilterVerdicts: res.FilterVerdicts,
	})
}

func (s *Server) fetchFailed(w http.ResponseWriter, r *http.Request, url string, err error) {
	var fe *fetcher.Error
	if !errors.As(err, &fe) {
		s.fail(w, r, http.StatusInternalServerError, oops.With("url", url).Wrapf(err, "fetch feed"))
		return
	}
	s.log.WarnContext(r.Context(), "article query fetch failed", "url", url, "kind", fe.Kind, "error", err)

	status := http.StatusBadGateway
	switch fe.Kind {
	case fetcher.KindTimeout:
		status = http.StatusGatewayTimeout
	case fetcher.KindParse, fetcher.KindInvalidFeed:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": fe.Error(), "kind": string(fe.Kind)})
}
