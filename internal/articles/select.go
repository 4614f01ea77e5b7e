// Package articles selects and pages feed articles for queries and decides
// which fetched articles are eligible for delivery.
package articles

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"rss_relay/internal/filter"
	"rss_relay/internal/model"
)

// AllProperties requests every flattened field present in the articles.
const AllProperties = "*"

// Request selects a page of articles.
type Request struct {
	// Properties to project. Empty picks a default; AllProperties picks all.
	Properties []string
	// ArticleID selects the single article with that id, ignoring paging.
	ArticleID string
	// Search keeps articles whose projected properties contain the term.
	Search string
	Skip   int
	// Limit <= 0 means no limit.
	Limit  int
	Random bool
	// Expression is evaluated per selected article when IncludeVerdicts is set.
	Expression      filter.Expression
	IncludeVerdicts bool
}

// Verdict is the filter result for one selected article.
type Verdict struct {
	Passed bool `json:"passed"`
}

// Result is a selected page.
type Result struct {
	Articles       []model.Article
	TotalCount     int
	Properties     []string
	FilterVerdicts []Verdict
}

// Select resolves properties, picks a page of articles, projects them and
// optionally evaluates the request expression against each.
func Select(ctx context.Context, engine *filter.Engine, all []model.Article, req Request) (Result, error) {
	props := resolveProperties(all, req.Properties)

	var matched []model.Article
	if req.ArticleID != "" {
		if a, ok := lo.Find(all, func(a model.Article) bool { return a.Field("id") == req.ArticleID }); ok {
			matched = []model.Article{project(a, props)}
		}
	} else {
		candidates := lo.Map(all, func(a model.Article, _ int) model.Article { return project(a, props) })
		if req.Search != "" {
			term := strings.ToLower(req.Search)
			candidates = lo.Filter(candidates, func(a model.Article, _ int) bool {
				return lo.SomeBy(props, func(p string) bool {
					return strings.Contains(strings.ToLower(a.Field(p)), term)
				})
			})
		}
		matched = pick(candidates, req.Skip, req.Limit, req.Random)
	}

	res := Result{
		Articles:   matched,
		TotalCount: len(all),
		Properties: props,
	}

	if !req.IncludeVerdicts {
		return res, nil
	}

	res.FilterVerdicts = make([]Verdict, len(matched))
	if req.Expression == nil {
		for i := range res.FilterVerdicts {
			res.FilterVerdicts[i].Passed = true
		}
		return res, nil
	}

	if errs := filter.Validate(req.Expression); errs != nil {
		return Result{}, fmt.Errorf("validate expression: %w", errs.Err())
	}
	for i, a := range matched {
		passed, err := engine.Evaluate(ctx, req.Expression, filter.BuildReferences(a))
		if err != nil {
			return Result{}, fmt.Errorf("evaluate article %s: %w", a.ID, err)
		}
		res.FilterVerdicts[i].Passed = passed
	}
	return res, nil
}

func resolveProperties(all []model.Article, requested []string) []string {
	if lo.Contains(requested, AllProperties) {
		var keys []string
		for _, a := range all {
			keys = append(keys, lo.Keys(a.Flattened)...)
		}
		keys = lo.Uniq(keys)
		sort.Strings(keys)
		return keys
	}
	if len(requested) > 0 {
		return requested
	}
	if lo.SomeBy(all, func(a model.Article) bool { return a.Field("title") != "" }) {
		return []string{"id", "title"}
	}
	return []string{"id"}
}

// project keeps only props plus id. Missing props become "".
func project(a model.Article, props []string) model.Article {
	flat := make(map[string]string, len(props)+1)
	for _, p := range props {
		flat[p] = a.Field(p)
	}
	flat["id"] = a.Field("id")
	return model.Article{
		ID:        a.ID,
		Flattened: flat,
		Published: a.Published,
		Raw:       a.Raw,
	}
}

// pick draws up to limit articles without replacement. In order mode the
// window is [skip, min(len-1, skip+limit-1)]; random mode samples the whole
// slice.
func pick(candidates []model.Article, skip, limit int, random bool) []model.Article {
	if len(candidates) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = len(candidates)
	}
	if random {
		return lo.Samples(candidates, limit)
	}
	if skip < 0 {
		skip = 0
	}
	if skip >= len(candidates) {
		return nil
	}
	end := min(len(candidates)-1, skip+limit-1)
	return candidates[skip : end+1]
}
