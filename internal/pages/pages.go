// Package pages renders the static site of spec section 6 ("www/... —
// generated static site"). Every write goes to a .tmp path in the same
// directory and is then renamed into place, so a reader never observes a
// partially written file (spec section 5, "Shared resource policy").
//
// No library in the example corpus does HTML generation, so this package
// uses the standard library's html/template rather than a third-party
// templating engine (see DESIGN.md).
package pages

import (
	"html/template"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/macdice/cfbot/internal/model"
)

// Generator renders report pages into WEB_ROOT.
type Generator struct {
	webRoot string
	logger  *zap.SugaredLogger
	tmpl    *template.Template
}

// New builds a Generator. Templates are parsed once from the page
// definitions below; a malformed template is a startup-time bug, not a
// runtime condition, so New panics rather than returning an error.
func New(webRoot string, logger *zap.SugaredLogger) *Generator {
	funcs := template.FuncMap{
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
	}
	return &Generator{
		webRoot: webRoot,
		logger:  logger,
		tmpl:    template.Must(template.New("pages").Funcs(funcs).Parse(pageTemplates)),
	}
}

// writeAtomic renders tmplName with data to relPath under webRoot, via a
// sibling .tmp file and rename, per spec section 5.
func (g *Generator) writeAtomic(relPath, tmplName string, data any) error {
	fullPath := filepath.Join(g.webRoot, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return err
	}

	tmpPath := fullPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if err := g.tmpl.ExecuteTemplate(f, tmplName, data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, fullPath)
}

// indexData is the template data for the index and next-commitfest pages.
type indexData struct {
	Title      string
	Submissions []model.Submission
	Branches    map[int]model.Branch // by submission_id, latest attempt
}

// RenderIndex writes the all-open-commitfests overview page.
func (g *Generator) RenderIndex(subs []model.Submission, latest map[int]model.Branch) error {
	return g.writeAtomic("index.html", "index", indexData{Title: "cfbot", Submissions: subs, Branches: latest})
}

// RenderNext writes the single nearest-upcoming-commitfest page.
func (g *Generator) RenderNext(subs []model.Submission, latest map[int]model.Branch) error {
	return g.writeAtomic("next.html", "index", indexData{Title: "cfbot: next commitfest", Submissions: subs, Branches: latest})
}

// authorData is the template data for one author's page.
type authorData struct {
	Author      string
	Submissions []model.Submission
	Branches    map[int]model.Branch
}

// RenderAuthor writes one author's personal patch-status page, named by a
// filesystem-safe slug of their name.
func (g *Generator) RenderAuthor(author string, subs []model.Submission, latest map[int]model.Branch) error {
	return g.writeAtomic(filepath.Join("authors", authorSlug(author)+".html"), "author",
		authorData{Author: author, Submissions: subs, Branches: latest})
}

func authorSlug(name string) string {
	slug := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			slug = append(slug, r)
		case r >= 'A' && r <= 'Z':
			slug = append(slug, r+('a'-'A'))
		default:
			slug = append(slug, '-')
		}
	}
	if len(slug) == 0 {
		return "unknown"
	}
	return string(slug)
}

// highlightData is the template data for one highlight-type report page.
type highlightData struct {
	Type       model.HighlightType
	Highlights []model.Highlight
}

// RenderHighlights writes the report page for one highlight type, or the
// combined "all" page when typ is empty, per spec 4.4's
// refresh-highlight-pages job.
func (g *Generator) RenderHighlights(typ model.HighlightType, highlights []model.Highlight) error {
	name := string(typ)
	if name == "" {
		name = "all"
	}
	return g.writeAtomic(filepath.Join("highlights", name+".html"), "highlights",
		highlightData{Type: typ, Highlights: highlights})
}

// statisticsData is the template data for the build/task timing page.
type statisticsData struct {
	BuildStats []model.StatusStatistic
	TaskStats  []model.StatusStatistic
}

// RenderStatistics writes the build_status_statistics/task_status_statistics
// report page. The hourly gc job refreshes the statistics tables but does
// not call this.
func (g *Generator) RenderStatistics(buildStats, taskStats []model.StatusStatistic) error {
	return g.writeAtomic("statistics.html", "statistics", statisticsData{BuildStats: buildStats, TaskStats: taskStats})
}

const pageTemplates = `
{{define "index"}}<!DOCTYPE html>
<html><head><title>{{.Title}}</title></head><body>
<h1>{{.Title}}</h1>
<table>
<tr><th>Name</th><th>Status</th><th>Authors</th><th>Latest branch</th></tr>
{{range .Submissions}}
<tr>
<td><a href="/patches/{{.CommitfestID}}/{{.SubmissionID}}/">{{.Name}}</a></td>
<td>{{.Status}}</td>
<td>{{range .Authors}}{{.}} {{end}}</td>
<td>{{with index $.Branches .SubmissionID}}{{.Status}}{{end}}</td>
</tr>
{{end}}
</table>
</body></html>
{{end}}

{{define "author"}}<!DOCTYPE html>
<html><head><title>{{.Author}}</title></head><body>
<h1>{{.Author}}</h1>
<table>
<tr><th>Name</th><th>Status</th><th>Latest branch</th></tr>
{{range .Submissions}}
<tr>
<td><a href="/patches/{{.CommitfestID}}/{{.SubmissionID}}/">{{.Name}}</a></td>
<td>{{.Status}}</td>
<td>{{with index $.Branches .SubmissionID}}{{.Status}}{{end}}</td>
</tr>
{{end}}
</table>
</body></html>
{{end}}

{{define "highlights"}}<!DOCTYPE html>
<html><head><title>Highlights: {{.Type}}</title></head><body>
<h1>Highlights: {{.Type}}</h1>
<ul>
{{range .Highlights}}<li><b>{{.Type}}</b> ({{.Source}}): <pre>{{.Excerpt}}</pre></li>{{end}}
</ul>
</body></html>
{{end}}

{{define "statistics"}}<!DOCTYPE html>
<html><head><title>cfbot statistics</title></head><body>
<h1>Build status statistics</h1>
<table>
<tr><th>Branch</th><th>Status</th><th>Avg (s)</th><th>Stddev (s)</th><th>N</th></tr>
{{range .BuildStats}}<tr><td>{{.BranchName}}</td><td>{{.Status}}</td><td>{{.AvgElapsed}}</td><td>{{.StddevElapsed}}</td><td>{{.N}}</td></tr>{{end}}
</table>
<h1>Task status statistics</h1>
<table>
<tr><th>Branch</th><th>Task</th><th>Status</th><th>Avg (s)</th><th>Stddev (s)</th><th>N</th></tr>
{{range .TaskStats}}<tr><td>{{.BranchName}}</td><td>{{deref .TaskName}}</td><td>{{.Status}}</td><td>{{.AvgElapsed}}</td><td>{{.StddevElapsed}}</td><td>{{.N}}</td></tr>{{end}}
</table>
</body></html>
{{end}}
`
