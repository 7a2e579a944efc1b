package main

import (
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "embed"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mjl-/bstore"

	"github.com/mjl-/regfront/registry"
)

//go:embed layout.html
var layoutHTML string

//go:embed index.html
var indexHTML string

//go:embed registry.html
var registryHTML string

//go:embed repo.html
var repoHTML string

//go:embed tag.html
var tagHTML string

//go:embed add.html
var addHTML string

var funcs = htmltemplate.FuncMap{
	// For displaying image size.
	"formatSize": func(v int64) string {
		return fmt.Sprintf("%.02f MB", float64(v)/(1024*1024))
	},
	// For repository names and tags as path elements. Repository names can
	// contain slashes.
	"urlencode": url.PathEscape,
	// Time between now and image creation.
	"age": func(t time.Time) string {
		if t.IsZero() {
			return "unknown"
		}
		const day = 24 * time.Hour
		const week = 7 * day
		const month = 30 * day
		const year = 365 * day
		d := time.Since(t)
		if d < 2*time.Minute {
			return "just now"
		} else if d < 2*time.Hour {
			return fmt.Sprintf("%d minutes ago", int64(math.Round(float64(d)/float64(time.Minute))))
		} else if d < 2*day {
			return fmt.Sprintf("%d hours ago", int64(math.Round(float64(d)/float64(time.Hour))))
		} else if d < 2*week {
			return fmt.Sprintf("%d days ago", int64(math.Round(float64(d)/float64(day))))
		} else if d < 2*month {
			return fmt.Sprintf("%d weeks ago", int64(math.Round(float64(d)/float64(week))))
		} else if d < 2*year {
			return fmt.Sprintf("%d months ago", int64(math.Round(float64(d)/float64(month))))
		}
		return fmt.Sprintf("%d years ago", int64(math.Round(float64(d)/float64(year))))
	},
}

// page returns a template for a page, with the header and footer from the layout.
func page(name, text string) *htmltemplate.Template {
	layout := htmltemplate.Must(htmltemplate.New("layout.html").Funcs(funcs).Parse(layoutHTML))
	return htmltemplate.Must(layout.New(name).Parse(text))
}

var indexTemplate = page("index.html", indexHTML)
var registryTemplate = page("registry.html", registryHTML)
var repoTemplate = page("repo.html", repoHTML)
var tagTemplate = page("tag.html", tagHTML)
var addTemplate = page("add.html", addHTML)

// For invalid input, e.g. in forms.
var errBadRequest = errors.New("bad request")

type htmlPath struct {
	Name      string
	Regexp    *regexp.Regexp
	Get, Post func(args []string, w http.ResponseWriter, r *http.Request)
}

// Paths are matched against the escaped path, path elements are unescaped
// before being passed to handlers. Repository names with slashes are escaped
// into a single path element.
var htmlPaths = []htmlPath{
	{Name: "htmlIndex", Regexp: regexp.MustCompile(`^/$`),
		Get: htmlIndex},

	{Name: "htmlRegistry", Regexp: regexp.MustCompile(`^/registry/([^/]+)/?$`),
		Get: htmlRegistry},

	{Name: "htmlRepo", Regexp: regexp.MustCompile(`^/registry/([^/]+)/repo/([^/]+)/?$`),
		Get: htmlRepo},

	{Name: "htmlTag", Regexp: regexp.MustCompile(`^/registry/([^/]+)/repo/([^/]+)/tag/([^/]+)/?$`),
		Get: htmlTag},

	{Name: "htmlTestConnection", Regexp: regexp.MustCompile(`^/test_connection$`),
		Get: htmlTestConnection},

	{Name: "htmlAddRegistry", Regexp: regexp.MustCompile(`^/add_registry$`),
		Get:  htmlAddRegistryForm,
		Post: htmlAddRegistry},

	{Name: "htmlRemoveRegistry", Regexp: regexp.MustCompile(`^/remove_registry$`),
		Post: htmlRemoveRegistry},

	{Name: "htmlDeleteRepo", Regexp: regexp.MustCompile(`^/delete_repo$`),
		Post: htmlDeleteRepo},

	{Name: "htmlDeleteTag", Regexp: regexp.MustCompile(`^/delete_tag$`),
		Post: htmlDeleteTag},
}

func serveHTML(xw http.ResponseWriter, r *http.Request) {
	w := &loggingWriter{
		W:     xw,
		Start: time.Now(),
		R:     r,
		Op:    "(html)",
	}
	defer w.done()

	defer func() {
		x := recover()
		if x == nil {
			return
		}

		if err, ok := x.(httpErr); ok {
			log.Debugf("http error: %d %s", err.code, err.msg)
			msg := fmt.Sprintf("%d - %s", err.code, http.StatusText(err.code))
			if err.msg != "" {
				msg += " - " + err.msg
			}
			http.Error(w, msg, err.code)
		} else if err, ok := x.(serverErr); ok {
			log.Printf("server error: %v", err.err)
			http.Error(w, fmt.Sprintf("500 - internal server error - %s", err.err), http.StatusInternalServerError)
		} else {
			metricPanic.WithLabelValues("html").Inc()
			panic(x)
		}
	}()

	path := r.URL.EscapedPath()
	for _, p := range htmlPaths {
		l := p.Regexp.FindStringSubmatch(path)
		if l == nil {
			continue
		}
		w.Op = p.Name

		var h func([]string, http.ResponseWriter, *http.Request)
		switch r.Method {
		case "GET":
			h = p.Get
		case "POST":
			h = p.Post
		}
		if h == nil {
			panic(httpErr{code: http.StatusMethodNotAllowed})
		}

		args := l[1:]
		for i, s := range args {
			var err error
			args[i], err = url.PathUnescape(s)
			if err != nil {
				panic(httpErr{http.StatusBadRequest, "bad path escaping"})
			}
		}
		w.Registry = requestRegistry(r, args)
		h(args, w, r)
		return
	}
	panic(httpErr{code: http.StatusNotFound})
}

// xredirectSlash redirects to the path with a trailing slash, so relative links
// in pages work. It returns whether it redirected.
func xredirectSlash(w http.ResponseWriter, r *http.Request) bool {
	path := r.URL.EscapedPath()
	if strings.HasSuffix(path, "/") {
		return false
	}
	http.Redirect(w, r, path+"/", http.StatusPermanentRedirect)
	return true
}

// xregistryCheckf turns an error talking to a registry into an HTTP error.
// Unknown repositories, tags and manifests result in 404, other failures of the
// registry in 502.
func xregistryCheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf("%s: %v", fmt.Sprintf(format, args...), err)
	switch {
	case registry.IsNotFound(err):
		panic(httpErr{http.StatusNotFound, msg})
	case errors.Is(err, registry.ErrUnsupported):
		panic(httpErr{http.StatusBadRequest, msg})
	case errors.Is(err, context.Canceled):
		panic(httpErr{http.StatusServiceUnavailable, msg})
	}
	log.Printf("registry error: %s", msg)
	panic(httpErr{http.StatusBadGateway, msg})
}

// xstoreCheckf turns an error from the store into an HTTP error.
func xstoreCheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf("%s: %v", fmt.Sprintf(format, args...), err)
	switch {
	case errors.Is(err, bstore.ErrAbsent):
		panic(httpErr{http.StatusNotFound, msg})
	case errors.Is(err, errBadRequest), errors.Is(err, bstore.ErrUnique):
		panic(httpErr{http.StatusBadRequest, msg})
	case errors.Is(err, errReadOnlyStore):
		panic(httpErr{http.StatusForbidden, msg})
	}
	xcheckf(err, format, args...)
}

// xclient returns the registry and its client.
func xclient(ctx context.Context, name string) (DBRegistry, registry.Client) {
	reg, err := connections.GetByName(ctx, name)
	xstoreCheckf(err, "looking up registry")
	c, err := clients.get(ctx, reg)
	xcheckf(err, "making client for registry")
	return reg, c
}

// xrequired returns the query string parameter, responding with 400 if absent.
func xrequired(r *http.Request, name string) string {
	s := r.URL.Query().Get(name)
	if s == "" {
		panic(httpErr{http.StatusBadRequest, fmt.Sprintf("missing parameter %q", name)})
	}
	return s
}

func execute(t *htmltemplate.Template, w http.ResponseWriter, params map[string]any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := t.Execute(w, params)
	if err != nil && !isClosed(err) {
		log.Printf("executing template: %v", err)
	}
}

func readOnly() bool {
	_, ok := connections.(*envStore)
	return ok
}

type registryStatus struct {
	DBRegistry
	Online  bool
	Version int
	Repos   int
	Err     string
}

func htmlIndex(args []string, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	regs, err := connections.List(ctx)
	xcheckf(err, "listing registries")

	// Registries that are offline take until their timeout, so check them all at
	// once.
	statuses := make([]registryStatus, len(regs))
	var g errgroup.Group
	for i, reg := range regs {
		g.Go(func() error {
			st := registryStatus{DBRegistry: reg}
			defer func() {
				statuses[i] = st
			}()
			c, err := clients.get(ctx, reg)
			if err != nil {
				st.Err = err.Error()
				return nil
			}
			st.Version = c.Version()
			st.Online = c.IsOnline(ctx)
			if !st.Online {
				return nil
			}
			st.Repos, err = registry.RepositoryCount(ctx, c)
			if err != nil {
				st.Err = err.Error()
			}
			return nil
		})
	}
	g.Wait()

	execute(indexTemplate, w, map[string]any{
		"Registries": statuses,
		"ReadOnly":   readOnly(),
	})
}

type repoSummary struct {
	Name string
	Tags int
	Size int64
}

func htmlRegistry(args []string, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reg, c := xclient(ctx, args[0])
	if xredirectSlash(w, r) {
		return
	}

	repos, err := c.Repositories(ctx)
	xregistryCheckf(err, "listing repositories")
	tagCounts, err := registry.TagCounts(ctx, c, repos)
	xregistryCheckf(err, "listing tags")
	sizes, err := registry.RepositorySizes(ctx, c, repos)
	xregistryCheckf(err, "fetching manifests")

	summaries := make([]repoSummary, len(repos))
	var total int64
	for i, repo := range repos {
		summaries[i] = repoSummary{repo, tagCounts[repo], sizes[repo]}
		total += sizes[repo]
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Name < summaries[j].Name
	})

	execute(registryTemplate, w, map[string]any{
		"Registry":     reg,
		"Version":      c.Version(),
		"Repos":        summaries,
		"TotalSize":    total,
		"RepoDeletion": c.SupportsRepoDeletion(),
	})
}

func htmlRepo(args []string, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reg, c := xclient(ctx, args[0])
	repo := args[1]
	if xredirectSlash(w, r) {
		return
	}

	details, err := registry.AllDetails(ctx, c, repo)
	xregistryCheckf(err, "fetching tags")

	tags := make([]registry.TagDetails, 0, len(details))
	var total int64
	for _, d := range details {
		tags = append(tags, d)
		total += d.Size
	}
	sort.Slice(tags, func(i, j int) bool {
		return tags[i].Tag < tags[j].Tag
	})

	execute(repoTemplate, w, map[string]any{
		"Registry":    reg,
		"Repo":        repo,
		"Tags":        tags,
		"TotalSize":   total,
		"TagDeletion": c.SupportsTagDeletion(ctx),
	})
}

func htmlTag(args []string, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reg, c := xclient(ctx, args[0])
	if xredirectSlash(w, r) {
		return
	}

	d, err := registry.Details(ctx, c, args[1], args[2])
	xregistryCheckf(err, "fetching manifest")

	execute(tagTemplate, w, map[string]any{
		"Registry":    reg,
		"Details":     d,
		"Address":     fmt.Sprintf("%s/%s:%s", strings.TrimPrefix(strings.TrimPrefix(c.URL(), "http://"), "https://"), d.Repo, d.Tag),
		"TagDeletion": c.SupportsTagDeletion(ctx),
	})
}

// GET /test_connection?url=...
//
// Responds with 200 if a registry at the URL is online, 400 otherwise.
func htmlTestConnection(args []string, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := registry.New(ctx, registry.Connection{URL: xrequired(r, "url")}, clients.opts)
	if err != nil {
		panic(httpErr{http.StatusBadRequest, err.Error()})
	}
	if !c.IsOnline(ctx) {
		panic(httpErr{http.StatusBadRequest, "registry offline"})
	}
	w.WriteHeader(http.StatusOK)
}

func htmlAddRegistryForm(args []string, w http.ResponseWriter, r *http.Request) {
	execute(addTemplate, w, map[string]any{
		"ReadOnly": readOnly(),
	})
}

func htmlAddRegistry(args []string, w http.ResponseWriter, r *http.Request) {
	reg := DBRegistry{
		Name:     strings.TrimSpace(r.FormValue("name")),
		URL:      r.FormValue("url"),
		User:     r.FormValue("user"),
		Password: r.FormValue("password"),
	}
	err := addRegistry(r.Context(), connections, clients.opts, &reg)
	xstoreCheckf(err, "adding registry")
	log.WithFields(log.Fields{"registry": reg.Name, "url": reg.URL}).Info("registry added")
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// POST /remove_registry?id=...
func htmlRemoveRegistry(args []string, w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(xrequired(r, "id"), 10, 64)
	if err != nil {
		panic(httpErr{http.StatusBadRequest, "bad id"})
	}
	err = connections.Remove(r.Context(), id)
	xstoreCheckf(err, "removing registry")
	clients.drop(id)
	log.WithField("id", id).Info("registry removed")
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// POST /delete_repo?registry_name=...&repo=...
func htmlDeleteRepo(args []string, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reg, c := xclient(ctx, xrequired(r, "registry_name"))
	repo := xrequired(r, "repo")
	if !c.SupportsRepoDeletion() {
		panic(httpErr{http.StatusBadRequest, "registry does not support deleting repositories"})
	}
	err := c.DeleteRepository(ctx, repo)
	xregistryCheckf(err, "deleting repository")
	http.Redirect(w, r, "/registry/"+url.PathEscape(reg.Name)+"/", http.StatusSeeOther)
}

// POST /delete_tag?registry_name=...&repo=...&tag=...
func htmlDeleteTag(args []string, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reg, c := xclient(ctx, xrequired(r, "registry_name"))
	repo := xrequired(r, "repo")
	tag := xrequired(r, "tag")
	err := c.DeleteTag(ctx, repo, tag)
	xregistryCheckf(err, "deleting tag")
	http.Redirect(w, r, "/registry/"+url.PathEscape(reg.Name)+"/repo/"+url.PathEscape(repo)+"/", http.StatusSeeOther)
}
