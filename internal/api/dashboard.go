package api

import (
	"fmt"
	"html/template"
	"net/http"
)

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
  <title>rwsplit</title>
  <meta charset="utf-8">
  <style>
    body { font-family: monospace; margin: 2rem; background: #111; color: #ddd; }
    h1 { color: #fff; }
    table { border-collapse: collapse; margin-bottom: 2rem; }
    td, th { border: 1px solid #333; padding: 4px 10px; text-align: left; }
    .primary { color: #6f6; }
    .replica { color: #9cf; }
  </style>
</head>
<body>
  <h1>rwsplit</h1>
  <p>uptime: {{.Status.uptime_seconds}}s | go: {{.Status.go_version}} | goroutines: {{.Status.goroutines}}</p>

  <h2>readwrite</h2>
  <table>
    <tr><th>addr</th><th>weight</th></tr>
    {{range .Endpoints.ReadWrite}}<tr class="primary"><td>{{.Addr}}</td><td>{{.Weight}}</td></tr>{{end}}
  </table>

  <h2>read</h2>
  <table>
    <tr><th>addr</th><th>weight</th></tr>
    {{range .Endpoints.Read}}<tr class="replica"><td>{{.Addr}}</td><td>{{.Weight}}</td></tr>{{end}}
  </table>

  <h2>backend pools</h2>
  <table>
    <tr><th>addr</th><th>active</th><th>idle</th><th>total</th><th>waiting</th></tr>
    {{range .Pools}}<tr><td>{{.Addr}}</td><td>{{.Active}}</td><td>{{.Idle}}</td><td>{{.Total}}</td><td>{{.Waiting}}</td></tr>{{end}}
  </table>

  <p><a href="/endpoints" style="color:#9cf">/endpoints</a> ·
     <a href="/monitors" style="color:#9cf">/monitors</a> ·
     <a href="/rules" style="color:#9cf">/rules</a> ·
     <a href="/metrics" style="color:#9cf">/metrics</a></p>
</body>
</html>
`))

// dashboardHandler renders a small read-only admin page: the live
// ReadWriteEndpoint, backend pool stats, and links to the raw JSON
// endpoints. Deliberately tiny next to a multi-tenant pool admin UI — this
// domain's display surface is a handful of tables, not per-tenant CRUD.
func (s *Server) dashboardHandler(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Status    map[string]interface{}
		Endpoints interface{}
		Pools     interface{}
	}{
		Status:    s.statusValues(),
		Endpoints: s.source.Latest(),
		Pools:     s.pools.AllStats(),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, data); err != nil {
		http.Error(w, fmt.Sprintf("rendering dashboard: %v", err), http.StatusInternalServerError)
	}
}
