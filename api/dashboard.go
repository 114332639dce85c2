package api

import (
	"html/template"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"dnssplit/arbiter"
	"dnssplit/daemon"
	"dnssplit/fullstats"
)

const statsPageLimit = 10

// dashboardData is the struct passed to the stats page template.
type dashboardData struct {
	Counters        arbiter.Snapshot
	Mode            string
	Upstreams       []daemon.UpstreamInfo
	Inventory       daemon.Inventory
	ServerStartTime string
	Uptime          string
	Listener        string

	Ready bool
	APIUp bool

	FullStatsEnabled bool
	ClientsCount     int
	DomainsCount     int
	StatsLimit       int
	TopClients       []clientRow
	TopDomains       []domainRow
}

type clientRow struct {
	IP        string
	Total     uint64
	FirstSeen string
}

type domainRow struct {
	Key       string `json:"key"`
	Count     uint64 `json:"count"`
	Match     string `json:"match"`
	Verdicts  string `json:"verdicts"`
	FirstSeen string `json:"first_seen"`
	LastSeen  string `json:"last_seen"`
}

var statsPageTemplate = template.Must(template.New("stats").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>dnssplit</title>
  <style>
    :root {
      --bg: #0d1117;
      --bg-panel: #161b22;
      --bg-hover: #21262d;
      --border: #30363d;
      --text: #e6edf3;
      --text-muted: #8b949e;
      --accent: #58a6ff;
      --success: #3fb950;
      --warning: #d29922;
      --danger: #f85149;
    }
    * { box-sizing: border-box; }
    body {
      font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', 'Noto Sans', Helvetica, Arial, sans-serif;
      background: var(--bg);
      color: var(--text);
      margin: 0;
      padding: 1.5rem;
      line-height: 1.5;
      min-height: 100vh;
    }
    h1 {
      font-size: 1.5rem;
      font-weight: 600;
      margin: 0 0 1.5rem 0;
      color: var(--text);
    }
    .grid {
      display: grid;
      grid-template-columns: repeat(auto-fill, minmax(280px, 1fr));
      gap: 1rem;
    }
    .panel {
      background: var(--bg-panel);
      border: 1px solid var(--border);
      border-radius: 8px;
      padding: 1rem 1.25rem;
      overflow: hidden;
    }
    .panel h2 {
      font-size: 0.875rem;
      font-weight: 600;
      color: var(--text-muted);
      text-transform: uppercase;
      letter-spacing: 0.03em;
      margin: 0 0 0.75rem 0;
      padding-bottom: 0.5rem;
      border-bottom: 1px solid var(--border);
    }
    .panel ul { margin: 0; padding: 0; list-style: none; }
    .panel li {
      display: flex;
      justify-content: space-between;
      align-items: baseline;
      padding: 0.35rem 0;
      border-bottom: 1px solid var(--border);
    }
    .panel li:last-child { border-bottom: none; }
    .panel .key { color: var(--text-muted); }
    .panel .val { font-variant-numeric: tabular-nums; color: var(--text); }
    .panel.wide { grid-column: 1 / -1; }
    .status-dot {
      display: inline-block;
      width: 8px;
      height: 8px;
      border-radius: 50%;
      margin-right: 0.5rem;
    }
    .status-dot.ok { background: var(--success); }
    .status-dot.fail { background: var(--danger); }
    table {
      width: 100%;
      border-collapse: collapse;
      font-size: 0.875rem;
    }
    th, td { padding: 0.5rem 0.75rem; text-align: left; border-bottom: 1px solid var(--border); }
    th { color: var(--text-muted); font-weight: 600; }
    tr:last-child td { border-bottom: none; }
    tr:hover td { background: var(--bg-hover); }
    a { color: var(--accent); text-decoration: none; }
    a:hover { text-decoration: underline; }
    .muted { color: var(--text-muted); font-size: 0.875rem; margin-top: 1rem; }
  </style>
</head>
<body>
  <h1>dnssplit</h1>
  <div class="grid">
    <div class="panel">
      <h2>Queries</h2>
      <ul>
        <li><span class="key">Queries</span><span class="val">{{.Counters.Queries}}</span></li>
        <li><span class="key">Refused (AAAA)</span><span class="val">{{.Counters.Refused}}</span></li>
        <li><span class="key">Dropped (table full)</span><span class="val">{{.Counters.Dropped}}</span></li>
        <li><span class="key">Malformed</span><span class="val">{{.Counters.Malformed}}</span></li>
        <li><span class="key">Timeouts</span><span class="val">{{.Counters.Timeouts}}</span></li>
        <li><span class="key">Live sessions</span><span class="val">{{.Counters.Live}}</span></li>
      </ul>
    </div>
    <div class="panel">
      <h2>Replies</h2>
      <ul>
        <li><span class="key">Untrusted received</span><span class="val">{{.Counters.UntrustedReplies}}</span></li>
        <li><span class="key">Untrusted accepted</span><span class="val">{{.Counters.UntrustedAccept}}</span></li>
        <li><span class="key">Trusted received</span><span class="val">{{.Counters.TrustedReplies}}</span></li>
        <li><span class="key">Trusted accepted</span><span class="val">{{.Counters.TrustedAccept}}</span></li>
        <li><span class="key">Buffered</span><span class="val">{{.Counters.Buffered}}</span></li>
        <li><span class="key">Ignored</span><span class="val">{{.Counters.Ignored}}</span></li>
      </ul>
    </div>
    <div class="panel">
      <h2>Status</h2>
      <ul>
        <li><span class="key"><span class="status-dot {{if .Ready}}ok{{else}}fail{{end}}"></span>Proxy</span><span class="val">{{if .Ready}}Up{{else}}Down{{end}}</span></li>
        <li><span class="key"><span class="status-dot {{if .APIUp}}ok{{else}}fail{{end}}"></span>API</span><span class="val">{{if .APIUp}}Up{{else}}Down{{end}}</span></li>
        <li><span class="key">Listener</span><span class="val">{{.Listener}}</span></li>
        <li><span class="key">Mode</span><span class="val">{{.Mode}}</span></li>
        <li><span class="key">Uptime</span><span class="val">{{.Uptime}}</span></li>
        <li><span class="key">Started</span><span class="val">{{.ServerStartTime}}</span></li>
      </ul>
    </div>
    <div class="panel">
      <h2>Data</h2>
      <ul>
        <li><span class="key">IPv4 routes</span><span class="val">{{.Inventory.Routes4}}</span></li>
        <li><span class="key">IPv6 routes</span><span class="val">{{.Inventory.Routes6}}</span></li>
        <li><span class="key">gfwlist names</span><span class="val">{{.Inventory.BlockList}}</span></li>
        <li><span class="key">chnlist names</span><span class="val">{{.Inventory.AllowList}}</span></li>
        {{range .Upstreams}}<li><span class="key">{{.Class}} upstream</span><span class="val">{{.Address}} x{{.Repeat}}</span></li>{{end}}
      </ul>
    </div>
    {{if .FullStatsEnabled}}
    <div class="panel wide">
      <h2>Full stats</h2>
      <ul>
        <li><span class="key">Clients</span><span class="val">{{.ClientsCount}}</span></li>
        <li><span class="key">Domain:type entries</span><span class="val">{{.DomainsCount}}</span></li>
      </ul>
      <p class="muted">
        {{if le .StatsLimit 10}}<a href="/stats/page?full=100">Show all</a> (up to 100){{else}}<a href="/stats/page">Show top 10</a>{{end}}
      </p>
      {{if .TopClients}}
      <p class="muted">Top {{len .TopClients}} clients by total queries</p>
      <table>
        <thead><tr><th>IP</th><th>Total</th><th>First seen</th></tr></thead>
        <tbody>
          {{range .TopClients}}<tr><td>{{.IP}}</td><td>{{.Total}}</td><td>{{.FirstSeen}}</td></tr>{{end}}
        </tbody>
      </table>
      {{end}}
      {{if .TopDomains}}
      <p class="muted">Top {{len .TopDomains}} domains (name:type) by query count</p>
      <table>
        <thead><tr><th>Domain (name:type)</th><th>Count</th><th>List</th><th>Verdicts</th><th>Last seen</th></tr></thead>
        <tbody>
          {{range .TopDomains}}<tr><td>{{.Key}}</td><td>{{.Count}}</td><td>{{.Match}}</td><td>{{.Verdicts}}</td><td>{{.LastSeen}}</td></tr>{{end}}
        </tbody>
      </table>
      {{end}}
    </div>
    {{end}}
  </div>
  <p class="muted">Read-only dashboard &middot; JSON: <a href="/stats">/stats</a> &middot; Prometheus: <a href="/metrics">/metrics</a></p>
</body>
</html>
`))

// statsPageHandler serves a dark-themed read-only stats dashboard with optional full stats.
func (s *Server) statsPageHandler(c *gin.Context) {
	data := dashboardData{Uptime: "-"}
	if s.deps.Metrics != nil {
		data.Counters = s.deps.Metrics.Snapshot()
	}
	if state := s.deps.State; state != nil {
		data.Mode, data.Upstreams = state.Upstreams()
		data.Inventory = state.Inventory()
		data.ServerStartTime = state.Started().Format(time.RFC3339)
		data.Uptime = roundDuration(state.Uptime())
		data.Listener = state.ListenerSnapshot().DNSAddress
		data.Ready = state.ServerStatus()
		data.APIUp = state.APIRunning()
	}

	limit := statsPageLimit
	if n := c.Query("full"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}

	if tracker := s.deps.Stats; tracker != nil {
		data.FullStatsEnabled = true
		data.StatsLimit = limit
		clients, _ := tracker.GetAllClients()
		doms, _ := tracker.GetAllDomains()
		if clients != nil {
			data.ClientsCount = len(clients)
			data.TopClients = topClients(clients, limit)
		}
		if doms != nil {
			data.DomainsCount = len(doms)
			data.TopDomains = topDomains(doms, limit)
		}
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := statsPageTemplate.Execute(c.Writer, data); err != nil {
		_ = c.Error(err)
	}
}

func topClients(all map[string]*fullstats.ClientStats, limit int) []clientRow {
	type row struct {
		ip    string
		total uint64
		first time.Time
	}
	var rows []row
	for ip, st := range all {
		var total uint64
		for _, c := range st.TypeCount {
			total += c
		}
		rows = append(rows, row{ip: ip, total: total, first: st.FirstSeen})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].total != rows[j].total {
			return rows[i].total > rows[j].total
		}
		return rows[i].ip < rows[j].ip
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]clientRow, len(rows))
	for i, r := range rows {
		out[i] = clientRow{IP: r.ip, Total: r.total, FirstSeen: r.first.Format(time.RFC3339)}
	}
	return out
}

func topDomains(all map[string]*fullstats.DomainStats, limit int) []domainRow {
	keys := make([]string, 0, len(all))
	for key := range all {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		ci, cj := all[keys[i]].Count, all[keys[j]].Count
		if ci != cj {
			return ci > cj
		}
		return keys[i] < keys[j]
	})
	if len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]domainRow, len(keys))
	for i, key := range keys {
		st := all[key]
		out[i] = domainRow{
			Key:       key,
			Count:     st.Count,
			Match:     st.Match,
			Verdicts:  formatVerdicts(st.Verdicts),
			FirstSeen: st.FirstSeen.Format(time.RFC3339),
			LastSeen:  st.LastSeen.Format(time.RFC3339),
		}
	}
	return out
}

// formatVerdicts renders a verdict histogram as "timeout=1 trusted=3", sorted by name.
func formatVerdicts(v map[string]uint64) string {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)
	out := ""
	for i, name := range names {
		if i > 0 {
			out += " "
		}
		out += name + "=" + strconv.FormatUint(v[name], 10)
	}
	return out
}

func roundDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	if d < time.Hour {
		return d.Round(time.Minute).String()
	}
	if d < 24*time.Hour {
		return d.Round(time.Hour).String()
	}
	days := int(d / (24 * time.Hour))
	rem := d % (24 * time.Hour)
	if rem == 0 {
		return strconv.Itoa(days) + "d"
	}
	return strconv.Itoa(days) + "d " + rem.Round(time.Hour).String()
}
