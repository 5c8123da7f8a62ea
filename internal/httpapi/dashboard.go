package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>tablerelay</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    header { display: flex; gap: 12px; align-items: center; margin-bottom: 16px; }
    h1 { font-size: 20px; margin: 0; flex: 1; }
    input { padding: 6px 8px; border: 1px solid var(--line); border-radius: 6px; }
    .card { background: var(--card); border: 1px solid var(--line); border-radius: 10px; padding: 12px; margin-bottom: 16px; }
    table { width: 100%; border-collapse: collapse; font-size: 14px; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    th { color: var(--muted); font-weight: 600; }
    .ok { color: var(--accent); }
    .err { color: var(--danger); }
    #log { font-family: ui-monospace, monospace; font-size: 12px; max-height: 280px; overflow: auto; white-space: pre; }
  </style>
</head>
<body>
  <header>
    <h1>tablerelay</h1>
    <input id="token" type="password" placeholder="bearer token" />
    <span id="status" class="ok">connecting</span>
  </header>
  <div class="card">
    <table>
      <thead><tr><th>activity</th><th>state</th><th>mode</th><th>iteration</th><th>cursor</th><th>blocks</th></tr></thead>
      <tbody id="activities"></tbody>
    </table>
  </div>
  <div class="card"><div id="log"></div></div>
  <script>
    (() => {
      const dom = {
        token: document.getElementById("token"),
        status: document.getElementById("status"),
        activities: document.getElementById("activities"),
        log: document.getElementById("log"),
      };
      let socket = null;

      function setStatus(text, cls) {
        dom.status.textContent = text;
        dom.status.className = cls;
      }

      function headers() {
        const token = dom.token.value.trim();
        return token ? { Authorization: "Bearer " + token } : {};
      }

      function blocks(latest) {
        if (!latest) return "";
        return Object.entries(latest.blocks).map(([k, v]) => k + ":" + v).join(" ");
      }

      async function refresh() {
        try {
          const res = await fetch("/v1/activities", { headers: headers() });
          if (!res.ok) { setStatus("http " + res.status, "err"); return; }
          const body = await res.json();
          dom.activities.innerHTML = "";
          for (const a of body.activities) {
            const it = a.latestIteration;
            const row = document.createElement("tr");
            for (const cell of [a.name, a.state, a.mode, it ? it.id + " " + it.state : "", it ? (it.cursor.start || "") + ".." + it.cursor.end : "", blocks(it)]) {
              const td = document.createElement("td");
              td.textContent = cell;
              row.appendChild(td);
            }
            dom.activities.appendChild(row);
          }
        } catch (err) {
          setStatus(String(err), "err");
        }
      }

      function connect() {
        if (socket) socket.close();
        const proto = location.protocol === "https:" ? "wss:" : "ws:";
        const token = encodeURIComponent(dom.token.value.trim());
        socket = new WebSocket(proto + "//" + location.host + "/v1/events?access_token=" + token);
        socket.onopen = () => setStatus("live", "ok");
        socket.onclose = () => { setStatus("disconnected", "err"); setTimeout(connect, 3000); };
        socket.onmessage = (msg) => {
          const ev = JSON.parse(msg.data);
          const line = ev.timestamp + " " + ev.type + " " + ev.key + " " + (ev.state || "") + "\n";
          dom.log.textContent = (line + dom.log.textContent).slice(0, 20000);
          refresh();
        };
      }

      dom.token.value = window.localStorage.getItem("tablerelay_dashboard_token") || "";
      dom.token.addEventListener("change", () => {
        window.localStorage.setItem("tablerelay_dashboard_token", dom.token.value.trim());
        refresh();
        connect();
      });
      refresh();
      connect();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
