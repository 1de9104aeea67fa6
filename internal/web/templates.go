package web

// indexHTML 控制台页面，数据全部来自 /api/v1 和 SSE 流
const indexHTML = `<!DOCTYPE html>
<html lang="zh-CN">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Rerunner - 重试执行控制台</title>
    <style>
        body { font-family: -apple-system, "Segoe UI", sans-serif; margin: 0; background: #f8fafc; color: #1e293b; }
        header { background: #1e293b; color: #f8fafc; padding: 12px 24px; display: flex; justify-content: space-between; }
        main { padding: 24px; display: grid; gap: 24px; }
        section { background: #fff; border-radius: 8px; padding: 16px; box-shadow: 0 1px 3px rgba(0,0,0,0.1); }
        table { width: 100%; border-collapse: collapse; font-size: 14px; }
        th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid #e2e8f0; }
        .counters { display: flex; gap: 16px; }
        .counter { flex: 1; text-align: center; }
        .counter b { display: block; font-size: 24px; }
        .passed { color: #10b981; } .failed { color: #ef4444; } .aborted { color: #f59e0b; } .skipped { color: #94a3b8; }
        #events { max-height: 240px; overflow-y: auto; font-family: monospace; font-size: 12px; }
    </style>
</head>
<body>
<header>
    <span>🔁 Rerunner</span>
    <span id="conn">连接中...</span>
</header>
<main>
    <section>
        <h3>尝试汇总</h3>
        <div class="counters">
            <div class="counter">开始<b id="c-started">0</b></div>
            <div class="counter passed">通过<b id="c-passed">0</b></div>
            <div class="counter aborted">中止<b id="c-aborted">0</b></div>
            <div class="counter failed">失败<b id="c-failed">0</b></div>
            <div class="counter skipped">跳过<b id="c-skipped">0</b></div>
        </div>
    </section>
    <section>
        <h3>最近运行</h3>
        <table>
            <thead><tr><th>用例</th><th>状态</th><th>元组</th><th>通过</th><th>中止</th><th>失败</th><th>跳过</th><th>开始时间</th></tr></thead>
            <tbody id="runs"></tbody>
        </table>
    </section>
    <section>
        <h3>用例稳定性</h3>
        <table>
            <thead><tr><th>用例</th><th>运行次数</th><th>通过</th><th>失败</th><th>不稳定</th><th>不稳定率</th></tr></thead>
            <tbody id="stats"></tbody>
        </table>
    </section>
    <section>
        <h3>实时事件</h3>
        <div id="events"></div>
    </section>
</main>
<script>
function setSummary(s) {
    ["started", "passed", "aborted", "failed", "skipped"].forEach(function (k) {
        document.getElementById("c-" + k).textContent = s[k] || 0;
    });
}

function loadRuns() {
    fetch("/api/v1/runs?limit=20").then(function (r) { return r.json(); }).then(function (body) {
        var rows = (body.data || []).map(function (run) {
            return "<tr><td>" + run.case_name + "</td><td class=\"" + run.status + "\">" + run.status +
                "</td><td>" + run.tuple_count + "</td><td>" + run.passed + "</td><td>" + run.aborted +
                "</td><td>" + run.failed + "</td><td>" + run.skipped + "</td><td>" + run.started_at + "</td></tr>";
        });
        document.getElementById("runs").innerHTML = rows.join("");
    }).catch(function () {});
}

function loadStats() {
    fetch("/api/v1/cases/stats").then(function (r) { return r.json(); }).then(function (body) {
        var rows = (body.data || []).map(function (s) {
            return "<tr><td>" + s.case_name + "</td><td>" + s.runs + "</td><td>" + s.passed + "</td><td>" +
                s.failed + "</td><td>" + s.flaky + "</td><td>" + (s.flaky_rate * 100).toFixed(1) + "%</td></tr>";
        });
        document.getElementById("stats").innerHTML = rows.join("");
    }).catch(function () {});
}

function appendEvent(type, data) {
    var box = document.getElementById("events");
    var line = document.createElement("div");
    line.textContent = new Date().toLocaleTimeString() + " [" + type + "] " + JSON.stringify(data);
    box.insertBefore(line, box.firstChild);
    while (box.childNodes.length > 200) { box.removeChild(box.lastChild); }
}

fetch("/api/v1/summary").then(function (r) { return r.json(); }).then(setSummary).catch(function () {});
loadRuns();
loadStats();

var source = new EventSource("/api/v1/stream");
source.addEventListener("connection", function () { document.getElementById("conn").textContent = "🟢 已连接"; });
source.addEventListener("summary", function (e) { setSummary(JSON.parse(e.data).data); });
source.addEventListener("attempt", function (e) { appendEvent("attempt", JSON.parse(e.data).data); });
source.addEventListener("case", function (e) {
    var payload = JSON.parse(e.data).data;
    appendEvent("case", payload);
    if (payload.verdict) { loadRuns(); loadStats(); }
});
source.onerror = function () { document.getElementById("conn").textContent = "🔴 连接断开"; };
</script>
</body>
</html>`
