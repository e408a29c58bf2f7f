package monitor

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Vision Pipeline Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <link rel="stylesheet" href="/assets/monitor.css">
    <style>
        body { font-family: sans-serif; background: #111; color: #eee; margin: 0; }
        .app { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; padding: 16px; }
        .panel { background: #1c1c1c; border-radius: 8px; padding: 12px; }
        img { width: 100%; background: #000; }
        table { width: 100%; border-collapse: collapse; font-size: 13px; }
        td, th { padding: 4px; border-bottom: 1px solid #333; text-align: left; }
        button { margin-right: 8px; }
        #events { font-family: monospace; font-size: 12px; max-height: 240px; overflow-y: auto; }
    </style>
</head>
<body>
<div class="app">
    <div class="panel">
        <h2>Live Feed</h2>
        <img id="stream" src="/stream" alt="Live stream">
        <p>
            <button id="rec-start">Start recording</button>
            <button id="rec-stop">Stop recording</button>
            <span id="rec-status">-</span>
        </p>
    </div>
    <div>
        <div class="panel">
            <h2>Stages</h2>
            <table id="stages"><tr><th>Stage</th><th>State</th><th>Processed</th><th>Failed</th><th>Skipped</th></tr></table>
        </div>
        <div class="panel">
            <h2>Pools</h2>
            <table id="pools"><tr><th>Pool</th><th>Available</th><th>Ready</th><th>In flight</th></tr></table>
        </div>
        <div class="panel">
            <h2>Detections</h2>
            <div id="events">Waiting for events...</div>
        </div>
    </div>
</div>
<script>
function rows(table, header, items) {
    table.innerHTML = header + items.join('');
}

async function refreshStatus() {
    try {
        const res = await fetch('/api/status');
        const st = await res.json();
        rows(document.getElementById('stages'),
            '<tr><th>Stage</th><th>State</th><th>Processed</th><th>Failed</th><th>Skipped</th></tr>',
            (st.stages || []).map(s => '<tr><td>' + s.name + '</td><td>' + s.state + '</td><td>' +
                s.processed + '</td><td>' + s.failed + '</td><td>' + s.skipped + '</td></tr>'));
        rows(document.getElementById('pools'),
            '<tr><th>Pool</th><th>Available</th><th>Ready</th><th>In flight</th></tr>',
            (st.pools || []).map(p => '<tr><td>' + p.name + ' (' + p.size + ')</td><td>' + p.available +
                '</td><td>' + JSON.stringify(p.ready) + '</td><td>' + p.in_flight + '</td></tr>'));
    } catch (e) {
        console.warn('status', e);
    }
}

async function recording(action) {
    const res = await fetch('/api/recording/' + action, { method: action === 'status' ? 'GET' : 'POST' });
    const body = await res.json();
    document.getElementById('rec-status').textContent = body.error || (body.recording !== undefined
        ? (body.recording ? 'recording ' + body.filename : 'idle')
        : body.status + ' ' + body.file);
}

document.getElementById('rec-start').onclick = () => recording('start');
document.getElementById('rec-stop').onclick = () => recording('stop');

const events = new EventSource('/api/detections/stream');
events.onmessage = (msg) => {
    const ev = JSON.parse(msg.data);
    const line = '#' + ev.frame_number + ': ' + ev.detections.map(d =>
        d.class_name + ' ' + d.confidence.toFixed(2)).join(', ');
    const box = document.getElementById('events');
    if (box.textContent.startsWith('Waiting')) box.textContent = '';
    box.insertAdjacentHTML('afterbegin', '<div>' + line + '</div>');
    while (box.childNodes.length > 50) box.removeChild(box.lastChild);
};

refreshStatus();
recording('status');
setInterval(refreshStatus, 2000);
</script>
</body>
</html>
`
