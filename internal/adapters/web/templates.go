package web

// dashboardTemplate — минимальная страница: список онлайн, беседы и лента
// событий из /api/events. Движения мыши и клавиши отправляются в
// /api/activity (не чаще раза в 10 секунд), смена видимости вкладки — сразу.
const dashboardTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>clofri</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; color: #222; }
section { margin-bottom: 1.5rem; }
.active { color: #15803d; } .idle { color: #b45309; } .offline { color: #6b7280; }
.unread { font-weight: bold; }
#feed { font-family: monospace; font-size: 12px; max-height: 40vh; overflow: auto; background: #f9fafb; padding: .5rem; }
</style>
</head>
<body>
<h1>clofri</h1>
<section><h2>Online</h2><ul id="users"></ul></section>
<section><h2>Conversations</h2><ul id="convs"></ul></section>
<section><h2>Events</h2><div id="feed"></div></section>
<script>
const feed = document.getElementById('feed');
function log(line) {
  const div = document.createElement('div');
  div.textContent = new Date().toLocaleTimeString() + ' ' + line;
  feed.prepend(div);
}
function renderUsers(data) {
  const ul = document.getElementById('users');
  ul.innerHTML = '';
  for (const u of (data.users || [])) {
    const li = document.createElement('li');
    li.className = u.status;
    li.textContent = u.display_name + ' (' + u.status + ')' + (u.status_message ? ': ' + u.status_message : '');
    ul.append(li);
  }
}
function renderLists(data) {
  const ul = document.getElementById('convs');
  ul.innerHTML = '';
  for (const d of (data.dm_sessions || [])) {
    const li = document.createElement('li');
    li.className = d.unread ? 'unread' : '';
    li.textContent = 'DM ' + d.friend.display_name + ' [' + d.friend_status + ']';
    ul.append(li);
  }
  for (const g of (data.groups || [])) {
    const li = document.createElement('li');
    li.className = g.unread ? 'unread' : '';
    li.textContent = 'Group ' + g.name + ' (' + g.invite_code + ')';
    ul.append(li);
  }
}
fetch('/api/users').then(r => r.json()).then(renderUsers);
fetch('/api/lists').then(r => r.json()).then(renderLists);

const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/events');
ws.onmessage = (msg) => {
  const ev = JSON.parse(msg.data);
  if (ev.type === 'presence') renderUsers(ev.data);
  if (ev.type === 'lists') renderLists(ev.data);
  log(ev.type + ' ' + JSON.stringify(ev.data).slice(0, 200));
};
ws.onclose = () => log('event stream closed');

let lastTouch = 0;
function touch() {
  const now = Date.now();
  if (now - lastTouch < 10000) return;
  lastTouch = now;
  fetch('/api/activity', {method: 'POST'});
}
for (const ev of ['mousemove', 'keydown', 'mousedown', 'scroll']) {
  window.addEventListener(ev, touch, {passive: true});
}
document.addEventListener('visibilitychange', () => {
  fetch('/api/activity', {method: 'POST', headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({visible: document.visibilityState === 'visible'})});
});
</script>
</body>
</html>
`
