package streaming

// viewerHTML is served for plain HTTP requests on the stream port
// (spec.md §4.8). It is a minimal canvas viewer, not a production
// console; it exists so the stream port is never a dead end when
// opened in a browser.
const viewerHTML = `<!DOCTYPE html>
<html>
<head><title>agent-rdp-session viewer</title></head>
<body style="margin:0;background:#222">
<canvas id="screen"></canvas>
<script>
var canvas = document.getElementById("screen");
var ctx = canvas.getContext("2d");
var ws = new WebSocket("ws://" + location.host + location.pathname);
var img = new Image();
img.onload = function() {
  canvas.width = img.width;
  canvas.height = img.height;
  ctx.drawImage(img, 0, 0);
};
ws.onmessage = function(ev) {
  var msg = JSON.parse(ev.data);
  if (msg.type === "frame") {
    img.src = "data:image/jpeg;base64," + msg.data;
  } else if (msg.type === "status") {
    canvas.width = msg.width;
    canvas.height = msg.height;
  }
};
canvas.addEventListener("click", function(ev) {
  var rect = canvas.getBoundingClientRect();
  ws.send(JSON.stringify({
    type: "mouse",
    action: "click",
    x: Math.round(ev.clientX - rect.left),
    y: Math.round(ev.clientY - rect.top)
  }));
});
</script>
</body>
</html>
`
