package backend

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
)

var htmlExtensions = map[string]bool{".html": true, ".htm": true}

// rssBootstrapScript connects back to this server's own hot-reload
// WebSocket endpoint and reloads the page on every message, reconnecting
// with a fixed backoff if the socket drops.
const rssBootstrapScript = `(function(){
  function connect(){
    var proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
    var ws = new WebSocket(proto + '//' + location.host + '/ws/hot-reload');
    ws.onmessage = function(){ location.reload(); };
    ws.onclose = function(){ setTimeout(connect, 1000); };
  }
  connect();
})();
`

// handleHotReloadScript serves the bootstrap script injected into every
// HTML response, so the <script src="/rss.js"> tag resolves to real code
// instead of falling through to the static index.html.
func (s *Server) handleHotReloadScript(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "application/javascript; charset=utf-8")
	return c.SendString(rssBootstrapScript)
}

// handleStatic serves a path from the document root, falling back to
// index.html, then 404. HTML responses get the hot-reload bootstrap
// injected and undergo template substitution.
func (s *Server) handleStatic(c *fiber.Ctx) error {
	reqPath := c.Path()
	full, err := resolveServedPath(s.cfg.DocumentRoot, reqPath)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid path")
	}

	if !fileExists(full) {
		full, err = resolveServedPath(s.cfg.DocumentRoot, "index.html")
		if err != nil || !fileExists(full) {
			return fiber.NewError(fiber.StatusNotFound, "not found")
		}
	}

	ext := strings.ToLower(filepath.Ext(full))
	if htmlExtensions[ext] {
		data, err := os.ReadFile(full)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "read failed")
		}
		out := s.renderHTML(string(data))
		c.Set(fiber.HeaderContentType, "text/html; charset=utf-8")
		return c.SendString(out)
	}

	return c.SendFile(full)
}

// renderHTML injects the hot-reload bootstrap and substitutes the closed
// set of template placeholders.
func (s *Server) renderHTML(body string) string {
	for k, v := range s.placeholders() {
		body = strings.ReplaceAll(body, k, v)
	}

	if idx := strings.LastIndex(strings.ToLower(body), "</body>"); idx >= 0 {
		return body[:idx] + hotReloadBootstrap + body[idx:]
	}
	return body + hotReloadBootstrap
}
