package backend

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"success": true, "status": "ok"})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"name":    s.cfg.Name,
		"port":    s.cfg.Port,
		"uptime":  time.Since(startTime).Seconds(),
	})
}

func (s *Server) handleInfo(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success":           true,
		"name":              s.cfg.Name,
		"document_root":     s.cfg.DocumentRoot,
		"production_domain": s.cfg.ProductionDomain,
	})
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success":  true,
		"requests": s.RequestCount(),
	})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	if s.cfg.ReqLog == nil {
		return c.JSON(fiber.Map{"success": true})
	}
	st := s.cfg.ReqLog.Stats()
	return c.JSON(fiber.Map{
		"success":                true,
		"total_requests":         st.TotalRequests,
		"error_requests":         st.ErrorRequests,
		"unique_ips":             st.UniqueIPs,
		"avg_response_time_ms":   st.AvgResponseMs,
	})
}

func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.SendString("pong")
}

// handleLogsRaw returns log lines past a client-supplied byte offset, for
// incremental tailing.
func (s *Server) handleLogsRaw(c *fiber.Ctx) error {
	offset := c.QueryInt("offset", 0)
	data, err := os.ReadFile(s.cfg.LogPath)
	if err != nil {
		return c.JSON(fiber.Map{"success": true, "offset": offset, "data": ""})
	}
	if offset < 0 || offset > len(data) {
		offset = 0
	}
	return c.JSON(fiber.Map{
		"success":     true,
		"offset":      len(data),
		"data":        string(data[offset:]),
	})
}

func (s *Server) handleListFiles(c *fiber.Ctx) error {
	sub := c.Query("path", "")
	full, err := resolveServedPath(s.cfg.DocumentRoot, sub)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid path")
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, "not found")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return c.JSON(fiber.Map{"success": true, "files": names})
}

func (s *Server) handleUploadFile(c *fiber.Ctx) error {
	rel := strings.TrimPrefix(c.Params("*"), "/")
	full, err := resolveServedPath(s.cfg.DocumentRoot, rel)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid path")
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "mkdir failed")
	}

	f, err := os.Create(full)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "create failed")
	}
	defer f.Close()
	if _, err := io.Copy(f, bytes.NewReader(c.Body())); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "write failed")
	}
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) handleDeleteFile(c *fiber.Ctx) error {
	rel := strings.TrimPrefix(c.Params("*"), "/")
	full, err := resolveServedPath(s.cfg.DocumentRoot, rel)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid path")
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return fiber.NewError(fiber.StatusBadRequest, "file not found")
		}
		return fiber.NewError(fiber.StatusInternalServerError, "delete failed")
	}
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) handleHotReloadWS(c *websocket.Conn) {
	if s.cfg.Hub == nil {
		c.Close()
		return
	}
	handle, messages := s.cfg.Hub.Subscribe()
	defer s.cfg.Hub.Unsubscribe(handle)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			data, err := msg.Encode()
			if err != nil {
				continue
			}
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

var startTime = time.Now()
