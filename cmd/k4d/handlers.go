package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dougsko/k4d/pkg/cat"
	"github.com/dougsko/k4d/pkg/engine"
	"github.com/dougsko/k4d/pkg/protocol"
	"github.com/dougsko/k4d/pkg/session"
	"github.com/dougsko/k4d/pkg/storage"
)

// apiClientID marks commands sent through the REST API in the history
const apiClientID = "api"

// statusCode maps the error taxonomy onto HTTP status codes
func statusCode(err error) int {
	switch {
	case errors.Is(err, protocol.ErrRadioNotFound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrConfigInvariantViolation), errors.Is(err, protocol.ErrTXBusy):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrInvalidCommandValue), errors.Is(err, protocol.ErrUnknownCommand):
		return http.StatusUnprocessableEntity
	case errors.Is(err, protocol.ErrNotConnected),
		errors.Is(err, protocol.ErrConnectionRefused),
		errors.Is(err, protocol.ErrAuthenticationFailed),
		errors.Is(err, protocol.ErrConnectionTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusCode(err), gin.H{"error": err.Error()})
}

// redact hides radio passwords from API responses
func redact(rc protocol.RadioConfig) protocol.RadioConfig {
	rc.Password = ""
	return rc
}

// activeSession returns the active session or writes a 503
func (d *K4Daemon) activeSession(c *gin.Context) *engine.Session {
	s := d.router.Active()
	if s == nil {
		abortWithError(c, session.ErrNoActiveRadio)
	}
	return s
}

// handleGetStatus returns daemon status
func (d *K4Daemon) handleGetStatus(c *gin.Context) {
	status := d.router.Status()
	status.Clients = d.gateway.Clients()
	status.StartTime = d.startTime
	status.Uptime = time.Since(d.startTime).Round(time.Second).String()
	status.Version = Version
	c.JSON(http.StatusOK, status)
}

// handleListRadios returns every configured radio
func (d *K4Daemon) handleListRadios(c *gin.Context) {
	radios, err := d.router.Radios()
	if err != nil {
		abortWithError(c, err)
		return
	}

	out := make([]protocol.RadioConfig, 0, len(radios))
	for _, rc := range radios {
		out = append(out, redact(rc))
	}
	c.JSON(http.StatusOK, gin.H{
		"radios":    out,
		"count":     len(out),
		"active_id": d.router.ActiveID(),
	})
}

// handleGetActiveRadio returns the active radio and its session state
func (d *K4Daemon) handleGetActiveRadio(c *gin.Context) {
	s := d.router.Active()
	if s == nil {
		c.JSON(http.StatusOK, gin.H{
			"active": false,
			"status": d.router.Status().Connection,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"active":  true,
		"radio":   redact(s.Radio()),
		"session": s.Status(),
	})
}

type radioRequest struct {
	Name        string  `json:"name" binding:"required"`
	Host        string  `json:"host" binding:"required"`
	Port        int     `json:"port"`
	Password    *string `json:"password"`
	Enabled     *bool   `json:"enabled"`
	Description string  `json:"description"`
}

func (r radioRequest) apply(rc protocol.RadioConfig) protocol.RadioConfig {
	rc.Name = r.Name
	rc.Host = r.Host
	if r.Port != 0 {
		rc.Port = r.Port
	}
	if r.Password != nil {
		rc.Password = *r.Password
	}
	if r.Enabled != nil {
		rc.Enabled = *r.Enabled
	}
	rc.Description = r.Description
	return rc
}

// handleAddRadio stores a new radio
func (d *K4Daemon) handleAddRadio(c *gin.Context) {
	var req radioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rc, err := d.router.AddRadio(req.apply(protocol.RadioConfig{Enabled: true}))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, redact(rc))
}

// handleUpdateRadio replaces a radio's settings. An omitted password
// keeps the stored one.
func (d *K4Daemon) handleUpdateRadio(c *gin.Context) {
	var req radioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existing, err := d.router.Radio(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	rc, err := d.router.UpdateRadio(req.apply(existing))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, redact(rc))
}

// handleDeleteRadio removes a radio
func (d *K4Daemon) handleDeleteRadio(c *gin.Context) {
	id := c.Param("id")
	if err := d.router.DeleteRadio(id); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": id})
}

// handleActivate switches the bridge to a radio and waits until it is
// connected or the switch has failed
func (d *K4Daemon) handleActivate(c *gin.Context) {
	timeout := d.config.ConnectTimeout() + d.config.AuthTimeout() + 2*time.Second
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	rc, err := d.router.Activate(ctx, c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "connected",
		"radio":  redact(rc),
	})
}

// handleDeactivate disconnects the active radio
func (d *K4Daemon) handleDeactivate(c *gin.Context) {
	d.router.Deactivate()
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

// handleListCommands returns the CAT vocabulary, optionally filtered by
// mnemonic prefix
func (d *K4Daemon) handleListCommands(c *gin.Context) {
	prefix := strings.ToUpper(c.Query("prefix"))

	var descs []cat.Descriptor
	for _, desc := range cat.DefaultRegistry.All() {
		if prefix == "" || strings.HasPrefix(desc.Mnemonic, prefix) {
			descs = append(descs, desc)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"commands": descs,
		"count":    len(descs),
	})
}

// handleSendCAT forwards a raw CAT command to the active radio
func (d *K4Daemon) handleSendCAT(c *gin.Context) {
	var req struct {
		Command string `json:"command" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s := d.activeSession(c)
	if s == nil {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	sent, err := s.SendCommand(ctx, apiClientID, req.Command)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent", "command": sent})
}

// handleGetHistory returns recorded CAT commands, newest first
func (d *K4Daemon) handleGetHistory(c *gin.Context) {
	query := storage.HistoryQuery{
		RadioID:  c.Query("radio"),
		ClientID: c.Query("client"),
		Prefix:   c.Query("prefix"),
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 {
		limit = 100
	}
	query.Limit = limit
	if offset, err := strconv.Atoi(c.Query("offset")); err == nil && offset > 0 {
		query.Offset = offset
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		query.Since = &t
	}

	records, err := d.store.GetHistory(query)
	if err != nil {
		abortWithError(c, err)
		return
	}
	stats, err := d.store.GetHistoryStats()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"commands": records,
		"count":    len(records),
		"stats":    stats,
	})
}

// handleGetPanadapter returns the spectrum processor state
func (d *K4Daemon) handleGetPanadapter(c *gin.Context) {
	s := d.activeSession(c)
	if s == nil {
		return
	}

	spectrum := s.Spectrum()
	resp := gin.H{"state": spectrum.State()}
	if b, ok := spectrum.Boundary(); ok {
		resp["boundary"] = b
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetAudio returns routing, levels and pipeline statistics
func (d *K4Daemon) handleGetAudio(c *gin.Context) {
	s := d.activeSession(c)
	if s == nil {
		return
	}
	c.JSON(http.StatusOK, s.AudioStatus())
}

// handleSetAudio applies one audio control action
func (d *K4Daemon) handleSetAudio(c *gin.Context) {
	var req struct {
		Action string      `json:"action" binding:"required"`
		Value  interface{} `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s := d.activeSession(c)
	if s == nil {
		return
	}

	settings, err := s.SetAudio(req.Action, req.Value)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}
