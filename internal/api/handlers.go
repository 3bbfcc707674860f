package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/marcus/gradesync/internal/models"
	"github.com/marcus/gradesync/internal/settings"
	"github.com/marcus/gradesync/internal/syncengine"
)

func badRequest(format string, args ...any) error {
	return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf(format, args...))
}

func boolParam(c echo.Context, name string) (bool, error) {
	v := c.QueryParam(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, badRequest("invalid %s: %q", name, v)
	}
	return b, nil
}

// Sync

func (s *Server) handleStatus(c echo.Context) error {
	st, err := s.deps.Engine.GetStorageStatus(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleSync(c echo.Context) error {
	s.metrics.RecordSyncRun()
	res, err := s.deps.Engine.SyncPendingChanges(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleDownload(c echo.Context) error {
	force, err := boolParam(c, "force")
	if err != nil {
		return err
	}
	s.metrics.RecordDownload()
	res, err := s.deps.Engine.DownloadCloudData(c.Request().Context(), syncengine.DownloadOptions{Force: force})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// Queue

func (s *Server) handleListQueue(c echo.Context) error {
	ctx := c.Request().Context()
	entries, err := s.deps.Queue.List(ctx)
	if err != nil {
		return err
	}
	if want := c.QueryParam("status"); want != "" {
		status := models.EntryStatus(want)
		if !status.Valid() {
			return badRequest("invalid status: %q", want)
		}
		filtered := entries[:0]
		for _, e := range entries {
			if e.Status == status {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if entries == nil {
		entries = []*models.SyncQueueEntry{}
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleQueueStats(c echo.Context) error {
	stats, err := s.deps.Queue.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleClearQueue(c echo.Context) error {
	n, err := s.deps.Queue.Clear(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handlePurgeQueue(c echo.Context) error {
	n, err := s.deps.Queue.PurgeSynced(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleRetryEntry(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := s.deps.Queue.ResetRetries(ctx, id); err != nil {
		return err
	}
	e, err := s.deps.Queue.Get(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

func (s *Server) handleRemoveEntry(c echo.Context) error {
	if err := s.deps.Queue.Remove(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type operationRequest struct {
	Operation string          `json:"operation"`
	SchoolID  string          `json:"schoolId"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) handleQueueOperation(c echo.Context) error {
	var req operationRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Operation == "" {
		return badRequest("operation is required")
	}
	if req.SchoolID == "" {
		req.SchoolID = s.config.SchoolID
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	e, err := s.deps.Store.QueueOperation(c.Request().Context(), req.Operation, req.SchoolID, payload)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, e)
}

// Settings

type settingsPatch struct {
	StorageMode  *string `json:"storageMode"`
	AutoSync     *bool   `json:"autoSync"`
	SyncInterval *int    `json:"syncInterval"`
}

func (s *Server) handleGetSettings(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Settings.Get())
}

func (s *Server) handlePatchSettings(c echo.Context) error {
	var body settingsPatch
	if err := c.Bind(&body); err != nil {
		return err
	}
	var p settings.Patch
	if body.StorageMode != nil {
		mode, err := settings.ParseMode(*body.StorageMode)
		if err != nil {
			return err
		}
		p.StorageMode = &mode
	}
	p.AutoSync = body.AutoSync
	p.SyncInterval = body.SyncInterval

	updated, err := s.deps.Settings.Update(c.Request().Context(), p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

// Collections

func (s *Server) handleListRecords(c echo.Context) error {
	schoolID := c.QueryParam("school_id")
	if schoolID == "" {
		schoolID = s.config.SchoolID
	}
	records, err := s.deps.Store.List(c.Request().Context(), c.Param("name"), schoolID)
	if err != nil {
		return err
	}
	if records == nil {
		records = []models.Record{}
	}
	return c.JSON(http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleGetRecord(c echo.Context) error {
	r, err := s.deps.Store.Get(c.Request().Context(), c.Param("name"), c.Param("id"))
	if err != nil {
		return err
	}
	if r == nil {
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	}
	return c.JSON(http.StatusOK, r)
}

func readRecord(c echo.Context) (models.Record, error) {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	r, err := models.DecodeRecord(data)
	if err != nil {
		return nil, badRequest("invalid record: %v", err)
	}
	return r, nil
}

func (s *Server) handlePutRecord(c echo.Context) error {
	r, err := readRecord(c)
	if err != nil {
		return err
	}
	id := c.Param("id")
	switch r.ID() {
	case "":
		r["id"] = id
	case id:
	default:
		return badRequest("record id %q does not match path id %q", r.ID(), id)
	}

	action, err := s.deps.Store.Put(c.Request().Context(), c.Param("name"), r)
	if err != nil {
		return err
	}
	s.metrics.RecordWrites(1)
	status := http.StatusOK
	if action == models.ActionAdd {
		status = http.StatusCreated
	}
	return c.JSON(status, map[string]any{"action": action, "record": r})
}

func (s *Server) handleDeleteRecord(c echo.Context) error {
	if err := s.deps.Store.Delete(c.Request().Context(), c.Param("name"), c.Param("id")); err != nil {
		return err
	}
	s.metrics.RecordWrites(1)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleImport(c echo.Context) error {
	replace, err := boolParam(c, "replace")
	if err != nil {
		return err
	}
	var records []models.Record
	if err := json.NewDecoder(c.Request().Body).Decode(&records); err != nil {
		return badRequest("invalid import body: %v", err)
	}
	res, err := s.deps.Store.Import(c.Request().Context(), c.Param("name"), records, replace)
	if err != nil {
		return err
	}
	s.metrics.RecordWrites(int64(res.Added + res.Updated + res.Deleted))
	return c.JSON(http.StatusOK, res)
}
