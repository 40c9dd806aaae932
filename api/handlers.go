package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/deonneon/ohtani-harada/autosave"
	"github.com/deonneon/ohtani-harada/domain"
	"github.com/deonneon/ohtani-harada/storage"
)

// Server owns the in-memory matrix. The browser UI is the only writer and
// all mutation goes through the command endpoint, so a single mutex
// serializes read-modify-write cycles.
type Server struct {
	store  MatrixStore
	saver  *autosave.Saver
	auth   Authenticator
	logger *log.Logger

	mu      sync.Mutex
	current *domain.MatrixData
	loaded  bool
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store MatrixStore, saver *autosave.Saver, auth Authenticator, logger *log.Logger) *Server {
	s := &Server{store: store, saver: saver, auth: auth, logger: logger}

	e.GET("/api/matrix", s.getMatrix)
	e.PUT("/api/matrix", s.putMatrix)
	e.DELETE("/api/matrix", s.deleteMatrix)
	e.HEAD("/api/matrix", s.headMatrix)
	e.GET("/api/matrix/meta", s.getMetadata)
	e.GET("/api/matrix/usage", s.getUsage)
	e.GET("/api/matrix/stats", s.getStats)
	e.POST("/api/matrix/backup", s.createBackup)
	e.POST("/api/matrix/restore", s.restoreBackup)
	e.GET("/api/matrix/backup", s.getBackupMetadata)
	e.DELETE("/api/matrix/backup", s.deleteBackup)
	e.POST("/api/matrix/recover", s.recoverMatrix)
	e.POST("/api/commands", s.postCommands)
	e.GET("/healthz", s.healthz)

	return s
}

func (s *Server) healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (s *Server) authorize(c echo.Context) error {
	_, err := s.auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
	}
	return nil
}

// matrixLocked returns the in-memory matrix, loading it from the store on
// first access. Callers must hold s.mu.
func (s *Server) matrixLocked(c echo.Context) (*domain.MatrixData, error) {
	if s.loaded {
		return s.current, nil
	}
	m, err := s.store.LoadMatrix(c.Request().Context())
	if err != nil {
		return nil, err
	}
	s.current = m
	s.loaded = true
	return m, nil
}

func (s *Server) getMatrix(c echo.Context) (err error) {
	if authErr := s.authorize(c); authErr != nil {
		return authErr
	}
	metrics, spanCtx := newOpMetrics(c.Request().Context(), s.logger, "/api/matrix")
	c.SetRequest(c.Request().WithContext(spanCtx))
	defer func() { metrics.Log(c.Response().Status, err) }()

	s.mu.Lock()
	loadStart := time.Now()
	m, loadErr := s.matrixLocked(c)
	metrics.ObserveStore(time.Since(loadStart))
	s.mu.Unlock()

	if loadErr != nil {
		metrics.SetErrorStage("load")
		return s.storageFault(c, loadErr)
	}
	if m == nil {
		// First run: the store is empty and that is not an error.
		err = c.NoContent(http.StatusNoContent)
		return err
	}
	encodeStart := time.Now()
	err = c.JSON(http.StatusOK, m)
	metrics.ObserveEncode(time.Since(encodeStart))
	return err
}

func (s *Server) putMatrix(c echo.Context) (err error) {
	if authErr := s.authorize(c); authErr != nil {
		return authErr
	}
	metrics, spanCtx := newOpMetrics(c.Request().Context(), s.logger, "/api/matrix.save")
	c.SetRequest(c.Request().WithContext(spanCtx))
	defer func() { metrics.Log(c.Response().Status, err) }()

	// The read cap sits above the store's quota so oversized-but-parseable
	// matrices reach the quota check instead of failing to decode.
	body, closeBody, bodyErr := requestBody(c, int64(s.store.MaxBytes())*2)
	if bodyErr != nil {
		metrics.SetErrorStage("decode")
		err = c.JSON(http.StatusBadRequest, errorResponse{Error: bodyErr.Error()})
		return err
	}
	defer closeBody()
	var m domain.MatrixData
	if decodeErr := sonic.ConfigStd.NewDecoder(body).Decode(&m); decodeErr != nil {
		metrics.SetErrorStage("decode")
		err = c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return err
	}
	if assertErr := domain.AssertValidMatrix(m); assertErr != nil {
		var ve *domain.ValidationError
		errors.As(assertErr, &ve)
		metrics.SetErrorStage("validate")
		err = c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: "matrix validation failed", Details: ve.Errors})
		return err
	}

	saveStart := time.Now()
	saveErr := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.store.SaveMatrix(c.Request().Context(), m); err != nil {
			return err
		}
		s.current = &m
		s.loaded = true
		return nil
	}()
	metrics.ObserveStore(time.Since(saveStart))
	if saveErr != nil {
		metrics.SetErrorStage("save")
		return s.storageFault(c, saveErr)
	}
	err = c.NoContent(http.StatusNoContent)
	return err
}

func (s *Server) deleteMatrix(c echo.Context) error {
	if authErr := s.authorize(c); authErr != nil {
		return authErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.ClearMatrix(c.Request().Context()); err != nil {
		return s.storageFault(c, err)
	}
	if s.saver != nil {
		if err := s.saver.ClearSaved(c.Request().Context()); err != nil {
			s.logger.WithError(err).Warn("clearing autosave draft failed")
		}
	}
	s.current = nil
	s.loaded = true
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) headMatrix(c echo.Context) error {
	if authErr := s.authorize(c); authErr != nil {
		return authErr
	}
	ok, err := s.store.HasMatrix(c.Request().Context())
	if err != nil {
		return s.storageFault(c, err)
	}
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) getMetadata(c echo.Context) error {
	if authErr := s.authorize(c); authErr != nil {
		return authErr
	}
	meta, err := s.store.Metadata(c.Request().Context())
	if err != nil {
		return s.storageFault(c, err)
	}
	if meta == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, meta)
}

func (s *Server) getUsage(c echo.Context) error {
	if authErr := s.authorize(c); authErr != nil {
		return authErr
	}
	usage, err := s.store.Usage(c.Request().Context())
	if err != nil {
		return s.storageFault(c, err)
	}
	return c.JSON(http.StatusOK, usage)
}

func (s *Server) getStats(c echo.Context) error {
	if authErr := s.authorize(c); authErr != nil {
		return authErr
	}
	s.mu.Lock()
	m, err := s.matrixLocked(c)
	s.mu.Unlock()
	if err != nil {
		return s.storageFault(c, err)
	}
	if m == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, domain.ComputeStats(*m))
}

func (s *Server) createBackup(c echo.Context) error {
	if authErr := s.authorize(c); authErr != nil {
		return authErr
	}
	created := s.store.CreateBackup(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]bool{"created": created})
}

func (s *Server) restoreBackup(c echo.Context) error {
	if authErr := s.authorize(c); authErr != nil {
		return authErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.store.RestoreFromBackup(c.Request().Context())
	if m == nil {
		return c.NoContent(http.StatusNoContent)
	}
	if err := s.store.SaveMatrix(c.Request().Context(), *m); err != nil {
		return s.storageFault(c, err)
	}
	s.current = m
	s.loaded = true
	return c.JSON(http.StatusOK, m)
}

func (s *Server) getBackupMetadata(c echo.Context) error {
	if authErr := s.authorize(c); authErr != nil {
		return authErr
	}
	meta, err := s.store.BackupMetadata(c.Request().Context())
	if err != nil {
		return s.storageFault(c, err)
	}
	if meta == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, meta)
}

func (s *Server) deleteBackup(c echo.Context) error {
	if authErr := s.authorize(c); authErr != nil {
		return authErr
	}
	if err := s.store.ClearBackup(c.Request().Context()); err != nil {
		return s.storageFault(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type recoverRequest struct {
	Mode string           `json:"mode"`
	Goal domain.GoalInput `json:"goal"`
}

// recoverMatrix is the recovery flow for corrupted or unmigratable data:
// restore the backup, or discard and start fresh. Either way the caller
// ends up with a valid matrix.
func (s *Server) recoverMatrix(c echo.Context) error {
	if authErr := s.authorize(c); authErr != nil {
		return authErr
	}
	body, closeBody, bodyErr := requestBody(c, commandBodyMaxSize)
	if bodyErr != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: bodyErr.Error()})
	}
	defer closeBody()
	var req recoverRequest
	if err := sonic.ConfigStd.NewDecoder(body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch req.Mode {
	case "backup":
		m := s.store.RestoreFromBackup(c.Request().Context())
		if m == nil {
			return c.JSON(http.StatusNotFound, errorResponse{Error: "no usable backup"})
		}
		if err := s.store.SaveMatrix(c.Request().Context(), *m); err != nil {
			return s.storageFault(c, err)
		}
		s.current = m
		s.loaded = true
		return c.JSON(http.StatusOK, m)
	case "fresh":
		in := req.Goal
		if in.Title == "" {
			in = domain.GoalInput{Title: "My Goal", Description: "Describe your goal"}
		}
		m := domain.NewEmptyMatrix(in)
		if err := s.store.SaveMatrix(c.Request().Context(), m); err != nil {
			return s.storageFault(c, err)
		}
		s.current = &m
		s.loaded = true
		return c.JSON(http.StatusOK, m)
	case "manual":
		return c.JSON(http.StatusNotImplemented, errorResponse{Error: "manual recovery is not available yet"})
	default:
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "mode must be backup, fresh or manual"})
	}
}

func (s *Server) postCommands(c echo.Context) (err error) {
	if authErr := s.authorize(c); authErr != nil {
		return authErr
	}
	metrics, spanCtx := newOpMetrics(c.Request().Context(), s.logger, "/api/commands")
	c.SetRequest(c.Request().WithContext(spanCtx))
	defer func() { metrics.Log(c.Response().Status, err) }()

	body, closeBody, bodyErr := requestBody(c, commandBodyMaxSize)
	if bodyErr != nil {
		metrics.SetErrorStage("decode")
		err = c.JSON(http.StatusBadRequest, errorResponse{Error: bodyErr.Error()})
		return err
	}
	defer closeBody()
	dec := sonic.ConfigStd.NewDecoder(body)
	dec.DisallowUnknownFields()
	cmds := make([]Command, 0, 4)
	if decodeErr := dec.Decode(&cmds); decodeErr != nil {
		metrics.SetErrorStage("decode")
		err = c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return err
	}
	if len(cmds) == 0 {
		err = c.JSON(http.StatusBadRequest, errorResponse{Error: "no commands"})
		return err
	}
	metrics.SetCommandCount(len(cmds))

	s.mu.Lock()
	defer s.mu.Unlock()

	loadStart := time.Now()
	current, loadErr := s.matrixLocked(c)
	metrics.ObserveStore(time.Since(loadStart))
	if loadErr != nil {
		metrics.SetErrorStage("load")
		return s.storageFault(c, loadErr)
	}
	if current == nil {
		metrics.SetErrorStage("no_matrix")
		err = c.JSON(http.StatusConflict, errorResponse{Error: "no matrix exists; create one first"})
		return err
	}

	next := *current
	for i, cmd := range cmds {
		applied, applyErr := applyCommand(next, cmd)
		if applyErr != nil {
			metrics.SetErrorStage("apply")
			err = s.commandError(c, i, applyErr)
			return err
		}
		next = applied
	}

	if assertErr := domain.AssertValidMatrix(next); assertErr != nil {
		var ve *domain.ValidationError
		errors.As(assertErr, &ve)
		metrics.SetErrorStage("validate")
		err = c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: "matrix validation failed", Details: ve.Errors})
		return err
	}

	s.current = &next
	s.loaded = true
	if s.saver != nil {
		s.saver.Update(next)
	} else if saveErr := s.store.SaveMatrix(c.Request().Context(), next); saveErr != nil {
		metrics.SetErrorStage("save")
		return s.storageFault(c, saveErr)
	}

	err = c.JSON(http.StatusAccepted, map[string]any{"applied": len(cmds), "matrix": next})
	return err
}

func (s *Server) commandError(c echo.Context, index int, err error) error {
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: nf.Error()})
	}
	var rejected *inputRejectedError
	if errors.As(err, &rejected) {
		return c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: "input rejected", Details: rejected.errors})
	}
	var bad *badCommandError
	if errors.As(err, &bad) {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: bad.Error()})
	}
	s.logger.WithError(err).WithField("command_index", index).Error("command application failed")
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

// storageFault maps the storage error family onto responses. Corruption and
// migration failures are recoverable through /api/matrix/recover; quota
// failures are the client's payload problem.
func (s *Server) storageFault(c echo.Context, err error) error {
	var quota *storage.QuotaExceededError
	if errors.As(err, &quota) {
		return c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: quota.Error()})
	}
	var corrupt *storage.CorruptionError
	if errors.As(err, &corrupt) {
		return c.JSON(http.StatusConflict, errorResponse{Error: corrupt.Error(), Recoverable: true})
	}
	var fault storage.StorageFault
	if errors.As(err, &fault) {
		s.logger.WithError(err).Error("storage failure")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: fault.Error()})
	}
	// Migration failures arrive as plain errors; from the caller's view
	// they mean the same thing as corruption: no valid matrix.
	s.logger.WithError(err).Error("load failed")
	return c.JSON(http.StatusConflict, errorResponse{Error: err.Error(), Recoverable: true})
}
