package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"slate-api/domain"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, locks Locker, auth Authenticator, deduper Deduper, logger *log.Logger) {
	e.GET("/api/tasks", getTasks(store, auth))
	e.GET("/api/projects", getProjects(store, auth))
	e.GET("/api/stream", streamBoard(store, auth))
	e.PATCH("/api/tasks/:id/move", moveTask(store, locks, auth, logger))
	e.PATCH("/api/tasks/batchMove", batchMove(store, locks, auth, deduper, logger), GzipRequestMiddleware())
	e.PATCH("/api/projects/reorder", reorderProjects(store, locks, auth, logger))
	e.GET("/healthz", healthz())

	initBatchOutbox(store, logger)
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		stats, err := getOutboxStats()
		if err != nil {
			return c.NoContent(http.StatusOK)
		}
		return c.JSON(http.StatusOK, stats)
	}
}

func getTasks(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		tasks, err := store.FetchTasks(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, tasks)
	}
}

func getProjects(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		projects, err := store.FetchProjects(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, projects)
	}
}

func moveTask(store Storage, locks Locker, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMoveRequestMetrics(ctx, logger, "/api/tasks/:id/move")
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		taskID := c.Param("id")
		var req moveTaskRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}
		if !domain.KnownColumn(req.ToColumn) {
			metrics.SetErrorStage("invalid_column")
			err = c.String(http.StatusBadRequest, "unknown column")
			return err
		}
		if req.ToIndex == nil && req.NewOrder == nil {
			metrics.SetErrorStage("invalid_target")
			err = c.String(http.StatusBadRequest, "toIndex or newOrder required")
			return err
		}

		fetchStart := time.Now()
		task, getErr := store.GetTask(ctx, userID, taskID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if getErr != nil {
			return respondStorageError(c, metrics, &err, getErr)
		}

		// Hold both containers for the whole read-neighbors/write-order
		// window so concurrent moves cannot interleave.
		lockStart := time.Now()
		lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		release, lockErr := locks.AcquireMany(lockCtx, userID, []string{task.Column, req.ToColumn})
		cancel()
		metrics.ObserveLock(time.Since(lockStart))
		if lockErr != nil {
			metrics.SetErrorStage("lock")
			err = c.String(http.StatusServiceUnavailable, "board busy, retry")
			return err
		}
		defer release()

		column, colErr := store.FetchColumn(ctx, userID, req.ToColumn)
		if colErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(colErr)
			err = c.String(http.StatusInternalServerError, colErr.Error())
			return err
		}
		neighbors := withoutTask(column, taskID)

		newOrder := 0.0
		if req.NewOrder != nil {
			newOrder = *req.NewOrder
		} else {
			orders := taskOrders(neighbors)
			newOrder = domain.OrderForInsert(orders, *req.ToIndex)
		}

		persistStart := time.Now()
		move := domain.TaskMove{TaskID: taskID, ToColumn: req.ToColumn, NewOrder: newOrder}
		if moveErr := store.MoveTask(ctx, userID, move); moveErr != nil {
			metrics.ObservePersist(time.Since(persistStart))
			return respondStorageError(c, metrics, &err, moveErr)
		}
		metrics.ObservePersist(time.Since(persistStart))
		metrics.SetMovesApplied(1)

		progress := 0
		if task.ProjectID != "" {
			tasks, fetchErr := store.FetchTasks(ctx, userID)
			if fetchErr != nil {
				metrics.SetErrorStage("aggregate")
				c.Logger().Error(fetchErr)
				err = c.String(http.StatusInternalServerError, fetchErr.Error())
				return err
			}
			progress = domain.ProjectProgress(tasks, task.ProjectID)
			if progErr := store.SetProjectProgress(ctx, userID, task.ProjectID, progress); progErr != nil {
				return respondStorageError(c, metrics, &err, progErr)
			}
		}

		scheduleRebalance(userID, req.ToColumn, neighbors, move, logger)

		err = c.JSON(http.StatusOK, moveTaskResponse{
			TaskID:   taskID,
			Column:   req.ToColumn,
			Order:    newOrder,
			Progress: progress,
		})
		return err
	}
}

func batchMove(store Storage, locks Locker, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	budget := envDur("BATCH_FAST_BUDGET", 3*time.Second)
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMoveRequestMetrics(ctx, logger, "/api/tasks/batchMove")
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		var req batchMoveRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}
		if len(req.Batch) == 0 {
			// Empty payload is a no-op, not an error.
			err = c.JSON(http.StatusOK, batchMoveResponse{Success: true})
			return err
		}
		for _, item := range req.Batch {
			if item.TaskID == "" || !domain.KnownColumn(item.ToColumn) || item.ToIndex < 0 {
				metrics.SetErrorStage("invalid_batch_item")
				err = c.String(http.StatusBadRequest, "invalid batch item")
				return err
			}
		}

		keyAdded := false
		if req.IdempotencyKey != "" && deduper != nil {
			added, dedupeErr := deduper.Add(ctx, userID, req.IdempotencyKey)
			if dedupeErr != nil {
				metrics.SetErrorStage("dedupe")
				c.Logger().Error(dedupeErr)
				err = c.String(http.StatusInternalServerError, "dedupe unavailable")
				return err
			}
			if !added {
				// Already applied (or in flight); the client keeps its
				// optimistic state and converges on the next read.
				err = c.JSON(http.StatusOK, batchMoveResponse{Success: true, Mode: modeBackground})
				return err
			}
			keyAdded = true
		}
		rollbackKey := func() {
			if keyAdded && deduper != nil {
				if rerr := deduper.Remove(context.Background(), userID, req.IdempotencyKey); rerr != nil {
					logger.WithError(rerr).Error("dedupe rollback failed")
				}
			}
		}

		// The batch rebuilds whole containers, so take the full board.
		lockStart := time.Now()
		lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		release, lockErr := locks.AcquireMany(lockCtx, userID, []string{domain.ColumnTodo, domain.ColumnInProgress, domain.ColumnDone})
		cancel()
		metrics.ObserveLock(time.Since(lockStart))
		if lockErr != nil {
			metrics.SetErrorStage("lock")
			rollbackKey()
			err = c.String(http.StatusServiceUnavailable, "board busy, retry")
			return err
		}
		defer release()

		fetchStart := time.Now()
		tasks, fetchErr := store.FetchTasks(ctx, userID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			rollbackKey()
			c.Logger().Error(fetchErr)
			err = c.String(http.StatusInternalServerError, fetchErr.Error())
			return err
		}

		moves, progress, buildErr := buildBatchMoves(tasks, req.Batch)
		if buildErr != nil {
			rollbackKey()
			if errors.Is(buildErr, errBatchTaskMissing) {
				metrics.SetErrorStage("not_found")
				err = c.JSON(http.StatusNotFound, batchMoveResponse{Error: buildErr.Error()})
				return err
			}
			metrics.SetErrorStage("invalid_batch")
			err = c.JSON(http.StatusBadRequest, batchMoveResponse{Error: buildErr.Error()})
			return err
		}
		metrics.SetMovesApplied(len(moves))

		persistStart := time.Now()
		completed, applyErr := runWithBudget(ctx, budget, func(runCtx context.Context) error {
			if err := store.ApplyTaskMoves(runCtx, userID, moves); err != nil {
				return err
			}
			for projectID, pct := range progress {
				if err := store.SetProjectProgress(runCtx, userID, projectID, pct); err != nil {
					return err
				}
			}
			return nil
		})
		metrics.ObservePersist(time.Since(persistStart))

		switch {
		case completed && applyErr == nil:
			metrics.SetMode(modeFast)
			err = c.JSON(http.StatusOK, batchMoveResponse{Success: true, Mode: modeFast, Results: moves})
		case completed:
			metrics.SetErrorStage("persist")
			rollbackKey()
			c.Logger().Error(applyErr)
			err = c.JSON(http.StatusInternalServerError, batchMoveResponse{Error: "batch persist failed"})
		default:
			// Budget exceeded: hand the batch to the durable outbox and
			// answer optimistically.
			if obErr := enqueueBackground(userID, moves); obErr != nil {
				metrics.SetErrorStage("outbox")
				rollbackKey()
				c.Logger().Error(obErr)
				err = c.JSON(http.StatusInternalServerError, batchMoveResponse{Error: "batch handoff failed"})
				break
			}
			metrics.SetMode(modeBackground)
			err = c.JSON(http.StatusAccepted, batchMoveResponse{Success: true, Mode: modeBackground})
		}
		return err
	}
}

func reorderProjects(store Storage, locks Locker, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMoveRequestMetrics(ctx, logger, "/api/projects/reorder")
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		var req reorderProjectsRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}
		if len(req.ProjectIDs) == 0 {
			err = c.JSON(http.StatusOK, reorderProjectsResponse{Success: true})
			return err
		}
		if hasDuplicates(req.ProjectIDs) {
			metrics.SetErrorStage("invalid_ids")
			err = c.String(http.StatusBadRequest, "duplicate project ids")
			return err
		}

		lockStart := time.Now()
		lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		release, lockErr := locks.Acquire(lockCtx, userID, domain.ProjectsContainer)
		cancel()
		metrics.ObserveLock(time.Since(lockStart))
		if lockErr != nil {
			metrics.SetErrorStage("lock")
			err = c.String(http.StatusServiceUnavailable, "projects busy, retry")
			return err
		}
		defer release()

		fetchStart := time.Now()
		projects, fetchErr := store.FetchProjects(ctx, userID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.String(http.StatusInternalServerError, fetchErr.Error())
			return err
		}

		byID := make(map[string]domain.Project, len(projects))
		for _, p := range projects {
			byID[p.ID] = p
		}
		current := make([]float64, len(req.ProjectIDs))
		for i, id := range req.ProjectIDs {
			p, ok := byID[id]
			if !ok {
				metrics.SetErrorStage("not_found")
				err = c.JSON(http.StatusNotFound, reorderProjectsResponse{Error: "unknown project " + id})
				return err
			}
			current[i] = p.Order
		}

		normalized := domain.NormalizeSequential(current)
		orders := make([]domain.ProjectOrder, len(req.ProjectIDs))
		for i, id := range req.ProjectIDs {
			orders[i] = domain.ProjectOrder{ProjectID: id, NewOrder: normalized[i]}
		}

		persistStart := time.Now()
		if reorderErr := store.ReorderProjects(ctx, userID, orders); reorderErr != nil {
			metrics.ObservePersist(time.Since(persistStart))
			return respondStorageError(c, metrics, &err, reorderErr)
		}
		metrics.ObservePersist(time.Since(persistStart))
		metrics.SetMovesApplied(len(orders))

		err = c.JSON(http.StatusOK, reorderProjectsResponse{Success: true, Orders: orders})
		return err
	}
}

// scheduleRebalance renumbers the column through the outbox when fractional
// insertion has squeezed two neighbors below the precision threshold.
func scheduleRebalance(userID, column string, neighbors []domain.Task, applied domain.TaskMove, logger *log.Logger) {
	orders := make([]float64, 0, len(neighbors)+1)
	for _, t := range neighbors {
		orders = append(orders, t.Order)
	}
	orders = append(orders, applied.NewOrder)
	if !domain.NeedsRebalance(orders, domain.DefaultRebalanceEpsilon) {
		return
	}

	final := make([]domain.Task, 0, len(neighbors)+1)
	final = append(final, neighbors...)
	final = append(final, domain.Task{ID: applied.TaskID, Column: column, Order: applied.NewOrder})
	domain.SortTasks(final)

	normalized := domain.NormalizeSequential(taskOrders(final))
	moves := make([]domain.TaskMove, len(final))
	for i, t := range final {
		moves[i] = domain.TaskMove{TaskID: t.ID, ToColumn: column, NewOrder: normalized[i]}
	}
	if err := enqueueBackground(userID, moves); err != nil {
		logger.WithError(err).Warnf("column rebalance not scheduled, user=%s, column=%s", userID, column)
	} else {
		logger.WithFields(log.Fields{"user": userID, "column": column, "tasks": len(moves)}).Info("column rebalance scheduled")
	}
}

func respondStorageError(c echo.Context, metrics *moveRequestMetrics, err *error, cause error) error {
	var nfe NotFoundError
	if errors.As(cause, &nfe) {
		metrics.SetErrorStage("not_found")
		*err = c.String(http.StatusNotFound, cause.Error())
		return *err
	}
	metrics.SetErrorStage("storage")
	c.Logger().Error(cause)
	*err = c.String(http.StatusInternalServerError, cause.Error())
	return *err
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, moveBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func withoutTask(tasks []domain.Task, taskID string) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ID != taskID {
			out = append(out, t)
		}
	}
	return out
}

func taskOrders(tasks []domain.Task) []float64 {
	orders := make([]float64, len(tasks))
	for i, t := range tasks {
		orders[i] = t.Order
	}
	return orders
}

func hasDuplicates(ids []string) bool {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return true
		}
		seen[id] = struct{}{}
	}
	return false
}
