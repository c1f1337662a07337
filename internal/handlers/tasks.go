package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"task-tracker/backend/internal/models"
	"task-tracker/backend/internal/notifier"
	"task-tracker/backend/internal/repositories"
	"task-tracker/backend/internal/services"

	"github.com/gin-gonic/gin"
)

type TaskHandler struct {
	taskService services.TaskService
	notifier    notifier.Notifier
	logger      *slog.Logger
}

func NewTaskHandler(taskService services.TaskService, n notifier.Notifier, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{taskService: taskService, notifier: n, logger: logger}
}

type createTaskInput struct {
	Title       string `json:"title"`
	Email       string `json:"email"`
	Description string `json:"description"`
}

// Dispatch serves every method on /tasks/ and /tasks/:id/.
func (h *TaskHandler) Dispatch(c *gin.Context) {
	idParam := c.Param("id")
	if idParam == "" {
		switch c.Request.Method {
		case http.MethodGet:
			h.GetTasks(c)
		case http.MethodPost:
			h.CreateTask(c)
		default:
			methodNotAllowed(c)
		}
		return
	}

	id, err := strconv.ParseUint(idParam, 10, 0)
	if err != nil {
		notFound(c)
		return
	}
	taskID := uint(id)

	switch c.Request.Method {
	case http.MethodGet:
		h.GetTaskByID(c, taskID)
	case http.MethodPut:
		h.UpdateTask(c, taskID)
	case http.MethodDelete:
		h.DeleteTask(c, taskID)
	default:
		methodNotAllowed(c)
	}
}

func (h *TaskHandler) GetTasks(c *gin.Context) {
	tasks, err := h.taskService.GetTasks(c.Request.Context())
	if err != nil {
		h.handleTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *TaskHandler) GetTaskByID(c *gin.Context, id uint) {
	task, err := h.taskService.GetTaskByID(c.Request.Context(), id)
	if err != nil {
		h.handleTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// CreateTask does not notify; only the form surface does.
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var input createTaskInput
	if err := c.ShouldBindJSON(&input); err != nil {
		validationFailed(c, err)
		return
	}

	task := models.Task{
		Title:       input.Title,
		Email:       input.Email,
		Description: input.Description,
	}
	if err := h.taskService.CreateTask(c.Request.Context(), &task); err != nil {
		h.handleTaskError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":      task.ID,
		"message": "Task created successfully.",
	})
}

func (h *TaskHandler) UpdateTask(c *gin.Context, id uint) {
	var patch models.TaskPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		validationFailed(c, err)
		return
	}

	task, err := h.taskService.UpdateTask(c.Request.Context(), id, patch)
	if err != nil {
		h.handleTaskError(c, err)
		return
	}

	notify(c, h.notifier, h.logger, notifier.Notification{
		Email:     task.Email,
		TaskTitle: task.Title,
		Status:    notifier.StatusUpdated,
	})
	c.JSON(http.StatusOK, gin.H{"message": "Task updated successfully."})
}

func (h *TaskHandler) DeleteTask(c *gin.Context, id uint) {
	if err := h.taskService.DeleteTask(c.Request.Context(), id); err != nil {
		h.handleTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task deleted successfully."})
}

func (h *TaskHandler) handleTaskError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repositories.ErrTaskNotFound):
		notFound(c)
	case errors.Is(err, models.ErrInvalidTask):
		validationFailed(c, err)
	default:
		h.logger.ErrorContext(c.Request.Context(), "task request failed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to process task request",
		})
	}
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
}

func methodNotAllowed(c *gin.Context) {
	c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
}

func validationFailed(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Validation failed",
		"details": err.Error(),
	})
}

// notify hands the notification off; failures are logged, never returned to
// the client.
func notify(c *gin.Context, n notifier.Notifier, logger *slog.Logger, notification notifier.Notification) {
	if err := n.Notify(c.Request.Context(), notification); err != nil {
		logger.ErrorContext(c.Request.Context(), "failed to hand off notification",
			"status", notification.Status,
			"error", err,
		)
	}
}
