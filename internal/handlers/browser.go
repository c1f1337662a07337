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

const (
	TaskListPath     = "/task/"
	TaskListTemplate = "tasks_manager.html"
)

// BrowserHandler serves the HTML task manager. Store failures are reported as
// 500 plain text carrying the cause.
type BrowserHandler struct {
	taskService services.TaskService
	notifier    notifier.Notifier
	logger      *slog.Logger
	pageSize    int
}

func NewBrowserHandler(taskService services.TaskService, n notifier.Notifier, logger *slog.Logger, pageSize int) *BrowserHandler {
	if pageSize < 1 {
		pageSize = 5
	}
	return &BrowserHandler{taskService: taskService, notifier: n, logger: logger, pageSize: pageSize}
}

func (h *BrowserHandler) List(c *gin.Context) {
	page, err := h.taskService.GetTasksPage(c.Request.Context(), c.Query("page"), h.pageSize)
	if err != nil {
		c.String(http.StatusInternalServerError, "Error al listar las tareas: %s", err.Error())
		return
	}
	c.HTML(http.StatusOK, TaskListTemplate, gin.H{"page_obj": page})
}

func (h *BrowserHandler) Create(c *gin.Context) {
	task := models.Task{
		Title:       c.PostForm("title"),
		Email:       c.PostForm("email"),
		Description: c.PostForm("description"),
	}
	if err := h.taskService.CreateTask(c.Request.Context(), &task); err != nil {
		c.String(http.StatusInternalServerError, "Error al guardar la tarea: %s", err.Error())
		return
	}

	notify(c, h.notifier, h.logger, notifier.Notification{
		Email:     task.Email,
		TaskTitle: task.Title,
		Status:    notifier.StatusCreated,
	})
	c.Redirect(http.StatusFound, TaskListPath)
}

func (h *BrowserHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 0)
	if err != nil {
		c.String(http.StatusNotFound, "404 page not found")
		return
	}

	if err := h.taskService.DeleteTask(c.Request.Context(), uint(id)); err != nil {
		if errors.Is(err, repositories.ErrTaskNotFound) {
			c.String(http.StatusInternalServerError, "Tarea con id: %d no encontrada.", id)
			return
		}
		c.String(http.StatusInternalServerError, "Error al borrar la tarea: %s", err.Error())
		return
	}
	c.Redirect(http.StatusFound, TaskListPath)
}
