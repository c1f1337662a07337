package web

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-tracker/backend/internal/models"
	"task-tracker/backend/internal/pagination"
)

func TestTemplates_RenderTaskList(t *testing.T) {
	tmpl, err := Templates()
	require.NoError(t, err)

	page := pagination.Page[models.Task]{
		Items: []models.Task{
			{ID: 6, Title: "<b>Sexta</b>", Email: "six@test.com"},
		},
		Number:    2,
		Paginator: pagination.New(6, 5),
	}

	var buf bytes.Buffer
	require.NoError(t, tmpl.ExecuteTemplate(&buf, "tasks_manager.html", map[string]interface{}{"page_obj": page}))

	out := buf.String()
	assert.Contains(t, out, "Página 2 de 2.")
	assert.Contains(t, out, `action="/task_delete/6"`)
	assert.Contains(t, out, "&lt;b&gt;Sexta&lt;/b&gt;")
	assert.Contains(t, out, `href="?page=1"`)
	assert.NotContains(t, out, "siguiente")
}

func TestTemplates_RenderEmptyList(t *testing.T) {
	tmpl, err := Templates()
	require.NoError(t, err)

	page := pagination.Page[models.Task]{Items: []models.Task{}, Number: 1, Paginator: pagination.New(0, 5)}

	var buf bytes.Buffer
	require.NoError(t, tmpl.ExecuteTemplate(&buf, "tasks_manager.html", map[string]interface{}{"page_obj": page}))
	assert.Contains(t, buf.String(), "No hay tareas.")
	assert.Contains(t, buf.String(), "Página 1 de 1.")
}
