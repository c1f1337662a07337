package services_test

import (
	"context"
	"testing"
	"time"

	"task-tracker/backend/internal/cache"
	"task-tracker/backend/internal/logger"
	"task-tracker/backend/internal/models"
	"task-tracker/backend/internal/pagination"
	"task-tracker/backend/internal/repositories"
	"task-tracker/backend/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTaskService struct {
	tasks map[uint]models.Task
	calls map[string]int

	// afterLoad runs once a read has loaded its result, before it returns.
	afterLoad func()
}

func newCountingTaskService() *countingTaskService {
	return &countingTaskService{tasks: map[uint]models.Task{}, calls: map[string]int{}}
}

func (s *countingTaskService) CreateTask(_ context.Context, task *models.Task) error {
	s.calls["create"]++
	task.ID = uint(len(s.tasks) + 1)
	s.tasks[task.ID] = *task
	return nil
}

func (s *countingTaskService) GetTaskByID(_ context.Context, id uint) (models.Task, error) {
	s.calls["get"]++
	task, ok := s.tasks[id]
	if !ok {
		return models.Task{}, repositories.ErrTaskNotFound
	}
	s.loaded()
	return task, nil
}

func (s *countingTaskService) GetTasks(context.Context) ([]models.Task, error) {
	s.calls["list"]++
	out := make([]models.Task, 0, len(s.tasks))
	for id := uint(1); id <= uint(len(s.tasks)); id++ {
		if task, ok := s.tasks[id]; ok {
			out = append(out, task)
		}
	}
	return out, nil
}

func (s *countingTaskService) GetTasksPage(ctx context.Context, page string, perPage int) (services.TaskPage, error) {
	s.calls["page"]++
	all, _ := s.GetTasks(ctx)
	s.calls["list"]--
	p := pagination.New(int64(len(all)), perPage)
	result := services.TaskPage{Items: all, Number: p.Resolve(page), Paginator: p}
	s.loaded()
	return result, nil
}

func (s *countingTaskService) loaded() {
	if hook := s.afterLoad; hook != nil {
		s.afterLoad = nil
		hook()
	}
}

func (s *countingTaskService) UpdateTask(_ context.Context, id uint, patch models.TaskPatch) (models.Task, error) {
	s.calls["update"]++
	task, ok := s.tasks[id]
	if !ok {
		return models.Task{}, repositories.ErrTaskNotFound
	}
	patch.Apply(&task)
	s.tasks[id] = task
	return task, nil
}

func (s *countingTaskService) DeleteTask(_ context.Context, id uint) error {
	s.calls["delete"]++
	if _, ok := s.tasks[id]; !ok {
		return repositories.ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

func setupCached(t *testing.T) (*services.CachedTaskService, *countingTaskService) {
	t.Helper()
	inner := newCountingTaskService()
	c := cache.NewMultiLevelCache(cache.NewMemoryCache(nil), nil, nil)
	return services.NewCachedTaskService(inner, c, time.Minute, time.Minute, logger.Discard()), inner
}

func TestCachedTaskService_GetTaskByIDIsCached(t *testing.T) {
	cached, inner := setupCached(t)
	ctx := context.Background()

	task := models.Task{Title: "Test Task", Email: "test@example.com"}
	require.NoError(t, cached.CreateTask(ctx, &task))

	for i := 0; i < 3; i++ {
		got, err := cached.GetTaskByID(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task, got)
	}
	assert.Equal(t, 1, inner.calls["get"])
}

func TestCachedTaskService_MissingTaskIsNotCached(t *testing.T) {
	cached, inner := setupCached(t)
	ctx := context.Background()

	_, err := cached.GetTaskByID(ctx, 42)
	assert.ErrorIs(t, err, repositories.ErrTaskNotFound)
	_, err = cached.GetTaskByID(ctx, 42)
	assert.ErrorIs(t, err, repositories.ErrTaskNotFound)
	assert.Equal(t, 2, inner.calls["get"])
}

func TestCachedTaskService_UpdateInvalidatesItemAndLists(t *testing.T) {
	cached, inner := setupCached(t)
	ctx := context.Background()

	task := models.Task{Title: "Before", Email: "test@example.com"}
	require.NoError(t, cached.CreateTask(ctx, &task))

	_, _ = cached.GetTaskByID(ctx, task.ID)
	_, _ = cached.GetTasks(ctx)
	_, _ = cached.GetTasksPage(ctx, "1", 5)

	title := "After"
	_, err := cached.UpdateTask(ctx, task.ID, models.TaskPatch{Title: &title})
	require.NoError(t, err)

	got, err := cached.GetTaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "After", got.Title)

	all, err := cached.GetTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, "After", all[0].Title)

	page, err := cached.GetTasksPage(ctx, "1", 5)
	require.NoError(t, err)
	assert.Equal(t, "After", page.Items[0].Title)

	assert.Equal(t, 2, inner.calls["get"])
	assert.Equal(t, 2, inner.calls["list"])
	assert.Equal(t, 2, inner.calls["page"])
}

func TestCachedTaskService_CreateAndDeleteInvalidateLists(t *testing.T) {
	cached, _ := setupCached(t)
	ctx := context.Background()

	first := models.Task{Title: "One", Email: "one@example.com"}
	require.NoError(t, cached.CreateTask(ctx, &first))

	all, _ := cached.GetTasks(ctx)
	require.Len(t, all, 1)

	second := models.Task{Title: "Two", Email: "two@example.com"}
	require.NoError(t, cached.CreateTask(ctx, &second))
	all, _ = cached.GetTasks(ctx)
	assert.Len(t, all, 2)

	require.NoError(t, cached.DeleteTask(ctx, first.ID))
	all, _ = cached.GetTasks(ctx)
	assert.Len(t, all, 1)

	_, err := cached.GetTaskByID(ctx, first.ID)
	assert.ErrorIs(t, err, repositories.ErrTaskNotFound)
}

func TestCachedTaskService_PageKeysArePerPageSize(t *testing.T) {
	cached, inner := setupCached(t)
	ctx := context.Background()

	_, _ = cached.GetTasksPage(ctx, "1", 5)
	_, _ = cached.GetTasksPage(ctx, "1", 5)
	_, _ = cached.GetTasksPage(ctx, "1", 10)

	assert.Equal(t, 2, inner.calls["page"])
	assert.NotNil(t, cached.Stats())
}

func TestCachedTaskService_WriteDuringPageLoadIsNotMasked(t *testing.T) {
	cached, inner := setupCached(t)
	ctx := context.Background()

	first := models.Task{Title: "Primera", Email: "a@example.com"}
	require.NoError(t, cached.CreateTask(ctx, &first))

	// The page is loaded, then a create lands before the read caches it.
	inner.afterLoad = func() {
		second := models.Task{Title: "Segunda", Email: "b@example.com"}
		require.NoError(t, cached.CreateTask(ctx, &second))
	}
	stale, err := cached.GetTasksPage(ctx, "1", 5)
	require.NoError(t, err)
	assert.Len(t, stale.Items, 1)

	fresh, err := cached.GetTasksPage(ctx, "1", 5)
	require.NoError(t, err)
	assert.Len(t, fresh.Items, 2)
	assert.Equal(t, 2, inner.calls["page"])
}

func TestCachedTaskService_UpdateDuringItemLoadIsNotMasked(t *testing.T) {
	cached, inner := setupCached(t)
	ctx := context.Background()

	task := models.Task{Title: "Antes", Email: "a@example.com"}
	require.NoError(t, cached.CreateTask(ctx, &task))

	inner.afterLoad = func() {
		title := "Después"
		_, err := cached.UpdateTask(ctx, task.ID, models.TaskPatch{Title: &title})
		require.NoError(t, err)
	}
	stale, err := cached.GetTaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Antes", stale.Title)

	fresh, err := cached.GetTaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Después", fresh.Title)
}
