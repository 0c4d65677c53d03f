package api

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"slate-api/domain"
)

func TestBuildBatchMovesRebuildsTouchedContainers(t *testing.T) {
	tasks := []domain.Task{
		{ID: "a", ProjectID: "p1", Column: domain.ColumnTodo, Order: 0},
		{ID: "b", ProjectID: "p1", Column: domain.ColumnTodo, Order: 1},
		{ID: "c", Column: domain.ColumnDone, Order: 0},
	}
	items := []batchMoveItem{
		{TaskID: "a", ToColumn: domain.ColumnDone, ToIndex: 0},
	}

	moves, progress, err := buildBatchMoves(tasks, items)
	if err != nil {
		t.Fatalf("buildBatchMoves: %v", err)
	}

	byTask := make(map[string]domain.TaskMove, len(moves))
	for _, mv := range moves {
		byTask[mv.TaskID] = mv
	}
	if mv := byTask["a"]; mv.ToColumn != domain.ColumnDone || mv.NewOrder != 0 {
		t.Fatalf("unexpected move for a: %#v", mv)
	}
	if mv := byTask["c"]; mv.ToColumn != domain.ColumnDone || mv.NewOrder != 1 {
		t.Fatalf("unexpected move for c: %#v", mv)
	}
	if mv := byTask["b"]; mv.ToColumn != domain.ColumnTodo || mv.NewOrder != 0 {
		t.Fatalf("unexpected move for b: %#v", mv)
	}

	// a moved to done, b still in todo: one of two p1 tasks is done.
	if progress["p1"] != 50 {
		t.Fatalf("unexpected progress: %#v", progress)
	}
}

func TestBuildBatchMovesSequentialIntents(t *testing.T) {
	tasks := []domain.Task{
		{ID: "a", Column: domain.ColumnTodo, Order: 0},
		{ID: "b", Column: domain.ColumnTodo, Order: 1},
		{ID: "c", Column: domain.ColumnTodo, Order: 2},
	}
	// Two intents in one batch: the second sees the board state left by
	// the first.
	items := []batchMoveItem{
		{TaskID: "a", ToColumn: domain.ColumnTodo, ToIndex: 2},
		{TaskID: "c", ToColumn: domain.ColumnTodo, ToIndex: 0},
	}

	moves, _, err := buildBatchMoves(tasks, items)
	if err != nil {
		t.Fatalf("buildBatchMoves: %v", err)
	}

	byTask := make(map[string]domain.TaskMove, len(moves))
	for _, mv := range moves {
		byTask[mv.TaskID] = mv
	}
	// After intent one: b, c, a. After intent two: c, b, a.
	if byTask["c"].NewOrder != 0 || byTask["b"].NewOrder != 1 || byTask["a"].NewOrder != 2 {
		t.Fatalf("unexpected final orders: %#v", byTask)
	}
}

func TestBuildBatchMovesClampsIndex(t *testing.T) {
	tasks := []domain.Task{
		{ID: "a", Column: domain.ColumnTodo, Order: 0},
		{ID: "b", Column: domain.ColumnDone, Order: 0},
	}
	items := []batchMoveItem{
		{TaskID: "a", ToColumn: domain.ColumnDone, ToIndex: 99},
	}

	moves, _, err := buildBatchMoves(tasks, items)
	if err != nil {
		t.Fatalf("buildBatchMoves: %v", err)
	}
	byTask := make(map[string]domain.TaskMove, len(moves))
	for _, mv := range moves {
		byTask[mv.TaskID] = mv
	}
	if byTask["a"].NewOrder != 1 {
		t.Fatalf("expected clamped append, got %#v", byTask["a"])
	}
}

func TestBuildBatchMovesUnknownTask(t *testing.T) {
	_, _, err := buildBatchMoves(nil, []batchMoveItem{{TaskID: "ghost", ToColumn: domain.ColumnDone}})
	if !errors.Is(err, errBatchTaskMissing) {
		t.Fatalf("expected errBatchTaskMissing, got %v", err)
	}
}

func TestRunWithBudgetCompletes(t *testing.T) {
	completed, err := runWithBudget(context.Background(), time.Second, func(ctx context.Context) error {
		return nil
	})
	if !completed || err != nil {
		t.Fatalf("expected completion, got completed=%v err=%v", completed, err)
	}
}

func TestRunWithBudgetPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	completed, err := runWithBudget(context.Background(), time.Second, func(ctx context.Context) error {
		return boom
	})
	if !completed || !errors.Is(err, boom) {
		t.Fatalf("expected propagated error, got completed=%v err=%v", completed, err)
	}
}

func TestRunWithBudgetExpires(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	completed, err := runWithBudget(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	if completed || err != nil {
		t.Fatalf("expected budget expiry, got completed=%v err=%v", completed, err)
	}
	<-started
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("expected the work context to be cancelled")
	}
}

func BenchmarkBuildBatchMoves(b *testing.B) {
	const perColumn = 100
	tasks := make([]domain.Task, 0, perColumn*3)
	for i := 0; i < perColumn; i++ {
		tasks = append(tasks,
			domain.Task{ID: fmt.Sprintf("t%d", i), Column: domain.ColumnTodo, Order: float64(i)},
			domain.Task{ID: fmt.Sprintf("p%d", i), Column: domain.ColumnInProgress, Order: float64(i)},
			domain.Task{ID: fmt.Sprintf("d%d", i), Column: domain.ColumnDone, Order: float64(i)},
		)
	}
	items := []batchMoveItem{
		{TaskID: "t0", ToColumn: domain.ColumnDone, ToIndex: 0},
		{TaskID: "p5", ToColumn: domain.ColumnTodo, ToIndex: 10},
		{TaskID: "d99", ToColumn: domain.ColumnInProgress, ToIndex: 50},
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := buildBatchMoves(tasks, items); err != nil {
			b.Fatal(err)
		}
	}
}
