package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/nova/pkg/models"
)

func threadRows(id, userID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "user_id", "subject", "mode", "created_at", "updated_at"}).
		AddRow(id, userID, "continuous", "continuous", now, now)
}

func TestGetContinuousThreadReturnsExisting(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("FROM threads WHERE user_id").
		WithArgs("u1").
		WillReturnRows(threadRows("t-1", "u1"))

	s := New(db)
	thread, err := s.GetContinuousThread(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetContinuousThread: %v", err)
	}
	if thread.ID != "t-1" || thread.Mode != models.ThreadModeContinuous {
		t.Fatalf("thread = %+v", thread)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetContinuousThreadSurvivesCreationRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	// no thread yet
	mock.ExpectQuery("FROM threads WHERE user_id").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "subject", "mode", "created_at", "updated_at"}))
	// insert loses the race on the partial unique index
	mock.ExpectExec("INSERT INTO threads").
		WillReturnError(fmt.Errorf(`pq: duplicate key value violates unique constraint "idx_threads_one_continuous_per_user"`))
	// re-read sees the winner's row
	mock.ExpectQuery("FROM threads WHERE user_id").
		WithArgs("u1").
		WillReturnRows(threadRows("t-winner", "u1"))

	s := New(db)
	thread, err := s.GetContinuousThread(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetContinuousThread: %v", err)
	}
	if thread.ID != "t-winner" {
		t.Fatalf("thread = %+v, want the concurrent winner's row", thread)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestEncodeVectorPadsAndRejects(t *testing.T) {
	encoded, err := encodeVector([]float32{1, 2})
	if err != nil {
		t.Fatalf("encodeVector: %v", err)
	}
	if !strings.HasPrefix(encoded, "[1,2,0,") {
		t.Fatalf("short vector not zero-padded: %.20s", encoded)
	}
	decoded := decodeVector(encoded)
	if len(decoded) != FixedEmbeddingDimensions {
		t.Fatalf("decoded length = %d, want %d", len(decoded), FixedEmbeddingDimensions)
	}

	tooLong := make([]float32, FixedEmbeddingDimensions+1)
	if _, err := encodeVector(tooLong); err == nil {
		t.Fatal("over-width vector must be rejected")
	}
}

func TestDeleteThreadRemovesOpaqueCheckpoints(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id FROM checkpoint_links WHERE thread_id").
		WithArgs("t-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("cp-1").AddRow("cp-2"))
	mock.ExpectExec("DELETE FROM checkpoints").
		WithArgs("cp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM checkpoints").
		WithArgs("cp-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM threads").
		WithArgs("t-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	if err := s.DeleteThread(context.Background(), "t-1"); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestFinishTaskGuardsTerminalStates(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	// the guard clause keeps a terminal task terminal: 0 rows affected
	mock.ExpectExec("UPDATE tasks SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := New(db)
	if err := s.FinishTask(context.Background(), "task-1", models.TaskCompleted, "done"); err == nil {
		t.Fatal("finishing an already-terminal task should report not found")
	}
}
