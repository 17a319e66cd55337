package archive

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lalalune/babylon-train/internal/models"
)

func TestKeyShardsByCreationDay(t *testing.T) {
	a := &S3Archiver{prefix: "babylon"}
	batch := models.TrainingBatch{
		ID:        uuid.MustParse("6fa459ea-ee8a-3ca4-894e-db77e160355e"),
		CreatedAt: time.Date(2025, 5, 1, 10, 30, 0, 0, time.UTC),
	}
	want := "babylon/batches/2025/05/01/6fa459ea-ee8a-3ca4-894e-db77e160355e.json"
	if got := a.Key(batch); got != want {
		t.Fatalf("key = %s, want %s", got, want)
	}
}

func TestKeyWithoutPrefix(t *testing.T) {
	a := &S3Archiver{}
	batch := models.TrainingBatch{
		ID:        uuid.New(),
		CreatedAt: time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC),
	}
	key := a.Key(batch)
	if key[:len("batches/2025/12/31/")] != "batches/2025/12/31/" {
		t.Fatalf("unexpected key %s", key)
	}
}

func TestNewS3ArchiverRequiresBucket(t *testing.T) {
	if _, err := NewS3Archiver(context.Background(), "", "prefix"); err == nil {
		t.Fatalf("expected error for empty bucket")
	}
}
