package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/deonneon/ohtani-harada/domain"
)

func newTestStore(t *testing.T, cfg Config) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := log.New()
	logger.SetOutput(io.Discard)
	return New(NewRedisKV(client), cfg, logger), mr
}

func sampleMatrix() domain.MatrixData {
	completed := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	return domain.MatrixData{
		Goal: domain.Goal{
			ID: "goal-1", Title: "Run a marathon", Description: "Under four hours",
			CreatedDate: time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC),
		},
		FocusAreas: []domain.FocusArea{
			{ID: "area-1", Title: "Training", Description: "Weekly mileage", GoalID: "goal-1"},
			{ID: "area-2", Title: "Nutrition", Description: "Fueling", GoalID: "goal-1"},
		},
		Tasks: []domain.Task{
			{ID: "task-1", Title: "Long run", AreaID: "area-1", Status: domain.StatusCompleted, Priority: domain.PriorityHigh, CompletedDate: &completed},
			{ID: "task-2", Title: "Intervals", AreaID: "area-1", Status: domain.StatusInProgress, Priority: domain.PriorityMedium},
			{ID: "task-3", Title: "Meal plan", AreaID: "area-2", Status: domain.StatusPending, Priority: domain.PriorityLow},
		},
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()
	in := sampleMatrix()

	if err := store.SaveMatrix(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := store.LoadMatrix(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out == nil {
		t.Fatal("load returned nil after save")
	}
	if out.Goal.ID != in.Goal.ID || out.Goal.Title != in.Goal.Title {
		t.Fatalf("goal mismatch: %+v", out.Goal)
	}
	if !out.Goal.CreatedDate.Equal(in.Goal.CreatedDate) {
		t.Fatalf("createdDate %v, want %v", out.Goal.CreatedDate, in.Goal.CreatedDate)
	}
	if len(out.FocusAreas) != 2 || len(out.Tasks) != 3 {
		t.Fatalf("shape mismatch: %d areas, %d tasks", len(out.FocusAreas), len(out.Tasks))
	}
	got, _ := domain.FindTask(*out, "task-1")
	if got.Status != domain.StatusCompleted || got.CompletedDate == nil {
		t.Fatalf("completed task lost its state: %+v", got)
	}
	if !got.CompletedDate.Equal(*in.Tasks[0].CompletedDate) {
		t.Fatalf("completedDate %v, want %v", got.CompletedDate, in.Tasks[0].CompletedDate)
	}
	if got, _ := domain.FindTask(*out, "task-2"); got.CompletedDate != nil {
		t.Fatalf("in-progress task gained a completedDate: %+v", got)
	}
}

func TestLoadEmptyStore(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	out, err := store.LoadMatrix(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out != nil {
		t.Fatalf("empty store returned %+v", out)
	}
}

func TestSaveQuotaPreCheck(t *testing.T) {
	store, mr := newTestStore(t, Config{MaxBytes: 64})
	if store.MaxBytes() != 64 {
		t.Fatalf("configured ceiling %d, want 64", store.MaxBytes())
	}
	err := store.SaveMatrix(context.Background(), sampleMatrix())

	var quota *QuotaExceededError
	if !errors.As(err, &quota) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if quota.Limit != 64 || quota.Size <= 64 {
		t.Fatalf("unexpected sizes: %+v", quota)
	}
	var fault StorageFault
	if !errors.As(err, &fault) {
		t.Fatal("quota error is not a storage fault")
	}
	if mr.Exists(keyMatrix) {
		t.Fatal("oversized payload was written anyway")
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	store, mr := newTestStore(t, Config{})
	ctx := context.Background()

	in := sampleMatrix()
	filler := strings.Repeat("Stay on pace and log every split. ", 20)
	for i := 0; i < domain.MaxTasksPerArea*4; i++ {
		in.Tasks = append(in.Tasks, domain.Task{
			ID: domain.NewID(), Title: "Tempo block", Description: filler,
			AreaID: "area-1", Status: domain.StatusPending, Priority: domain.PriorityMedium,
		})
	}

	if err := store.SaveMatrix(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	flag, err := mr.Get(keyCompressed)
	if err != nil {
		t.Fatalf("flag key: %v", err)
	}
	if flag != "1" {
		t.Fatal("large repetitive payload not stored compressed")
	}

	out, err := store.LoadMatrix(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out.Tasks) != len(in.Tasks) {
		t.Fatalf("loaded %d tasks, want %d", len(out.Tasks), len(in.Tasks))
	}
}

func TestSmallPayloadStaysUncompressed(t *testing.T) {
	store, mr := newTestStore(t, Config{})
	if err := store.SaveMatrix(context.Background(), sampleMatrix()); err != nil {
		t.Fatalf("save: %v", err)
	}
	flag, _ := mr.Get(keyCompressed)
	if flag != "0" {
		t.Fatalf("flag %q, want 0", flag)
	}
	payload, _ := mr.Get(keyMatrix)
	if !strings.HasPrefix(payload, "{") {
		t.Fatalf("small payload not stored as plain JSON: %.20q", payload)
	}
}

func TestLoadCorruptPayload(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"invalid json", `{"version":"1.0.0","data":{`},
		{"missing version", `{"data":{"goal":{},"focusAreas":[],"tasks":[]}}`},
		{"version not a string", `{"version":1,"data":{"goal":{},"focusAreas":[],"tasks":[]}}`},
		{"missing tasks field", `{"version":"1.0.0","data":{"goal":{"id":"g","title":"G","description":"D","createdDate":"2025-01-02T10:00:00Z"},"focusAreas":[]}}`},
		{"unknown status", `{"version":"1.0.0","data":{"goal":{"id":"g","title":"G","description":"D","createdDate":"2025-01-02T10:00:00Z"},"focusAreas":[],"tasks":[{"id":"t","title":"T","areaId":"a","status":"done"}]}}`},
		{"unparseable date", `{"version":"1.0.0","data":{"goal":{"id":"g","title":"G","description":"D","createdDate":"yesterday"},"focusAreas":[],"tasks":[]}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, mr := newTestStore(t, Config{})
			mr.Set(keyMatrix, tc.payload)
			mr.Set(keyVersion, "1.0.0")

			_, err := store.LoadMatrix(context.Background())
			var corrupt *CorruptionError
			if !errors.As(err, &corrupt) {
				t.Fatalf("expected CorruptionError, got %v", err)
			}
			var fault StorageFault
			if !errors.As(err, &fault) {
				t.Fatal("corruption is not a storage fault")
			}
		})
	}
}

func TestLoadBadCompressedPayload(t *testing.T) {
	store, mr := newTestStore(t, Config{})
	mr.Set(keyMatrix, "not base64 at all!!")
	mr.Set(keyCompressed, "1")

	_, err := store.LoadMatrix(context.Background())
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptionError, got %v", err)
	}
}

func TestLoadMigratesLegacyPayload(t *testing.T) {
	store, mr := newTestStore(t, Config{})
	legacy := `{"version":"0.9.1","lastSaved":"2025-02-01T08:00:00Z","data":{` +
		`"goal":{"id":"g-1","title":"Goal","description":"Desc","createdDate":"2025-01-02T10:00:00Z"},` +
		`"focusAreas":[{"id":"a-1","title":"Health","description":"D","goalId":"g-1"}],` +
		`"tasks":[{"id":"t-1","title":"Run","description":"","areaId":"a-1","done":true,"priority":"high"},` +
		`{"id":"t-2","title":"Swim","description":"","areaId":"a-1","done":false,"priority":"low"}]}}`
	mr.Set(keyMatrix, legacy)
	mr.Set(keyVersion, "0.9.1")

	out, err := store.LoadMatrix(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	first, _ := domain.FindTask(*out, "t-1")
	if first.Status != domain.StatusCompleted {
		t.Fatalf("done task loaded with status %q", first.Status)
	}
	if first.CompletedDate == nil {
		t.Fatal("migrated completed task has no completedDate")
	}
	if first.Priority != domain.PriorityHigh {
		t.Fatalf("priority %q, want high", first.Priority)
	}
	second, _ := domain.FindTask(*out, "t-2")
	if second.Status != domain.StatusPending {
		t.Fatalf("undone task loaded with status %q", second.Status)
	}
}

func TestLoadRefusesFutureVersion(t *testing.T) {
	store, mr := newTestStore(t, Config{})
	mr.Set(keyMatrix, `{"version":"9.0.0","data":{"goal":{},"focusAreas":[],"tasks":[]}}`)

	_, err := store.LoadMatrix(context.Background())
	if err == nil {
		t.Fatal("future payload accepted")
	}
	if !strings.Contains(err.Error(), "refusing to downgrade") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClearAndProbe(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()

	ok, err := store.HasMatrix(ctx)
	if err != nil || ok {
		t.Fatalf("empty store probe: ok=%v err=%v", ok, err)
	}
	if err := store.SaveMatrix(ctx, sampleMatrix()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if ok, _ := store.HasMatrix(ctx); !ok {
		t.Fatal("probe false after save")
	}
	if err := store.ClearMatrix(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if ok, _ := store.HasMatrix(ctx); ok {
		t.Fatal("probe true after clear")
	}
	out, err := store.LoadMatrix(ctx)
	if err != nil || out != nil {
		t.Fatalf("load after clear: %+v, %v", out, err)
	}
}

func TestMetadataAndUsage(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()

	meta, err := store.Metadata(ctx)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta != nil {
		t.Fatalf("empty store has metadata: %+v", meta)
	}

	before := time.Now().UTC().Add(-time.Second)
	if err := store.SaveMatrix(ctx, sampleMatrix()); err != nil {
		t.Fatalf("save: %v", err)
	}
	meta, err = store.Metadata(ctx)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.Version != CurrentSchemaVersion.String() {
		t.Fatalf("version %q", meta.Version)
	}
	if meta.SizeBytes == 0 || meta.Compressed {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if meta.LastSaved.Before(before) {
		t.Fatalf("lastSaved %v is stale", meta.LastSaved)
	}

	usage, err := store.Usage(ctx)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.UsedBytes <= meta.SizeBytes {
		t.Fatalf("usage %d should exceed payload size %d", usage.UsedBytes, meta.SizeBytes)
	}
	if usage.LimitBytes != DefaultMaxBytes || usage.Percent <= 0 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestBackupLifecycle(t *testing.T) {
	store, mr := newTestStore(t, Config{})
	ctx := context.Background()

	if store.CreateBackup(ctx) {
		t.Fatal("backup of an empty store reported success")
	}

	if err := store.SaveMatrix(ctx, sampleMatrix()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !store.CreateBackup(ctx) {
		t.Fatal("backup failed")
	}
	meta, err := store.BackupMetadata(ctx)
	if err != nil || meta == nil {
		t.Fatalf("backup metadata: %+v, %v", meta, err)
	}

	// corrupt the primary; the backup must still restore
	mr.Set(keyMatrix, "{broken")
	if _, err := store.LoadMatrix(ctx); err == nil {
		t.Fatal("corrupt primary loaded")
	}
	restored := store.RestoreFromBackup(ctx)
	if restored == nil {
		t.Fatal("backup did not restore")
	}
	if restored.Goal.ID != "goal-1" || len(restored.Tasks) != 3 {
		t.Fatalf("restored matrix mismatch: %+v", restored)
	}

	if err := store.ClearBackup(ctx); err != nil {
		t.Fatalf("clear backup: %v", err)
	}
	if store.RestoreFromBackup(ctx) != nil {
		t.Fatal("restore succeeded after backup cleared")
	}
	meta, err = store.BackupMetadata(ctx)
	if err != nil || meta != nil {
		t.Fatalf("backup metadata after clear: %+v, %v", meta, err)
	}
}
