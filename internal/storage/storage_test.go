package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fx-rate-pipeline/internal/config"
	"fx-rate-pipeline/internal/rates"
)

func TestMemoryStoreRecentOrderAndCapacity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(3)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := store.SaveSnapshot(ctx, Snapshot{
			Base:      "USD",
			Displayed: rates.Table{"EUR": float64(i)},
			CreatedAt: start.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	count, _ := store.CountSnapshots(ctx)
	if count != 3 {
		t.Fatalf("容量应限制为 3, 实际 %d", count)
	}
	recent, _ := store.LoadRecentSnapshots(ctx, 2)
	if len(recent) != 2 || recent[0].Displayed["EUR"] != 3 || recent[1].Displayed["EUR"] != 4 {
		t.Fatalf("应按旧到新返回最近的快照: %+v", recent)
	}
	latest, ok, _ := store.LatestSnapshot(ctx)
	if !ok || latest.ID != 5 {
		t.Fatalf("最新快照不正确: %+v", latest)
	}
	tables := Displayed(recent)
	if len(tables) != 2 || tables[1]["EUR"] != 4 {
		t.Fatalf("Displayed 提取不正确: %v", tables)
	}
}

func TestMemoryStoreCopiesTables(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	table := rates.Table{"EUR": 0.9}
	_, _ = store.SaveSnapshot(ctx, Snapshot{Displayed: table})
	table["EUR"] = 42

	latest, _, _ := store.LatestSnapshot(ctx)
	if latest.Displayed["EUR"] != 0.9 {
		t.Fatal("保存后的快照不应受调用方修改影响")
	}
	if latest.CycleID == uuid.Nil {
		t.Fatal("应自动分配 cycle id")
	}
}

func TestMemoryStoreBetweenAndPrune(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		_, _ = store.SaveSnapshot(ctx, Snapshot{Displayed: rates.Table{"EUR": 1}, CreatedAt: start.Add(time.Duration(i) * 24 * time.Hour)})
	}

	between, _ := store.ListSnapshotsBetween(ctx, start.Add(24*time.Hour), start.Add(3*24*time.Hour))
	if len(between) != 2 {
		t.Fatalf("区间应为左闭右开, 实际 %d 条", len(between))
	}

	removed, _ := store.DeleteSnapshotsBefore(ctx, start.Add(2*24*time.Hour))
	if removed != 2 {
		t.Fatalf("应删除 2 条, 实际 %d", removed)
	}
	if count, _ := store.CountSnapshots(ctx); count != 2 {
		t.Fatalf("剩余应为 2 条, 实际 %d", count)
	}
}

func TestMemoryStorePopularPairs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	record := func(from, to string) {
		_ = store.InsertConversion(ctx, ConversionRecord{From: from, To: to, Amount: decimal.NewFromInt(1)})
	}
	record("USD", "EUR")
	record("USD", "EUR")
	record("USD", "JPY")
	record("EUR", "GBP")
	record("EUR", "GBP")
	record("AUD", "CAD")

	pairs, err := store.ListPopularPairs(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 2 || pairs[0] != (PairCount{From: "EUR", To: "GBP", Count: 2}) || pairs[1] != (PairCount{From: "USD", To: "EUR", Count: 2}) {
		t.Fatalf("热门货币对排序不正确: %+v", pairs)
	}
}

func TestStoreNotConfigured(t *testing.T) {
	var s *Store
	if _, err := s.SaveSnapshot(context.Background(), Snapshot{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置连接池应返回 ErrNotConfigured, 实际 %v", err)
	}
	if _, err := NewStore(nil).ListPopularPairs(context.Background(), 10); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置连接池应返回 ErrNotConfigured, 实际 %v", err)
	}
	if _, err := Migrate("", "migrations"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Migrate 需要 DSN, 实际 %v", err)
	}
}

func TestMigrationsDirectory(t *testing.T) {
	sourceURL, err := migrationSource(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatal(err)
	}
	drv, err := (&file.File{}).Open(sourceURL)
	if err != nil {
		t.Fatalf("迁移目录应能被 file source 打开: %v", err)
	}
	defer drv.Close()

	first, err := drv.First()
	if err != nil || first != 1 {
		t.Fatalf("第一个迁移版本应为 1, 实际 %d %v", first, err)
	}

	up, ident, err := drv.ReadUp(first)
	if err != nil {
		t.Fatalf("缺少 up 迁移: %v", err)
	}
	body, err := io.ReadAll(up)
	up.Close()
	if err != nil || ident != "init" || !strings.Contains(string(body), "rate_snapshots") {
		t.Fatalf("up 迁移内容不正确: %q %v", ident, err)
	}

	down, _, err := drv.ReadDown(first)
	if err != nil {
		t.Fatalf("每个 up 迁移都应有对应的 down 迁移: %v", err)
	}
	body, err = io.ReadAll(down)
	down.Close()
	if err != nil || !strings.Contains(string(body), "DROP TABLE") {
		t.Fatalf("down 迁移应删除表: %q %v", body, err)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("RATEPIPELINE_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("RATEPIPELINE_TEST_DATABASE_DSN not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn})
	if err != nil {
		t.Fatal(err)
	}
	store := NewStore(pool)
	defer store.Close()

	dir := filepath.Join("..", "..", "migrations")
	version, err := Migrate(dsn, dir)
	if err != nil || version != 1 {
		t.Fatalf("首次迁移应到版本 1, 实际 %d %v", version, err)
	}
	if again, err := Migrate(dsn, dir); err != nil || again != version {
		t.Fatalf("重复迁移应为空操作, 实际 %d %v", again, err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	saved, err := store.SaveSnapshot(ctx, Snapshot{
		CycleID:    uuid.New(),
		Base:       "USD",
		Displayed:  rates.Table{"USD": 1, "EUR": 0.9},
		Aggregated: rates.Table{"USD": 1, "EUR": 0.91},
		Providers:  []string{"a", "b"},
		CreatedAt:  now,
	})
	if err != nil {
		t.Fatal(err)
	}
	latest, ok, err := store.LatestSnapshot(ctx)
	if err != nil || !ok || latest.ID != saved.ID || latest.Displayed["EUR"] != 0.9 {
		t.Fatalf("latest = %+v %v %v", latest, ok, err)
	}

	if err := store.InsertConversion(ctx, ConversionRecord{
		From: "USD", To: "EUR",
		Amount: decimal.NewFromInt(10), Rate: decimal.NewFromFloat(0.9), Result: decimal.NewFromInt(9),
	}); err != nil {
		t.Fatal(err)
	}
	if pairs, err := store.ListPopularPairs(ctx, 10); err != nil || len(pairs) == 0 {
		t.Fatalf("popular = %v %v", pairs, err)
	}
	if _, err := store.DeleteSnapshotsBefore(ctx, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
}
