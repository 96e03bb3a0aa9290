package main

import (
    "context"
    "fmt"
    "math"
    "os"
    "sort"
    "strconv"
    "time"

    "github.com/d60-Lab/timeline-fanout/config"
    "github.com/d60-Lab/timeline-fanout/internal/app"
    "github.com/d60-Lab/timeline-fanout/internal/model"
    "github.com/d60-Lab/timeline-fanout/internal/queue"
    "github.com/d60-Lab/timeline-fanout/internal/service"
    "github.com/d60-Lab/timeline-fanout/pkg/database"
)

func must[T any](v T, err error) T { if err != nil { panic(err) }; return v }

func pct(vs []time.Duration, p float64) time.Duration {
    if len(vs) == 0 { return 0 }
    xs := append([]time.Duration(nil), vs...)
    sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
    k := int(math.Ceil(p*float64(len(xs)))) - 1
    if k < 0 { k = 0 }
    if k >= len(xs) { k = len(xs)-1 }
    return xs[k]
}

func avg(vs []time.Duration) time.Duration {
    if len(vs) == 0 { return 0 }
    var sum time.Duration
    for _, d := range vs { sum += d }
    return sum / time.Duration(len(vs))
}

func envInt(name string, def int) int {
    if s := os.Getenv(name); s != "" { if v, e := strconv.Atoi(s); e == nil && v > 0 { return v } }
    return def
}

type metered interface{ Metrics() <-chan time.Duration }

func main() {
    cfg := must(config.Load())
    db := must(database.InitDB(cfg))
    if err := database.AutoMigrate(db); err != nil { panic(err) }
    rdb := must(database.InitRedis(cfg))
    ctx := context.Background()

    // params
    N := envInt("N", 20000)        // followers of the author
    POSTS := envInt("POSTS", 100)  // statuses to publish
    cfg.Queue.Workers = envInt("WORKERS", cfg.Queue.Workers)
    cfg.Fanout.Concurrency = envInt("CONCURRENCY", cfg.Fanout.Concurrency)

    q := must(queue.New(ctx, cfg.Queue, db))
    a := must(app.New(cfg, db, rdb, q))
    m, ok := q.(metered)
    if !ok { panic(fmt.Sprintf("queue driver %q reports no landing metrics", cfg.Queue.Driver)) }

    // clean tables for a reproducible run (ok for local bench)
    for _, t := range []string{"outbox", "notifications", "mentions", "status_tags", "statuses", "follows", "accounts"} {
        _ = db.Exec("DELETE FROM " + t).Error
    }
    _ = rdb.FlushDB(ctx).Err()

    // seed one author and N followers
    now := time.Now()
    const authorID = int64(1)
    accounts := make([]model.Account, 0, N+1)
    accounts = append(accounts, model.Account{ID: authorID, Username: "author0", LastActiveAt: &now})
    for i := 0; i < N; i++ {
        accounts = append(accounts, model.Account{ID: int64(i + 2), Username: "u" + strconv.Itoa(i), LastActiveAt: &now})
    }
    if err := db.CreateInBatches(&accounts, 1000).Error; err != nil { panic(err) }
    follows := make([]model.Follow, N)
    for i := 0; i < N; i++ { follows[i] = model.Follow{AccountID: int64(i + 2), TargetAccountID: authorID, ShowReblogs: true} }
    if err := db.CreateInBatches(&follows, 1000).Error; err != nil { panic(err) }

    stop := q.Start(a.Dispatcher.Handler())
    defer stop(ctx)

    // publish POSTS
    pubDurations := make([]time.Duration, 0, POSTS)
    for i := 0; i < POSTS; i++ {
        st := time.Now()
        if _, err := a.Publisher.Publish(ctx, service.NewStatus{AccountID: authorID, Text: fmt.Sprintf("hello %d", i)}); err != nil { panic(err) }
        pubDurations = append(pubDurations, time.Since(st))
    }

    // collect landing metrics
    land := make([]time.Duration, 0, POSTS)
    timeout := time.After(2 * time.Minute)
    for len(land) < POSTS {
        select {
        case d := <-m.Metrics():
            land = append(land, d)
        case <-timeout:
            fmt.Printf("timeout while waiting for fanout metrics: got=%d want=%d\n", len(land), POSTS)
            goto PRINT
        }
    }

PRINT:
    fmt.Printf("N=%d POSTS=%d DRIVER=%s WORKERS=%d CONCURRENCY=%d\n", N, POSTS, cfg.Queue.Driver, cfg.Queue.Workers, cfg.Fanout.Concurrency)
    fmt.Printf("Publish tx latency: avg=%v p95=%v p99=%v\n", avg(pubDurations), pct(pubDurations, 0.95), pct(pubDurations, 0.99))
    fmt.Printf("Fanout landing (event->done): samples=%d avg=%v p95=%v p99=%v\n", len(land), avg(land), pct(land, 0.95), pct(land, 0.99))

    // measure the first follower's home read (first page)
    reads := make([]time.Duration, 0, 50)
    var got int
    for i := 0; i < 50; i++ {
        st := time.Now()
        page, err := a.Timelines.GetTimeline(ctx, 2, service.TimelineType{Kind: model.TimelineHome}, service.PageParams{Limit: 40})
        if err != nil { panic(err) }
        reads = append(reads, time.Since(st))
        got = len(page.Statuses)
    }
    fmt.Printf("Home read (follower0, limit=40): avg=%v p95=%v rows=%d\n", avg(reads), pct(reads, 0.95), got)
}
