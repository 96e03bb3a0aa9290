package main

import (
    "context"
    "fmt"
    "os"
    "sort"
    "strconv"
    "time"

    "github.com/d60-Lab/timeline-fanout/config"
    "github.com/d60-Lab/timeline-fanout/internal/app"
    "github.com/d60-Lab/timeline-fanout/internal/event"
    "github.com/d60-Lab/timeline-fanout/internal/model"
    "github.com/d60-Lab/timeline-fanout/internal/timeline"
    "github.com/d60-Lab/timeline-fanout/pkg/database"
)

// discard 丢弃事件：扇出由本进程同步驱动
type discard struct{}

func (discard) Publish(context.Context, *event.Event) error { return nil }

func main() {
    cfg, err := config.Load()
    if err != nil { panic(err) }
    db, err := database.InitDB(cfg)
    if err != nil { panic(err) }
    if err := database.AutoMigrate(db); err != nil { panic(err) }
    rdb, err := database.InitRedis(cfg)
    if err != nil { panic(err) }
    ctx := context.Background()

    FOLLOWERS := 2000
    if s := os.Getenv("FOLLOWERS"); s != "" { if v, e := strconv.Atoi(s); e == nil && v > 0 { FOLLOWERS = v } }
    REPEAT := 50
    if s := os.Getenv("REPEAT"); s != "" { if v, e := strconv.Atoi(s); e == nil && v > 0 { REPEAT = v } }

    a, err := app.New(cfg, db, rdb, discard{})
    if err != nil { panic(err) }

    // seed author + followers once
    const authorID = int64(1)
    var cnt int64
    db.Model(&model.Follow{}).Where("target_account_id = ?", authorID).Count(&cnt)
    if cnt < int64(FOLLOWERS) {
        now := time.Now()
        accounts := []model.Account{{ID: authorID, Username: "author0", LastActiveAt: &now}}
        follows := make([]model.Follow, 0, FOLLOWERS)
        for i := 0; i < FOLLOWERS; i++ {
            id := int64(i + 2)
            accounts = append(accounts, model.Account{ID: id, Username: fmt.Sprintf("f%06d", i), LastActiveAt: &now})
            follows = append(follows, model.Follow{AccountID: id, TargetAccountID: authorID, ShowReblogs: true})
        }
        if err := db.CreateInBatches(&accounts, 1000).Error; err != nil { panic(err) }
        if err := db.CreateInBatches(&follows, 1000).Error; err != nil { panic(err) }
        _ = a.Followers.Invalidate(ctx, authorID)
    }

    post := func(i int) *model.Status {
        st := &model.Status{ID: a.IDs.Next(), AccountID: authorID, Visibility: model.VisibilityPublic, Text: fmt.Sprintf("bench %d", i)}
        if err := a.Statuses.Create(ctx, st); err != nil { panic(err) }
        return st
    }

    // single: one push into one home timeline
    single := func(st *model.Status) time.Duration {
        t := time.Now()
        if _, err := a.Store.Push(ctx, model.HomeTimeline(authorID), timeline.EntryFor(st)); err != nil { panic(err) }
        return time.Since(t)
    }

    // fanout: the whole create path across every follower
    fanout := func(st *model.Status) time.Duration {
        t := time.Now()
        if err := a.Fanout.FanOutOnCreate(ctx, st.ID, nil); err != nil { panic(err) }
        return time.Since(t)
    }

    singles := make([]time.Duration, 0, REPEAT)
    fanouts := make([]time.Duration, 0, REPEAT)
    for i := 0; i < REPEAT; i++ { singles = append(singles, single(post(i))) }
    // count follower index reads of the fan-out phase only
    a.Followers.ResetCounters()
    for i := 0; i < REPEAT; i++ { fanouts = append(fanouts, fanout(post(REPEAT+i))) }

    pct := func(vs []time.Duration, p float64) time.Duration {
        xs := append([]time.Duration(nil), vs...)
        sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
        k := int(float64(len(xs))*p)
        if k < 0 { k = 0 }
        if k >= len(xs) { k = len(xs)-1 }
        return xs[k]
    }

    var sum1, sum2 time.Duration
    for _, d := range singles { sum1 += d }
    for _, d := range fanouts { sum2 += d }
    c := a.Followers.Counters()
    fmt.Printf("FOLLOWERS=%d REPEAT=%d CONCURRENCY=%d\n", FOLLOWERS, REPEAT, cfg.Fanout.Concurrency)
    fmt.Printf("Single timeline push: avg=%v p95=%v p99=%v\n", sum1/time.Duration(len(singles)), pct(singles, 0.95), pct(singles, 0.99))
    fmt.Printf("Fan-out to %d homes: avg=%v p95=%v p99=%v\n", FOLLOWERS, sum2/time.Duration(len(fanouts)), pct(fanouts, 0.95), pct(fanouts, 0.99))
    fmt.Printf("Follower index during fan-out: %+v\n", c)
}
